package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "confidential_layer"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Computation definition registrations by outcome.",
		},
		[]string{"circuit", "outcome"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "submissions_total",
			Help:      "Computation submissions by outcome.",
		},
		[]string{"circuit", "outcome"},
	)

	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "callbacks_total",
			Help:      "Cluster callbacks by outcome.",
		},
		[]string{"circuit", "outcome"},
	)

	resolution = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "queue_to_resolution_seconds",
			Help:      "Time from queueing to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"circuit", "status"},
	)

	relayForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwards_total",
			Help:      "Bundles handed to the compute cluster by outcome.",
		},
		[]string{"outcome"},
	)

	queued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "queued_requests",
			Help:      "Requests currently waiting for a callback.",
		},
	)

	released = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "released_slots_total",
			Help:      "Terminal request slots released.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		registrations,
		submissions,
		callbacks,
		resolution,
		relayForwards,
		queued,
		released,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordRegistration counts a definition registration attempt.
func RecordRegistration(circuit, outcome string) {
	registrations.WithLabelValues(label(circuit), label(outcome)).Inc()
}

// RecordSubmission counts a dispatcher submission.
func RecordSubmission(circuit, outcome string) {
	submissions.WithLabelValues(label(circuit), label(outcome)).Inc()
}

// RecordCallback counts a callback and, for terminal outcomes, the time the
// request spent queued.
func RecordCallback(circuit, outcome string, queuedFor time.Duration) {
	callbacks.WithLabelValues(label(circuit), label(outcome)).Inc()
	if queuedFor > 0 {
		resolution.WithLabelValues(label(circuit), label(outcome)).Observe(queuedFor.Seconds())
	}
}

// RecordRelay counts one relay attempt.
func RecordRelay(success bool) {
	outcome := "failed"
	if success {
		outcome = "forwarded"
	}
	relayForwards.WithLabelValues(outcome).Inc()
}

// SetQueued reports the number of requests awaiting a callback.
func SetQueued(n int) { queued.Set(float64(n)) }

// RecordRelease counts released slots.
func RecordRelease(n int) { released.Add(float64(n)) }

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets streaming handlers flush through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses identifiers so label cardinality stays bounded:
// /v1/computations/42 becomes /v1/computations/:id.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch {
	case len(parts) == 2:
		return "/v1/" + parts[1]
	case parts[1] == "events":
		return "/v1/events/" + parts[2]
	case parts[1] == "computations":
		if _, err := strconv.ParseUint(parts[2], 10, 64); err == nil {
			return "/v1/computations/:id"
		}
		return "/v1/computations/:circuit"
	default:
		return "/v1/" + parts[1] + "/:circuit"
	}
}

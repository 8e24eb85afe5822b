package middleware

import (
	"net/http"

	"github.com/R3E-Network/confidential_layer/internal/logging"
)

// TracingMiddleware adds a trace ID to requests that arrive without one.
type TracingMiddleware struct {
	header string
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware() *TracingMiddleware {
	return &TracingMiddleware{header: "X-Trace-ID"}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(m.header)
		if traceID == "" {
			traceID = logging.NewTraceID()
		}
		w.Header().Set(m.header, traceID)
		next.ServeHTTP(w, r.WithContext(logging.WithTraceID(r.Context(), traceID)))
	})
}

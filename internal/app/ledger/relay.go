package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/metrics"
	"github.com/R3E-Network/confidential_layer/internal/app/system"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

var _ system.Service = (*Relay)(nil)

// Relay hands queued requests to the compute cluster. It runs on a ticker
// and is also woken whenever the runtime queues a request.
type Relay struct {
	runtime   *Runtime
	submitter cluster.Submitter
	log       *logger.Logger
	interval  time.Duration
	batch     int
	limiter   *rate.Limiter
	newPolicy func() backoff.BackOff

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRelay constructs a lifecycle-managed relay.
func NewRelay(rt *Runtime, submitter cluster.Submitter, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewDefault("ledger-relay")
	}
	return &Relay{
		runtime:   rt,
		submitter: submitter,
		log:       log,
		interval:  2 * time.Second,
		batch:     50,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		newPolicy: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
}

// WithInterval overrides the polling interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithBatch overrides how many requests one pass forwards.
func (r *Relay) WithBatch(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

// WithRate paces submissions to rps per second. Zero disables pacing.
func (r *Relay) WithRate(rps float64, burst int) *Relay {
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return r
}

// WithBackOff overrides the per-request retry policy.
func (r *Relay) WithBackOff(policy func() backoff.BackOff) *Relay {
	if policy != nil {
		r.newPolicy = policy
	}
	return r
}

func (r *Relay) Name() string { return "ledger-relay" }

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.submitter == nil {
		r.mu.Unlock()
		r.log.Warn("cluster submitter not configured; relay disabled")
		return nil
	}
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			case <-r.runtime.Queued():
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("ledger relay started")
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("ledger relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) tick(ctx context.Context) {
	pending, err := r.runtime.Pending(ctx, r.batch)
	if err != nil {
		r.log.WithError(err).Warn("list pending computations")
		return
	}
	for _, req := range pending {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.forward(ctx, req)
	}
}

func (r *Relay) forward(ctx context.Context, req computation.Request) {
	log := r.log.WithField("request_id", req.ID).WithField("circuit", req.Circuit)
	bundle := cluster.BundleFor(req)

	err := backoff.Retry(func() error {
		err := r.submitter.Submit(ctx, bundle)
		if errors.Is(err, cluster.ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(r.newPolicy(), ctx))

	attempts := req.Attempts + 1
	metrics.RecordRelay(err == nil)
	switch {
	case err == nil:
		if err := r.runtime.RecordRelay(ctx, req.ID, true, attempts); err != nil {
			log.WithError(err).Warn("record forwarded request")
			return
		}
		log.Debug("bundle forwarded to cluster")
	case errors.Is(err, cluster.ErrRejected):
		// The cluster will never answer a bundle it refused.
		if _, _, abortErr := r.runtime.Abort(ctx, req.ID, req.Circuit, err.Error()); abortErr != nil && !errors.Is(abortErr, computation.ErrAlreadyResolved) {
			log.WithError(abortErr).Warn("abort rejected request")
		}
	default:
		log.WithError(err).WithField("attempts", attempts).Warn("forward bundle to cluster")
		if err := r.runtime.RecordRelay(ctx, req.ID, false, attempts); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("record relay attempt")
		}
	}
}

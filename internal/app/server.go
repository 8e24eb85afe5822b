package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/R3E-Network/confidential_layer/internal/app/system"
	"github.com/R3E-Network/confidential_layer/internal/middleware"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

// HTTPServer runs the API as a lifecycle-managed service.
type HTTPServer struct {
	addr    string
	handler http.Handler
	limiter *middleware.RateLimiter
	log     *logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ system.Service = (*HTTPServer)(nil)

// NewHTTPServer serves handler on addr. A nil limiter disables visitor
// cleanup.
func NewHTTPServer(addr string, handler http.Handler, limiter *middleware.RateLimiter, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.NewDefault("http-server")
	}
	return &HTTPServer{addr: addr, handler: handler, limiter: limiter, log: log}
}

func (s *HTTPServer) Name() string { return "http-server" }

// Start binds the listener synchronously so address errors surface here,
// then serves in the background.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if s.limiter != nil {
		s.limiter.StartCleanup(runCtx, time.Minute)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.srv, s.listener, s.cancel = srv, ln, cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server stopped")
		}
	}(s.done)
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel, done := s.srv, s.cancel, s.done
	s.srv, s.listener, s.cancel = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Addr reports the bound address, or the configured one before Start.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

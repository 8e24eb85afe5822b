package system

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Manager starts registered services in order and stops them in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]struct{}
	started  int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]struct{})}
}

// Register adds a service. Names must be unique and registration is only
// allowed before Start.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("service is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started > 0 {
		return fmt.Errorf("register %s: manager already started", svc.Name())
	}
	if _, ok := m.names[svc.Name()]; ok {
		return fmt.Errorf("service %s already registered", svc.Name())
	}
	m.names[svc.Name()] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Services returns the registered services in start order.
func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Service, len(m.services))
	copy(out, m.services)
	return out
}

// Start starts every service. When one fails, the services already started
// are stopped again and the start error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started > 0 {
		return nil
	}
	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			var result error = fmt.Errorf("start %s: %w", svc.Name(), err)
			for j := i - 1; j >= 0; j-- {
				if stopErr := m.services[j].Stop(ctx); stopErr != nil {
					result = multierror.Append(result, fmt.Errorf("stop %s: %w", m.services[j].Name(), stopErr))
				}
			}
			return result
		}
	}
	m.started = len(m.services)
	return nil
}

// Stop stops every started service in reverse order and reports all failures.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result *multierror.Error
	for i := m.started - 1; i >= 0; i-- {
		svc := m.services[i]
		if err := svc.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	m.started = 0
	return result.ErrorOrNil()
}

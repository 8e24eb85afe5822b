// Package system orders the background components of a node: the relay,
// the janitor, the simulated cluster and the HTTP server.
package system

import "context"

// Service is a component with a start/stop lifecycle. Start must return
// once the component is running; long work belongs in goroutines the
// component owns and joins in Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService satisfies Service for components without background work.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                { return n.ServiceName }
func (n NoopService) Start(context.Context) error { return nil }
func (n NoopService) Stop(context.Context) error  { return nil }

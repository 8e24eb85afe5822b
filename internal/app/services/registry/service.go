// Package registry registers computation definitions with the ledger
// runtime. A definition is created exactly once per circuit and is
// immutable afterwards.
package registry

import (
	"context"
	"errors"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/metrics"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

// Service is the Computation Definition Registry.
type Service struct {
	runtime *ledger.Runtime
	log     *logger.Logger
}

// New constructs a registry service.
func New(rt *ledger.Runtime, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Service{runtime: rt, log: log}
}

// Register creates the definition of circuit. A second registration of the
// same circuit fails with ErrAlreadyRegistered and changes nothing.
func (s *Service) Register(ctx context.Context, circuit computation.Circuit) (computation.Definition, error) {
	def, err := s.runtime.InitDefinition(ctx, circuit)
	switch {
	case err == nil:
		metrics.RecordRegistration(string(circuit), "registered")
	case errors.Is(err, computation.ErrAlreadyRegistered):
		metrics.RecordRegistration(string(circuit), "already_registered")
	default:
		metrics.RecordRegistration(string(circuit), "failed")
	}
	return def, err
}

// Lookup returns the registered definition of circuit.
func (s *Service) Lookup(ctx context.Context, circuit computation.Circuit) (computation.Definition, error) {
	return s.runtime.DefinitionByCircuit(ctx, circuit)
}

// List returns every registered definition.
func (s *Service) List(ctx context.Context) ([]computation.Definition, error) {
	return s.runtime.Definitions(ctx)
}

// Outcome reports what InitAll did for one circuit.
type Outcome struct {
	Definition computation.Definition
	Skipped    bool
}

// InitAll registers every known circuit, skipping those already present.
func (s *Service) InitAll(ctx context.Context) ([]Outcome, error) {
	var out []Outcome
	for _, circuit := range computation.Circuits() {
		def, err := s.Register(ctx, circuit)
		if errors.Is(err, computation.ErrAlreadyRegistered) {
			existing, lookupErr := s.Lookup(ctx, circuit)
			if lookupErr != nil {
				return out, lookupErr
			}
			s.log.WithField("circuit", circuit).Info("definition already registered; skipping")
			out = append(out, Outcome{Definition: existing, Skipped: true})
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, Outcome{Definition: def})
	}
	return out, nil
}

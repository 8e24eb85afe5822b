// Package verifier checks cluster callbacks against the registered signing
// set and the request they answer, then emits or aborts the request. A
// single failed verification is terminal for the request.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/metrics"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

// Service is the Callback Verifier & Emitter.
type Service struct {
	runtime *ledger.Runtime
	log     *logger.Logger
}

var _ cluster.CallbackSink = (*Service)(nil)

// New constructs a verifier.
func New(rt *ledger.Runtime, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("verifier")
	}
	return &Service{runtime: rt, log: log}
}

// Deliver lets an in-process cluster post results directly.
func (s *Service) Deliver(ctx context.Context, circuit computation.Circuit, result cluster.SignedResult) error {
	_, err := s.HandleCallback(ctx, circuit, result)
	return err
}

// HandleCallback runs the callback instruction of circuit for result.
//
// Unknown or already-resolved ids, and results routed to the wrong
// circuit, are rejected without touching any request. Otherwise the
// request reaches a terminal state: Emitted with the returned event, or
// Aborted with ErrAbortedComputation.
func (s *Service) HandleCallback(ctx context.Context, circuit computation.Circuit, result cluster.SignedResult) (computation.ResultEvent, error) {
	req, err := s.runtime.Request(ctx, result.RequestID)
	if err != nil {
		s.reject(circuit, result.RequestID, err)
		return computation.ResultEvent{}, err
	}
	if req.Status != computation.StatusQueued {
		err := fmt.Errorf("%w: %d is %s", computation.ErrAlreadyResolved, req.ID, req.Status)
		s.reject(circuit, req.ID, err)
		return computation.ResultEvent{}, err
	}
	if req.Circuit != circuit {
		err := fmt.Errorf("%w: request %d is %s, callback is %s", computation.ErrCallbackMismatch, req.ID, req.Circuit, circuit)
		s.reject(circuit, req.ID, err)
		return computation.ResultEvent{}, err
	}

	cfg, err := s.runtime.ClusterConfig(ctx)
	if err != nil {
		s.reject(circuit, req.ID, err)
		return computation.ResultEvent{}, err
	}
	set, err := cluster.NewSigningSet(cfg)
	if err != nil {
		return computation.ResultEvent{}, fmt.Errorf("load signing set: %w", err)
	}
	def, err := s.runtime.Definition(ctx, req.Offset)
	if err != nil {
		return computation.ResultEvent{}, err
	}

	if reason := checkShape(def, req, result); reason != "" {
		return computation.ResultEvent{}, s.abort(ctx, req, reason)
	}
	signers, err := set.Verify(result, req.Commitment)
	if err != nil {
		return computation.ResultEvent{}, s.abort(ctx, req, err.Error())
	}

	event := computation.ResultEvent{
		RequestID: req.ID,
		Circuit:   req.Circuit,
		Fields:    make([]computation.Field, len(def.Outputs)),
		Nonce:     result.Nonce,
	}
	for i, p := range def.Outputs {
		event.Fields[i] = computation.Field{Name: p.Name, Kind: p.Kind, Ciphertext: result.Outputs[i]}
	}
	if _, _, err := s.runtime.Emit(ctx, req.ID, event); err != nil {
		s.reject(circuit, req.ID, err)
		return computation.ResultEvent{}, err
	}
	metrics.RecordCallback(string(circuit), string(computation.StatusEmitted), time.Since(req.QueuedAt))
	s.log.WithField("request_id", req.ID).WithField("circuit", circuit).WithField("signers", signers).Debug("callback verified")
	return event, nil
}

func checkShape(def computation.Definition, req computation.Request, result cluster.SignedResult) string {
	if result.Offset != req.Offset {
		return fmt.Sprintf("result for offset %d, request is offset %d", result.Offset, req.Offset)
	}
	if len(result.Outputs) != len(def.Outputs) {
		return fmt.Sprintf("%d outputs, %s declares %d", len(result.Outputs), def.Circuit, len(def.Outputs))
	}
	return ""
}

func (s *Service) abort(ctx context.Context, req computation.Request, reason string) error {
	if _, _, err := s.runtime.Abort(ctx, req.ID, req.Circuit, reason); err != nil {
		s.reject(req.Circuit, req.ID, err)
		return err
	}
	metrics.RecordCallback(string(req.Circuit), string(computation.StatusAborted), time.Since(req.QueuedAt))
	return fmt.Errorf("%w: request %d: %s", computation.ErrAbortedComputation, req.ID, reason)
}

func (s *Service) reject(circuit computation.Circuit, id uint64, err error) {
	outcome := "rejected"
	if errors.Is(err, computation.ErrUnknownRequest) {
		outcome = "unknown_request"
	} else if errors.Is(err, computation.ErrAlreadyResolved) {
		outcome = "already_resolved"
	}
	metrics.RecordCallback(string(circuit), outcome, 0)
	s.log.WithError(err).WithField("request_id", id).WithField("circuit", circuit).Warn("callback rejected")
}

// PrivateTransferCallback handles a private_transfer result.
func (s *Service) PrivateTransferCallback(ctx context.Context, result cluster.SignedResult) (computation.PrivateTransferEvent, error) {
	event, err := s.HandleCallback(ctx, computation.CircuitPrivateTransfer, result)
	if err != nil {
		return computation.PrivateTransferEvent{}, err
	}
	return event.AsPrivateTransfer()
}

// CheckBalanceCallback handles a check_balance result.
func (s *Service) CheckBalanceCallback(ctx context.Context, result cluster.SignedResult) (computation.BalanceCheckEvent, error) {
	event, err := s.HandleCallback(ctx, computation.CircuitCheckBalance, result)
	if err != nil {
		return computation.BalanceCheckEvent{}, err
	}
	return event.AsBalanceCheck()
}

// ValidateSwapCallback handles a validate_swap result.
func (s *Service) ValidateSwapCallback(ctx context.Context, result cluster.SignedResult) (computation.SwapValidationEvent, error) {
	event, err := s.HandleCallback(ctx, computation.CircuitValidateSwap, result)
	if err != nil {
		return computation.SwapValidationEvent{}, err
	}
	return event.AsSwapValidation()
}

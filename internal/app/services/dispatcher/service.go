// Package dispatcher turns caller-supplied ciphertexts into queued
// computation requests.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/ledger"
	"github.com/R3E-Network/confidential_layer/internal/app/metrics"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

// allocateAttempts bounds retries when a random id collides.
const allocateAttempts = 3

// SubmitRequest is one computation a caller asks for. Operands must be in
// the order the circuit declares its inputs. A zero RequestID asks the
// dispatcher to allocate a random non-zero one, so id 0 itself can never be
// chosen by a caller.
type SubmitRequest struct {
	RequestID uint64
	Circuit   computation.Circuit
	Context   computation.EncryptionContext
	Operands  []computation.Ciphertext
}

// Service is the Computation Request Dispatcher.
type Service struct {
	runtime *ledger.Runtime
	log     *logger.Logger
	random  func() (uint64, error)
}

// New constructs a dispatcher.
func New(rt *ledger.Runtime, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	return &Service{runtime: rt, log: log, random: randomID}
}

// Submit builds the argument bundle and callback binding and enqueues the
// request. It returns once the request is recorded, not once it is
// computed.
func (s *Service) Submit(ctx context.Context, in SubmitRequest) (computation.Request, error) {
	if in.RequestID != 0 {
		return s.submit(ctx, in)
	}
	var lastErr error
	for i := 0; i < allocateAttempts; i++ {
		id, err := s.random()
		if err != nil {
			return computation.Request{}, fmt.Errorf("allocate request id: %w", err)
		}
		in.RequestID = id
		req, err := s.submit(ctx, in)
		if !errors.Is(err, computation.ErrDuplicateRequest) {
			return req, err
		}
		lastErr = err
	}
	return computation.Request{}, lastErr
}

func (s *Service) submit(ctx context.Context, in SubmitRequest) (computation.Request, error) {
	b := NewArgBuilder().X25519PublicKey(in.Context.PublicKey).PlaintextU128(in.Context.Nonce)
	for _, ct := range in.Operands {
		b.EncryptedU64(ct)
	}
	req, err := s.runtime.Queue(ctx, ledger.QueueRequest{
		ID:      in.RequestID,
		Circuit: in.Circuit,
		Args:    b.Build(),
		Callback: computation.CallbackBinding{
			Instruction: computation.CallbackInstruction(in.Circuit),
			RequestID:   in.RequestID,
		},
	})
	if err != nil {
		metrics.RecordSubmission(string(in.Circuit), outcome(err))
		s.log.WithError(err).WithField("request_id", in.RequestID).WithField("circuit", in.Circuit).Debug("submission rejected")
		return computation.Request{}, err
	}
	metrics.RecordSubmission(string(in.Circuit), "queued")
	return req, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, computation.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, computation.ErrMalformedOperands):
		return "malformed"
	case errors.Is(err, computation.ErrUnknownCircuit):
		return "unknown_circuit"
	case errors.Is(err, computation.ErrClusterNotConfigured):
		return "cluster_not_configured"
	default:
		return "failed"
	}
}

// PrivateTransfer queues private_transfer(sender_balance, amount, min_balance).
func (s *Service) PrivateTransfer(ctx context.Context, requestID uint64, senderBalance, amount, minBalance computation.Ciphertext, ec computation.EncryptionContext) (computation.Request, error) {
	return s.Submit(ctx, SubmitRequest{
		RequestID: requestID,
		Circuit:   computation.CircuitPrivateTransfer,
		Context:   ec,
		Operands:  []computation.Ciphertext{senderBalance, amount, minBalance},
	})
}

// CheckBalance queues check_balance(balance, minimum).
func (s *Service) CheckBalance(ctx context.Context, requestID uint64, balance, minimum computation.Ciphertext, ec computation.EncryptionContext) (computation.Request, error) {
	return s.Submit(ctx, SubmitRequest{
		RequestID: requestID,
		Circuit:   computation.CircuitCheckBalance,
		Context:   ec,
		Operands:  []computation.Ciphertext{balance, minimum},
	})
}

// ValidateSwap queues validate_swap(input_balance, input_amount,
// min_output, actual_output).
func (s *Service) ValidateSwap(ctx context.Context, requestID uint64, inputBalance, inputAmount, minOutput, actualOutput computation.Ciphertext, ec computation.EncryptionContext) (computation.Request, error) {
	return s.Submit(ctx, SubmitRequest{
		RequestID: requestID,
		Circuit:   computation.CircuitValidateSwap,
		Context:   ec,
		Operands:  []computation.Ciphertext{inputBalance, inputAmount, minOutput, actualOutput},
	})
}

func randomID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		if id := binary.LittleEndian.Uint64(buf[:]); id != 0 {
			return id, nil
		}
	}
}

package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/confidential_layer/internal/app/circuits"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/httputil"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
	"github.com/R3E-Network/confidential_layer/pkg/sealing"
)

// ErrBusy is returned when the simulator queue is full.
var ErrBusy = errors.New("cluster simulator queue full")

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	Epoch     uint64
	Threshold int
	Signers   []NodeSigner
	MXE       sealing.KeyPair
	Workers   int
	QueueSize int
	// Delay is added before each computation to make completion order
	// independent of submission order.
	Delay time.Duration
}

// Simulator is an in-process stand-in for the compute cluster. It opens
// operands with the MXE key, evaluates the circuit, seals the outputs under
// a fresh nonce, signs with the first Threshold nodes and hands the result
// to a CallbackSink.
type Simulator struct {
	cfg  SimulatorConfig
	sink CallbackSink
	log  *logger.Logger

	queue chan Bundle

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Submitter = (*Simulator)(nil)

// NewSimulator creates a simulator delivering to sink.
func NewSimulator(cfg SimulatorConfig, sink CallbackSink, log *logger.Logger) (*Simulator, error) {
	if cfg.Threshold <= 0 || cfg.Threshold > len(cfg.Signers) {
		return nil, fmt.Errorf("threshold %d needs between 1 and %d signers", cfg.Threshold, len(cfg.Signers))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log == nil {
		log = logger.NewDefault("cluster-sim")
	}
	return &Simulator{cfg: cfg, sink: sink, log: log, queue: make(chan Bundle, cfg.QueueSize)}, nil
}

// SetSink replaces the callback sink. It must be called before Start.
func (s *Simulator) SetSink(sink CallbackSink) { s.sink = sink }

// ClusterConfig returns the configuration to register with the ledger.
func (s *Simulator) ClusterConfig() computation.ClusterConfig {
	nodes := make([]computation.NodeKey, 0, len(s.cfg.Signers))
	for _, signer := range s.cfg.Signers {
		nodes = append(nodes, signer.NodeKey())
	}
	return computation.ClusterConfig{
		Epoch:        s.cfg.Epoch,
		Threshold:    s.cfg.Threshold,
		Nodes:        nodes,
		MXEPublicKey: s.cfg.MXE.Public,
	}
}

func (s *Simulator) Name() string { return "cluster-simulator" }

// Start launches the workers.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.sink == nil {
		return fmt.Errorf("cluster simulator has no callback sink")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx)
	}
	s.log.WithField("workers", s.cfg.Workers).Info("cluster simulator started")
	return nil
}

// Stop cancels in-flight work and waits for the workers.
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("cluster simulator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit accepts a bundle without waiting for it to be computed.
func (s *Simulator) Submit(ctx context.Context, bundle Bundle) error {
	if _, err := computation.Template(bundle.Circuit); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	select {
	case s.queue <- bundle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBusy
	}
}

func (s *Simulator) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case bundle := <-s.queue:
			if s.cfg.Delay > 0 {
				select {
				case <-time.After(s.cfg.Delay):
				case <-ctx.Done():
					return
				}
			}
			s.handle(ctx, bundle)
		}
	}
}

func (s *Simulator) handle(ctx context.Context, bundle Bundle) {
	log := s.log.WithFields(map[string]interface{}{
		"request_id": bundle.RequestID,
		"circuit":    bundle.Circuit,
	})
	result, err := s.Compute(bundle)
	if err != nil {
		// An empty result fails the verifier's shape check, which aborts the
		// request so its slot can be released.
		log.WithError(err).Warn("cannot evaluate bundle, reporting failure")
		result = failedResult(bundle, s.cfg.Epoch)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err = backoff.Retry(func() error {
		err := s.sink.Deliver(ctx, bundle.Circuit, result)
		if err != nil && decided(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		log.WithError(err).Warn("callback not accepted")
		return
	}
	log.Debug("callback delivered")
}

// failedResult is the unsigned, output-free answer sent for a bundle the
// cluster could not evaluate.
func failedResult(bundle Bundle, epoch uint64) SignedResult {
	return SignedResult{RequestID: bundle.RequestID, Offset: bundle.Offset, Epoch: epoch}
}

// decided reports whether the ledger has already ruled on a delivery, so
// sending it again cannot change the outcome.
func decided(err error) bool {
	if computation.Class(err) != computation.ClassUnknown {
		return true
	}
	var se *httputil.StatusError
	return errors.As(err, &se) && se.StatusCode < 500
}

// Compute evaluates a bundle and returns the signed result without
// delivering it.
func (s *Simulator) Compute(bundle Bundle) (SignedResult, error) {
	def, err := computation.Template(bundle.Circuit)
	if err != nil {
		return SignedResult{}, err
	}
	req := computation.Request{ID: bundle.RequestID, Args: bundle.Args}
	ec, err := req.Context()
	if err != nil {
		return SignedResult{}, err
	}
	operands := req.Operands()
	if len(operands) != len(def.Inputs) {
		return SignedResult{}, fmt.Errorf("%w: %d operands for %d inputs", computation.ErrMalformedOperands, len(operands), len(def.Inputs))
	}

	in, err := sealing.NewCipher(s.cfg.MXE.Secret, ec.PublicKey, ec.Nonce)
	if err != nil {
		return SignedResult{}, err
	}
	plain := make([]uint64, len(operands))
	for i, ct := range operands {
		if plain[i], err = in.OpenU64(i, ct); err != nil {
			return SignedResult{}, fmt.Errorf("operand %d: %w", i, err)
		}
	}

	values, err := circuits.Evaluate(bundle.Circuit, plain)
	if err != nil {
		return SignedResult{}, err
	}

	outNonce, err := sealing.NewNonce(nil)
	if err != nil {
		return SignedResult{}, err
	}
	out, err := sealing.NewCipher(s.cfg.MXE.Secret, ec.PublicKey, outNonce)
	if err != nil {
		return SignedResult{}, err
	}
	result := SignedResult{
		RequestID: bundle.RequestID,
		Offset:    bundle.Offset,
		Outputs:   make([]computation.Ciphertext, len(values)),
		Nonce:     computation.Nonce(outNonce),
		Epoch:     s.cfg.Epoch,
	}
	for i, v := range values {
		result.Outputs[i] = computation.Ciphertext(out.SealU64(i, v))
	}
	return SignResult(result, bundle.Commitment, s.cfg.Signers[:s.cfg.Threshold])
}

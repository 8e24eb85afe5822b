// Package ledger is the runtime the confidential computation layer runs
// on: derived account addresses, atomic definition and request slots, the
// registered cluster, and the append-only event log. Every mutation commits
// its event-log entry in the same storage step and is published to the
// configured sinks afterwards.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/confidential_layer/internal/app/cluster"
	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/events"
	"github.com/R3E-Network/confidential_layer/internal/app/metrics"
	"github.com/R3E-Network/confidential_layer/internal/app/storage"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

// ErrInvalidClusterConfig rejects a signing set that cannot verify results.
var ErrInvalidClusterConfig = errors.New("invalid cluster configuration")

// QueueRequest is one computation to enqueue.
type QueueRequest struct {
	ID       uint64
	Circuit  computation.Circuit
	Args     []computation.Argument
	Callback computation.CallbackBinding
}

// Runtime serializes definition and request mutations through the store.
type Runtime struct {
	store     storage.Store
	programID computation.Address
	sink      events.Sink
	log       *logger.Logger
	now       func() time.Time
	notify    chan struct{}
}

// New builds a runtime over store. sink may be nil.
func New(store storage.Store, programID computation.Address, sink events.Sink, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Runtime{
		store:     store,
		programID: programID,
		sink:      sink,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		notify:    make(chan struct{}, 1),
	}
}

// ProgramID is the id all derived addresses are scoped to.
func (r *Runtime) ProgramID() computation.Address { return r.programID }

// Queued signals, coalesced, that a new request was enqueued.
func (r *Runtime) Queued() <-chan struct{} { return r.notify }

// InitDefinition creates the definition account of circuit. It fails with
// ErrAlreadyRegistered if the account already exists.
func (r *Runtime) InitDefinition(ctx context.Context, circuit computation.Circuit) (computation.Definition, error) {
	def, err := computation.Template(circuit)
	if err != nil {
		return computation.Definition{}, err
	}
	now := r.now()
	def.Address = DeriveDefinitionAddress(r.programID, def.Offset)
	def.CreatedAt = now

	created, entry, err := r.store.CreateDefinition(ctx, def, r.entry(computation.EventDefinitionRegistered, 0, circuit, now))
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return computation.Definition{}, fmt.Errorf("%w: %s", computation.ErrAlreadyRegistered, circuit)
		}
		return computation.Definition{}, fmt.Errorf("create definition %s: %w", circuit, err)
	}
	r.log.WithField("circuit", circuit).WithField("offset", def.Offset).Info("computation definition registered")
	r.publish(ctx, entry)
	return created, nil
}

// Definition returns the registered definition at offset.
func (r *Runtime) Definition(ctx context.Context, offset uint32) (computation.Definition, error) {
	def, err := r.store.GetDefinition(ctx, offset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return computation.Definition{}, fmt.Errorf("%w: offset %d not registered", computation.ErrUnknownCircuit, offset)
		}
		return computation.Definition{}, err
	}
	return def, nil
}

// DefinitionByCircuit returns the registered definition of circuit.
func (r *Runtime) DefinitionByCircuit(ctx context.Context, circuit computation.Circuit) (computation.Definition, error) {
	if _, err := computation.Template(circuit); err != nil {
		return computation.Definition{}, err
	}
	return r.Definition(ctx, computation.Offset(circuit))
}

// Definitions lists every registered definition.
func (r *Runtime) Definitions(ctx context.Context) ([]computation.Definition, error) {
	return r.store.ListDefinitions(ctx)
}

// ConfigureCluster registers the cluster signing set, replacing any
// previous one.
func (r *Runtime) ConfigureCluster(ctx context.Context, cfg computation.ClusterConfig) (computation.ClusterConfig, error) {
	if _, err := cluster.NewSigningSet(cfg); err != nil {
		return computation.ClusterConfig{}, fmt.Errorf("%w: %v", ErrInvalidClusterConfig, err)
	}
	cfg.UpdatedAt = r.now()
	stored, err := r.store.PutClusterConfig(ctx, cfg)
	if err != nil {
		return computation.ClusterConfig{}, fmt.Errorf("store cluster config: %w", err)
	}
	r.log.WithField("epoch", cfg.Epoch).WithField("threshold", cfg.Threshold).Info("cluster signing set configured")
	return stored, nil
}

// ClusterConfig returns the registered cluster or ErrClusterNotConfigured.
func (r *Runtime) ClusterConfig(ctx context.Context) (computation.ClusterConfig, error) {
	cfg, err := r.store.GetClusterConfig(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return computation.ClusterConfig{}, computation.ErrClusterNotConfigured
		}
		return computation.ClusterConfig{}, err
	}
	if !cfg.Configured() {
		return computation.ClusterConfig{}, computation.ErrClusterNotConfigured
	}
	return cfg, nil
}

// Queue atomically creates the request slot and its queued event. Nothing
// is written when any precondition fails.
func (r *Runtime) Queue(ctx context.Context, in QueueRequest) (computation.Request, error) {
	if _, err := r.ClusterConfig(ctx); err != nil {
		return computation.Request{}, err
	}
	def, err := r.DefinitionByCircuit(ctx, in.Circuit)
	if err != nil {
		return computation.Request{}, err
	}
	if err := checkArgs(def, in); err != nil {
		return computation.Request{}, err
	}
	commitment, err := cluster.Commitment(in.ID, def.Offset, in.Args)
	if err != nil {
		return computation.Request{}, fmt.Errorf("commit request %d: %w", in.ID, err)
	}

	now := r.now()
	req := computation.Request{
		ID:         in.ID,
		Circuit:    def.Circuit,
		Offset:     def.Offset,
		Address:    DeriveComputationAddress(r.programID, in.ID),
		Args:       in.Args,
		Callback:   in.Callback,
		Commitment: commitment,
		Status:     computation.StatusQueued,
		QueuedAt:   now,
	}
	created, entry, err := r.store.CreateComputation(ctx, req, r.entry(computation.EventComputationQueued, in.ID, def.Circuit, now))
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return computation.Request{}, fmt.Errorf("%w: %d", computation.ErrDuplicateRequest, in.ID)
		}
		return computation.Request{}, fmt.Errorf("create request %d: %w", in.ID, err)
	}

	r.log.WithField("request_id", in.ID).WithField("circuit", def.Circuit).Info("computation queued")
	r.publish(ctx, entry)
	r.refreshQueued(ctx)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return created, nil
}

func checkArgs(def computation.Definition, in QueueRequest) error {
	want := def.ExpectedArgs()
	if len(in.Args) != len(want) {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", computation.ErrMalformedOperands, def.Circuit, len(want), len(in.Args))
	}
	for i, kind := range want {
		arg := in.Args[i]
		if arg.Kind != kind {
			return fmt.Errorf("%w: argument %d is %s, want %s", computation.ErrMalformedOperands, i, arg.Kind, kind)
		}
		if size := argWidth(kind); len(arg.Value) != size {
			return fmt.Errorf("%w: argument %d is %d bytes, want %d", computation.ErrMalformedOperands, i, len(arg.Value), size)
		}
	}
	if in.Callback.Instruction != def.Callback || in.Callback.RequestID != in.ID {
		return fmt.Errorf("%w: callback binding %s/%d does not match %s/%d",
			computation.ErrMalformedOperands, in.Callback.Instruction, in.Callback.RequestID, def.Callback, in.ID)
	}
	return nil
}

func argWidth(kind computation.ArgKind) int {
	switch kind {
	case computation.ArgX25519PublicKey:
		return computation.PublicKeySize
	case computation.ArgPlaintextU128:
		return computation.NonceSize
	default:
		return computation.CiphertextSize
	}
}

// Request returns the slot of id.
func (r *Runtime) Request(ctx context.Context, id uint64) (computation.Request, error) {
	req, err := r.store.GetComputation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return computation.Request{}, fmt.Errorf("%w: %d", computation.ErrUnknownRequest, id)
		}
		return computation.Request{}, err
	}
	return req, nil
}

// Emit moves a queued request through Verified to Emitted and records the
// result event.
func (r *Runtime) Emit(ctx context.Context, id uint64, result computation.ResultEvent) (computation.Request, computation.LogEntry, error) {
	now := r.now()
	entry := r.entry(computation.EventComputationEmitted, id, result.Circuit, now)
	entry.Result = &result
	return r.resolve(ctx, id, computation.StatusVerified, computation.StatusEmitted, "", entry)
}

// Abort moves a queued request through Unverified to Aborted.
func (r *Runtime) Abort(ctx context.Context, id uint64, circuit computation.Circuit, reason string) (computation.Request, computation.LogEntry, error) {
	entry := r.entry(computation.EventComputationAborted, id, circuit, r.now())
	entry.Reason = reason
	return r.resolve(ctx, id, computation.StatusUnverified, computation.StatusAborted, reason, entry)
}

func (r *Runtime) resolve(ctx context.Context, id uint64, via, final computation.Status, reason string, entry computation.LogEntry) (computation.Request, computation.LogEntry, error) {
	if !computation.StatusQueued.CanTransition(via) || !via.CanTransition(final) {
		return computation.Request{}, computation.LogEntry{}, fmt.Errorf("invalid transition %s -> %s -> %s", computation.StatusQueued, via, final)
	}
	update := computation.Request{ID: id, Status: final, AbortReason: reason, ResolvedAt: entry.CreatedAt}
	req, stored, err := r.store.ResolveComputation(ctx, update, entry)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return computation.Request{}, computation.LogEntry{}, fmt.Errorf("%w: %d", computation.ErrUnknownRequest, id)
	case errors.Is(err, storage.ErrConflict):
		return computation.Request{}, computation.LogEntry{}, fmt.Errorf("%w: %d", computation.ErrAlreadyResolved, id)
	case err != nil:
		return computation.Request{}, computation.LogEntry{}, fmt.Errorf("resolve request %d: %w", id, err)
	}

	fields := map[string]interface{}{"request_id": id, "circuit": req.Circuit, "status": final}
	if reason != "" {
		r.log.WithFields(fields).WithField("reason", reason).Warn("computation aborted")
	} else {
		r.log.WithFields(fields).Info("computation emitted")
	}
	r.publish(ctx, stored)
	r.refreshQueued(ctx)
	return req, stored, nil
}

// Release frees the slot of a request whose terminal state has been
// observed, making its id available again.
func (r *Runtime) Release(ctx context.Context, id uint64) error {
	req, err := r.Request(ctx, id)
	if err != nil {
		return err
	}
	if !req.Status.Terminal() {
		return fmt.Errorf("%w: %d is %s", computation.ErrRequestPending, id, req.Status)
	}
	if err := r.store.DeleteComputation(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", computation.ErrUnknownRequest, id)
		}
		return err
	}
	metrics.RecordRelease(1)
	r.log.WithField("request_id", id).Debug("request slot released")
	return nil
}

// ReleaseResolvedBefore frees up to limit terminal slots resolved before
// cutoff and reports how many were freed.
func (r *Runtime) ReleaseResolvedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	reqs, err := r.store.ListComputations(ctx, storage.ComputationFilter{
		Statuses:       []computation.Status{computation.StatusEmitted, computation.StatusAborted},
		ResolvedBefore: cutoff,
		Limit:          limit,
	})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, req := range reqs {
		if err := r.Release(ctx, req.ID); err != nil {
			if errors.Is(err, computation.ErrUnknownRequest) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

// Pending returns queued requests not yet accepted by the cluster, oldest
// first.
func (r *Runtime) Pending(ctx context.Context, limit int) ([]computation.Request, error) {
	notForwarded := false
	return r.store.ListComputations(ctx, storage.ComputationFilter{
		Statuses:  []computation.Status{computation.StatusQueued},
		Forwarded: &notForwarded,
		Limit:     limit,
	})
}

// RecordRelay stores the outcome of a hand-off attempt.
func (r *Runtime) RecordRelay(ctx context.Context, id uint64, forwarded bool, attempts int) error {
	err := r.store.RecordRelay(ctx, id, forwarded, attempts, r.now())
	if errors.Is(err, storage.ErrConflict) {
		// Resolved while the bundle was in flight.
		return nil
	}
	return err
}

// Events pages through the event log.
func (r *Runtime) Events(ctx context.Context, after uint64, limit int) ([]computation.LogEntry, error) {
	return r.store.ListEvents(ctx, after, storage.PageSize(limit))
}

func (r *Runtime) entry(kind computation.EventKind, id uint64, circuit computation.Circuit, at time.Time) computation.LogEntry {
	return computation.LogEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		RequestID: id,
		Circuit:   circuit,
		CreatedAt: at,
	}
}

func (r *Runtime) publish(ctx context.Context, entry computation.LogEntry) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, entry); err != nil {
		r.log.WithError(err).WithField("seq", entry.Seq).Warn("publish event")
	}
}

func (r *Runtime) refreshQueued(ctx context.Context) {
	queued, err := r.store.ListComputations(ctx, storage.ComputationFilter{Statuses: []computation.Status{computation.StatusQueued}})
	if err != nil {
		return
	}
	metrics.SetQueued(len(queued))
}

// Package memory provides an in-process Store for tests and single-node
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/storage"
)

// Store keeps everything behind one mutex, which also provides the
// atomicity the storage contracts require.
type Store struct {
	mu          sync.RWMutex
	definitions map[uint32]computation.Definition
	requests    map[uint64]computation.Request
	events      []computation.LogEntry
	cluster     *computation.ClusterConfig
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		definitions: make(map[uint32]computation.Definition),
		requests:    make(map[uint64]computation.Request),
	}
}

// DefinitionStore ------------------------------------------------------------

func (s *Store) CreateDefinition(_ context.Context, def computation.Definition, entry computation.LogEntry) (computation.Definition, computation.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.Offset]; exists {
		return computation.Definition{}, computation.LogEntry{}, storage.ErrExists
	}
	s.definitions[def.Offset] = cloneDefinition(def)
	return cloneDefinition(def), s.appendLocked(entry), nil
}

func (s *Store) GetDefinition(_ context.Context, offset uint32) (computation.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[offset]
	if !ok {
		return computation.Definition{}, storage.ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (s *Store) ListDefinitions(_ context.Context) ([]computation.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]computation.Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, cloneDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].Circuit < out[j].Circuit)
	})
	return out, nil
}

// ComputationStore -----------------------------------------------------------

func (s *Store) CreateComputation(_ context.Context, req computation.Request, entry computation.LogEntry) (computation.Request, computation.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return computation.Request{}, computation.LogEntry{}, storage.ErrExists
	}
	s.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), s.appendLocked(entry), nil
}

func (s *Store) GetComputation(_ context.Context, id uint64) (computation.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return computation.Request{}, storage.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) ListComputations(_ context.Context, filter storage.ComputationFilter) ([]computation.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []computation.Request
	for _, req := range s.requests {
		if matches(req, filter) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) RecordRelay(_ context.Context, id uint64, forwarded bool, attempts int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return storage.ErrNotFound
	}
	if req.Status != computation.StatusQueued {
		return storage.ErrConflict
	}
	req.Forwarded = forwarded
	req.Attempts = attempts
	if forwarded {
		req.ForwardedAt = at
	}
	s.requests[id] = req
	return nil
}

func (s *Store) ResolveComputation(_ context.Context, req computation.Request, entry computation.LogEntry) (computation.Request, computation.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[req.ID]
	if !ok {
		return computation.Request{}, computation.LogEntry{}, storage.ErrNotFound
	}
	if current.Status != computation.StatusQueued {
		return computation.Request{}, computation.LogEntry{}, storage.ErrConflict
	}

	stored := s.appendLocked(entry)
	current.Status = req.Status
	current.AbortReason = req.AbortReason
	current.ResolvedAt = req.ResolvedAt
	current.EventSeq = stored.Seq
	s.requests[req.ID] = current
	return cloneRequest(current), stored, nil
}

func (s *Store) DeleteComputation(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.requests, id)
	return nil
}

// EventStore -----------------------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, entry computation.LogEntry) (computation.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(entry), nil
}

func (s *Store) ListEvents(_ context.Context, after uint64, limit int) ([]computation.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = storage.PageSize(limit)
	// Sequences are dense and start at 1, so entry n lives at index n-1.
	start := after
	if start > uint64(len(s.events)) {
		start = uint64(len(s.events))
	}
	end := start + uint64(limit)
	if end > uint64(len(s.events)) {
		end = uint64(len(s.events))
	}
	out := make([]computation.LogEntry, 0, end-start)
	out = append(out, s.events[start:end]...)
	return out, nil
}

func (s *Store) appendLocked(entry computation.LogEntry) computation.LogEntry {
	entry.Seq = uint64(len(s.events)) + 1
	s.events = append(s.events, entry)
	return entry
}

// ClusterStore ---------------------------------------------------------------

func (s *Store) PutClusterConfig(_ context.Context, cfg computation.ClusterConfig) (computation.ClusterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.Nodes = append([]computation.NodeKey(nil), cfg.Nodes...)
	s.cluster = &cfg
	return cfg, nil
}

func (s *Store) GetClusterConfig(_ context.Context) (computation.ClusterConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cluster == nil {
		return computation.ClusterConfig{}, storage.ErrNotFound
	}
	cfg := *s.cluster
	cfg.Nodes = append([]computation.NodeKey(nil), cfg.Nodes...)
	return cfg, nil
}

// helpers --------------------------------------------------------------------

func matches(req computation.Request, f storage.ComputationFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if req.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Forwarded != nil && req.Forwarded != *f.Forwarded {
		return false
	}
	if !f.ResolvedBefore.IsZero() && (req.ResolvedAt.IsZero() || !req.ResolvedAt.Before(f.ResolvedBefore)) {
		return false
	}
	return true
}

func cloneDefinition(def computation.Definition) computation.Definition {
	def.Inputs = append([]computation.Param(nil), def.Inputs...)
	def.Outputs = append([]computation.Param(nil), def.Outputs...)
	return def
}

func cloneRequest(req computation.Request) computation.Request {
	args := make([]computation.Argument, len(req.Args))
	for i, a := range req.Args {
		args[i] = computation.Argument{Kind: a.Kind, Value: append([]byte(nil), a.Value...)}
	}
	req.Args = args
	return req
}

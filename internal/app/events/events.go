// Package events fans committed event-log entries out to live consumers:
// an in-memory hub for websocket subscribers and a Redis stream for
// external services.
package events

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

// Sink receives entries after the ledger has committed them.
type Sink interface {
	Publish(ctx context.Context, entry computation.LogEntry) error
}

// Handler processes entries as they are published.
type Handler func(computation.LogEntry)

// Filter decides whether an entry should reach a handler.
type Filter func(computation.LogEntry) bool

// Hub is a thread-safe circular buffer of recent entries with
// subscriptions.
type Hub struct {
	mu       sync.RWMutex
	entries  []computation.LogEntry
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub retaining the last size entries.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 1000
	}
	return &Hub{entries: make([]computation.LogEntry, size), size: size}
}

// Publish stores entry and notifies handlers outside the lock. Handlers
// must not block.
func (h *Hub) Publish(_ context.Context, entry computation.LogEntry) error {
	h.mu.Lock()
	h.entries[h.head] = entry
	h.head = (h.head + 1) % h.size
	if h.count < h.size {
		h.count++
	}
	handlers := make([]handlerEntry, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.Unlock()

	for _, sub := range handlers {
		if sub.filter == nil || sub.filter(entry) {
			sub.handler(entry)
		}
	}
	return nil
}

// Subscribe registers a handler for every entry and returns its cancel
// function.
func (h *Hub) Subscribe(handler Handler) func() {
	return h.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler for entries accepted by filter.
func (h *Hub) SubscribeFiltered(filter Filter, handler Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers = append(h.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.handlers {
			if sub.id == id {
				h.handlers = append(h.handlers[:i], h.handlers[i+1:]...)
				return
			}
		}
	}
}

// Subscribers returns the number of registered handlers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// Recent returns up to n entries, newest first.
func (h *Hub) Recent(n int) []computation.LogEntry {
	return h.recent(n, nil)
}

// RecentByRequest returns up to n entries about one request, newest first.
func (h *Hub) RecentByRequest(requestID uint64, n int) []computation.LogEntry {
	return h.recent(n, func(e computation.LogEntry) bool {
		return e.Kind != computation.EventDefinitionRegistered && e.RequestID == requestID
	})
}

// RecentByKind returns up to n entries of one kind, newest first.
func (h *Hub) RecentByKind(kind computation.EventKind, n int) []computation.LogEntry {
	return h.recent(n, func(e computation.LogEntry) bool { return e.Kind == kind })
}

func (h *Hub) recent(n int, filter Filter) []computation.LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || h.count == 0 {
		return nil
	}
	var out []computation.LogEntry
	for i := 0; i < h.count && len(out) < n; i++ {
		idx := (h.head - 1 - i + h.size) % h.size
		if filter == nil || filter(h.entries[idx]) {
			out = append(out, h.entries[idx])
		}
	}
	return out
}

// Count returns the number of retained entries.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Fanout publishes to every sink and reports all failures together.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, entry computation.LogEntry) error {
	var result *multierror.Error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/confidential_layer/internal/logging"
)

// auditEntry records who changed node state: definition and cluster
// registrations, submissions, callbacks and releases. Request bodies carry
// ciphertexts and are never recorded.
type auditEntry struct {
	Time      time.Time `json:"time"`
	User      string    `json:"user"`
	Role      string    `json:"role"`
	TraceID   string    `json:"trace_id,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Circuit   string    `json:"circuit,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Status    int       `json:"status"`
	Remote    string    `json:"remote,omitempty"`
}

type auditSink interface {
	Write(entry auditEntry) error
}

// auditLog keeps the most recent entries in a ring and mirrors each one to
// an optional sink.
type auditLog struct {
	mu    sync.Mutex
	ring  []auditEntry
	next  int
	full  bool
	sink  auditSink
	onErr func(error)
}

func newAuditLog(size int, sink auditSink, onErr func(error)) *auditLog {
	if size <= 0 {
		size = 200
	}
	return &auditLog{ring: make([]auditEntry, size), sink: sink, onErr: onErr}
}

func (l *auditLog) add(entry auditEntry) {
	l.mu.Lock()
	l.ring[l.next] = entry
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	if err := l.sink.Write(entry); err != nil && l.onErr != nil {
		l.onErr(err)
	}
}

// recent returns up to limit entries, oldest first.
func (l *auditLog) recent(limit int) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]auditEntry, 0, limit)
	for i := n - limit; i < n; i++ {
		idx := i
		if l.full {
			idx = (l.next + i) % len(l.ring)
		}
		out = append(out, l.ring[idx])
	}
	return out
}

// middleware records every state-changing request once it completes.
func (l *auditLog) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ctx := r.Context()
		vars := mux.Vars(r)
		l.add(auditEntry{
			Time:      time.Now().UTC(),
			User:      logging.GetUserID(ctx),
			Role:      logging.GetRole(ctx),
			TraceID:   logging.GetTraceID(ctx),
			Method:    r.Method,
			Path:      r.URL.Path,
			Circuit:   vars["circuit"],
			RequestID: vars["id"],
			Status:    rec.status,
			Remote:    r.RemoteAddr,
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// fileAuditSink appends entries to a file, one JSON object per line.
type fileAuditSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newFileAuditSink(path string) (*fileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &fileAuditSink{enc: json.NewEncoder(f)}, nil
}

func (s *fileAuditSink) Write(entry auditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(entry)
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
	"github.com/R3E-Network/confidential_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver and applies pool limits.
func Open(dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	return db, nil
}

// rows -----------------------------------------------------------------------

type definitionRow struct {
	Offset    int64     `db:"offset_id"`
	Circuit   string    `db:"circuit"`
	Address   []byte    `db:"address"`
	Inputs    []byte    `db:"inputs"`
	Outputs   []byte    `db:"outputs"`
	Callback  string    `db:"callback"`
	CreatedAt time.Time `db:"created_at"`
}

func (r definitionRow) toDomain() (computation.Definition, error) {
	def := computation.Definition{
		Circuit:   computation.Circuit(r.Circuit),
		Offset:    uint32(r.Offset),
		Callback:  r.Callback,
		CreatedAt: r.CreatedAt.UTC(),
	}
	copy(def.Address[:], r.Address)
	if err := json.Unmarshal(r.Inputs, &def.Inputs); err != nil {
		return def, fmt.Errorf("decode inputs of %s: %w", r.Circuit, err)
	}
	if err := json.Unmarshal(r.Outputs, &def.Outputs); err != nil {
		return def, fmt.Errorf("decode outputs of %s: %w", r.Circuit, err)
	}
	return def, nil
}

type requestRow struct {
	ID          string       `db:"id"`
	Circuit     string       `db:"circuit"`
	Offset      int64        `db:"offset_id"`
	Address     []byte       `db:"address"`
	Args        []byte       `db:"args"`
	Callback    []byte       `db:"callback"`
	Commitment  []byte       `db:"commitment"`
	Status      string       `db:"status"`
	Forwarded   bool         `db:"forwarded"`
	Attempts    int          `db:"attempts"`
	AbortReason string       `db:"abort_reason"`
	EventSeq    int64        `db:"event_seq"`
	QueuedAt    time.Time    `db:"queued_at"`
	ForwardedAt sql.NullTime `db:"forwarded_at"`
	ResolvedAt  sql.NullTime `db:"resolved_at"`
}

const requestColumns = `id, circuit, offset_id, address, args, callback, commitment, status,
	forwarded, attempts, abort_reason, event_seq, queued_at, forwarded_at, resolved_at`

func (r requestRow) toDomain() (computation.Request, error) {
	id, err := strconv.ParseUint(r.ID, 10, 64)
	if err != nil {
		return computation.Request{}, fmt.Errorf("decode request id %q: %w", r.ID, err)
	}
	req := computation.Request{
		ID:          id,
		Circuit:     computation.Circuit(r.Circuit),
		Offset:      uint32(r.Offset),
		Status:      computation.Status(r.Status),
		Forwarded:   r.Forwarded,
		Attempts:    r.Attempts,
		AbortReason: r.AbortReason,
		EventSeq:    uint64(r.EventSeq),
		QueuedAt:    r.QueuedAt.UTC(),
	}
	copy(req.Address[:], r.Address)
	copy(req.Commitment[:], r.Commitment)
	if r.ForwardedAt.Valid {
		req.ForwardedAt = r.ForwardedAt.Time.UTC()
	}
	if r.ResolvedAt.Valid {
		req.ResolvedAt = r.ResolvedAt.Time.UTC()
	}
	if err := json.Unmarshal(r.Args, &req.Args); err != nil {
		return req, fmt.Errorf("decode args of request %d: %w", id, err)
	}
	if err := json.Unmarshal(r.Callback, &req.Callback); err != nil {
		return req, fmt.Errorf("decode callback of request %d: %w", id, err)
	}
	return req, nil
}

type eventRow struct {
	Seq       int64          `db:"seq"`
	ID        string         `db:"id"`
	Kind      string         `db:"kind"`
	RequestID sql.NullString `db:"request_id"`
	Circuit   string         `db:"circuit"`
	Result    []byte         `db:"result"`
	Reason    string         `db:"reason"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r eventRow) toDomain() (computation.LogEntry, error) {
	entry := computation.LogEntry{
		Seq:       uint64(r.Seq),
		ID:        r.ID,
		Kind:      computation.EventKind(r.Kind),
		Circuit:   computation.Circuit(r.Circuit),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.RequestID.Valid {
		id, err := strconv.ParseUint(r.RequestID.String, 10, 64)
		if err != nil {
			return entry, fmt.Errorf("decode event request id: %w", err)
		}
		entry.RequestID = id
	}
	if len(r.Result) > 0 {
		entry.Result = &computation.ResultEvent{}
		if err := json.Unmarshal(r.Result, entry.Result); err != nil {
			return entry, fmt.Errorf("decode event %d result: %w", r.Seq, err)
		}
	}
	return entry, nil
}

// DefinitionStore ------------------------------------------------------------

func (s *Store) CreateDefinition(ctx context.Context, def computation.Definition, entry computation.LogEntry) (computation.Definition, computation.LogEntry, error) {
	inputs, err := json.Marshal(def.Inputs)
	if err != nil {
		return computation.Definition{}, computation.LogEntry{}, err
	}
	outputs, err := json.Marshal(def.Outputs)
	if err != nil {
		return computation.Definition{}, computation.LogEntry{}, err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO computation_definitions (offset_id, circuit, address, inputs, outputs, callback, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
		`, int64(def.Offset), string(def.Circuit), def.Address[:], string(inputs), string(outputs), def.Callback, def.CreatedAt)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrExists
		}
		entry, err = appendEvent(ctx, tx, entry)
		return err
	})
	if err != nil {
		return computation.Definition{}, computation.LogEntry{}, err
	}
	return def, entry, nil
}

func (s *Store) GetDefinition(ctx context.Context, offset uint32) (computation.Definition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT offset_id, circuit, address, inputs, outputs, callback, created_at
		FROM computation_definitions
		WHERE offset_id = $1
	`, int64(offset))
	if err != nil {
		return computation.Definition{}, notFound(err)
	}
	return row.toDomain()
}

func (s *Store) ListDefinitions(ctx context.Context) ([]computation.Definition, error) {
	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT offset_id, circuit, address, inputs, outputs, callback, created_at
		FROM computation_definitions
		ORDER BY created_at, circuit
	`); err != nil {
		return nil, err
	}
	out := make([]computation.Definition, 0, len(rows))
	for _, r := range rows {
		def, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// ComputationStore -----------------------------------------------------------

func (s *Store) CreateComputation(ctx context.Context, req computation.Request, entry computation.LogEntry) (computation.Request, computation.LogEntry, error) {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return computation.Request{}, computation.LogEntry{}, err
	}
	callback, err := json.Marshal(req.Callback)
	if err != nil {
		return computation.Request{}, computation.LogEntry{}, err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO computation_requests (id, circuit, offset_id, address, args, callback, commitment, status, queued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, formatID(req.ID), string(req.Circuit), int64(req.Offset), req.Address[:], string(args), string(callback),
			req.Commitment[:], string(req.Status), req.QueuedAt)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrExists
		}
		entry, err = appendEvent(ctx, tx, entry)
		return err
	})
	if err != nil {
		return computation.Request{}, computation.LogEntry{}, err
	}
	return req, entry, nil
}

func (s *Store) GetComputation(ctx context.Context, id uint64) (computation.Request, error) {
	var row requestRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM computation_requests WHERE id = $1`, formatID(id)); err != nil {
		return computation.Request{}, notFound(err)
	}
	return row.toDomain()
}

func (s *Store) ListComputations(ctx context.Context, filter storage.ComputationFilter) ([]computation.Request, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Forwarded != nil {
		args = append(args, *filter.Forwarded)
		clauses = append(clauses, fmt.Sprintf("forwarded = $%d", len(args)))
	}
	if !filter.ResolvedBefore.IsZero() {
		args = append(args, filter.ResolvedBefore)
		clauses = append(clauses, fmt.Sprintf("resolved_at < $%d", len(args)))
	}

	query := `SELECT ` + requestColumns + ` FROM computation_requests`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY queued_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]computation.Request, 0, len(rows))
	for _, r := range rows {
		req, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *Store) RecordRelay(ctx context.Context, id uint64, forwarded bool, attempts int, at time.Time) error {
	var forwardedAt interface{}
	if forwarded {
		forwardedAt = at
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE computation_requests
		SET forwarded = $2, attempts = $3, forwarded_at = COALESCE($4, forwarded_at)
		WHERE id = $1 AND status = 'queued'
	`, formatID(id), forwarded, attempts, forwardedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) ResolveComputation(ctx context.Context, req computation.Request, entry computation.LogEntry) (computation.Request, computation.LogEntry, error) {
	var resolved computation.Request
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		entry, err = appendEvent(ctx, tx, entry)
		if err != nil {
			return err
		}
		var row requestRow
		err = tx.GetContext(ctx, &row, `
			UPDATE computation_requests
			SET status = $2, abort_reason = $3, resolved_at = $4, event_seq = $5
			WHERE id = $1 AND status = 'queued'
			RETURNING `+requestColumns,
			formatID(req.ID), string(req.Status), req.AbortReason, req.ResolvedAt, int64(entry.Seq))
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingOrConflictTx(ctx, tx, req.ID)
		}
		if err != nil {
			return err
		}
		resolved, err = row.toDomain()
		return err
	})
	if err != nil {
		return computation.Request{}, computation.LogEntry{}, err
	}
	return resolved, entry, nil
}

func (s *Store) DeleteComputation(ctx context.Context, id uint64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM computation_requests WHERE id = $1`, formatID(id))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// EventStore -----------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, entry computation.LogEntry) (computation.LogEntry, error) {
	return appendEvent(ctx, s.db, entry)
}

func (s *Store) ListEvents(ctx context.Context, after uint64, limit int) ([]computation.LogEntry, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, id, kind, request_id, circuit, result, reason, created_at
		FROM computation_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, int64(after), storage.PageSize(limit)); err != nil {
		return nil, err
	}
	out := make([]computation.LogEntry, 0, len(rows))
	for _, r := range rows {
		entry, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// ClusterStore ---------------------------------------------------------------

func (s *Store) PutClusterConfig(ctx context.Context, cfg computation.ClusterConfig) (computation.ClusterConfig, error) {
	nodes, err := json.Marshal(cfg.Nodes)
	if err != nil {
		return computation.ClusterConfig{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cluster_config (id, epoch, threshold, nodes, mxe_public_key, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET epoch = EXCLUDED.epoch, threshold = EXCLUDED.threshold, nodes = EXCLUDED.nodes,
			mxe_public_key = EXCLUDED.mxe_public_key, updated_at = EXCLUDED.updated_at
	`, int64(cfg.Epoch), cfg.Threshold, string(nodes), cfg.MXEPublicKey[:], cfg.UpdatedAt)
	if err != nil {
		return computation.ClusterConfig{}, err
	}
	return cfg, nil
}

func (s *Store) GetClusterConfig(ctx context.Context) (computation.ClusterConfig, error) {
	var row struct {
		Epoch     int64     `db:"epoch"`
		Threshold int       `db:"threshold"`
		Nodes     []byte    `db:"nodes"`
		MXEKey    []byte    `db:"mxe_public_key"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := s.db.GetContext(ctx, &row, `
		SELECT epoch, threshold, nodes, mxe_public_key, updated_at FROM cluster_config WHERE id = 1
	`); err != nil {
		return computation.ClusterConfig{}, notFound(err)
	}
	cfg := computation.ClusterConfig{
		Epoch:     uint64(row.Epoch),
		Threshold: row.Threshold,
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	copy(cfg.MXEPublicKey[:], row.MXEKey)
	if err := json.Unmarshal(row.Nodes, &cfg.Nodes); err != nil {
		return cfg, fmt.Errorf("decode cluster nodes: %w", err)
	}
	return cfg, nil
}

// helpers --------------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) missingOrConflict(ctx context.Context, id uint64) error {
	return s.missingOrConflictTx(ctx, s.db, id)
}

func (s *Store) missingOrConflictTx(ctx context.Context, q sqlx.QueryerContext, id uint64) error {
	var status string
	err := sqlx.GetContext(ctx, q, &status, `SELECT status FROM computation_requests WHERE id = $1`, formatID(id))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrConflict
}

func appendEvent(ctx context.Context, q sqlx.QueryerContext, entry computation.LogEntry) (computation.LogEntry, error) {
	// JSONB goes over the wire as text; lib/pq would send []byte in binary.
	var result sql.NullString
	if entry.Result != nil {
		raw, err := json.Marshal(entry.Result)
		if err != nil {
			return entry, err
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}
	var requestID sql.NullString
	if entry.Kind != computation.EventDefinitionRegistered {
		requestID = sql.NullString{String: formatID(entry.RequestID), Valid: true}
	}
	var seq int64
	if err := sqlx.GetContext(ctx, q, &seq, `
		INSERT INTO computation_events (id, kind, request_id, circuit, result, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`, entry.ID, string(entry.Kind), requestID, string(entry.Circuit), result, entry.Reason, entry.CreatedAt); err != nil {
		return entry, err
	}
	entry.Seq = uint64(seq)
	return entry, nil
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

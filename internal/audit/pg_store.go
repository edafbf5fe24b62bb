package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PGStore persists chains and checkpoints in Postgres. Uniqueness of
// (chain_id, sequence) is enforced by a unique index; the resulting
// unique-violation is surfaced as ErrSequenceConflict so the Appender can
// treat it as a retryable sequencing race.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

const entryColumns = `id, chain_id, sequence, ts, actor_id, action, resource_type, resource_id, payload, prev_hash, entry_hash`

// AppendEntry inserts a committed entry row. The insert either fully
// succeeds or fails; readers only ever observe committed rows.
func (p *PGStore) AppendEntry(ctx context.Context, e *AuditEntry) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrSerialization, err)
	}

	q := `
		INSERT INTO audit_entries
		  (id, chain_id, sequence, ts, actor_id, action, resource_type, resource_id, payload, prev_hash, entry_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err = p.db.ExecContext(ctx, q,
		e.ID,
		e.ChainID,
		e.Sequence,
		e.Ts,
		e.ActorID,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		payloadJSON,
		e.PrevHash,
		e.EntryHash,
	)
	if err != nil {
		return mapPGErr("insert audit_entry", err)
	}
	return nil
}

// Head returns the highest-sequence committed entry for the chain.
func (p *PGStore) Head(ctx context.Context, chainID string) (*AuditEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE chain_id=$1 ORDER BY sequence DESC LIMIT 1`
	e, err := scanEntry(p.db.QueryRowContext(ctx, q, chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapPGErr("query head", err)
	}
	return e, nil
}

// Range streams entries lazily through the underlying rows cursor; large
// chains are never materialized in memory.
func (p *PGStore) Range(ctx context.Context, chainID string, from, to uint64) (EntryIterator, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if to > 0 {
		q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE chain_id=$1 AND sequence >= $2 AND sequence <= $3 ORDER BY sequence ASC`
		rows, err = p.db.QueryContext(ctx, q, chainID, from, to)
	} else {
		q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE chain_id=$1 AND sequence >= $2 ORDER BY sequence ASC`
		rows, err = p.db.QueryContext(ctx, q, chainID, from)
	}
	if err != nil {
		return nil, mapPGErr("query range", err)
	}
	return &rowsIterator{rows: rows}, nil
}

// Query builds an AND-combined filter over the audit_entries table.
func (p *PGStore) Query(ctx context.Context, f QueryFilter) ([]*AuditEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.ChainID != "" {
		add("chain_id = ?", f.ChainID)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= ?", f.Until)
	}
	if f.AfterSeq != nil {
		add("sequence > ?", *f.AfterSeq)
	}

	q := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY chain_id ASC, sequence ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPGErr("query entries", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGErr("iterate entries", err)
	}
	return out, nil
}

// ListChains returns every chain id with at least one committed entry.
func (p *PGStore) ListChains(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM audit_entries ORDER BY chain_id ASC`)
	if err != nil {
		return nil, mapPGErr("list chains", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chain id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGErr("iterate chains", err)
	}
	return out, nil
}

// SaveCheckpoint persists a checkpoint row. The primary key on
// (chain_id, sequence) plus the monotonic guard keep checkpoints append-only
// and strictly increasing.
func (p *PGStore) SaveCheckpoint(ctx context.Context, c *Checkpoint) error {
	q := `
		INSERT INTO audit_checkpoints (chain_id, sequence, root_hash, created_at, exported_at, destination)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM audit_checkpoints WHERE chain_id = $1 AND sequence >= $2
		)
	`
	var exportedAt interface{}
	if c.ExportedAt != nil {
		exportedAt = c.ExportedAt.UTC()
	}
	res, err := p.db.ExecContext(ctx, q, c.ChainID, c.Sequence, c.RootHash, c.CreatedAt, exportedAt, c.Destination)
	if err != nil {
		return mapPGErr("insert checkpoint", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSequenceConflict
	}
	return nil
}

const checkpointColumns = `chain_id, sequence, root_hash, created_at, exported_at, destination`

func (p *PGStore) LatestCheckpoint(ctx context.Context, chainID string) (*Checkpoint, error) {
	q := `SELECT ` + checkpointColumns + ` FROM audit_checkpoints WHERE chain_id=$1 ORDER BY sequence DESC LIMIT 1`
	c, err := scanCheckpoint(p.db.QueryRowContext(ctx, q, chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapPGErr("query latest checkpoint", err)
	}
	return c, nil
}

func (p *PGStore) Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error) {
	q := `SELECT ` + checkpointColumns + ` FROM audit_checkpoints WHERE chain_id=$1 ORDER BY sequence ASC`
	rows, err := p.db.QueryContext(ctx, q, chainID)
	if err != nil {
		return nil, mapPGErr("query checkpoints", err)
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

func (p *PGStore) UnexportedCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	q := `SELECT ` + checkpointColumns + ` FROM audit_checkpoints WHERE exported_at IS NULL ORDER BY created_at ASC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapPGErr("query unexported checkpoints", err)
	}
	defer rows.Close()
	return collectCheckpoints(rows)
}

func (p *PGStore) MarkCheckpointExported(ctx context.Context, chainID string, sequence uint64, destination string, exportedAt time.Time) error {
	q := `UPDATE audit_checkpoints SET exported_at=$1, destination=$2 WHERE chain_id=$3 AND sequence=$4`
	res, err := p.db.ExecContext(ctx, q, exportedAt.UTC(), destination, chainID, sequence)
	if err != nil {
		return mapPGErr("mark checkpoint exported", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*AuditEntry, error) {
	var (
		e            AuditEntry
		resourceType sql.NullString
		resourceID   sql.NullString
		payloadB     []byte
	)
	if err := s.Scan(&e.ID, &e.ChainID, &e.Sequence, &e.Ts, &e.ActorID, &e.Action, &resourceType, &resourceID, &payloadB, &e.PrevHash, &e.EntryHash); err != nil {
		return nil, err
	}
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	if len(payloadB) > 0 {
		// Decode with UseNumber so hash recomputation sees the same numeric
		// representation the appender hashed.
		dec := json.NewDecoder(strings.NewReader(string(payloadB)))
		dec.UseNumber()
		if err := dec.Decode(&e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	e.Ts = e.Ts.UTC()
	return &e, nil
}

func scanCheckpoint(s scanner) (*Checkpoint, error) {
	var (
		c           Checkpoint
		exportedAt  sql.NullTime
		destination sql.NullString
	)
	if err := s.Scan(&c.ChainID, &c.Sequence, &c.RootHash, &c.CreatedAt, &exportedAt, &destination); err != nil {
		return nil, err
	}
	if exportedAt.Valid {
		ts := exportedAt.Time.UTC()
		c.ExportedAt = &ts
	}
	c.Destination = destination.String
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func collectCheckpoints(rows *sql.Rows) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPGErr("iterate checkpoints", err)
	}
	return out, nil
}

// rowsIterator adapts *sql.Rows to EntryIterator so Range callers stream
// entries without loading the full chain.
type rowsIterator struct {
	rows *sql.Rows
	cur  *AuditEntry
	err  error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		return false
	}
	e, err := scanEntry(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = e
	return true
}

func (it *rowsIterator) Entry() *AuditEntry { return it.cur }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error { return it.rows.Close() }

// mapPGErr translates driver-level failures into the store error taxonomy:
// unique violations become ErrSequenceConflict, connectivity failures become
// ErrStoreUnavailable, everything else is wrapped with its operation.
func mapPGErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%s: %w", op, ErrSequenceConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

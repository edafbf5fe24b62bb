package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore is a file-backed Store for single-node and development
// deployments. It offers the same contract as PGStore; WAL mode keeps
// concurrent readers (verification, queries) from blocking the writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) a SQLite-backed store at path and
// ensures the schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection sidesteps SQLITE_BUSY on concurrent writers; the
	// Appender serializes per chain anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id            TEXT NOT NULL,
			chain_id      TEXT NOT NULL,
			sequence      INTEGER NOT NULL,
			ts_micros     INTEGER NOT NULL,
			actor_id      TEXT NOT NULL,
			action        TEXT NOT NULL,
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id   TEXT NOT NULL DEFAULT '',
			payload       TEXT NOT NULL DEFAULT 'null',
			prev_hash     TEXT NOT NULL,
			entry_hash    TEXT NOT NULL,
			PRIMARY KEY (chain_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_entries_actor ON audit_entries(chain_id, actor_id);
		CREATE INDEX IF NOT EXISTS idx_entries_resource ON audit_entries(chain_id, resource_type, resource_id);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON audit_entries(chain_id, ts_micros);
		CREATE TABLE IF NOT EXISTS audit_checkpoints (
			chain_id         TEXT NOT NULL,
			sequence         INTEGER NOT NULL,
			root_hash        TEXT NOT NULL,
			created_micros   INTEGER NOT NULL,
			exported_micros  INTEGER,
			destination      TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (chain_id, sequence)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, e *AuditEntry) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrSerialization, err)
	}
	q := `
		INSERT INTO audit_entries
		  (id, chain_id, sequence, ts_micros, actor_id, action, resource_type, resource_id, payload, prev_hash, entry_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`
	_, err = s.db.ExecContext(ctx, q,
		e.ID, e.ChainID, e.Sequence, e.Ts.UTC().UnixMicro(),
		e.ActorID, e.Action, e.ResourceType, e.ResourceID,
		string(payloadJSON), e.PrevHash, e.EntryHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert audit_entry: %w", ErrSequenceConflict)
		}
		return fmt.Errorf("insert audit_entry: %w", err)
	}
	return nil
}

const sqliteEntryColumns = `id, chain_id, sequence, ts_micros, actor_id, action, resource_type, resource_id, payload, prev_hash, entry_hash`

func (s *SQLiteStore) Head(ctx context.Context, chainID string) (*AuditEntry, error) {
	q := `SELECT ` + sqliteEntryColumns + ` FROM audit_entries WHERE chain_id=? ORDER BY sequence DESC LIMIT 1`
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx, q, chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query head: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) Range(ctx context.Context, chainID string, from, to uint64) (EntryIterator, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if to > 0 {
		q := `SELECT ` + sqliteEntryColumns + ` FROM audit_entries WHERE chain_id=? AND sequence >= ? AND sequence <= ? ORDER BY sequence ASC`
		rows, err = s.db.QueryContext(ctx, q, chainID, from, to)
	} else {
		q := `SELECT ` + sqliteEntryColumns + ` FROM audit_entries WHERE chain_id=? AND sequence >= ? ORDER BY sequence ASC`
		rows, err = s.db.QueryContext(ctx, q, chainID, from)
	}
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return &sqliteRowsIterator{rows: rows}, nil
}

func (s *SQLiteStore) Query(ctx context.Context, f QueryFilter) ([]*AuditEntry, error) {
	q := `SELECT ` + sqliteEntryColumns + ` FROM audit_entries WHERE 1=1`
	var args []interface{}
	if f.ChainID != "" {
		q += " AND chain_id = ?"
		args = append(args, f.ChainID)
	}
	if f.ActorID != "" {
		q += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.ResourceType != "" {
		q += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		q += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if !f.Since.IsZero() {
		q += " AND ts_micros >= ?"
		args = append(args, f.Since.UTC().UnixMicro())
	}
	if !f.Until.IsZero() {
		q += " AND ts_micros <= ?"
		args = append(args, f.Until.UTC().UnixMicro())
	}
	if f.AfterSeq != nil {
		q += " AND sequence > ?"
		args = append(args, *f.AfterSeq)
	}
	q += " ORDER BY chain_id ASC, sequence ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListChains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM audit_entries ORDER BY chain_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
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
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, c *Checkpoint) error {
	q := `
		INSERT INTO audit_checkpoints (chain_id, sequence, root_hash, created_micros, exported_micros, destination)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM audit_checkpoints WHERE chain_id = ? AND sequence >= ?
		)
	`
	var exported interface{}
	if c.ExportedAt != nil {
		exported = c.ExportedAt.UTC().UnixMicro()
	}
	res, err := s.db.ExecContext(ctx, q,
		c.ChainID, c.Sequence, c.RootHash, c.CreatedAt.UTC().UnixMicro(), exported, c.Destination,
		c.ChainID, c.Sequence,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert checkpoint: %w", ErrSequenceConflict)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSequenceConflict
	}
	return nil
}

const sqliteCheckpointColumns = `chain_id, sequence, root_hash, created_micros, exported_micros, destination`

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, chainID string) (*Checkpoint, error) {
	q := `SELECT ` + sqliteCheckpointColumns + ` FROM audit_checkpoints WHERE chain_id=? ORDER BY sequence DESC LIMIT 1`
	c, err := scanSQLiteCheckpoint(s.db.QueryRowContext(ctx, q, chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error) {
	q := `SELECT ` + sqliteCheckpointColumns + ` FROM audit_checkpoints WHERE chain_id=? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, q, chainID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()
	return collectSQLiteCheckpoints(rows)
}

func (s *SQLiteStore) UnexportedCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	q := `SELECT ` + sqliteCheckpointColumns + ` FROM audit_checkpoints WHERE exported_micros IS NULL ORDER BY created_micros ASC`
	var args []interface{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query unexported checkpoints: %w", err)
	}
	defer rows.Close()
	return collectSQLiteCheckpoints(rows)
}

func (s *SQLiteStore) MarkCheckpointExported(ctx context.Context, chainID string, sequence uint64, destination string, exportedAt time.Time) error {
	q := `UPDATE audit_checkpoints SET exported_micros=?, destination=? WHERE chain_id=? AND sequence=?`
	res, err := s.db.ExecContext(ctx, q, exportedAt.UTC().UnixMicro(), destination, chainID, sequence)
	if err != nil {
		return fmt.Errorf("mark checkpoint exported: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteEntry(s scanner) (*AuditEntry, error) {
	var (
		e        AuditEntry
		tsMicros int64
		payload  string
	)
	if err := s.Scan(&e.ID, &e.ChainID, &e.Sequence, &tsMicros, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &payload, &e.PrevHash, &e.EntryHash); err != nil {
		return nil, err
	}
	e.Ts = time.UnixMicro(tsMicros).UTC()
	if payload != "" {
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &e, nil
}

func scanSQLiteCheckpoint(s scanner) (*Checkpoint, error) {
	var (
		c             Checkpoint
		createdMicros int64
		exported      sql.NullInt64
	)
	if err := s.Scan(&c.ChainID, &c.Sequence, &c.RootHash, &createdMicros, &exported, &c.Destination); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMicro(createdMicros).UTC()
	if exported.Valid {
		ts := time.UnixMicro(exported.Int64).UTC()
		c.ExportedAt = &ts
	}
	return &c, nil
}

func collectSQLiteCheckpoints(rows *sql.Rows) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for rows.Next() {
		c, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type sqliteRowsIterator struct {
	rows *sql.Rows
	cur  *AuditEntry
	err  error
}

func (it *sqliteRowsIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	e, err := scanSQLiteEntry(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = e
	return true
}

func (it *sqliteRowsIterator) Entry() *AuditEntry { return it.cur }

func (it *sqliteRowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *sqliteRowsIterator) Close() error { return it.rows.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

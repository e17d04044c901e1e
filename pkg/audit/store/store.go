// Package store provides durable persistence for audit chain entries over
// database/sql. Both Postgres and SQLite are supported via standard drivers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/audit"
)

// SQLSink persists audit entries to a relational store. It implements
// audit.Sink.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink wraps an open database handle.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	partition     TEXT    NOT NULL,
	sequence      BIGINT  NOT NULL,
	severity      TEXT    NOT NULL,
	category      TEXT    NOT NULL,
	pid           BIGINT  NOT NULL,
	message       TEXT    NOT NULL,
	monotonic     BIGINT  NOT NULL,
	wall_nanos    BIGINT  NOT NULL,
	entry_hash    TEXT    NOT NULL,
	previous_hash TEXT    NOT NULL,
	chain_hash    TEXT    NOT NULL,
	body          TEXT    NOT NULL,
	PRIMARY KEY (partition, sequence)
);
`

// Init creates the backing table if it does not exist.
func (s *SQLSink) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Persist implements audit.Sink. The primary key on (partition, sequence)
// rejects duplicate appends instead of silently overwriting history.
func (s *SQLSink) Persist(ctx context.Context, e audit.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	query := `
		INSERT INTO audit_entries
			(partition, sequence, severity, category, pid, message, monotonic, wall_nanos, entry_hash, previous_hash, chain_hash, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		e.ID.Partition, e.ID.Sequence, string(e.Severity), string(e.Category),
		int64(e.PID), e.Message, e.Timestamp.Monotonic, e.Timestamp.WallNanos,
		e.EntryHash, e.PreviousHash, e.ChainHash, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d/%s: %w", e.ID.Sequence, e.ID.Partition, err)
	}
	return nil
}

// Load returns the stored chain for a partition in sequence order, decoded
// from the JSON body column.
func (s *SQLSink) Load(ctx context.Context, partition string) ([]audit.Entry, error) {
	query := `SELECT body FROM audit_entries WHERE partition = $1 ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("load audit partition %s: %w", partition, err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e audit.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

// Count returns the number of stored entries for a partition.
func (s *SQLSink) Count(ctx context.Context, partition string) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries WHERE partition = $1`, partition).Scan(&n)
	return n, err
}

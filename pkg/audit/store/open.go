package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// OpenSQLite opens (or creates) a SQLite-backed sink at path. Use ":memory:"
// for an ephemeral store in tests and single-node dev deployments.
func OpenSQLite(ctx context.Context, path string) (*SQLSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite allows a single writer; the ledger serializes appends anyway.
	db.SetMaxOpenConns(1)

	sink := NewSQLSink(db)
	if err := sink.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// OpenPostgres opens a Postgres-backed sink using a standard connection URL.
func OpenPostgres(ctx context.Context, url string) (*SQLSink, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sink := NewSQLSink(db)
	if err := sink.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// Package sqlitestore provides a SQLite implementation of triage.SetStore.
// It is the default durable store for a single-host deployment.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/culler/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/culler/internal/triage/sqlitestore")

//go:embed schema.sql
var schema string

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// Store persists id sets in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + pragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY and keeps :memory: on one connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the ids stored under key, sorted. A missing key is an empty set.
func (s *Store) Load(ctx context.Context, key string) ([]triage.AssetID, error) {
	ctx, span := tracer.Start(ctx, "sqlitestore.Load", trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("culler.set.key", key),
	))
	defer span.End()

	ids, err := s.load(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("culler.set.size", len(ids)))
	return ids, nil
}

func (s *Store) load(ctx context.Context, key string) ([]triage.AssetID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset_id FROM id_sets WHERE set_key = ? ORDER BY asset_id`, key)
	if err != nil {
		return nil, fmt.Errorf("query set %s: %w", key, err)
	}
	defer rows.Close()

	var ids []triage.AssetID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan set %s: %w", key, err)
		}
		ids = append(ids, triage.AssetID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate set %s: %w", key, err)
	}
	return ids, nil
}

// Save replaces the set stored under key in a single transaction.
func (s *Store) Save(ctx context.Context, key string, ids []triage.AssetID) error {
	ctx, span := tracer.Start(ctx, "sqlitestore.Save", trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", "REPLACE"),
		attribute.String("culler.set.key", key),
		attribute.Int("culler.set.size", len(ids)),
	))
	defer span.End()

	if err := s.save(ctx, key, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Store) save(ctx context.Context, key string, ids []triage.AssetID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.ExecContext(ctx, `DELETE FROM id_sets WHERE set_key = ?`, key); err != nil {
		return fmt.Errorf("clear set %s: %w", key, err)
	}

	if len(ids) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO id_sets (set_key, asset_id) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, key, string(id)); err != nil {
				return fmt.Errorf("insert %s into %s: %w", id, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Keys returns every key with at least one member.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT set_key FROM id_sets ORDER BY set_key`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

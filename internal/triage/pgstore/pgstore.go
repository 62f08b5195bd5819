// Package pgstore provides a PostgreSQL implementation of triage.SetStore.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/culler/internal/postgres"
	"github.com/linnemanlabs/culler/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/culler/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists id sets in PostgreSQL. It does not own the pool.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Load returns the ids stored under key, sorted. A missing key is an empty set.
func (s *Store) Load(ctx context.Context, key string) ([]triage.AssetID, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("culler.set.key", key),
	))
	defer span.End()
	ctx = postgres.WithOperation(ctx, "set.load")

	rows, err := s.pool.Query(ctx, `SELECT asset_id FROM id_sets WHERE set_key = $1 ORDER BY asset_id`, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query set %s: %w", key, err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[triage.AssetID])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan set %s: %w", key, err)
	}
	span.SetAttributes(attribute.Int("culler.set.size", len(ids)))
	return ids, nil
}

// Save replaces the set stored under key in a single transaction.
func (s *Store) Save(ctx context.Context, key string, ids []triage.AssetID) error {
	ctx, span := tracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "REPLACE"),
		attribute.String("culler.set.key", key),
		attribute.Int("culler.set.size", len(ids)),
	))
	defer span.End()
	ctx = postgres.WithOperation(ctx, "set.save")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := replaceSet(ctx, tx, key, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Keys returns every key with at least one member.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Keys", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()
	ctx = postgres.WithOperation(ctx, "set.keys")

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT set_key FROM id_sets ORDER BY set_key`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return keys, nil
}

func replaceSet(ctx context.Context, tx pgx.Tx, key string, ids []triage.AssetID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM id_sets WHERE set_key = $1`, key); err != nil {
		return fmt.Errorf("clear set %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil
	}

	seen := make(map[triage.AssetID]struct{}, len(ids))
	rows := make([][]any, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rows = append(rows, []any{key, string(id)})
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"id_sets"},
		[]string{"set_key", "asset_id"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy set %s: %w", key, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy set %s: wrote %d of %d rows", key, n, len(rows))
	}
	return nil
}

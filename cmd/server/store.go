package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/culler/internal/cfg"
	"github.com/linnemanlabs/culler/internal/postgres"
	"github.com/linnemanlabs/culler/internal/triage"
	"github.com/linnemanlabs/culler/internal/triage/memstore"
	"github.com/linnemanlabs/culler/internal/triage/pgstore"
	"github.com/linnemanlabs/culler/internal/triage/sqlitestore"
)

// openSetStore picks the decision store from config: postgres when a
// database URL is set, sqlite when a store path is set, memory otherwise.
// The returned close func is non-nil whenever err is nil.
func openSetStore(ctx context.Context, appCfg *vc.Config, L log.Logger) (triage.SetStore, func(), error) {
	switch {
	case appCfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return pgStore, pool.Close, nil

	case appCfg.StorePath != "":
		sqlStore, err := sqlitestore.Open(ctx, appCfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", appCfg.StorePath)
		return sqlStore, func() {
			if err := sqlStore.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close sqlite store")
			}
		}, nil

	default:
		L.Info(ctx, "using in-memory store (no store-path or database-url configured)")
		return memstore.New(), func() {}, nil
	}
}

// Package store dispatches to the configured statistics sink backend (C8).
package store

import (
	"context"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/stats"
	"github.com/rakunlabs/at/internal/store/postgres"
	"github.com/rakunlabs/at/internal/store/sqlite3"
)

// New builds the stats.Sink for cfg. With neither backend configured, or
// with AT_DISABLE_DATABASE set, it returns stats.NoopSink so the gateway
// still serves requests without a store (spec.md §6).
func New(ctx context.Context, cfg config.Store, disabled bool) (stats.Sink, error) {
	if disabled {
		return stats.NoopSink{}, nil
	}

	switch {
	case cfg.Postgres != nil:
		return postgres.New(ctx, cfg.Postgres)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, cfg.SQLite)
	default:
		return stats.NoopSink{}, nil
	}
}

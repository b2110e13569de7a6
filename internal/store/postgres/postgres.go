// Package postgres implements the statistics sink (C8) on PostgreSQL,
// grounded on the teacher's goqu/pgx-based store (which used the same
// connect-migrate-CRUD pattern for provider/token rows; here it backs the
// append-only RequestStat/ChannelStat tables instead).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/stats"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "at_"

	// writeSemaphoreWidth bounds concurrent statistic writes against
	// Postgres (spec.md §4.8: 50 for Postgres, 1 for SQLite).
	writeSemaphoreWidth = 50
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableRequestStats exp.IdentifierExpression
	tableChannelStats exp.IdentifierExpression

	writeSem chan struct{}
}

func New(ctx context.Context, cfg *config.StorePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix
	// /////////////////////////////////////////////

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to statistics store (postgres)")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                db,
		goqu:              dbGoqu,
		tableRequestStats: goqu.T(tablePrefix + "request_stats"),
		tableChannelStats: goqu.T(tablePrefix + "channel_stats"),
		writeSem:          make(chan struct{}, writeSemaphoreWidth),
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close statistics store connection", "error", err)
		}
	}
}

func (p *Postgres) WriteRequestStat(ctx context.Context, row *stats.RequestStat) error {
	return stats.WithRetry(ctx, p.writeSem, func() error {
		query, _, err := p.goqu.Insert(p.tableRequestStats).Rows(requestStatRecord(row)).ToSQL()
		if err != nil {
			return fmt.Errorf("build request_stat insert: %w", err)
		}
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert request_stat: %w", err)
		}
		return nil
	})
}

func (p *Postgres) WriteChannelStat(ctx context.Context, row *stats.ChannelStat) error {
	return stats.WithRetry(ctx, p.writeSem, func() error {
		query, _, err := p.goqu.Insert(p.tableChannelStats).Rows(channelStatRecord(row)).ToSQL()
		if err != nil {
			return fmt.Errorf("build channel_stat insert: %w", err)
		}
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert channel_stat: %w", err)
		}
		return nil
	})
}

func channelStatRecord(row *stats.ChannelStat) goqu.Record {
	return goqu.Record{
		"id":               row.ID,
		"request_id":       row.RequestID,
		"provider":         stats.StripNulBytes(row.Provider),
		"model":            stats.StripNulBytes(row.Model),
		"api_key":          stats.StripNulBytes(row.APIKey),
		"provider_api_key": stats.StripNulBytes(row.ProviderAPIKey),
		"success":          row.Success,
		"timestamp":        row.Timestamp.UTC(),
	}
}

func requestStatRecord(row *stats.RequestStat) goqu.Record {
	var expires any
	if row.RawDataExpiresAt != nil {
		expires = row.RawDataExpiresAt.UTC()
	}

	return goqu.Record{
		"id":                     row.ID,
		"request_id":             row.RequestID,
		"endpoint":               row.Endpoint,
		"client_ip":              row.ClientIP,
		"process_time":           row.ProcessTime,
		"first_response_time":    row.FirstResponseTime,
		"content_start_time":     row.ContentStartTime,
		"provider":               row.Provider,
		"model":                  row.Model,
		"api_key":                row.APIKey,
		"success":                row.Success,
		"status_code":            row.StatusCode,
		"is_flagged":             row.IsFlagged,
		"prompt_tokens":          row.PromptTokens,
		"completion_tokens":      row.CompletionTokens,
		"total_tokens":           row.TotalTokens,
		"prompt_price":           row.PromptPrice,
		"completion_price":       row.CompletionPrice,
		"timestamp":              row.Timestamp.UTC(),
		"provider_id":            row.ProviderID,
		"provider_key_index":     row.ProviderKeyIndex,
		"api_key_name":           row.APIKeyName,
		"api_key_group":          row.APIKeyGroup,
		"retry_count":            row.RetryCount,
		"retry_path_json":        stats.StripNulBytes(row.RetryPathJSON),
		"request_headers":        stats.StripNulBytes(row.RequestHeaders),
		"request_body":           stats.StripNulBytes(row.RequestBody),
		"upstream_request_body":  stats.StripNulBytes(row.UpstreamRequestBody),
		"upstream_response_body": stats.StripNulBytes(row.UpstreamResponseBody),
		"response_body":          stats.StripNulBytes(row.ResponseBody),
		"raw_data_expires_at":    expires,
	}
}

// CostRollup sums prompt_tokens·prompt_price + completion_tokens·completion_price
// over rows for (apiKey, model) within [start, end), using the prices each
// row snapshotted at write time (spec.md Property 6: independent of
// current pricing), and divides the sum by 1,000,000 since prices are per
// million tokens.
func (p *Postgres) CostRollup(ctx context.Context, apiKey, model string, start, end time.Time) (float64, error) {
	query, _, err := p.goqu.From(p.tableRequestStats).
		Select(goqu.L("SUM(prompt_tokens * prompt_price + completion_tokens * completion_price)")).
		Where(
			goqu.I("api_key").Eq(apiKey),
			goqu.I("model").Eq(model),
			goqu.I("timestamp").Gte(start.UTC()),
			goqu.I("timestamp").Lt(end.UTC()),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build cost rollup query: %w", err)
	}

	var total sql.NullFloat64
	if err := p.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("cost rollup: %w", err)
	}

	return total.Float64 / 1_000_000, nil
}

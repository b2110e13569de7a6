// Package sqlite3 implements the statistics sink (C8) on SQLite, grounded
// on the teacher's goqu-based single-writer store (same connect-migrate
// pattern, now backing the append-only RequestStat/ChannelStat tables).
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/stats"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	DefaultTablePrefix = "at_"

	// writeSemaphoreWidth bounds concurrent statistic writes against
	// SQLite, which is single-writer (spec.md §4.8: 1 for SQLite).
	writeSemaphoreWidth = 1
)

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableRequestStats exp.IdentifierExpression
	tableChannelStats exp.IdentifierExpression

	writeSem chan struct{}
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
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
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to statistics store (sqlite)")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                db,
		goqu:              dbGoqu,
		tableRequestStats: goqu.T(tablePrefix + "request_stats"),
		tableChannelStats: goqu.T(tablePrefix + "channel_stats"),
		writeSem:          make(chan struct{}, writeSemaphoreWidth),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close statistics store connection", "error", err)
		}
	}
}

func (s *SQLite) WriteRequestStat(ctx context.Context, row *stats.RequestStat) error {
	return stats.WithRetry(ctx, s.writeSem, func() error {
		query, _, err := s.goqu.Insert(s.tableRequestStats).Rows(requestStatRecord(row)).ToSQL()
		if err != nil {
			return fmt.Errorf("build request_stat insert: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("insert request_stat: %w", err)
		}
		return nil
	})
}

func (s *SQLite) WriteChannelStat(ctx context.Context, row *stats.ChannelStat) error {
	return stats.WithRetry(ctx, s.writeSem, func() error {
		query, _, err := s.goqu.Insert(s.tableChannelStats).Rows(channelStatRecord(row)).ToSQL()
		if err != nil {
			return fmt.Errorf("build channel_stat insert: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
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
		"timestamp":        row.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func requestStatRecord(row *stats.RequestStat) goqu.Record {
	var expires any
	if row.RawDataExpiresAt != nil {
		expires = row.RawDataExpiresAt.UTC().Format(time.RFC3339Nano)
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
		"timestamp":              row.Timestamp.UTC().Format(time.RFC3339Nano),
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
// row snapshotted at write time (spec.md Property 6), and divides the sum
// by 1,000,000 since prices are per million tokens.
func (s *SQLite) CostRollup(ctx context.Context, apiKey, model string, start, end time.Time) (float64, error) {
	query, _, err := s.goqu.From(s.tableRequestStats).
		Select(goqu.L("SUM(prompt_tokens * prompt_price + completion_tokens * completion_price)")).
		Where(
			goqu.I("api_key").Eq(apiKey),
			goqu.I("model").Eq(model),
			goqu.I("timestamp").Gte(start.UTC().Format(time.RFC3339Nano)),
			goqu.I("timestamp").Lt(end.UTC().Format(time.RFC3339Nano)),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build cost rollup query: %w", err)
	}

	var total sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("cost rollup: %w", err)
	}

	return total.Float64 / 1_000_000, nil
}

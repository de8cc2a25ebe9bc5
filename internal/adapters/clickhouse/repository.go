// Package clickhouse is the analytics sink: scheduler cycle metrics and
// brain tool-call metrics batched into MergeTree tables.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/metrics"
)

// tableColumns maps each metrics table to its insert column order. The
// order must match the corresponding Metric.Values.
var tableColumns = map[string][]string{
	"cycle_metrics": {
		"timestamp", "chain_id", "token_id", "brain_type", "action",
		"acted", "blocked", "outcome", "duration_ms", "llm_tokens_used",
		"tool_calls", "memories_recalled",
	},
	"tool_call_metrics": {
		"timestamp", "chain_id", "token_id", "tool_name", "params",
		"success", "execution_time_ms",
	},
}

// Repository writes metric batches. It implements metrics.Writer.
type Repository struct {
	db *sqlx.DB
}

// New connects, pings and makes sure the metrics tables exist.
func New(cfg *config.ClickHouseConfig) (*Repository, error) {
	dsn := fmt.Sprintf("clickhouse://%s:%d/%s?username=%s&password=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password)

	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	r := &Repository{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("✅ ClickHouse connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return r, nil
}

func (r *Repository) ensureSchema(ctx context.Context) error {
	ddl := []string{`
		CREATE TABLE IF NOT EXISTS cycle_metrics (
			timestamp         DateTime64(3),
			chain_id          Int64,
			token_id          Int64,
			brain_type        String,
			action            String,
			acted             Bool,
			blocked           Bool,
			outcome           String,
			duration_ms       Int64,
			llm_tokens_used   Int64,
			tool_calls        Int64,
			memories_recalled Int64
		) ENGINE = MergeTree()
		ORDER BY (token_id, timestamp)
	`, `
		CREATE TABLE IF NOT EXISTS tool_call_metrics (
			timestamp         DateTime64(3),
			chain_id          Int64,
			token_id          Int64,
			tool_name         String,
			params            String,
			success           Bool,
			execution_time_ms Int64
		) ENGINE = MergeTree()
		ORDER BY (token_id, timestamp)
	`}

	for _, q := range ddl {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure metrics schema: %w", err)
		}
	}

	return nil
}

// Write implements metrics.Writer: one prepared insert per batch.
func (r *Repository) Write(ctx context.Context, tableName string, items []metrics.Metric) error {
	if len(items) == 0 {
		return nil
	}
	cols, ok := tableColumns[tableName]
	if !ok {
		return fmt.Errorf("unknown metrics table: %s", tableName)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.Preparex(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		tableName, strings.Join(cols, ", "), placeholders,
	))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range items {
		if _, err := stmt.ExecContext(ctx, m.Values()...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert metric: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics batch: %w", err)
	}

	logger.Debug("metrics batch written",
		zap.String("table", tableName),
		zap.Int("count", len(items)),
	)

	return nil
}

// Ping verifies the connection, used by health checks.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close implements metrics.Writer.
func (r *Repository) Close() error {
	return r.db.Close()
}

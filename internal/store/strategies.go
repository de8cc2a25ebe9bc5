package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// GetStrategy returns the strategy row for a token, nil when none exists.
func (s *Store) GetStrategy(ctx context.Context, tokenID int64) (*models.Strategy, error) {
	query := `
		SELECT chain_id, token_id, strategy_type, target, data, value, strategy_params,
		       min_interval_ms, require_positive_balance, max_failures, failure_count,
		       budget_day, daily_runs_used, daily_value_used, max_daily_runs, max_daily_value,
		       enabled, last_run_at, next_check_at, last_error, created_at, updated_at
		FROM token_strategies
		WHERE chain_id = $1 AND token_id = $2
	`

	var strat models.Strategy
	err := s.db.GetContext(ctx, &strat, query, s.chainID, tokenID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy for token %d: %w", tokenID, err)
	}

	return &strat, nil
}

// ListStrategies returns every strategy on this chain, enabled or not.
func (s *Store) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	query := `
		SELECT chain_id, token_id, strategy_type, target, data, value, strategy_params,
		       min_interval_ms, require_positive_balance, max_failures, failure_count,
		       budget_day, daily_runs_used, daily_value_used, max_daily_runs, max_daily_value,
		       enabled, last_run_at, next_check_at, last_error, created_at, updated_at
		FROM token_strategies
		WHERE chain_id = $1
		ORDER BY token_id ASC
	`

	strategies := []models.Strategy{}
	if err := s.db.SelectContext(ctx, &strategies, query, s.chainID); err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}

	return strategies, nil
}

// UpsertStrategy inserts or replaces the configuration half of a strategy
// row. Runtime counters (failure_count, budget usage, cadence) are owned by
// the scheduler and survive the upsert.
func (s *Store) UpsertStrategy(ctx context.Context, strat *models.Strategy) error {
	if strat.StrategyParams == nil {
		strat.StrategyParams = models.StrategyParams{}
	}
	if strat.MaxFailures <= 0 {
		strat.MaxFailures = 10
	}

	query := `
		INSERT INTO token_strategies (
			chain_id, token_id, strategy_type, target, data, value, strategy_params,
			min_interval_ms, require_positive_balance, max_failures,
			max_daily_runs, max_daily_value, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain_id, token_id) DO UPDATE SET
			strategy_type            = EXCLUDED.strategy_type,
			target                   = EXCLUDED.target,
			data                     = EXCLUDED.data,
			value                    = EXCLUDED.value,
			strategy_params          = EXCLUDED.strategy_params,
			min_interval_ms          = EXCLUDED.min_interval_ms,
			require_positive_balance = EXCLUDED.require_positive_balance,
			max_failures             = EXCLUDED.max_failures,
			max_daily_runs           = EXCLUDED.max_daily_runs,
			max_daily_value          = EXCLUDED.max_daily_value,
			enabled                  = EXCLUDED.enabled,
			updated_at               = now()
	`

	_, err := s.db.ExecContext(ctx, query,
		s.chainID, strat.TokenID, strat.StrategyType, strat.Target, strat.Data, strat.Value,
		strat.StrategyParams, strat.MinIntervalMs, strat.RequirePositiveBalance, strat.MaxFailures,
		strat.MaxDailyRuns, strat.MaxDailyValue, strat.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy for token %d: %w", strat.TokenID, err)
	}

	return nil
}

// SetTradingGoal writes a new natural-language goal into strategy_params and
// wakes the token up: failure count and cadence are reset so the next tick
// picks it up immediately.
func (s *Store) SetTradingGoal(ctx context.Context, tokenID int64, goal string) error {
	query := `
		UPDATE token_strategies
		SET strategy_params = strategy_params || jsonb_build_object(
			'tradingGoal', $3::text,
			'goalSetAt', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
		),
		    failure_count = 0,
		    next_check_at = NULL,
		    updated_at    = now()
		WHERE chain_id = $1 AND token_id = $2
	`

	result, err := s.db.ExecContext(ctx, query, s.chainID, tokenID, goal)
	if err != nil {
		return fmt.Errorf("failed to set trading goal for token %d: %w", tokenID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check goal update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no strategy row for token %d", tokenID)
	}

	return nil
}

// ClearTradingGoal removes tradingGoal/goalSetAt from strategy_params. A
// non-empty goal is archived into goalHistory with its clearedAt timestamp
// before removal, all inside a single row-atomic update.
func (s *Store) ClearTradingGoal(ctx context.Context, tokenID int64) error {
	query := `
		UPDATE token_strategies
		SET strategy_params = (
			CASE WHEN COALESCE(strategy_params->>'tradingGoal', '') <> '' THEN
				jsonb_set(
					strategy_params,
					'{goalHistory}',
					COALESCE(strategy_params->'goalHistory', '[]'::jsonb) || jsonb_build_object(
						'goal', strategy_params->'tradingGoal',
						'setAt', strategy_params->'goalSetAt',
						'clearedAt', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
					)
				)
			ELSE strategy_params END
		) - 'tradingGoal' - 'goalSetAt',
		    updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, s.chainID, tokenID); err != nil {
		return fmt.Errorf("failed to clear trading goal for token %d: %w", tokenID, err)
	}

	return nil
}

// UpdateNextCheckAt moves the token's cadence marker.
func (s *Store) UpdateNextCheckAt(ctx context.Context, tokenID int64, next time.Time) error {
	query := `
		UPDATE token_strategies
		SET next_check_at = $3, updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, s.chainID, tokenID, next.UTC()); err != nil {
		return fmt.Errorf("failed to update next_check_at for token %d: %w", tokenID, err)
	}

	return nil
}

// GetNextCheckAt returns the cadence marker, nil when the token is due now.
func (s *Store) GetNextCheckAt(ctx context.Context, tokenID int64) (*time.Time, error) {
	query := `SELECT next_check_at FROM token_strategies WHERE chain_id = $1 AND token_id = $2`

	var next sql.NullTime
	err := s.db.GetContext(ctx, &next, query, s.chainID, tokenID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next_check_at for token %d: %w", tokenID, err)
	}

	if !next.Valid {
		return nil, nil
	}
	t := next.Time
	return &t, nil
}

// RefreshDailyBudget rolls budget counters over to the current day. A no-op
// when budget_day is already today.
func (s *Store) RefreshDailyBudget(ctx context.Context, tokenID int64) error {
	query := `
		UPDATE token_strategies
		SET budget_day = CURRENT_DATE, daily_runs_used = 0, daily_value_used = 0, updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
		  AND (budget_day IS NULL OR budget_day < CURRENT_DATE)
	`

	if _, err := s.db.ExecContext(ctx, query, s.chainID, tokenID); err != nil {
		return fmt.Errorf("failed to refresh daily budget for token %d: %w", tokenID, err)
	}

	return nil
}

// CheckBudget reports whether one more run spending `value` native units
// still fits inside today's budget. Zero limits mean unlimited.
func (s *Store) CheckBudget(ctx context.Context, tokenID int64, value decimal.Decimal) (bool, error) {
	if err := s.RefreshDailyBudget(ctx, tokenID); err != nil {
		return false, err
	}

	query := `
		SELECT max_daily_runs, daily_runs_used, max_daily_value, daily_value_used
		FROM token_strategies
		WHERE chain_id = $1 AND token_id = $2
	`

	var row struct {
		MaxDailyRuns   int             `db:"max_daily_runs"`
		DailyRunsUsed  int             `db:"daily_runs_used"`
		MaxDailyValue  decimal.Decimal `db:"max_daily_value"`
		DailyValueUsed decimal.Decimal `db:"daily_value_used"`
	}
	err := s.db.GetContext(ctx, &row, query, s.chainID, tokenID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check budget for token %d: %w", tokenID, err)
	}

	if row.MaxDailyRuns > 0 && row.DailyRunsUsed >= row.MaxDailyRuns {
		return false, nil
	}
	if row.MaxDailyValue.IsPositive() && row.DailyValueUsed.Add(value).GreaterThan(row.MaxDailyValue) {
		return false, nil
	}

	return true, nil
}

// ConsumeBudget charges one run plus the spent native value against today's
// budget.
func (s *Store) ConsumeBudget(ctx context.Context, tokenID int64, value decimal.Decimal) error {
	if err := s.RefreshDailyBudget(ctx, tokenID); err != nil {
		return err
	}

	query := `
		UPDATE token_strategies
		SET budget_day       = CURRENT_DATE,
		    daily_runs_used  = daily_runs_used + 1,
		    daily_value_used = daily_value_used + $3,
		    updated_at       = now()
		WHERE chain_id = $1 AND token_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, s.chainID, tokenID, value); err != nil {
		return fmt.Errorf("failed to consume budget for token %d: %w", tokenID, err)
	}

	return nil
}

// RecordSuccess marks a clean run: failure count back to zero, error cleared.
func (s *Store) RecordSuccess(ctx context.Context, tokenID int64) error {
	query := `
		UPDATE token_strategies
		SET failure_count = 0, last_error = NULL, last_run_at = now(), updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, s.chainID, tokenID); err != nil {
		return fmt.Errorf("failed to record success for token %d: %w", tokenID, err)
	}

	return nil
}

// RecordFailure bumps the failure counter and stores the error text. When
// the counter reaches max_failures the strategy is disabled in the same
// update. Returns true when this call disabled it.
func (s *Store) RecordFailure(ctx context.Context, tokenID int64, errMsg string) (bool, error) {
	query := `
		UPDATE token_strategies
		SET failure_count = failure_count + 1,
		    last_error    = $3,
		    last_run_at   = now(),
		    enabled       = CASE WHEN failure_count + 1 >= max_failures THEN FALSE ELSE enabled END,
		    updated_at    = now()
		WHERE chain_id = $1 AND token_id = $2
		RETURNING enabled, failure_count
	`

	var row struct {
		Enabled      bool `db:"enabled"`
		FailureCount int  `db:"failure_count"`
	}
	err := s.db.GetContext(ctx, &row, query, s.chainID, tokenID, truncateError(errMsg))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record failure for token %d: %w", tokenID, err)
	}

	return !row.Enabled, nil
}

// truncateError keeps error text inside the last_error column size.
func truncateError(msg string) string {
	const maxLen = 1000
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}

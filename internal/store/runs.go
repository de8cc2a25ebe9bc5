package store

import (
	"context"
	"fmt"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// RecordRun appends one cycle outcome to the runs log. Retention is enforced
// in the same call path: rows beyond maxRunRecords for this chain are trimmed
// inside the same transaction as the insert.
func (s *Store) RecordRun(ctx context.Context, run *models.RunRecord) error {
	if run.ActionType == "" {
		run.ActionType = "auto"
	}
	if run.RunMode == "" {
		run.RunMode = models.RunModePrimary
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin run insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			chain_id, token_id, action_type, action_hash, simulate_ok, tx_hash,
			error, error_code, failure_category, execution_trace, run_mode,
			shadow_compare, brain_type, intent_type, decision_reason,
			decision_message, violation_code, gas_used, pnl_usd, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
	`, s.chainID, run.TokenID, run.ActionType, run.ActionHash, run.SimulateOK, run.TxHash,
		run.Error, run.ErrorCode, run.FailureCategory, run.ExecutionTrace, run.RunMode,
		run.ShadowCompare, run.BrainType, run.IntentType, run.DecisionReason,
		run.DecisionMessage, run.ViolationCode, run.GasUsed, run.PnlUSD)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if s.maxRunRecords > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM runs
			WHERE chain_id = $1 AND id < (
				SELECT COALESCE(MIN(id), 0) FROM (
					SELECT id FROM runs WHERE chain_id = $1 ORDER BY id DESC LIMIT $2
				) keep
			)
		`, s.chainID, s.maxRunRecords)
		if err != nil {
			return fmt.Errorf("failed to trim runs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run insert: %w", err)
	}

	return nil
}

// ListRuns returns the latest runs for one token, newest first.
func (s *Store) ListRuns(ctx context.Context, tokenID int64, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	runs := []models.RunRecord{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, chain_id, token_id, action_type, action_hash, simulate_ok, tx_hash,
		       error, error_code, failure_category, execution_trace, run_mode,
		       shadow_compare, brain_type, intent_type, decision_reason,
		       decision_message, violation_code, gas_used, pnl_usd, created_at
		FROM runs
		WHERE chain_id = $1 AND token_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, s.chainID, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for token %d: %w", tokenID, err)
	}

	return runs, nil
}

// ListRecentRuns returns the latest runs across all tokens on this chain,
// newest first. Feeds the control plane's run feed.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	runs := []models.RunRecord{}
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, chain_id, token_id, action_type, action_hash, simulate_ok, tx_hash,
		       error, error_code, failure_category, execution_trace, run_mode,
		       shadow_compare, brain_type, intent_type, decision_reason,
		       decision_message, violation_code, gas_used, pnl_usd, created_at
		FROM runs
		WHERE chain_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, s.chainID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent runs: %w", err)
	}

	return runs, nil
}

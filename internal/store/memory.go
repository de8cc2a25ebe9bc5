package store

import (
	"context"
	"fmt"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// Recall returns the token's latest memory entries, newest first. Goal
// entries are a separate family and never appear in recall.
func (s *Store) Recall(ctx context.Context, tokenID int64, limit int) ([]models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	entries := []models.MemoryEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, chain_id, token_id, entry_type, action, params, result,
		       reasoning, goal_id, created_at
		FROM agent_memory
		WHERE chain_id = $1 AND token_id = $2 AND entry_type <> 'goal'
		ORDER BY id DESC
		LIMIT $3
	`, s.chainID, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to recall memory for token %d: %w", tokenID, err)
	}

	return entries, nil
}

// AddMemory appends one scrollback entry for the token.
func (s *Store) AddMemory(ctx context.Context, entry *models.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memory (chain_id, token_id, entry_type, action, params, result, reasoning, goal_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, s.chainID, entry.TokenID, entry.EntryType, entry.Action, entry.Params,
		entry.Result, entry.Reasoning, entry.GoalID)
	if err != nil {
		return fmt.Errorf("failed to store memory entry: %w", err)
	}

	return nil
}

// UpsertGoal writes the goal-family entry keyed by goalID. Re-setting the
// same goal id replaces its text rather than appending a duplicate.
func (s *Store) UpsertGoal(ctx context.Context, tokenID int64, goalID, goal string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memory (chain_id, token_id, entry_type, reasoning, goal_id, created_at)
		VALUES ($1, $2, 'goal', $3, $4, now())
		ON CONFLICT (chain_id, token_id, goal_id) WHERE goal_id IS NOT NULL DO UPDATE SET
			reasoning  = EXCLUDED.reasoning,
			result     = NULL,
			created_at = now()
	`, s.chainID, tokenID, goal, goalID)
	if err != nil {
		return fmt.Errorf("failed to upsert goal %s for token %d: %w", goalID, tokenID, err)
	}

	return nil
}

// CompleteGoal marks a goal entry fulfilled: result becomes {"success":true}.
func (s *Store) CompleteGoal(ctx context.Context, tokenID int64, goalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_memory
		SET result = '{"success":true}'::jsonb
		WHERE chain_id = $1 AND token_id = $2 AND entry_type = 'goal' AND goal_id = $3
	`, s.chainID, tokenID, goalID)
	if err != nil {
		return fmt.Errorf("failed to complete goal %s for token %d: %w", goalID, tokenID, err)
	}

	return nil
}

// ListGoals returns the token's goal entries, newest first.
func (s *Store) ListGoals(ctx context.Context, tokenID int64) ([]models.MemoryEntry, error) {
	goals := []models.MemoryEntry{}
	err := s.db.SelectContext(ctx, &goals, `
		SELECT id, chain_id, token_id, entry_type, action, params, result,
		       reasoning, goal_id, created_at
		FROM agent_memory
		WHERE chain_id = $1 AND token_id = $2 AND entry_type = 'goal'
		ORDER BY id DESC
	`, s.chainID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals for token %d: %w", tokenID, err)
	}

	return goals, nil
}

// ListMemory returns the latest entries of every type, newest first. Used by
// the control plane's memory view (recall semantics stay goal-free).
func (s *Store) ListMemory(ctx context.Context, tokenID int64, limit int) ([]models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	entries := []models.MemoryEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, chain_id, token_id, entry_type, action, params, result,
		       reasoning, goal_id, created_at
		FROM agent_memory
		WHERE chain_id = $1 AND token_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, s.chainID, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory for token %d: %w", tokenID, err)
	}

	return entries, nil
}

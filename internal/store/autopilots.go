package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// UpsertEnabled registers (or re-enables) an autopilot with a fresh operator
// permit. Enabling clears any stale disable reason and lease.
func (s *Store) UpsertEnabled(ctx context.Context, input *models.EnableAutopilotInput) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO autopilots (
			chain_id, token_id, renter, operator, permit_expires,
			permit_deadline, sig, enabled, last_reason, locked_until,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NULL, NULL, now(), now())
		ON CONFLICT (chain_id, token_id) DO UPDATE SET
			renter          = EXCLUDED.renter,
			operator        = EXCLUDED.operator,
			permit_expires  = EXCLUDED.permit_expires,
			permit_deadline = EXCLUDED.permit_deadline,
			sig             = EXCLUDED.sig,
			enabled         = TRUE,
			last_reason     = NULL,
			locked_until    = NULL,
			updated_at      = now()
	`, s.chainID, input.TokenID, input.Renter, input.Operator,
		input.PermitExpires, input.PermitDeadline, input.Sig)
	if err != nil {
		return fmt.Errorf("failed to upsert autopilot: %w", err)
	}

	return nil
}

// Disable turns the autopilot off, recording why. The lease is cleared so a
// later re-enable starts clean.
func (s *Store) Disable(ctx context.Context, tokenID int64, reason string, txHash *string) error {
	fullReason := reason
	if txHash != nil && *txHash != "" {
		fullReason = fmt.Sprintf("%s (tx=%s)", reason, *txHash)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE autopilots
		SET enabled = FALSE, last_reason = $3, locked_until = NULL, updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
	`, s.chainID, tokenID, fullReason)
	if err != nil {
		return fmt.Errorf("failed to disable autopilot: %w", err)
	}

	return nil
}

// GetAutopilot returns the autopilot row, nil when the token is unknown.
func (s *Store) GetAutopilot(ctx context.Context, tokenID int64) (*models.Autopilot, error) {
	var ap models.Autopilot
	err := s.db.GetContext(ctx, &ap, `
		SELECT chain_id, token_id, renter, operator, permit_expires,
		       permit_deadline, sig, enabled, last_reason, locked_until,
		       created_at, updated_at
		FROM autopilots
		WHERE chain_id = $1 AND token_id = $2
	`, s.chainID, tokenID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get autopilot: %w", err)
	}

	return &ap, nil
}

// ListAutopilots returns every autopilot on this chain.
func (s *Store) ListAutopilots(ctx context.Context) ([]models.Autopilot, error) {
	var out []models.Autopilot
	err := s.db.SelectContext(ctx, &out, `
		SELECT chain_id, token_id, renter, operator, permit_expires,
		       permit_deadline, sig, enabled, last_reason, locked_until,
		       created_at, updated_at
		FROM autopilots
		WHERE chain_id = $1
		ORDER BY token_id
	`, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list autopilots: %w", err)
	}

	return out, nil
}

// ListEnabledTokenIDs returns the token ids with an enabled autopilot.
func (s *Store) ListEnabledTokenIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT token_id FROM autopilots
		WHERE chain_id = $1 AND enabled
		ORDER BY token_id
	`, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled token ids: %w", err)
	}

	return ids, nil
}

// ListSchedulableTokenIDs returns the tokens the dispatcher may consider this
// tick: enabled strategy joined with enabled autopilot, the longest-overdue
// first. A NULL next_check_at sorts as epoch, i.e. before everything.
func (s *Store) ListSchedulableTokenIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT s.token_id
		FROM token_strategies s
		JOIN autopilots a ON a.chain_id = s.chain_id AND a.token_id = s.token_id
		WHERE s.chain_id = $1 AND s.enabled AND a.enabled
		ORDER BY COALESCE(s.next_check_at, 'epoch'::timestamptz) ASC
	`, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable token ids: %w", err)
	}

	return ids, nil
}

// GetEarliestNextCheckAt returns the soonest next_check_at over the
// schedulable join, nil when nothing is schedulable. Drives the adaptive
// tick sleep.
func (s *Store) GetEarliestNextCheckAt(ctx context.Context) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.GetContext(ctx, &ts, `
		SELECT MIN(COALESCE(s.next_check_at, 'epoch'::timestamptz))
		FROM token_strategies s
		JOIN autopilots a ON a.chain_id = s.chain_id AND a.token_id = s.token_id
		WHERE s.chain_id = $1 AND s.enabled AND a.enabled
	`, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get earliest next check: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}

	t := ts.Time
	return &t, nil
}

// TryAcquireAutopilotLock attempts to take the token's lease for leaseMs.
// The conditional update is the whole mutual-exclusion story: it succeeds
// only while the autopilot is enabled and the previous lease is absent or
// expired.
func (s *Store) TryAcquireAutopilotLock(ctx context.Context, tokenID int64, leaseMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE autopilots
		SET locked_until = now() + ($3 * interval '1 millisecond'), updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
		  AND enabled
		  AND (locked_until IS NULL OR locked_until <= now())
	`, s.chainID, tokenID, leaseMs)
	if err != nil {
		return false, fmt.Errorf("failed to acquire autopilot lock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}

	return affected == 1, nil
}

// ReleaseAutopilotLock clears the lease. Idempotent: releasing an unheld or
// expired lease is a no-op.
func (s *Store) ReleaseAutopilotLock(ctx context.Context, tokenID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autopilots
		SET locked_until = NULL, updated_at = now()
		WHERE chain_id = $1 AND token_id = $2
	`, s.chainID, tokenID)
	if err != nil {
		return fmt.Errorf("failed to release autopilot lock: %w", err)
	}

	return nil
}

// CountActiveAutopilotLocks returns how many leases are currently held.
func (s *Store) CountActiveAutopilotLocks(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM autopilots
		WHERE chain_id = $1 AND locked_until IS NOT NULL AND locked_until > now()
	`, s.chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to count active locks: %w", err)
	}

	return count, nil
}

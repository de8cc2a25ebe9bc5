package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/selivandex/autopilot-runner/pkg/models"
)

// UpsertSignal writes the latest market datum for a pair.
func (s *Store) UpsertSignal(ctx context.Context, sig *models.MarketSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_signals (
			chain_id, pair, price, price_usd, change_24h, volume_24h,
			momentum, trend, source, observed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (chain_id, pair) DO UPDATE SET
			price       = EXCLUDED.price,
			price_usd   = EXCLUDED.price_usd,
			change_24h  = EXCLUDED.change_24h,
			volume_24h  = EXCLUDED.volume_24h,
			momentum    = EXCLUDED.momentum,
			trend       = EXCLUDED.trend,
			source      = EXCLUDED.source,
			observed_at = EXCLUDED.observed_at,
			updated_at  = now()
	`, s.chainID, sig.Pair, sig.Price, sig.PriceUSD, sig.Change24h, sig.Volume24h,
		sig.Momentum, sig.Trend, sig.Source, sig.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert signal %s: %w", sig.Pair, err)
	}

	return nil
}

// GetSignal returns the latest signal for a pair, nil when never observed.
func (s *Store) GetSignal(ctx context.Context, pair string) (*models.MarketSignal, error) {
	var sig models.MarketSignal
	err := s.db.GetContext(ctx, &sig, `
		SELECT chain_id, pair, price, price_usd, change_24h, volume_24h,
		       momentum, trend, source, observed_at, updated_at
		FROM market_signals
		WHERE chain_id = $1 AND pair = $2
	`, s.chainID, pair)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %s: %w", pair, err)
	}

	return &sig, nil
}

// ListSignals returns every signal on this chain.
func (s *Store) ListSignals(ctx context.Context) ([]models.MarketSignal, error) {
	signals := []models.MarketSignal{}
	err := s.db.SelectContext(ctx, &signals, `
		SELECT chain_id, pair, price, price_usd, change_24h, volume_24h,
		       momentum, trend, source, observed_at, updated_at
		FROM market_signals
		WHERE chain_id = $1
		ORDER BY pair
	`, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}

	return signals, nil
}

// RecentPrices returns the last n stored observations for a pair from the
// price history side table, oldest first, for momentum computation.
func (s *Store) RecentPrices(ctx context.Context, pair string, n int) ([]float64, error) {
	if n <= 0 {
		n = 14
	}

	var prices []float64
	err := s.db.SelectContext(ctx, &prices, `
		SELECT price FROM (
			SELECT price, observed_at
			FROM market_signal_history
			WHERE chain_id = $1 AND pair = $2
			ORDER BY observed_at DESC
			LIMIT $3
		) recent
		ORDER BY observed_at ASC
	`, s.chainID, pair, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read price history for %s: %w", pair, err)
	}

	return prices, nil
}

// AppendPriceHistory records one observation into the history side table and
// trims entries older than seven days.
func (s *Store) AppendPriceHistory(ctx context.Context, pair string, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_signal_history (chain_id, pair, price, observed_at)
		VALUES ($1, $2, $3, now())
	`, s.chainID, pair, price)
	if err != nil {
		return fmt.Errorf("failed to append price history for %s: %w", pair, err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM market_signal_history
		WHERE chain_id = $1 AND pair = $2 AND observed_at < now() - interval '7 days'
	`, s.chainID, pair)
	if err != nil {
		return fmt.Errorf("failed to trim price history for %s: %w", pair, err)
	}

	return nil
}

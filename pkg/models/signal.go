package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketSignal is one observed market datum per (chain, pair), refreshed by
// the signal sync worker and read by brains through get_market_data.
type MarketSignal struct {
	ChainID    int64            `json:"chain_id" db:"chain_id"`
	Pair       string           `json:"pair" db:"pair"`
	Price      decimal.Decimal  `json:"price" db:"price"`
	PriceUSD   *decimal.Decimal `json:"price_usd,omitempty" db:"price_usd"`
	Change24h  *decimal.Decimal `json:"change_24h,omitempty" db:"change_24h"`
	Volume24h  *decimal.Decimal `json:"volume_24h,omitempty" db:"volume_24h"`
	Momentum   *float64         `json:"momentum,omitempty" db:"momentum"`
	Trend      *string          `json:"trend,omitempty" db:"trend"`
	Source     string           `json:"source" db:"source"`
	ObservedAt time.Time        `json:"observed_at" db:"observed_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

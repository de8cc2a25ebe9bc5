package signals

import (
	"context"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/shopspring/decimal"

	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// Ticker is one CEX observation for a pair.
type Ticker struct {
	Pair       string
	Last       decimal.Decimal
	Change24h  *decimal.Decimal
	Volume24h  *decimal.Decimal
	ObservedAt time.Time
}

// TickerSource fetches reference prices from a CEX.
type TickerSource interface {
	Name() string
	FetchTicker(ctx context.Context, pair string) (*Ticker, error)
}

// BinanceSource reads spot tickers through CCXT.
type BinanceSource struct {
	exchange *ccxt.Binance
}

// NewBinanceSource initializes the public (keyless) Binance client and
// loads its markets.
func NewBinanceSource() (*BinanceSource, error) {
	exchange := ccxt.NewBinance(map[string]interface{}{})
	exchange.SetOption("adjustForTimeDifference", true)

	if err := exchange.LoadMarkets(); err != nil {
		return nil, fmt.Errorf("failed to load Binance markets: %w", err)
	}

	logger.Info("Binance ticker source initialized",
		zap.Int("markets_count", len(exchange.Markets)),
	)

	return &BinanceSource{exchange: exchange}, nil
}

func (b *BinanceSource) Name() string {
	return "binance"
}

// FetchTicker returns the latest spot ticker for a pair like "BNB/USDT".
func (b *BinanceSource) FetchTicker(ctx context.Context, pair string) (*Ticker, error) {
	ticker, err := b.exchange.FetchTicker(pair)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker %s: %w", pair, err)
	}
	if ticker.Last == nil {
		return nil, fmt.Errorf("ticker %s has no last price", pair)
	}

	out := &Ticker{
		Pair:       pair,
		Last:       decimal.NewFromFloat(*ticker.Last),
		ObservedAt: time.Now().UTC(),
	}
	if ticker.Percentage != nil {
		change := decimal.NewFromFloat(*ticker.Percentage)
		out.Change24h = &change
	}
	if ticker.BaseVolume != nil {
		volume := decimal.NewFromFloat(*ticker.BaseVolume)
		out.Volume24h = &volume
	}
	if ticker.Timestamp != nil {
		out.ObservedAt = time.UnixMilli(*ticker.Timestamp).UTC()
	}

	return out, nil
}

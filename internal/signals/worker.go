// Package signals keeps the market_signals table fresh: CEX reference
// prices per configured pair, a USD anchor for the chain's native coin and
// momentum enrichment computed from recent history. One pod syncs at a time
// behind a redlock leader lock.
package signals

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// Store is the persistence slice the worker writes.
type Store interface {
	UpsertSignal(ctx context.Context, sig *models.MarketSignal) error
	AppendPriceHistory(ctx context.Context, pair string, price float64) error
	RecentPrices(ctx context.Context, pair string, n int) ([]float64, error)
}

// Leader gates the sync so only one pod runs an iteration.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// Worker is one signal-sync iteration body, driven by worker.Periodic.
type Worker struct {
	store      Store
	tickers    TickerSource
	pricer     USDPricer // can be nil
	leader     Leader    // can be nil
	pairs      []string
	nativePair string
}

// NewWorker wires the sync worker. pricer and leader may be nil: no USD
// anchor and no leader election respectively.
func NewWorker(store Store, tickers TickerSource, pricer USDPricer, leader Leader, pairs []string, nativePair string) *Worker {
	return &Worker{
		store:      store,
		tickers:    tickers,
		pricer:     pricer,
		leader:     leader,
		pairs:      pairs,
		nativePair: nativePair,
	}
}

// Name implements worker.Worker.
func (w *Worker) Name() string {
	return "signal-sync"
}

// Run syncs every configured pair. A pair that fails is logged and skipped,
// the iteration itself only errors when leader election does.
func (w *Worker) Run(ctx context.Context) error {
	if w.leader != nil {
		acquired, err := w.leader.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			logger.Debug("signal sync skipped, another pod is leader")
			return nil
		}
		defer w.leader.Release(ctx)
	}

	var nativeUSD *decimal.Decimal
	if w.pricer != nil {
		if price, err := w.pricer.NativeUSD(ctx); err != nil {
			logger.Warn("failed to fetch native USD price", zap.Error(err))
		} else {
			nativeUSD = &price
		}
	}

	synced := 0
	for _, pair := range w.pairs {
		if err := w.syncPair(ctx, pair, nativeUSD); err != nil {
			logger.Error("failed to sync signal",
				zap.String("pair", pair),
				zap.Error(err),
			)
			continue
		}
		synced++
	}

	logger.Debug("signal sync complete",
		zap.Int("synced", synced),
		zap.Int("pairs", len(w.pairs)),
	)

	return nil
}

func (w *Worker) syncPair(ctx context.Context, pair string, nativeUSD *decimal.Decimal) error {
	ticker, err := w.tickers.FetchTicker(ctx, pair)
	if err != nil {
		return err
	}

	last, _ := ticker.Last.Float64()
	if err := w.store.AppendPriceHistory(ctx, pair, last); err != nil {
		logger.Warn("failed to append price history",
			zap.String("pair", pair),
			zap.Error(err),
		)
	}

	history, err := w.store.RecentPrices(ctx, pair, momentumWindow)
	if err != nil {
		logger.Warn("failed to read price history",
			zap.String("pair", pair),
			zap.Error(err),
		)
		history = nil
	}
	momentum, trend := computeMomentum(history)

	sig := &models.MarketSignal{
		Pair:       pair,
		Price:      ticker.Last,
		PriceUSD:   w.priceUSD(pair, ticker, nativeUSD),
		Change24h:  ticker.Change24h,
		Volume24h:  ticker.Volume24h,
		Momentum:   momentum,
		Trend:      trend,
		Source:     w.tickers.Name(),
		ObservedAt: ticker.ObservedAt,
	}

	return w.store.UpsertSignal(ctx, sig)
}

// priceUSD picks the USD column for a pair: the CoinGecko anchor for the
// native pair, the last price itself when the quote asset is a USD stable,
// nil otherwise.
func (w *Worker) priceUSD(pair string, ticker *Ticker, nativeUSD *decimal.Decimal) *decimal.Decimal {
	if pair == w.nativePair && nativeUSD != nil {
		return nativeUSD
	}
	if usdQuoted(pair) {
		last := ticker.Last
		return &last
	}
	return nil
}

var usdQuotes = map[string]bool{
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
	"USD":  true,
}

func usdQuoted(pair string) bool {
	i := strings.LastIndex(pair, "/")
	if i < 0 {
		return false
	}
	return usdQuotes[pair[i+1:]]
}

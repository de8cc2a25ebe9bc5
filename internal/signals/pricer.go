package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const (
	coingeckoAPIURL = "https://api.coingecko.com/api/v3"
	usdCacheTTL     = 5 * time.Minute
)

// USDPricer returns the chain's native coin price in USD.
type USDPricer interface {
	NativeUSD(ctx context.Context) (decimal.Decimal, error)
}

// QuoteCache is the optional redis-backed cache in front of the pricer.
type QuoteCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CoinGecko prices the native coin via the free simple-price endpoint.
type CoinGecko struct {
	client *http.Client
	coinID string
	cache  QuoteCache // can be nil
}

// NewCoinGecko builds a pricer for one CoinGecko coin id, e.g. "binancecoin".
func NewCoinGecko(coinID string, cache QuoteCache) *CoinGecko {
	return &CoinGecko{
		client: &http.Client{Timeout: 10 * time.Second},
		coinID: coinID,
		cache:  cache,
	}
}

// NativeUSD returns the USD price, served from cache when fresh.
func (cg *CoinGecko) NativeUSD(ctx context.Context) (decimal.Decimal, error) {
	key := "signals:usd:" + cg.coinID
	if cg.cache != nil {
		if raw, ok, err := cg.cache.Get(ctx, key); err == nil && ok {
			if price, err := decimal.NewFromString(raw); err == nil {
				return price, nil
			}
		}
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", coingeckoAPIURL, cg.coinID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cg.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decimal.Zero, fmt.Errorf("coingecko error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode coingecko response: %w", err)
	}

	data, ok := result[cg.coinID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no usd price for %s", cg.coinID)
	}

	price := decimal.NewFromFloat(data.USD)
	if cg.cache != nil {
		_ = cg.cache.Set(ctx, key, price.String(), usdCacheTTL)
	}

	return price, nil
}

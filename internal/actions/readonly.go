package actions

import (
	"context"
	"fmt"
	"math/big"
)

func (r *Registry) marketDataAction() *Action {
	return &Action{
		Name:        "get_market_data",
		Description: "Read the latest market signal for a pair and optionally quote a swap through the router.",
		Readonly:    true,
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"pair":     {Type: "string", Description: "Market pair, e.g. BNB/USDT"},
				"tokenIn":  {Type: "string", Description: "Quote input token address"},
				"tokenOut": {Type: "string", Description: "Quote output token address"},
				"amountIn": {Type: "string", Description: "Quote input amount in base units, decimal string"},
			},
		},
		Execute: r.executeMarketData,
	}
}

func (r *Registry) executeMarketData(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	result := map[string]interface{}{}

	if pair := getStringDefault(params, "pair", ""); pair != "" && r.signals != nil {
		signal, err := r.signals.GetSignal(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("failed to read market signal: %w", err)
		}
		if signal != nil {
			entry := map[string]interface{}{
				"pair":        signal.Pair,
				"price":       signal.Price.String(),
				"observed_at": signal.ObservedAt,
			}
			if signal.PriceUSD != nil {
				entry["price_usd"] = signal.PriceUSD.String()
			}
			if signal.Change24h != nil {
				entry["change_24h"] = signal.Change24h.String()
			}
			if signal.Volume24h != nil {
				entry["volume_24h"] = signal.Volume24h.String()
			}
			if signal.Momentum != nil {
				entry["momentum"] = *signal.Momentum
			}
			if signal.Trend != nil {
				entry["trend"] = *signal.Trend
			}
			result["signal"] = entry
		} else {
			result["signal"] = nil
		}
	}

	tokenIn := getStringDefault(params, "tokenIn", "")
	tokenOut := getStringDefault(params, "tokenOut", "")
	if tokenIn != "" && tokenOut != "" {
		amountIn, err := getBigIntDefault(params, "amountIn", nil)
		if err != nil {
			return nil, err
		}
		if amountIn == nil {
			// One whole token at 18 decimals, the usual spot-quote probe.
			amountIn = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
		}

		if quoter := injectedQuoter(params); quoter != nil {
			if amounts := quoter(ctx, amountIn, []string{tokenIn, tokenOut}); len(amounts) > 0 {
				result["quote"] = map[string]interface{}{
					"token_in":   tokenIn,
					"token_out":  tokenOut,
					"amount_in":  amountIn.String(),
					"amount_out": amounts[len(amounts)-1].String(),
				}
			}
		}
	}

	if len(result) == 0 {
		return map[string]interface{}{"message": "no market data available, pass pair or tokenIn/tokenOut"}, nil
	}

	return result, nil
}

func (r *Registry) portfolioAction() *Action {
	return &Action{
		Name:        "get_portfolio",
		Description: "List the vault's current token balances and native coin balance.",
		Readonly:    true,
		Parameters: &Schema{
			Type:       "object",
			Properties: map[string]*Property{},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			tokens := injectedVaultTokens(params)
			entries := make([]map[string]interface{}, 0, len(tokens))
			for _, t := range tokens {
				balance := "0"
				if t.Balance != nil {
					balance = t.Balance.String()
				}
				entries = append(entries, map[string]interface{}{
					"address":  t.Address,
					"symbol":   t.Symbol,
					"decimals": t.Decimals,
					"balance":  balance,
				})
			}

			native := "0"
			if bal := injectedNativeBalance(params); bal != nil {
				native = bal.String()
			}

			return map[string]interface{}{
				"native_balance": native,
				"tokens":         entries,
			}, nil
		},
	}
}

func (r *Registry) allowanceAction() *Action {
	return &Action{
		Name:        "get_allowance",
		Description: "Read the vault's current ERC20 allowance for a spender.",
		Readonly:    true,
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"token":   {Type: "string", Description: "Token address"},
				"spender": {Type: "string", Description: "Spender address; defaults to the router"},
			},
			Required: []string{"token"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			vault, err := vaultAddress(params)
			if err != nil {
				return nil, err
			}
			token, err := getString(params, "token")
			if err != nil {
				return nil, err
			}
			spender := getStringDefault(params, "spender", r.env.RouterAddress)

			reader := injectedAllowanceReader(params)
			if reader == nil {
				return nil, fmt.Errorf("allowance reader not available")
			}

			allowance, err := reader(ctx, token, vault, spender)
			if err != nil {
				return nil, fmt.Errorf("failed to read allowance: %w", err)
			}

			return map[string]interface{}{
				"token":     token,
				"owner":     vault,
				"spender":   spender,
				"allowance": allowance.String(),
			}, nil
		},
	}
}

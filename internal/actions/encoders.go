package actions

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/chain"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const (
	swapDeadline       = 10 * time.Minute
	defaultSlippageBps = 100
)

func (r *Registry) swapAction() *Action {
	return &Action{
		Name:        "swap",
		Description: "Swap one token for another through the configured V2 router. Prepends an ERC20 approve automatically when the router allowance is too low.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"router":      {Type: "string", Description: "Router address; defaults to the chain's configured router"},
				"tokenIn":     {Type: "string", Description: "Token to sell, address or \"native\""},
				"tokenOut":    {Type: "string", Description: "Token to buy, address"},
				"amountIn":    {Type: "string", Description: "Sell amount in base units (wei), decimal string"},
				"minOut":      {Type: "string", Description: "Minimum acceptable output in base units; derived from the router quote when omitted"},
				"slippageBps": {Type: "integer", Description: "Slippage tolerance in basis points for the derived minOut, default 100"},
			},
			Required: []string{"tokenIn", "tokenOut", "amountIn"},
		},
		Encode: r.encodeSwap,
	}
}

func (r *Registry) encodeSwap(ctx context.Context, params map[string]interface{}) ([]models.Payload, error) {
	vault, err := vaultAddress(params)
	if err != nil {
		return nil, err
	}

	tokenIn, err := getString(params, "tokenIn")
	if err != nil {
		return nil, err
	}
	tokenOut, err := getString(params, "tokenOut")
	if err != nil {
		return nil, err
	}
	amountIn, err := getBigInt(params, "amountIn")
	if err != nil {
		return nil, err
	}
	if amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("amountIn must be positive")
	}

	router := getStringDefault(params, "router", r.env.RouterAddress)
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())

	if strings.EqualFold(tokenIn, NativeToken) {
		return r.encodeNativeSwap(ctx, params, router, tokenOut, amountIn, vault, deadline)
	}

	path := []string{tokenIn, tokenOut}
	minOut, err := r.resolveMinOut(ctx, params, amountIn, path)
	if err != nil {
		return nil, err
	}

	swapData, err := chain.RouterABI.Pack("swapExactTokensForTokens",
		amountIn, minOut, toAddresses(path), common.HexToAddress(vault), deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}

	batch := []models.Payload{}

	// The vault pays the router, so the router needs an allowance from the
	// vault, not from the operator.
	if needsApprove(ctx, params, tokenIn, vault, router, amountIn) {
		approveData, err := chain.ERC20ABI.Pack("approve", common.HexToAddress(router), amountIn)
		if err != nil {
			return nil, fmt.Errorf("failed to pack approve: %w", err)
		}
		batch = append(batch, models.Payload{
			Target: tokenIn,
			Value:  big.NewInt(0),
			Data:   approveData,
		})
	}

	batch = append(batch, models.Payload{
		Target: router,
		Value:  big.NewInt(0),
		Data:   swapData,
	})

	return batch, nil
}

func (r *Registry) encodeNativeSwap(ctx context.Context, params map[string]interface{}, router, tokenOut string, amountIn *big.Int, vault string, deadline *big.Int) ([]models.Payload, error) {
	path := []string{r.env.WrappedNative, tokenOut}
	minOut, err := r.resolveMinOut(ctx, params, amountIn, path)
	if err != nil {
		return nil, err
	}

	data, err := chain.RouterABI.Pack("swapExactETHForTokens",
		minOut, toAddresses(path), common.HexToAddress(vault), deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to pack native swap: %w", err)
	}

	return []models.Payload{{
		Target: router,
		Value:  amountIn,
		Data:   data,
	}}, nil
}

// resolveMinOut prefers an explicit minOut, then a quote minus slippage, then
// zero when no quote source is available.
func (r *Registry) resolveMinOut(ctx context.Context, params map[string]interface{}, amountIn *big.Int, path []string) (*big.Int, error) {
	minOut, err := getBigIntDefault(params, "minOut", nil)
	if err != nil {
		return nil, err
	}
	if minOut != nil {
		return minOut, nil
	}

	slippage, err := getIntDefault(params, "slippageBps", defaultSlippageBps)
	if err != nil {
		return nil, err
	}
	if slippage < 0 || slippage >= 10000 {
		return nil, fmt.Errorf("slippageBps must be in [0, 10000)")
	}

	quoter := injectedQuoter(params)
	if quoter == nil {
		return big.NewInt(0), nil
	}

	amounts := quoter(ctx, amountIn, path)
	if len(amounts) == 0 {
		logger.Debug("no router quote, swapping with zero minOut")
		return big.NewInt(0), nil
	}

	out := new(big.Int).Set(amounts[len(amounts)-1])
	out.Mul(out, big.NewInt(10000-slippage))
	out.Div(out, big.NewInt(10000))

	return out, nil
}

// needsApprove reads the current allowance through the injected callback.
// Unknown allowance counts as zero so the swap still lands.
func needsApprove(ctx context.Context, params map[string]interface{}, token, owner, spender string, amount *big.Int) bool {
	reader := injectedAllowanceReader(params)
	if reader == nil {
		return true
	}

	allowance, err := reader(ctx, token, owner, spender)
	if err != nil || allowance == nil {
		logger.Debug("allowance read failed, prepending approve", zap.Error(err))
		return true
	}

	return allowance.Cmp(amount) < 0
}

func (r *Registry) wrapAction() *Action {
	return &Action{
		Name:        "wrap",
		Description: "Wrap native coin into the wrapped-native ERC20 token.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"amount": {Type: "string", Description: "Amount in wei, decimal string"},
			},
			Required: []string{"amount"},
		},
		Encode: func(ctx context.Context, params map[string]interface{}) ([]models.Payload, error) {
			amount, err := getBigInt(params, "amount")
			if err != nil {
				return nil, err
			}
			if amount.Sign() <= 0 {
				return nil, fmt.Errorf("amount must be positive")
			}

			data, err := chain.WNativeABI.Pack("deposit")
			if err != nil {
				return nil, fmt.Errorf("failed to pack deposit: %w", err)
			}

			return []models.Payload{{
				Target: r.env.WrappedNative,
				Value:  amount,
				Data:   data,
			}}, nil
		},
	}
}

func (r *Registry) unwrapAction() *Action {
	return &Action{
		Name:        "unwrap",
		Description: "Unwrap wrapped-native tokens back into the native coin.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"amount": {Type: "string", Description: "Amount in wei, decimal string"},
			},
			Required: []string{"amount"},
		},
		Encode: func(ctx context.Context, params map[string]interface{}) ([]models.Payload, error) {
			amount, err := getBigInt(params, "amount")
			if err != nil {
				return nil, err
			}
			if amount.Sign() <= 0 {
				return nil, fmt.Errorf("amount must be positive")
			}

			data, err := chain.WNativeABI.Pack("withdraw", amount)
			if err != nil {
				return nil, fmt.Errorf("failed to pack withdraw: %w", err)
			}

			return []models.Payload{{
				Target: r.env.WrappedNative,
				Value:  big.NewInt(0),
				Data:   data,
			}}, nil
		},
	}
}

func (r *Registry) transferAction() *Action {
	return &Action{
		Name:        "transfer",
		Description: "Send tokens or native coin from the vault to an address.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"token":  {Type: "string", Description: "Token address or \"native\""},
				"to":     {Type: "string", Description: "Recipient address"},
				"amount": {Type: "string", Description: "Amount in base units, decimal string"},
			},
			Required: []string{"token", "to", "amount"},
		},
		Encode: func(ctx context.Context, params map[string]interface{}) ([]models.Payload, error) {
			token, err := getString(params, "token")
			if err != nil {
				return nil, err
			}
			to, err := getString(params, "to")
			if err != nil {
				return nil, err
			}
			amount, err := getBigInt(params, "amount")
			if err != nil {
				return nil, err
			}
			if amount.Sign() <= 0 {
				return nil, fmt.Errorf("amount must be positive")
			}

			if strings.EqualFold(token, NativeToken) {
				return []models.Payload{{
					Target: to,
					Value:  amount,
					Data:   nil,
				}}, nil
			}

			data, err := chain.ERC20ABI.Pack("transfer", common.HexToAddress(to), amount)
			if err != nil {
				return nil, fmt.Errorf("failed to pack transfer: %w", err)
			}

			return []models.Payload{{
				Target: token,
				Value:  big.NewInt(0),
				Data:   data,
			}}, nil
		},
	}
}

func (r *Registry) approveAction() *Action {
	return &Action{
		Name:        "approve",
		Description: "Grant an ERC20 allowance from the vault to a spender.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"token":   {Type: "string", Description: "Token address"},
				"spender": {Type: "string", Description: "Spender address"},
				"amount":  {Type: "string", Description: "Allowance in base units, decimal string"},
			},
			Required: []string{"token", "spender", "amount"},
		},
		Encode: func(ctx context.Context, params map[string]interface{}) ([]models.Payload, error) {
			token, err := getString(params, "token")
			if err != nil {
				return nil, err
			}
			spender, err := getString(params, "spender")
			if err != nil {
				return nil, err
			}
			amount, err := getBigInt(params, "amount")
			if err != nil {
				return nil, err
			}
			if amount.Sign() < 0 {
				return nil, fmt.Errorf("amount must not be negative")
			}

			data, err := chain.ERC20ABI.Pack("approve", common.HexToAddress(spender), amount)
			if err != nil {
				return nil, fmt.Errorf("failed to pack approve: %w", err)
			}

			return []models.Payload{{
				Target: token,
				Value:  big.NewInt(0),
				Data:   data,
			}}, nil
		},
	}
}

func (r *Registry) rawCallAction() *Action {
	return &Action{
		Name:        "raw_call",
		Description: "Execute a pre-encoded call against an arbitrary target. Used by static strategies that replay a fixed payload.",
		Parameters: &Schema{
			Type: "object",
			Properties: map[string]*Property{
				"target": {Type: "string", Description: "Call target address"},
				"value":  {Type: "string", Description: "Native value in wei, decimal string, default 0"},
				"data":   {Type: "string", Description: "Calldata as 0x-prefixed hex, default empty"},
			},
			Required: []string{"target"},
		},
		Encode: func(ctx context.Context, params map[string]interface{}) ([]models.Payload, error) {
			target, err := getString(params, "target")
			if err != nil {
				return nil, err
			}

			value, err := getBigIntDefault(params, "value", big.NewInt(0))
			if err != nil {
				return nil, err
			}

			dataHex := getStringDefault(params, "data", "")
			var data []byte
			if dataHex != "" && dataHex != "0x" {
				if !strings.HasPrefix(dataHex, "0x") {
					dataHex = "0x" + dataHex
				}
				data, err = hexutil.Decode(dataHex)
				if err != nil {
					return nil, fmt.Errorf("failed to decode calldata: %w", err)
				}
			}

			return []models.Payload{{
				Target: target,
				Value:  value,
				Data:   data,
			}}, nil
		},
	}
}

func toAddresses(path []string) []common.Address {
	out := make([]common.Address, len(path))
	for i, p := range path {
		out[i] = common.HexToAddress(p)
	}
	return out
}

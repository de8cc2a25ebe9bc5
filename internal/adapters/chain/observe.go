package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// AgentInfo is the decoded agentInfo(tokenId) tuple.
type AgentInfo struct {
	Vault           common.Address
	Renter          common.Address
	Operator        common.Address
	Status          uint8
	RenterExpires   uint64
	OperatorExpires uint64
	Paused          bool
}

// ReadAgentInfo fetches the registry record for a token.
func (c *Client) ReadAgentInfo(ctx context.Context, tokenID int64) (*AgentInfo, error) {
	vals, err := c.call(ctx, c.registry, RegistryABI, "agentInfo", big.NewInt(tokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent info for token %d: %w", tokenID, err)
	}
	if len(vals) != 7 {
		return nil, fmt.Errorf("unexpected agentInfo arity for token %d: %d", tokenID, len(vals))
	}

	return &AgentInfo{
		Vault:           vals[0].(common.Address),
		Renter:          vals[1].(common.Address),
		Operator:        vals[2].(common.Address),
		Status:          vals[3].(uint8),
		RenterExpires:   vals[4].(uint64),
		OperatorExpires: vals[5].(uint64),
		Paused:          vals[6].(bool),
	}, nil
}

// Observe builds the full on-chain snapshot a cycle runs against: agent
// record, vault balances for tracked tokens, native balance, gas price and
// the latest block. It is the single chain-read call site of a cycle.
func (c *Client) Observe(ctx context.Context, tokenID int64) (*models.Observation, error) {
	info, err := c.ReadAgentInfo(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest block: %w", err)
	}

	native, err := c.eth.BalanceAt(ctx, info.Vault, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault balance: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		logger.Warn("gas price read failed, observation continues without it",
			zap.Int64("token_id", tokenID), zap.Error(err))
		gasPrice = nil
	}

	obs := &models.Observation{
		TokenID: tokenID,
		Agent: models.AgentState{
			Balance: native,
			Status:  info.Status,
			Owner:   info.Renter.Hex(),
		},
		Vault:           info.Vault.Hex(),
		Renter:          info.Renter.Hex(),
		RenterExpires:   int64(info.RenterExpires),
		Operator:        info.Operator.Hex(),
		OperatorExpires: int64(info.OperatorExpires),
		BlockNumber:     header.Number.Uint64(),
		BlockTime:       time.Unix(int64(header.Time), 0).UTC(),
		ObservedAt:      time.Now().UTC(),
		NativeBalance:   native,
		GasPrice:        gasPrice,
		Paused:          info.Paused,
	}

	for _, token := range c.cfg.TrackedTokens {
		vt, err := c.readVaultToken(ctx, common.HexToAddress(token), info.Vault)
		if err != nil {
			logger.Warn("tracked token read failed, skipping",
				zap.Int64("token_id", tokenID),
				zap.String("token", token),
				zap.Error(err))
			continue
		}
		obs.VaultTokens = append(obs.VaultTokens, *vt)
	}

	if cooldown, err := c.ReadCooldownSeconds(ctx, tokenID); err == nil {
		obs.CooldownSeconds = cooldown
	} else {
		logger.Debug("cooldown read failed", zap.Int64("token_id", tokenID), zap.Error(err))
	}

	return obs, nil
}

func (c *Client) readVaultToken(ctx context.Context, token, vault common.Address) (*models.VaultToken, error) {
	balVals, err := c.call(ctx, token, ERC20ABI, "balanceOf", vault)
	if err != nil {
		return nil, err
	}

	vt := &models.VaultToken{
		Address:  token.Hex(),
		Symbol:   "?",
		Decimals: 18,
		Balance:  balVals[0].(*big.Int),
	}

	if symVals, err := c.call(ctx, token, ERC20ABI, "symbol"); err == nil {
		vt.Symbol = symVals[0].(string)
	}
	if decVals, err := c.call(ctx, token, ERC20ABI, "decimals"); err == nil {
		vt.Decimals = decVals[0].(uint8)
	}

	return vt, nil
}

// ReadAgentType returns the registry's blueprint tag for a token. Missing
// method, revert or empty string all degrade to "unknown" so the caller can
// fall back to strategy-level typing.
func (c *Client) ReadAgentType(ctx context.Context, tokenID int64) string {
	vals, err := c.call(ctx, c.registry, RegistryABI, "agentType", big.NewInt(tokenID))
	if err != nil {
		logger.Debug("agent type read failed", zap.Int64("token_id", tokenID), zap.Error(err))
		return "unknown"
	}

	agentType, ok := vals[0].(string)
	if !ok || agentType == "" {
		return "unknown"
	}
	return agentType
}

// ReadSubscriptionStatus returns the registry's billing state for a token.
func (c *Client) ReadSubscriptionStatus(ctx context.Context, tokenID int64) (models.SubscriptionStatus, error) {
	vals, err := c.call(ctx, c.registry, RegistryABI, "subscriptionStatus", big.NewInt(tokenID))
	if err != nil {
		return models.SubscriptionNone, fmt.Errorf("failed to read subscription status for token %d: %w", tokenID, err)
	}
	return models.SubscriptionStatus(vals[0].(uint8)), nil
}

// ReadCooldownSeconds returns the remaining on-chain action cooldown.
func (c *Client) ReadCooldownSeconds(ctx context.Context, tokenID int64) (int64, error) {
	vals, err := c.call(ctx, c.registry, RegistryABI, "actionCooldown", big.NewInt(tokenID))
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown for token %d: %w", tokenID, err)
	}
	return int64(vals[0].(uint64)), nil
}

// ReadAllowance returns the ERC20 allowance owner has granted spender.
func (c *Client) ReadAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	vals, err := c.call(ctx, common.HexToAddress(token), ERC20ABI, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	return vals[0].(*big.Int), nil
}

// GetAmountsOut quotes amountIn through the router along path. Quotes are
// advisory, so any failure returns nil instead of an error.
func (c *Client) GetAmountsOut(ctx context.Context, amountIn *big.Int, path []string) []*big.Int {
	if amountIn == nil || len(path) < 2 {
		return nil
	}

	addrs := make([]common.Address, len(path))
	for i, p := range path {
		addrs[i] = common.HexToAddress(p)
	}

	vals, err := c.call(ctx, c.router, RouterABI, "getAmountsOut", amountIn, addrs)
	if err != nil {
		logger.Debug("router quote failed", zap.Error(err))
		return nil
	}

	amounts, ok := vals[0].([]*big.Int)
	if !ok {
		return nil
	}
	return amounts
}

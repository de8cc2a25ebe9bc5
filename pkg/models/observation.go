package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus mirrors the registry contract's subscription enum.
type SubscriptionStatus uint8

const (
	SubscriptionNone SubscriptionStatus = iota
	SubscriptionActive
	SubscriptionGracePeriod
	SubscriptionExpired
	SubscriptionCanceled
)

// String implements fmt.Stringer.
func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionNone:
		return "None"
	case SubscriptionActive:
		return "Active"
	case SubscriptionGracePeriod:
		return "GracePeriod"
	case SubscriptionExpired:
		return "Expired"
	case SubscriptionCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Runnable reports whether the scheduler may cycle a token in this state.
func (s SubscriptionStatus) Runnable() bool {
	return s == SubscriptionNone || s == SubscriptionActive
}

// AgentState is the registry-side view of one agent instance.
type AgentState struct {
	Balance *big.Int `json:"balance"`
	Status  uint8    `json:"status"`
	Owner   string   `json:"owner"`
}

// VaultToken is one ERC20 position held by the agent's vault.
type VaultToken struct {
	Address  string   `json:"address"`
	Symbol   string   `json:"symbol"`
	Decimals uint8    `json:"decimals"`
	Balance  *big.Int `json:"balance"`
}

// Observation is the transient on-chain snapshot a cycle starts from. One
// observe call per cycle; everything downstream (brain, encoders, guardrails)
// reads from this struct instead of the chain.
type Observation struct {
	TokenID         int64                      `json:"token_id"`
	Agent           AgentState                 `json:"agent"`
	Vault           string                     `json:"vault"`
	Renter          string                     `json:"renter"`
	RenterExpires   int64                      `json:"renter_expires"`
	Operator        string                     `json:"operator"`
	OperatorExpires int64                      `json:"operator_expires"`
	BlockNumber     uint64                     `json:"block_number"`
	BlockTime       time.Time                  `json:"block_time"`
	ObservedAt      time.Time                  `json:"observed_at"`
	VaultTokens     []VaultToken               `json:"vault_tokens,omitempty"`
	NativeBalance   *big.Int                   `json:"native_balance,omitempty"`
	Prices          map[string]decimal.Decimal `json:"prices,omitempty"`
	GasPrice        *big.Int                   `json:"gas_price,omitempty"`
	Paused          bool                       `json:"paused"`
	CooldownSeconds int64                      `json:"cooldown_seconds"`
	InstanceConfig  map[string]interface{}     `json:"instance_config,omitempty"`
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy configures what an agent should do for one token: either a fixed
// call (target/data/value for static types) or a natural-language trading
// goal interpreted by an LLM brain.
type Strategy struct {
	ChainID                int64           `json:"chain_id" db:"chain_id"`
	TokenID                int64           `json:"token_id" db:"token_id"`
	StrategyType           string          `json:"strategy_type" db:"strategy_type"`
	Target                 string          `json:"target" db:"target"`
	Data                   string          `json:"data" db:"data"`
	Value                  string          `json:"value" db:"value"`
	StrategyParams         StrategyParams  `json:"strategy_params" db:"strategy_params"`
	MinIntervalMs          *int64          `json:"min_interval_ms,omitempty" db:"min_interval_ms"`
	RequirePositiveBalance bool            `json:"require_positive_balance" db:"require_positive_balance"`
	MaxFailures            int             `json:"max_failures" db:"max_failures"`
	FailureCount           int             `json:"failure_count" db:"failure_count"`
	BudgetDay              *time.Time      `json:"budget_day,omitempty" db:"budget_day"`
	DailyRunsUsed          int             `json:"daily_runs_used" db:"daily_runs_used"`
	DailyValueUsed         decimal.Decimal `json:"daily_value_used" db:"daily_value_used"`
	MaxDailyRuns           int             `json:"max_daily_runs" db:"max_daily_runs"`
	MaxDailyValue          decimal.Decimal `json:"max_daily_value" db:"max_daily_value"`
	Enabled                bool            `json:"enabled" db:"enabled"`
	LastRunAt              *time.Time      `json:"last_run_at,omitempty" db:"last_run_at"`
	NextCheckAt            *time.Time      `json:"next_check_at,omitempty" db:"next_check_at"`
	LastError              *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// StrategyParams is the open key/value bag stored in the strategy_params
// JSONB column. Well-known keys are accessed through typed getters; anything
// else passes through to the brain untouched.
type StrategyParams map[string]interface{}

// Well-known strategy_params keys.
const (
	ParamTradingGoal      = "tradingGoal"
	ParamGoalSetAt        = "goalSetAt"
	ParamGoalHistory      = "goalHistory"
	ParamAllowedTargets   = "allowedTargets"
	ParamAllowedSelectors = "allowedSelectors"
	ParamMaxValuePerRun   = "maxValuePerRun"
)

// GoalSnapshot is one archived trading goal inside goalHistory.
type GoalSnapshot struct {
	Goal      string    `json:"goal"`
	SetAt     time.Time `json:"setAt,omitempty"`
	ClearedAt time.Time `json:"clearedAt"`
}

// Value implements driver.Valuer so the map round-trips through JSONB.
func (p StrategyParams) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *StrategyParams) Scan(src interface{}) error {
	if src == nil {
		*p = StrategyParams{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported strategy_params source type %T", src)
	}
	return json.Unmarshal(raw, p)
}

// TradingGoal returns the natural-language goal, empty when unset.
func (p StrategyParams) TradingGoal() string {
	goal, _ := p[ParamTradingGoal].(string)
	return goal
}

// GoalSetAt returns when the current goal was set, zero when unknown.
func (p StrategyParams) GoalSetAt() time.Time {
	raw, _ := p[ParamGoalSetAt].(string)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AllowedTargets returns the target address allow-list, nil when unrestricted.
func (p StrategyParams) AllowedTargets() []string {
	return p.stringSlice(ParamAllowedTargets)
}

// AllowedSelectors returns the 4-byte selector allow-list, nil when
// unrestricted.
func (p StrategyParams) AllowedSelectors() []string {
	return p.stringSlice(ParamAllowedSelectors)
}

// MaxValuePerRun returns the per-run native value cap, nil when unset.
// Accepts decimal strings and JSON numbers.
func (p StrategyParams) MaxValuePerRun() *big.Int {
	switch v := p[ParamMaxValuePerRun].(type) {
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil
		}
		return n
	case float64:
		return new(big.Int).SetInt64(int64(v))
	case json.Number:
		n, ok := new(big.Int).SetString(v.String(), 10)
		if !ok {
			return nil
		}
		return n
	default:
		return nil
	}
}

func (p StrategyParams) stringSlice(key string) []string {
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsLLM reports whether the strategy is driven by an LLM brain. LLM agents
// without a trading goal are in standby and never dispatched.
func (s *Strategy) IsLLM() bool {
	return len(s.StrategyType) >= 4 && s.StrategyType[:4] == "llm_"
}

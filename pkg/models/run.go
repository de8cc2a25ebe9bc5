package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Run modes.
const (
	RunModePrimary = "primary"
	RunModeShadow  = "shadow"
)

// Failure categories recorded on run rows and interpreted by the scheduler.
const (
	FailureBusinessRejected = "business_rejected"
	FailureInfra            = "infra"
)

// Stable error codes surfaced in runs.error_code.
const (
	ErrCodeAutopauseThreshold = "BUSINESS_AUTOPAUSE_THRESHOLD"
	ErrCodePolicyCooldown     = "BUSINESS_POLICY_COOLDOWN"
	ErrCodeInsufficientFunds  = "BUSINESS_INSUFFICIENT_FUNDS"
	ErrCodeBudgetExhausted    = "BUSINESS_BUDGET_EXHAUSTED"
	ErrCodeReverted           = "BUSINESS_REVERTED"
	ErrCodeInvalidToken       = "INFRA_INVALID_TOKEN"
	ErrCodeNonce              = "INFRA_NONCE"
	ErrCodeRPC                = "INFRA_RPC"
	ErrCodeUnknown            = "INFRA_UNKNOWN"
)

// RunRecord is one appended row of the runs log: a single cycle outcome.
type RunRecord struct {
	ID              int64            `json:"id" db:"id"`
	ChainID         int64            `json:"chain_id" db:"chain_id"`
	TokenID         int64            `json:"token_id" db:"token_id"`
	ActionType      string           `json:"action_type" db:"action_type"`
	ActionHash      string           `json:"action_hash" db:"action_hash"`
	SimulateOK      bool             `json:"simulate_ok" db:"simulate_ok"`
	TxHash          *string          `json:"tx_hash,omitempty" db:"tx_hash"`
	Error           *string          `json:"error,omitempty" db:"error"`
	ErrorCode       *string          `json:"error_code,omitempty" db:"error_code"`
	FailureCategory *string          `json:"failure_category,omitempty" db:"failure_category"`
	ExecutionTrace  ExecutionTrace   `json:"execution_trace" db:"execution_trace"`
	RunMode         string           `json:"run_mode" db:"run_mode"`
	ShadowCompare   JSONMap          `json:"shadow_compare,omitempty" db:"shadow_compare"`
	BrainType       *string          `json:"brain_type,omitempty" db:"brain_type"`
	IntentType      *string          `json:"intent_type,omitempty" db:"intent_type"`
	DecisionReason  *string          `json:"decision_reason,omitempty" db:"decision_reason"`
	DecisionMessage *string          `json:"decision_message,omitempty" db:"decision_message"`
	ViolationCode   *string          `json:"violation_code,omitempty" db:"violation_code"`
	GasUsed         *int64           `json:"gas_used,omitempty" db:"gas_used"`
	PnlUSD          *decimal.Decimal `json:"pnl_usd,omitempty" db:"pnl_usd"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// TraceEntry is one stage of a cycle's execution trace.
type TraceEntry struct {
	Stage  string                 `json:"stage"`
	Status string                 `json:"status"`
	At     time.Time              `json:"at"`
	Note   string                 `json:"note,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// ExecutionTrace is the ordered list of trace entries stored as JSONB.
type ExecutionTrace []TraceEntry

// Append returns the trace extended with a new entry stamped now.
func (t ExecutionTrace) Append(stage, status, note string) ExecutionTrace {
	return append(t, TraceEntry{Stage: stage, Status: status, At: time.Now().UTC(), Note: note})
}

// AppendMeta returns the trace extended with an entry carrying metadata.
func (t ExecutionTrace) AppendMeta(stage, status string, meta map[string]interface{}) ExecutionTrace {
	return append(t, TraceEntry{Stage: stage, Status: status, At: time.Now().UTC(), Meta: meta})
}

// Value implements driver.Valuer.
func (t ExecutionTrace) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *ExecutionTrace) Scan(src interface{}) error {
	if src == nil {
		*t = ExecutionTrace{}
		return nil
	}
	raw, err := jsonSource(src)
	if err != nil {
		return fmt.Errorf("execution_trace: %w", err)
	}
	return json.Unmarshal(raw, t)
}

// JSONMap is a generic JSONB object column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	raw, err := jsonSource(src)
	if err != nil {
		return fmt.Errorf("json map: %w", err)
	}
	return json.Unmarshal(raw, m)
}

func jsonSource(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported source type %T", src)
	}
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Memory entry types. Goal entries live in the same table but form their own
// family: they are upserted by goal id and excluded from recall.
const (
	MemoryDecision    = "decision"
	MemoryObservation = "observation"
	MemoryExecution   = "execution"
	MemoryBlocked     = "blocked"
	MemoryGoal        = "goal"
	MemoryTrigger     = "trigger"
)

// MemoryEntry is one line of a token's scrollback fed to the brain.
type MemoryEntry struct {
	ID        int64         `json:"id" db:"id"`
	ChainID   int64         `json:"chain_id" db:"chain_id"`
	TokenID   int64         `json:"token_id" db:"token_id"`
	EntryType string        `json:"entry_type" db:"entry_type"`
	Action    *string       `json:"action,omitempty" db:"action"`
	Params    JSONMap       `json:"params,omitempty" db:"params"`
	Result    *MemoryResult `json:"result,omitempty" db:"result"`
	Reasoning *string       `json:"reasoning,omitempty" db:"reasoning"`
	GoalID    *string       `json:"goal_id,omitempty" db:"goal_id"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// MemoryResult records how an action turned out.
type MemoryResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Value implements driver.Valuer.
func (r *MemoryResult) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *MemoryResult) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	raw, err := jsonSource(src)
	if err != nil {
		return fmt.Errorf("memory result: %w", err)
	}
	return json.Unmarshal(raw, r)
}

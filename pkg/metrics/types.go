package metrics

import "time"

// CycleMetric captures one scheduler cycle for a token: what the brain chose,
// how long the cycle took, and how it ended.
type CycleMetric struct {
	Timestamp        time.Time
	ChainID          int64
	TokenID          int64
	BrainType        string
	Action           string
	Acted            bool
	Blocked          bool
	Outcome          string // ok | blocked | error | skipped | shadow
	DurationMs       int64
	LLMTokensUsed    int
	ToolCalls        int
	MemoriesRecalled int
}

func (m *CycleMetric) TableName() string {
	return "cycle_metrics"
}

func (m *CycleMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.ChainID,
		m.TokenID,
		m.BrainType,
		m.Action,
		m.Acted,
		m.Blocked,
		m.Outcome,
		m.DurationMs,
		m.LLMTokensUsed,
		m.ToolCalls,
		m.MemoriesRecalled,
	}
}

// ToolCallMetric captures one tool invocation inside an LLM brain loop.
type ToolCallMetric struct {
	Timestamp       time.Time
	ChainID         int64
	TokenID         int64
	ToolName        string
	Params          string // JSON
	Success         bool
	ExecutionTimeMs int64
}

func (m *ToolCallMetric) TableName() string {
	return "tool_call_metrics"
}

func (m *ToolCallMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.ChainID,
		m.TokenID,
		m.ToolName,
		m.Params,
		m.Success,
		m.ExecutionTimeMs,
	}
}

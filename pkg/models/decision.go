package models

// ActionWait is the universal no-op decision.
const ActionWait = "wait"

// Decision is what a brain produces for one cycle. Done and NextCheckMs are
// pointers because absence is meaningful: done=false forces a one-shot action
// to keep running, and a missing next-check hint falls back to the strategy's
// minimum interval.
type Decision struct {
	Action      string                 `json:"action"`
	Params      map[string]interface{} `json:"params"`
	Reasoning   string                 `json:"reasoning"`
	Message     string                 `json:"message,omitempty"`
	Confidence  float64                `json:"confidence"`
	Done        *bool                  `json:"done,omitempty"`
	NextCheckMs *int64                 `json:"nextCheckMs,omitempty"`
	Blocked     bool                   `json:"blocked,omitempty"`
	BlockReason string                 `json:"blockReason,omitempty"`

	// Provider-side cost counters, filled in by the brain after parsing.
	// They are not part of the model's output contract.
	LLMTokens int `json:"-"`
	ToolCalls int `json:"-"`
}

// IsWait reports whether the brain chose to do nothing this cycle.
func (d *Decision) IsWait() bool {
	return d.Action == ActionWait || d.Action == ""
}

// DoneTrue reports whether done was explicitly set to true.
func (d *Decision) DoneTrue() bool {
	return d.Done != nil && *d.Done
}

// DoneFalse reports whether done was explicitly set to false.
func (d *Decision) DoneFalse() bool {
	return d.Done != nil && !*d.Done
}

// BoolPtr is a literal helper for the tri-state Done field.
func BoolPtr(v bool) *bool { return &v }

// Int64Ptr is a literal helper for NextCheckMs.
func Int64Ptr(v int64) *int64 { return &v }

// StringPtr is a literal helper for nullable record columns.
func StringPtr(v string) *string { return &v }

package brain

import (
	"context"
	"strings"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// StaticBrain replays the strategy's configured call on every cycle. No
// model, no tools: the decision is always a raw_call carrying the stored
// target, value and data.
type StaticBrain struct {
	cfg Config
}

// NewStaticBrain builds the fixed-payload brain for one token.
func NewStaticBrain(cfg Config, _ Deps) (Brain, error) {
	return &StaticBrain{cfg: cfg}, nil
}

// Think returns the configured call, or a wait when no target is set.
// done is always false so the scheduler keeps the agent on its interval.
func (b *StaticBrain) Think(_ context.Context, _ *models.Observation, _ []models.MemoryEntry, _ *actions.Registry) (*models.Decision, error) {
	target := strings.TrimSpace(b.cfg.Target)
	if target == "" {
		return &models.Decision{
			Action:     models.ActionWait,
			Params:     map[string]interface{}{},
			Reasoning:  "no call target configured",
			Confidence: 1,
		}, nil
	}

	value := strings.TrimSpace(b.cfg.Value)
	if value == "" {
		value = "0"
	}
	data := strings.TrimSpace(b.cfg.Data)
	if data == "" {
		data = "0x"
	}

	d := &models.Decision{
		Action: "raw_call",
		Params: map[string]interface{}{
			"target": target,
			"value":  value,
			"data":   data,
		},
		Reasoning:  "replaying configured call",
		Confidence: 1,
		Done:       models.BoolPtr(false),
	}
	if b.cfg.MinIntervalMs > 0 {
		d.NextCheckMs = models.Int64Ptr(b.cfg.MinIntervalMs)
	}
	return d, nil
}

// Package agent hosts the per-token runtime. An Agent bundles a brain with
// the shared services one cognitive cycle touches; the Manager keeps the
// live-agent cache the scheduler dispatches against; RunAgentCycle drives the
// observe → recall → think → validate pipeline.
package agent

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/brain"
	"github.com/selivandex/autopilot-runner/internal/guardrails"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// ChainOps is the chain surface agents touch: one observation per cycle, the
// blueprint tag for cold starts, and the read callbacks encoders rely on. The
// full chain client satisfies it.
type ChainOps interface {
	Observe(ctx context.Context, tokenID int64) (*models.Observation, error)
	ReadAgentType(ctx context.Context, tokenID int64) string
	ReadAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	GetAmountsOut(ctx context.Context, amountIn *big.Int, path []string) []*big.Int
}

// MemoryStore is the store slice cycles read and append scrollback through.
type MemoryStore interface {
	Recall(ctx context.Context, tokenID int64, limit int) ([]models.MemoryEntry, error)
	AddMemory(ctx context.Context, entry *models.MemoryEntry) error
}

// Policy carries the strategy-derived limits guardrails enforce every cycle.
type Policy struct {
	AllowedTargets         []string
	AllowedSelectors       []string
	MaxValuePerRun         *big.Int
	RequirePositiveBalance bool
}

// PolicyFromStrategy extracts the guardrail policy embedded in a strategy row.
func PolicyFromStrategy(strat *models.Strategy) Policy {
	return Policy{
		AllowedTargets:         strat.StrategyParams.AllowedTargets(),
		AllowedSelectors:       strat.StrategyParams.AllowedSelectors(),
		MaxValuePerRun:         strat.StrategyParams.MaxValuePerRun(),
		RequirePositiveBalance: strat.RequirePositiveBalance,
	}
}

// Agent is one token's live runtime. Agents are passive: they hold no
// goroutine and no loop, the scheduler drives them one leased cycle at a
// time, so fields are written only at build time and under the token lease.
type Agent struct {
	TokenID   int64
	AgentType string
	Goal      string
	Vault     string
	Brain     brain.Brain
	Actions   *actions.Registry
	Guards    *guardrails.Dispatcher
	Memory    MemoryStore
	Chain     ChainOps
	Policy    Policy
	StartedAt time.Time

	// StrategyUpdatedAt is the strategy row's updated_at captured at build
	// time. Ensure compares it against the live row to decide whether the
	// agent is stale.
	StrategyUpdatedAt time.Time
}

// remember appends a scrollback entry. Memory writes never abort a cycle.
func (a *Agent) remember(ctx context.Context, entry *models.MemoryEntry) {
	if err := a.Memory.AddMemory(ctx, entry); err != nil {
		logger.Error("failed to record memory",
			zap.Int64("token_id", a.TokenID),
			zap.String("entry_type", entry.EntryType),
			zap.Error(err),
		)
	}
}

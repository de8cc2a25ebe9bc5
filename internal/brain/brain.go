// Package brain hosts the decision engines behind agent cycles. A brain sees
// one observation plus recent memory and returns a single Decision; it never
// touches the database and never submits transactions itself.
package brain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/adapters/llm"
	"github.com/selivandex/autopilot-runner/pkg/metrics"
	"github.com/selivandex/autopilot-runner/pkg/models"
	"github.com/selivandex/autopilot-runner/pkg/templates"
)

// Brain decides what an agent does next. Implementations are stateless across
// tokens; everything token-specific is captured in Config at construction.
type Brain interface {
	Think(ctx context.Context, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error)
}

// ChainReader is the read-only chain slice tool execution needs. The full
// chain client satisfies it.
type ChainReader interface {
	ReadAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	GetAmountsOut(ctx context.Context, amountIn *big.Int, path []string) []*big.Int
}

// Config captures one token's brain settings.
type Config struct {
	TokenID   int64
	AgentType string

	// LLM settings
	Goal          string
	GoalSetAt     time.Time
	Model         string
	MaxSteps      int
	MinConfidence float64
	MaxMemories   int

	// Static replay settings
	Target        string
	Value         string
	Data          string
	MinIntervalMs int64
}

// Deps are the process-wide collaborators brains draw on.
type Deps struct {
	LLM       *llm.Client
	Chain     ChainReader
	Env       actions.Env
	Templates templates.Renderer
	Metrics   metrics.Buffer // can be nil
}

// Constructor builds a brain for one token.
type Constructor func(cfg Config, deps Deps) (Brain, error)

// Factory maps agent blueprints to brain constructors. The scheduler resolves
// an agent type (chain tag, then strategy type) and asks the factory to build
// the matching brain; unknown blueprints are rejected before a cycle runs.
type Factory struct {
	deps         Deps
	constructors map[string]Constructor
}

// NewFactory builds a factory with the built-in blueprints registered.
func NewFactory(deps Deps) *Factory {
	f := &Factory{
		deps:         deps,
		constructors: make(map[string]Constructor),
	}
	f.RegisterBlueprint("llm_trader", NewLLMBrain)
	f.RegisterBlueprint("llm_dca", NewLLMBrain)
	f.RegisterBlueprint("static", NewStaticBrain)
	f.RegisterBlueprint("recurring_call", NewStaticBrain)
	return f
}

// RegisterBlueprint adds or replaces a blueprint constructor.
func (f *Factory) RegisterBlueprint(agentType string, ctor Constructor) {
	f.constructors[agentType] = ctor
}

// Known reports whether a blueprint is registered.
func (f *Factory) Known(agentType string) bool {
	_, ok := f.constructors[agentType]
	return ok
}

// Blueprints returns the registered blueprint names, sorted.
func (f *Factory) Blueprints() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the brain for one token's agent type.
func (f *Factory) Build(agentType string, cfg Config) (Brain, error) {
	ctor, ok := f.constructors[agentType]
	if !ok {
		return nil, fmt.Errorf("unknown agent blueprint: %s", agentType)
	}
	cfg.AgentType = agentType
	brain, err := ctor(cfg, f.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s brain: %w", agentType, err)
	}
	return brain, nil
}

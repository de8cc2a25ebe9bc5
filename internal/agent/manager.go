package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/brain"
	"github.com/selivandex/autopilot-runner/internal/guardrails"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// DefaultBlueprint is assumed when neither the chain nor the strategy names
// an agent type.
const DefaultBlueprint = "llm_trader"

// Manager caches one live Agent per token. Agents are built lazily on the
// first dispatched cycle and dropped when their goal completes, their
// subscription lapses or the autopilot is disabled; the next cycle rebuilds
// them from fresh strategy state.
type Manager struct {
	mu        sync.RWMutex
	factory   *brain.Factory
	chain     ChainOps
	memory    MemoryStore
	actions   *actions.Registry
	guards    *guardrails.Dispatcher
	overrides map[string]string
	agents    map[int64]*Agent
}

// NewManager builds an empty agent cache over the shared services. overrides
// remaps on-chain agent tags to registered blueprints (AGENT_TYPE_OVERRIDES);
// nil disables remapping.
func NewManager(factory *brain.Factory, chainOps ChainOps, memory MemoryStore, registry *actions.Registry, guards *guardrails.Dispatcher, overrides map[string]string) *Manager {
	return &Manager{
		factory:   factory,
		chain:     chainOps,
		memory:    memory,
		actions:   registry,
		guards:    guards,
		overrides: overrides,
		agents:    make(map[int64]*Agent),
	}
}

// Get returns the cached agent for a token, if any.
func (m *Manager) Get(tokenID int64) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[tokenID]
	return a, ok
}

// Ensure returns the live agent for a token, building one when the cache is
// cold or the strategy row changed since the cached agent was built. Goal,
// replay target and guardrail policy all live on that row, so a stale
// updated_at is the single staleness signal.
func (m *Manager) Ensure(ctx context.Context, tokenID int64, strat *models.Strategy) (*Agent, error) {
	m.mu.RLock()
	cached, ok := m.agents[tokenID]
	m.mu.RUnlock()
	if ok && cached.StrategyUpdatedAt.Equal(strat.UpdatedAt) {
		return cached, nil
	}

	obs, err := m.chain.Observe(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to observe token %d: %w", tokenID, err)
	}

	blueprint, err := m.resolveBlueprint(ctx, tokenID, strat)
	if err != nil {
		return nil, err
	}

	cfg := brain.Config{
		TokenID:   tokenID,
		Goal:      strat.StrategyParams.TradingGoal(),
		GoalSetAt: strat.StrategyParams.GoalSetAt(),
		Target:    strat.Target,
		Value:     strat.Value,
		Data:      strat.Data,
	}
	if strat.MinIntervalMs != nil {
		cfg.MinIntervalMs = *strat.MinIntervalMs
	}
	if model, ok := strat.StrategyParams["model"].(string); ok {
		cfg.Model = model
	}
	if mc, ok := strat.StrategyParams["minConfidence"].(float64); ok && mc > 0 && mc <= 1 {
		cfg.MinConfidence = mc
	}

	b, err := m.factory.Build(blueprint, cfg)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		TokenID:           tokenID,
		AgentType:         blueprint,
		Goal:              cfg.Goal,
		Vault:             obs.Vault,
		Brain:             b,
		Actions:           m.actions,
		Guards:            m.guards,
		Memory:            m.memory,
		Chain:             m.chain,
		Policy:            PolicyFromStrategy(strat),
		StartedAt:         time.Now().UTC(),
		StrategyUpdatedAt: strat.UpdatedAt,
	}

	m.mu.Lock()
	m.agents[tokenID] = a
	running := len(m.agents)
	m.mu.Unlock()

	logger.Info("🤖 Agent started",
		zap.Int64("token_id", tokenID),
		zap.String("blueprint", blueprint),
		zap.String("vault", a.Vault),
		zap.Int("running", running),
	)

	return a, nil
}

// resolveBlueprint picks the agent type: the override map, then the chain's
// tag when it names a registered blueprint, then the strategy type, then the
// default. A strategy that names an unregistered type is an error rather
// than a silent fallback.
func (m *Manager) resolveBlueprint(ctx context.Context, tokenID int64, strat *models.Strategy) (string, error) {
	if tag := m.chain.ReadAgentType(ctx, tokenID); tag != "" && tag != "unknown" {
		if mapped, ok := m.overrides[tag]; ok {
			if !m.factory.Known(mapped) {
				return "", fmt.Errorf("unknown agent blueprint: %s", mapped)
			}
			return mapped, nil
		}
		if m.factory.Known(tag) {
			return tag, nil
		}
		logger.Warn("⚠️ Chain reports an unregistered blueprint, falling back to strategy type",
			zap.Int64("token_id", tokenID),
			zap.String("chain_tag", tag),
		)
	}

	if strat.StrategyType != "" {
		if !m.factory.Known(strat.StrategyType) {
			return "", fmt.Errorf("unknown agent blueprint: %s", strat.StrategyType)
		}
		return strat.StrategyType, nil
	}

	return DefaultBlueprint, nil
}

// Stop drops the cached agent. Idempotent; stopping an unknown token is a
// no-op.
func (m *Manager) Stop(tokenID int64, reason string) {
	m.mu.Lock()
	a, ok := m.agents[tokenID]
	if ok {
		delete(m.agents, tokenID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	logger.Info("🛑 Agent stopped",
		zap.Int64("token_id", tokenID),
		zap.String("blueprint", a.AgentType),
		zap.String("reason", reason),
		zap.Duration("uptime", time.Since(a.StartedAt)),
	)
}

// StopAll clears the cache during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	count := len(m.agents)
	m.agents = make(map[int64]*Agent)
	m.mu.Unlock()

	if count > 0 {
		logger.Info("🛑 All agents stopped", zap.Int("count", count))
	}
}

// Count returns how many agents are live.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.agents)
}

// RunningTokenIDs returns the cached token ids, sorted.
func (m *Manager) RunningTokenIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

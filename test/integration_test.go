package test

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/internal/adapters/llm"
	"github.com/selivandex/autopilot-runner/internal/agent"
	"github.com/selivandex/autopilot-runner/internal/brain"
	"github.com/selivandex/autopilot-runner/internal/guardrails"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const (
	flowVault  = "0x00000000000000000000000000000000000000aa"
	flowTarget = "0x00000000000000000000000000000000000000bb"
)

// TestAutopilotFlow drives a full observe, think, validate pass through the
// real brain factory, action registry and guardrails with a replay strategy
// and mock chain access.
func TestAutopilotFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	chainOps := &fakeChainOps{observations: map[int64]*models.Observation{
		7: activeObservation(7),
	}}
	memory := &fakeMemory{}

	env := actions.Env{
		ChainID:       97,
		RouterAddress: "0x00000000000000000000000000000000000000cc",
		WrappedNative: "0x00000000000000000000000000000000000000dd",
	}

	tmpl, err := brain.DefaultTemplates()
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}

	factory := brain.NewFactory(brain.Deps{
		LLM:       llm.New(config.LLMConfig{}),
		Chain:     chainOps,
		Env:       env,
		Templates: tmpl,
	})

	registry := actions.NewRegistry(env, fakeSignalReader{})
	guards := guardrails.New(fakeBudget{})
	manager := agent.NewManager(factory, chainOps, memory, registry, guards, nil)

	strat := staticStrategy(7)

	a, err := manager.Ensure(ctx, 7, strat)
	if err != nil {
		t.Fatalf("failed to build agent: %v", err)
	}

	t.Run("build agent", func(t *testing.T) {
		if a.AgentType != "static" {
			t.Errorf("agent type mismatch. Expected: %v, Got: %v", "static", a.AgentType)
		}
		if a.Vault != flowVault {
			t.Errorf("vault mismatch. Expected: %v, Got: %v", flowVault, a.Vault)
		}
		if manager.Count() != 1 {
			t.Errorf("cached agent count mismatch. Expected: %v, Got: %v", 1, manager.Count())
		}
	})

	t.Run("replay decision", func(t *testing.T) {
		result, err := agent.RunAgentCycle(ctx, a)
		if err != nil {
			t.Fatalf("cycle failed: %v", err)
		}

		if !result.Acted {
			t.Fatalf("expected an acted result, got blocked: %v", result.BlockReason)
		}
		if result.Action != "raw_call" {
			t.Errorf("action mismatch. Expected: %v, Got: %v", "raw_call", result.Action)
		}
		if len(result.Payload) != 1 {
			t.Fatalf("payload count mismatch. Expected: %v, Got: %v", 1, len(result.Payload))
		}
		if !strings.EqualFold(result.Payload[0].Target, flowTarget) {
			t.Errorf("payload target mismatch. Expected: %v, Got: %v", flowTarget, result.Payload[0].Target)
		}
		if result.Payload[0].Value.Sign() != 0 {
			t.Errorf("payload value mismatch. Expected: 0, Got: %v", result.Payload[0].Value)
		}
	})

	t.Run("stale strategy rebuilds agent", func(t *testing.T) {
		updated := staticStrategy(7)
		updated.UpdatedAt = strat.UpdatedAt.Add(time.Minute)

		rebuilt, err := manager.Ensure(ctx, 7, updated)
		if err != nil {
			t.Fatalf("failed to rebuild agent: %v", err)
		}
		if rebuilt == a {
			t.Error("expected a fresh agent after the strategy row changed")
		}
	})

	t.Run("guardrails block foreign target", func(t *testing.T) {
		restricted := staticStrategy(7)
		restricted.UpdatedAt = strat.UpdatedAt.Add(2 * time.Minute)
		restricted.StrategyParams = models.StrategyParams{
			models.ParamAllowedTargets: []interface{}{"0x00000000000000000000000000000000000000ee"},
		}

		guarded, err := manager.Ensure(ctx, 7, restricted)
		if err != nil {
			t.Fatalf("failed to rebuild agent: %v", err)
		}

		result, err := agent.RunAgentCycle(ctx, guarded)
		if err != nil {
			t.Fatalf("cycle failed: %v", err)
		}

		if !result.Blocked {
			t.Fatal("expected the cycle to be blocked by the target allow-list")
		}
		if result.ErrorCode != guardrails.CodeTargetNotAllowed {
			t.Errorf("error code mismatch. Expected: %v, Got: %v", guardrails.CodeTargetNotAllowed, result.ErrorCode)
		}
	})

	t.Run("paused agent short-circuits", func(t *testing.T) {
		chainOps.observations[7].Paused = true

		result, err := agent.RunAgentCycle(ctx, a)
		if err != nil {
			t.Fatalf("cycle failed: %v", err)
		}

		if !result.Blocked {
			t.Fatal("expected a blocked result for a paused agent")
		}
		if !strings.Contains(result.BlockReason, "paused") {
			t.Errorf("block reason mismatch. Expected to mention paused, Got: %v", result.BlockReason)
		}
	})

	t.Run("memory captures blocked runs", func(t *testing.T) {
		blocked := 0
		for _, entry := range memory.entries {
			if entry.EntryType == models.MemoryBlocked {
				blocked++
			}
		}
		if blocked < 2 {
			t.Errorf("blocked memory count mismatch. Expected at least 2, Got: %v", blocked)
		}
	})
}

// staticStrategy builds an enabled replay strategy for tokenID.
func staticStrategy(tokenID int64) *models.Strategy {
	return &models.Strategy{
		ChainID:        97,
		TokenID:        tokenID,
		StrategyType:   "static",
		Target:         flowTarget,
		Value:          "0",
		Data:           "0x",
		StrategyParams: models.StrategyParams{},
		Enabled:        true,
		UpdatedAt:      time.Now().UTC(),
	}
}

// activeObservation builds a healthy on-chain snapshot for tokenID.
func activeObservation(tokenID int64) *models.Observation {
	return &models.Observation{
		TokenID: tokenID,
		Agent: models.AgentState{
			Balance: big.NewInt(1e18),
			Status:  1,
			Owner:   "0x00000000000000000000000000000000000000ff",
		},
		Vault:           flowVault,
		Operator:        "0x0000000000000000000000000000000000000001",
		OperatorExpires: time.Now().Add(24 * time.Hour).Unix(),
		BlockNumber:     1000,
		BlockTime:       time.Now().UTC(),
		ObservedAt:      time.Now().UTC(),
		NativeBalance:   big.NewInt(5e17),
	}
}

// fakeChainOps serves observations from memory.
type fakeChainOps struct {
	observations map[int64]*models.Observation
}

func (f *fakeChainOps) Observe(_ context.Context, tokenID int64) (*models.Observation, error) {
	obs, ok := f.observations[tokenID]
	if !ok {
		return nil, fmt.Errorf("no observation for token %d", tokenID)
	}

	snapshot := *obs
	return &snapshot, nil
}

func (f *fakeChainOps) ReadAgentType(_ context.Context, _ int64) string { return "" }

func (f *fakeChainOps) ReadAllowance(_ context.Context, _, _, _ string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainOps) GetAmountsOut(_ context.Context, _ *big.Int, _ []string) []*big.Int {
	return nil
}

// fakeMemory keeps scrollback in a slice.
type fakeMemory struct {
	entries []models.MemoryEntry
}

func (f *fakeMemory) Recall(_ context.Context, tokenID int64, limit int) ([]models.MemoryEntry, error) {
	var out []models.MemoryEntry
	for _, e := range f.entries {
		if e.TokenID == tokenID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMemory) AddMemory(_ context.Context, entry *models.MemoryEntry) error {
	f.entries = append(f.entries, *entry)
	return nil
}

type fakeSignalReader struct{}

func (fakeSignalReader) GetSignal(_ context.Context, pair string) (*models.MarketSignal, error) {
	return nil, fmt.Errorf("no signal for %s", pair)
}

type fakeBudget struct{}

func (fakeBudget) CheckBudget(_ context.Context, _ int64, _ decimal.Decimal) (bool, error) {
	return true, nil
}

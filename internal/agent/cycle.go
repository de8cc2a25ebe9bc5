package agent

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/guardrails"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// recallDepth is how many scrollback entries a cycle feeds the brain.
const recallDepth = 20

// pausedReason is the canonical block reason for on-chain-paused agents.
const pausedReason = "Agent is paused on-chain"

// RunResult is the outcome of one cognitive cycle. Acted means the decision
// survived validation; whether anything was submitted on-chain is the
// scheduler's business. A result with a payload is a proposal, not a receipt.
type RunResult struct {
	Acted           bool
	Action          string
	Reasoning       string
	Message         string
	Params          map[string]interface{}
	Payload         []models.Payload
	Blocked         bool
	BlockReason     string
	Done            *bool
	NextCheckMs     *int64
	FailureCategory string
	ErrorCode       string
	ExecutionTrace  models.ExecutionTrace
	ShadowCompare   models.JSONMap

	// Cost counters for cycle metrics.
	LLMTokens        int
	ToolCalls        int
	MemoriesRecalled int
}

// DoneTrue reports whether the brain explicitly declared the goal finished.
func (r *RunResult) DoneTrue() bool { return r.Done != nil && *r.Done }

// DoneFalse reports whether the brain explicitly declared more work pending.
func (r *RunResult) DoneFalse() bool { return r.Done != nil && !*r.Done }

// RunAgentCycle drives one observe → recall → think → validate pass for the
// agent. It never submits a transaction: submission, cadence and retry belong
// to the scheduler. The error return carries infrastructure failures only;
// policy outcomes (paused, unknown action, guardrail verdicts) come back as
// blocked results.
func RunAgentCycle(ctx context.Context, a *Agent) (*RunResult, error) {
	trace := models.ExecutionTrace{}

	obs, err := a.Chain.Observe(ctx, a.TokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to observe token %d: %w", a.TokenID, err)
	}
	trace = trace.Append("observe", "ok", "")

	if obs.Paused {
		a.remember(ctx, &models.MemoryEntry{
			TokenID:   a.TokenID,
			EntryType: models.MemoryBlocked,
			Reasoning: models.StringPtr(pausedReason),
		})
		return &RunResult{
			Action:         models.ActionWait,
			Blocked:        true,
			BlockReason:    pausedReason,
			ExecutionTrace: trace.Append("observe", "blocked", pausedReason),
		}, nil
	}

	memories, err := a.Memory.Recall(ctx, a.TokenID, recallDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to recall memory for token %d: %w", a.TokenID, err)
	}

	decision, err := a.Brain.Think(ctx, obs, memories, a.Actions)
	if err != nil {
		return nil, fmt.Errorf("brain failed for token %d: %w", a.TokenID, err)
	}
	trace = trace.Append("think", "ok", decision.Action)

	logger.Info("🧠 Decision",
		zap.Int64("token_id", a.TokenID),
		zap.String("action", decision.Action),
		zap.Float64("confidence", decision.Confidence),
		zap.String("reasoning", decision.Reasoning),
	)

	if decision.IsWait() {
		a.remember(ctx, decisionMemory(a.TokenID, decision))
		return costed(&RunResult{
			Action:         models.ActionWait,
			Reasoning:      decision.Reasoning,
			Message:        decision.Message,
			Params:         decision.Params,
			Blocked:        decision.Blocked,
			BlockReason:    decision.BlockReason,
			Done:           decision.Done,
			NextCheckMs:    decision.NextCheckMs,
			ExecutionTrace: trace.Append("decide", "wait", decision.Reasoning),
		}, decision, len(memories)), nil
	}

	action, ok := a.Actions.Get(decision.Action)
	if !ok {
		reason := fmt.Sprintf("Unknown action: %s", decision.Action)
		a.remember(ctx, blockedMemory(a.TokenID, decision, reason))
		return costed(&RunResult{
			Action:         decision.Action,
			Reasoning:      decision.Reasoning,
			Message:        decision.Message,
			Params:         decision.Params,
			Blocked:        true,
			BlockReason:    reason,
			Done:           decision.Done,
			NextCheckMs:    decision.NextCheckMs,
			ExecutionTrace: trace.Append("resolve", "blocked", reason),
		}, decision, len(memories)), nil
	}

	if action.Readonly {
		a.remember(ctx, &models.MemoryEntry{
			TokenID:   a.TokenID,
			EntryType: models.MemoryObservation,
			Action:    models.StringPtr(decision.Action),
			Params:    models.JSONMap(decision.Params),
			Reasoning: reasoningPtr(decision),
		})
		return costed(&RunResult{
			Acted:          true,
			Action:         decision.Action,
			Reasoning:      decision.Reasoning,
			Message:        decision.Message,
			Params:         decision.Params,
			Done:           decision.Done,
			NextCheckMs:    decision.NextCheckMs,
			ExecutionTrace: trace.Append("resolve", "readonly", ""),
		}, decision, len(memories)), nil
	}

	// Validate against the raw decision params, then merge the reserved
	// context. Order matters: "vault" is not part of any schema, so a
	// decision that tries to smuggle it in fails validation here.
	if action.Parameters != nil {
		if err := action.Parameters.Validate(decision.Params); err != nil {
			return nil, fmt.Errorf("action %s rejected: %w", decision.Action, err)
		}
	}
	if action.Encode == nil {
		return nil, fmt.Errorf("action %s has no encoder", decision.Action)
	}

	encodeParams := make(map[string]interface{}, len(decision.Params)+3)
	for k, v := range decision.Params {
		encodeParams[k] = v
	}
	encodeParams[actions.KeyVault] = obs.Vault
	encodeParams[actions.KeyReadAllowance] = actions.AllowanceReader(a.Chain.ReadAllowance)
	encodeParams[actions.KeyGetAmountsOut] = actions.AmountsOutQuoter(a.Chain.GetAmountsOut)

	batch, err := action.Encode(ctx, encodeParams)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", decision.Action, err)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("action %s produced no payload", decision.Action)
	}
	trace = trace.Append("encode", "ok", fmt.Sprintf("%d payloads", len(batch)))

	last := batch[len(batch)-1]
	gctx := &guardrails.Context{
		TokenID:                a.TokenID,
		AgentType:              a.AgentType,
		Vault:                  obs.Vault,
		Timestamp:              time.Now().UTC(),
		ActionName:             decision.Action,
		SpendAmount:            spendAmount(last, decision.Params),
		ActionTokens:           actionTokens(decision.Params),
		AmountIn:               paramBigInt(decision.Params, "amountIn"),
		MinOut:                 paramBigInt(decision.Params, "minOut"),
		AllowedTargets:         a.Policy.AllowedTargets,
		AllowedSelectors:       a.Policy.AllowedSelectors,
		MaxValuePerRun:         a.Policy.MaxValuePerRun,
		RequirePositiveBalance: a.Policy.RequirePositiveBalance,
		NativeBalance:          obs.NativeBalance,
		CooldownSeconds:        obs.CooldownSeconds,
	}

	for _, p := range batch {
		verdict, err := a.Guards.Check(ctx, p, gctx)
		if err != nil {
			return nil, fmt.Errorf("guardrails check failed for token %d: %w", a.TokenID, err)
		}
		if !verdict.OK {
			v := verdict.First()
			a.remember(ctx, blockedMemory(a.TokenID, decision, v.Message))
			return costed(&RunResult{
				Action:         decision.Action,
				Reasoning:      decision.Reasoning,
				Message:        fmt.Sprintf("Action blocked by safety policy: %s", v.Message),
				Params:         decision.Params,
				Payload:        batch,
				Blocked:        true,
				BlockReason:    v.Message,
				Done:           decision.Done,
				NextCheckMs:    decision.NextCheckMs,
				ErrorCode:      v.Code,
				ExecutionTrace: trace.Append("guardrails", "blocked", v.Message),
			}, decision, len(memories)), nil
		}
	}
	trace = trace.Append("guardrails", "ok", "")

	resultParams := make(map[string]interface{}, len(decision.Params)+2)
	for k, v := range decision.Params {
		resultParams[k] = v
	}
	resultParams[actions.KeyVault] = obs.Vault
	resultParams["txValue"] = last.ValueString()

	return costed(&RunResult{
		Acted:          true,
		Action:         decision.Action,
		Reasoning:      decision.Reasoning,
		Message:        decision.Message,
		Params:         resultParams,
		Payload:        batch,
		Done:           decision.Done,
		NextCheckMs:    decision.NextCheckMs,
		ExecutionTrace: trace,
	}, decision, len(memories)), nil
}

// costed stamps the brain's cost counters onto a result.
func costed(r *RunResult, d *models.Decision, recalled int) *RunResult {
	r.LLMTokens = d.LLMTokens
	r.ToolCalls = d.ToolCalls
	r.MemoriesRecalled = recalled
	return r
}

func decisionMemory(tokenID int64, d *models.Decision) *models.MemoryEntry {
	name := d.Action
	if name == "" {
		name = models.ActionWait
	}
	return &models.MemoryEntry{
		TokenID:   tokenID,
		EntryType: models.MemoryDecision,
		Action:    models.StringPtr(name),
		Params:    models.JSONMap(d.Params),
		Reasoning: reasoningPtr(d),
	}
}

func blockedMemory(tokenID int64, d *models.Decision, reason string) *models.MemoryEntry {
	return &models.MemoryEntry{
		TokenID:   tokenID,
		EntryType: models.MemoryBlocked,
		Action:    models.StringPtr(d.Action),
		Params:    models.JSONMap(d.Params),
		Reasoning: models.StringPtr(reason),
	}
}

func reasoningPtr(d *models.Decision) *string {
	if d.Reasoning != "" {
		return models.StringPtr(d.Reasoning)
	}
	if d.Message != "" {
		return models.StringPtr(d.Message)
	}
	return nil
}

// spendAmount is the native value of the intent-carrying payload, falling
// back to the decision's amountIn for token-funded actions.
func spendAmount(p models.Payload, params map[string]interface{}) *big.Int {
	if p.Value != nil && p.Value.Sign() > 0 {
		return p.Value
	}
	return paramBigInt(params, "amountIn")
}

// actionTokens collects the token addresses a decision touches.
func actionTokens(params map[string]interface{}) []string {
	var out []string
	for _, key := range []string{"tokenIn", "tokenOut", "token"} {
		if v, ok := params[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

func paramBigInt(params map[string]interface{}, key string) *big.Int {
	switch v := params[key].(type) {
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil
		}
		return n
	case float64:
		if v != math.Trunc(v) {
			return nil
		}
		return new(big.Int).SetInt64(int64(v))
	default:
		return nil
	}
}

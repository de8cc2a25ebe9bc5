package scheduler

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/agent"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/metrics"
	"github.com/selivandex/autopilot-runner/pkg/models"
	"github.com/selivandex/autopilot-runner/pkg/retry"
)

// Cycle outcomes, recorded in cycle metrics.
const (
	outcomeOK      = "ok"
	outcomeBlocked = "blocked"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
	outcomeShadow  = "shadow"
)

const (
	submitMaxAttempts = 2
	submitBaseDelay   = 2 * time.Second

	// maxFieldLen caps decision text persisted to run rows; maxTraceErrLen
	// caps the raw error carried in trace metadata.
	maxFieldLen    = 500
	maxTraceErrLen = 240
)

// disableReasonInvalidToken is the canonical reason for permanently
// disabling a token the chain says does not exist.
const disableReasonInvalidToken = "invalid token id on-chain"

// runSingleToken drives the full per-token pipeline: cadence gate,
// enablement, lease, subscription and standby gates, the cognitive cycle,
// recording, backoff, submission and done propagation.
func (s *Scheduler) runSingleToken(ctx context.Context, tokenID int64, skipCadence bool) string {
	started := time.Now()

	outcome, result := s.dispatchToken(ctx, tokenID, skipCadence)

	s.emitCycleMetric(tokenID, started, outcome, result)
	return outcome
}

func (s *Scheduler) dispatchToken(ctx context.Context, tokenID int64, skipCadence bool) (string, *agent.RunResult) {
	// Cadence gate.
	if !skipCadence {
		next, err := s.store.GetNextCheckAt(ctx, tokenID)
		if err != nil {
			logger.Error("failed to read next check",
				zap.Int64("token_id", tokenID),
				zap.Error(err),
			)
			return outcomeError, nil
		}
		if next != nil && next.After(time.Now()) {
			return outcomeSkipped, nil
		}
	}

	// Enablement check. From here on, failures run the classifier path.
	ap, err := s.store.GetAutopilot(ctx, tokenID)
	if err != nil {
		return s.handleCycleError(ctx, tokenID, fmt.Errorf("failed to load autopilot %d: %w", tokenID, err)), nil
	}
	if ap == nil || !ap.Enabled {
		return outcomeSkipped, nil
	}

	// Lease acquire. The conditional update is the cross-process mutual
	// exclusion; release is deferred so it survives the error path too.
	acquired, err := s.store.TryAcquireAutopilotLock(ctx, tokenID, s.cfg.LeaseMs)
	if err != nil {
		return s.handleCycleError(ctx, tokenID, fmt.Errorf("failed to acquire lease for token %d: %w", tokenID, err)), nil
	}
	if !acquired {
		logger.Debug("lease busy, skipping", zap.Int64("token_id", tokenID))
		return outcomeSkipped, nil
	}
	defer func() {
		if err := s.store.ReleaseAutopilotLock(ctx, tokenID); err != nil {
			logger.Warn("failed to release lease",
				zap.Int64("token_id", tokenID),
				zap.Error(err),
			)
		}
	}()

	outcome, result, err := s.leasedCycle(ctx, tokenID)
	if err != nil {
		return s.handleCycleError(ctx, tokenID, err), result
	}

	return outcome, result
}

// leasedCycle is everything that happens under the token lease.
func (s *Scheduler) leasedCycle(ctx context.Context, tokenID int64) (string, *agent.RunResult, error) {
	// Subscription gate.
	sub, err := s.chain.ReadSubscriptionStatus(ctx, tokenID)
	if err != nil {
		return outcomeError, nil, fmt.Errorf("failed to read subscription for token %d: %w", tokenID, err)
	}
	if !sub.Runnable() {
		logger.Info("🛑 Subscription lapsed, stopping agent",
			zap.Int64("token_id", tokenID),
			zap.Stringer("status", sub),
		)
		s.agents.Stop(tokenID, "subscription "+sub.String())
		return outcomeSkipped, nil, nil
	}

	// Standby gate: an LLM strategy without an instruction has nothing to do.
	strat, err := s.store.GetStrategy(ctx, tokenID)
	if err != nil {
		return outcomeError, nil, fmt.Errorf("failed to load strategy for token %d: %w", tokenID, err)
	}
	if strat == nil {
		logger.Debug("no strategy row, skipping", zap.Int64("token_id", tokenID))
		return outcomeSkipped, nil, nil
	}
	if strat.IsLLM() && strat.StrategyParams.TradingGoal() == "" {
		logger.Debug("standby: no trading goal", zap.Int64("token_id", tokenID))
		return outcomeSkipped, nil, nil
	}

	ag, err := s.agents.Ensure(ctx, tokenID, strat)
	if err != nil {
		return outcomeError, nil, err
	}

	result, err := s.runCycle(ctx, ag)
	if err != nil {
		return outcomeError, nil, err
	}

	done := isDone(result)

	// Non-transaction path: wait, readonly, or blocked.
	if !result.Acted || result.Blocked || len(result.Payload) == 0 {
		s.recordNonTxRun(ctx, tokenID, ag, result)

		if done {
			s.finishGoal(ctx, tokenID, "goal completed")
			if result.Blocked {
				return outcomeBlocked, result, nil
			}
			return outcomeOK, result, nil
		}

		if result.Blocked {
			s.applyBlockedBackoff(ctx, tokenID, result.BlockReason, result.ErrorCode)
			return outcomeBlocked, result, nil
		}

		s.ResetBlockedCounter(tokenID)
		s.scheduleNext(ctx, tokenID, strat, result)
		return outcomeOK, result, nil
	}

	// Success cadence lands before the submit so a crash mid-submit cannot
	// leave the token unscheduled.
	s.ResetBlockedCounter(tokenID)
	s.scheduleNext(ctx, tokenID, strat, result)

	outcome, err := s.submit(ctx, tokenID, ag, result)
	if err != nil {
		return outcomeError, result, err
	}

	if done {
		s.finishGoal(ctx, tokenID, "goal completed")
	}

	return outcome, result, nil
}

// isDone resolves the done semantics: an explicit true, or a landed one-shot
// action the brain did not explicitly keep open.
func isDone(result *agent.RunResult) bool {
	if result.DoneTrue() {
		return true
	}
	return result.Acted && OneShotActions[result.Action] && !result.DoneFalse()
}

// recordNonTxRun persists the run row for cycles that end without a
// transaction: waits, readonly actions and blocked decisions.
func (s *Scheduler) recordNonTxRun(ctx context.Context, tokenID int64, ag *agent.Agent, result *agent.RunResult) {
	run := s.newRun(tokenID, ag, result)
	run.SimulateOK = !result.Blocked

	status := "ok"
	if result.Blocked {
		status = "blocked"
		run.Error = models.StringPtr(result.BlockReason)
		run.FailureCategory = models.StringPtr(models.FailureBusinessRejected)
	}
	run.ExecutionTrace = result.ExecutionTrace.Append("record", status, "")

	s.recordRun(ctx, run)
}

// applyBlockedBackoff increments the consecutive-block counter and either
// auto-pauses the token at the threshold or pushes next_check_at out on the
// exponential ladder. Cooldown blocks wait out the on-chain timer instead.
func (s *Scheduler) applyBlockedBackoff(ctx context.Context, tokenID int64, blockReason, errorCode string) {
	count := s.bumpBlocked(tokenID)

	if count >= MaxBlockedRetries {
		run := &models.RunRecord{
			TokenID:         tokenID,
			Error:           models.StringPtr(fmt.Sprintf("auto-paused after %d consecutive blocked cycles: %s", count, blockReason)),
			ErrorCode:       models.StringPtr(models.ErrCodeAutopauseThreshold),
			FailureCategory: models.StringPtr(models.FailureBusinessRejected),
			ExecutionTrace:  models.ExecutionTrace{}.Append("autopause", "blocked", clip(blockReason, maxTraceErrLen)),
		}
		s.recordRun(ctx, run)
		s.finishGoal(ctx, tokenID, "blocked threshold reached")
		s.ResetBlockedCounter(tokenID)

		logger.Warn("⚠️ Auto-paused after consecutive blocked cycles",
			zap.Int64("token_id", tokenID),
			zap.Int("count", count),
			zap.String("reason", blockReason),
		)
		return
	}

	backoffMs := blockedBackoffMs(s.cfg.BlockedBackoffMs, count)

	if errorCode == models.ErrCodePolicyCooldown || strings.Contains(strings.ToLower(blockReason), "cooldown") {
		if secs, err := s.chain.ReadCooldownSeconds(ctx, tokenID); err == nil && secs > 0 {
			backoffMs = secs*1000 + 5000
		}
	}

	next := time.Now().Add(time.Duration(backoffMs) * time.Millisecond)
	if err := s.store.UpdateNextCheckAt(ctx, tokenID, next); err != nil {
		logger.Error("failed to set blocked backoff",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
		return
	}

	logger.Info("Blocked, backing off",
		zap.Int64("token_id", tokenID),
		zap.Int("count", count),
		zap.Int64("backoff_ms", backoffMs),
		zap.String("reason", blockReason),
	)
}

// scheduleNext applies the success cadence. A wait with an explicit not-done
// hint may come back fast (floored at WaitCadenceMinMs); a landed
// transaction may ask for a fast follow-up (floored at FastFollowupMinMs);
// anything else honours the strategy interval.
func (s *Scheduler) scheduleNext(ctx context.Context, tokenID int64, strat *models.Strategy, result *agent.RunResult) {
	minInterval := s.cfg.PollIntervalMs
	if strat.MinIntervalMs != nil && *strat.MinIntervalMs > 0 {
		minInterval = *strat.MinIntervalMs
	}

	nextMs := nextCheckMs(result, minInterval)

	next := time.Now().Add(time.Duration(nextMs) * time.Millisecond)
	if err := s.store.UpdateNextCheckAt(ctx, tokenID, next); err != nil {
		logger.Error("failed to update next check",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
	}
}

func nextCheckMs(result *agent.RunResult, minIntervalMs int64) int64 {
	hint := result.NextCheckMs

	if result.Action == models.ActionWait && result.DoneFalse() && hint != nil {
		return maxInt64(*hint, WaitCadenceMinMs)
	}

	if result.Acted && hint != nil && *hint < minIntervalMs {
		return maxInt64(*hint, FastFollowupMinMs)
	}

	if hint != nil {
		return maxInt64(*hint, minIntervalMs)
	}
	return minIntervalMs
}

// submit sends the validated payload through the registry, or records a
// shadow skip when this token is shadowed without execute.
func (s *Scheduler) submit(ctx context.Context, tokenID int64, ag *agent.Agent, result *agent.RunResult) (string, error) {
	if s.cfg.IsShadowToken(tokenID) && !s.cfg.ShadowExecuteTx {
		run := s.newRun(tokenID, ag, result)
		run.SimulateOK = true
		run.RunMode = models.RunModeShadow
		run.ExecutionTrace = result.ExecutionTrace.Append("submit", "skip", "shadow mode")
		s.recordRun(ctx, run)

		logger.Info("Shadow mode, submit skipped",
			zap.Int64("token_id", tokenID),
			zap.String("action", result.Action),
		)
		return outcomeShadow, nil
	}

	var exec *models.ExecResult
	err := retry.Do(ctx, submitMaxAttempts, submitBaseDelay, func() error {
		var execErr error
		if len(result.Payload) > 1 {
			exec, execErr = s.chain.ExecuteBatchAction(ctx, tokenID, result.Payload)
		} else {
			exec, execErr = s.chain.ExecuteAction(ctx, tokenID, result.Payload[0])
		}
		return execErr
	})
	if err != nil {
		return outcomeError, fmt.Errorf("failed to execute %s for token %d: %w", result.Action, tokenID, err)
	}

	s.rememberExecution(ctx, tokenID, result, exec.Hash)

	run := s.newRun(tokenID, ag, result)
	run.SimulateOK = true
	run.TxHash = models.StringPtr(exec.Hash)
	if exec.GasUsed > 0 {
		gas := int64(exec.GasUsed)
		run.GasUsed = &gas
	}
	run.PnlUSD = s.estimatePnlUSD(ctx, result.Payload)
	if s.cfg.IsShadowToken(tokenID) {
		run.RunMode = models.RunModeShadow
	}

	trace := result.ExecutionTrace.Append("execute", "ok", exec.Hash)
	trace = trace.Append("verify", "ok", fmt.Sprintf("block %d", exec.ReceiptBlock))
	run.ExecutionTrace = trace.Append("record", "ok", "")
	s.recordRun(ctx, run)

	if err := s.store.RecordSuccess(ctx, tokenID); err != nil {
		logger.Error("failed to record strategy success",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
	}
	if err := s.store.ConsumeBudget(ctx, tokenID, submitSpend(result)); err != nil {
		logger.Error("failed to consume budget",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
	}

	logger.Info("📤 Action executed",
		zap.Int64("token_id", tokenID),
		zap.String("action", result.Action),
		zap.String("tx_hash", exec.Hash),
		zap.Uint64("block", exec.ReceiptBlock),
	)

	return outcomeOK, nil
}

// submitSpend is the native value charged against the daily budget: the
// intent payload's value, falling back to the decision's amountIn for
// token-funded actions. Mirrors the guardrails' spend-amount rule.
func submitSpend(result *agent.RunResult) decimal.Decimal {
	last := result.Payload[len(result.Payload)-1]
	if last.Value != nil && last.Value.Sign() > 0 {
		return decimal.NewFromBigInt(last.Value, 0)
	}
	if raw, ok := result.Params["amountIn"].(string); ok {
		if n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10); ok {
			return decimal.NewFromBigInt(n, 0)
		}
	}
	return decimal.Zero
}

// handleCycleError is the error path for everything between the enablement
// check and the submit: classify, remember, record, then decide between
// permanent disable, synthetic blocked backoff and plain infra failure.
func (s *Scheduler) handleCycleError(ctx context.Context, tokenID int64, cycleErr error) string {
	message := cycleErr.Error()
	class := s.classify(message)

	logger.Error("Cycle failed",
		zap.Int64("token_id", tokenID),
		zap.String("category", class.FailureCategory),
		zap.String("code", class.ErrorCode),
		zap.Error(cycleErr),
	)

	if _, ok := s.agents.Get(tokenID); ok {
		entry := &models.MemoryEntry{
			TokenID:   tokenID,
			EntryType: models.MemoryExecution,
			Result:    &models.MemoryResult{Success: false, Error: clip(message, maxTraceErrLen)},
		}
		if err := s.store.AddMemory(ctx, entry); err != nil {
			logger.Error("failed to record memory",
				zap.Int64("token_id", tokenID),
				zap.Error(err),
			)
		}
	}

	run := &models.RunRecord{
		TokenID:         tokenID,
		Error:           models.StringPtr(message),
		ErrorCode:       models.StringPtr(class.ErrorCode),
		FailureCategory: models.StringPtr(class.FailureCategory),
		ExecutionTrace: models.ExecutionTrace{}.AppendMeta("record", "error", map[string]interface{}{
			"error": clip(message, maxTraceErrLen),
		}),
	}
	s.recordRun(ctx, run)

	strategyDisabled, ferr := s.store.RecordFailure(ctx, tokenID, message)
	if ferr != nil {
		logger.Error("failed to record strategy failure",
			zap.Int64("token_id", tokenID),
			zap.Error(ferr),
		)
	}
	if strategyDisabled {
		logger.Warn("⚠️ Strategy disabled after repeated failures",
			zap.Int64("token_id", tokenID),
		)
		s.agents.Stop(tokenID, "strategy failure threshold")
		s.ResetBlockedCounter(tokenID)
	}

	if IsInvalidTokenError(message) {
		if err := s.store.Disable(ctx, tokenID, disableReasonInvalidToken, nil); err != nil {
			logger.Error("failed to disable autopilot",
				zap.Int64("token_id", tokenID),
				zap.Error(err),
			)
		}
		s.finishGoal(ctx, tokenID, disableReasonInvalidToken)
		s.ResetBlockedCounter(tokenID)
		return outcomeError
	}

	if class.FailureCategory == models.FailureBusinessRejected {
		// A business rejection is a synthetic blocked cycle.
		s.applyBlockedBackoff(ctx, tokenID, message, class.ErrorCode)
	}

	return outcomeError
}

// finishGoal clears the trading goal and retires the agent; the token drops
// back to standby until a new instruction arrives.
func (s *Scheduler) finishGoal(ctx context.Context, tokenID int64, reason string) {
	if err := s.store.ClearTradingGoal(ctx, tokenID); err != nil {
		logger.Error("failed to clear trading goal",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
	}
	s.agents.Stop(tokenID, reason)

	logger.Info("✅ Goal cleared",
		zap.Int64("token_id", tokenID),
		zap.String("reason", reason),
	)
}

func (s *Scheduler) rememberExecution(ctx context.Context, tokenID int64, result *agent.RunResult, txHash string) {
	entry := &models.MemoryEntry{
		TokenID:   tokenID,
		EntryType: models.MemoryExecution,
		Action:    models.StringPtr(result.Action),
		Params:    models.JSONMap(result.Params),
		Result:    &models.MemoryResult{Success: true, TxHash: txHash},
	}
	if result.Reasoning != "" {
		entry.Reasoning = models.StringPtr(result.Reasoning)
	}
	if err := s.store.AddMemory(ctx, entry); err != nil {
		logger.Error("failed to record memory",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
	}
}

// newRun builds the common run-row skeleton from a cycle result.
func (s *Scheduler) newRun(tokenID int64, ag *agent.Agent, result *agent.RunResult) *models.RunRecord {
	run := &models.RunRecord{
		TokenID: tokenID,
		RunMode: models.RunModePrimary,
	}
	if ag != nil {
		run.BrainType = models.StringPtr(ag.AgentType)
	}
	if result == nil {
		return run
	}

	if result.Action != "" {
		run.IntentType = models.StringPtr(result.Action)
	}
	if result.Reasoning != "" {
		run.DecisionReason = models.StringPtr(clip(result.Reasoning, maxFieldLen))
	}
	if result.Message != "" {
		run.DecisionMessage = models.StringPtr(clip(result.Message, maxFieldLen))
	}
	if result.ErrorCode != "" {
		// HARD_/SOFT_ codes are guardrail verdicts; BUSINESS_ codes feed the
		// backoff logic through error_code.
		if strings.HasPrefix(result.ErrorCode, "HARD_") || strings.HasPrefix(result.ErrorCode, "SOFT_") {
			run.ViolationCode = models.StringPtr(result.ErrorCode)
		} else {
			run.ErrorCode = models.StringPtr(result.ErrorCode)
		}
	}
	if len(result.Payload) > 0 {
		run.ActionHash = models.BatchActionHash(result.Payload)
	}
	run.ShadowCompare = result.ShadowCompare

	return run
}

func (s *Scheduler) recordRun(ctx context.Context, run *models.RunRecord) {
	if err := s.store.RecordRun(ctx, run); err != nil {
		logger.Error("failed to record run",
			zap.Int64("token_id", run.TokenID),
			zap.Error(err),
		)
		return
	}

	if s.events != nil {
		s.events.PublishRun(run)
	}
}

// estimatePnlUSD prices the submitted native value against the latest
// native-USD signal. Best effort: nil when no value moved or no signal.
func (s *Scheduler) estimatePnlUSD(ctx context.Context, batch []models.Payload) *decimal.Decimal {
	if s.nativePair == "" {
		return nil
	}

	total := new(big.Int)
	for _, p := range batch {
		if p.Value != nil {
			total.Add(total, p.Value)
		}
	}
	if total.Sign() <= 0 {
		return nil
	}

	sig, err := s.store.GetSignal(ctx, s.nativePair)
	if err != nil || sig == nil || sig.PriceUSD == nil {
		return nil
	}

	usd := decimal.NewFromBigInt(total, -18).Mul(*sig.PriceUSD)
	return &usd
}

func (s *Scheduler) emitCycleMetric(tokenID int64, started time.Time, outcome string, result *agent.RunResult) {
	if s.metricsBuf == nil || outcome == outcomeSkipped {
		return
	}

	m := &metrics.CycleMetric{
		Timestamp:  started.UTC(),
		ChainID:    s.store.ChainID(),
		TokenID:    tokenID,
		Outcome:    outcome,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if result != nil {
		m.Action = result.Action
		m.Acted = result.Acted
		m.Blocked = result.Blocked
		m.LLMTokensUsed = result.LLMTokens
		m.ToolCalls = result.ToolCalls
		m.MemoriesRecalled = result.MemoriesRecalled
	}
	if ag, ok := s.agents.Get(tokenID); ok {
		m.BrainType = ag.AgentType
	}

	if err := s.metricsBuf.Add(m); err != nil {
		logger.Debug("failed to buffer cycle metric", zap.Error(err))
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/autopilot-runner/pkg/models"
	"github.com/selivandex/autopilot-runner/test/testdb"
)

const testChainID = 97

func newTestStore(t *testing.T, maxRunRecords int) (*Store, *testdb.TestDB) {
	t.Helper()
	tdb := testdb.Setup(t)
	return New(tdb.DB, testChainID, maxRunRecords), tdb
}

func enableInput(tokenID int64) *models.EnableAutopilotInput {
	return &models.EnableAutopilotInput{
		ChainID:        testChainID,
		TokenID:        tokenID,
		Renter:         "0x1111111111111111111111111111111111111111",
		Operator:       "0x2222222222222222222222222222222222222222",
		PermitExpires:  time.Now().Add(24 * time.Hour).Unix(),
		PermitDeadline: time.Now().Add(time.Hour).Unix(),
		Sig:            "0xsig",
	}
}

func testStrategy(tokenID int64) *models.Strategy {
	return &models.Strategy{
		ChainID:      testChainID,
		TokenID:      tokenID,
		StrategyType: "static",
		Target:       "0x3333333333333333333333333333333333333333",
		Data:         "0x",
		Value:        "0",
		Enabled:      true,
	}
}

// TestStore_EnableDisable verifies the autopilot on/off round trip and that
// re-enabling resets the disable reason and lease.
func TestStore_EnableDisable(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	if err := st.UpsertEnabled(ctx, enableInput(11)); err != nil {
		t.Fatalf("Failed to enable autopilot: %v", err)
	}

	ap, err := st.GetAutopilot(ctx, 11)
	if err != nil {
		t.Fatalf("Failed to get autopilot: %v", err)
	}
	if ap == nil {
		t.Fatal("autopilot mismatch. Expected: row, Got: nil")
	}
	if !ap.Enabled {
		t.Error("enabled mismatch. Expected: true, Got: false")
	}
	if ap.Operator != "0x2222222222222222222222222222222222222222" {
		t.Errorf("operator mismatch. Expected: 0x2222..., Got: %s", ap.Operator)
	}
	if ap.LastReason != nil {
		t.Errorf("last_reason mismatch. Expected: nil, Got: %v", *ap.LastReason)
	}

	// Disable with a tx hash folds it into the reason.
	txHash := "0xabc123"
	if err := st.Disable(ctx, 11, "owner request", &txHash); err != nil {
		t.Fatalf("Failed to disable autopilot: %v", err)
	}

	ap, err = st.GetAutopilot(ctx, 11)
	if err != nil {
		t.Fatalf("Failed to get autopilot after disable: %v", err)
	}
	if ap.Enabled {
		t.Error("enabled mismatch. Expected: false, Got: true")
	}
	if ap.LastReason == nil || *ap.LastReason != "owner request (tx=0xabc123)" {
		t.Errorf("last_reason mismatch. Expected: owner request (tx=0xabc123), Got: %v", ap.LastReason)
	}
	if ap.LockedUntil != nil {
		t.Errorf("locked_until mismatch. Expected: nil, Got: %v", ap.LockedUntil)
	}

	// Re-enable starts clean.
	if err := st.UpsertEnabled(ctx, enableInput(11)); err != nil {
		t.Fatalf("Failed to re-enable autopilot: %v", err)
	}

	ap, err = st.GetAutopilot(ctx, 11)
	if err != nil {
		t.Fatalf("Failed to get autopilot after re-enable: %v", err)
	}
	if !ap.Enabled {
		t.Error("re-enabled mismatch. Expected: true, Got: false")
	}
	if ap.LastReason != nil {
		t.Errorf("last_reason after re-enable mismatch. Expected: nil, Got: %v", *ap.LastReason)
	}

	// Unknown token is nil, not an error.
	missing, err := st.GetAutopilot(ctx, 999)
	if err != nil {
		t.Fatalf("Unexpected error for unknown token: %v", err)
	}
	if missing != nil {
		t.Errorf("unknown token mismatch. Expected: nil, Got: %+v", missing)
	}
}

// TestStore_AutopilotLease verifies the lease is exclusive while held,
// reclaimable after release or expiry, and refused for disabled autopilots.
func TestStore_AutopilotLease(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	if err := st.UpsertEnabled(ctx, enableInput(21)); err != nil {
		t.Fatalf("Failed to enable autopilot: %v", err)
	}

	ok, err := st.TryAcquireAutopilotLock(ctx, 21, 60000)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if !ok {
		t.Fatal("acquire mismatch. Expected: true, Got: false")
	}

	// Second acquire must lose while the lease is held.
	ok, err = st.TryAcquireAutopilotLock(ctx, 21, 60000)
	if err != nil {
		t.Fatalf("Unexpected error on second acquire: %v", err)
	}
	if ok {
		t.Error("second acquire mismatch. Expected: false, Got: true")
	}

	count, err := st.CountActiveAutopilotLocks(ctx)
	if err != nil {
		t.Fatalf("Failed to count locks: %v", err)
	}
	if count != 1 {
		t.Errorf("active lock count mismatch. Expected: 1, Got: %d", count)
	}

	if err := st.ReleaseAutopilotLock(ctx, 21); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}

	ok, err = st.TryAcquireAutopilotLock(ctx, 21, 60000)
	if err != nil {
		t.Fatalf("Failed to reacquire after release: %v", err)
	}
	if !ok {
		t.Error("reacquire after release mismatch. Expected: true, Got: false")
	}

	// An expired lease is reclaimable without a release.
	if err := st.ReleaseAutopilotLock(ctx, 21); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
	ok, err = st.TryAcquireAutopilotLock(ctx, 21, 1)
	if err != nil || !ok {
		t.Fatalf("Failed to acquire short lease: ok=%v err=%v", ok, err)
	}
	time.Sleep(50 * time.Millisecond)
	ok, err = st.TryAcquireAutopilotLock(ctx, 21, 60000)
	if err != nil {
		t.Fatalf("Failed to reacquire expired lease: %v", err)
	}
	if !ok {
		t.Error("expired lease reacquire mismatch. Expected: true, Got: false")
	}

	// Disabling refuses further leases.
	if err := st.Disable(ctx, 21, "test", nil); err != nil {
		t.Fatalf("Failed to disable autopilot: %v", err)
	}
	ok, err = st.TryAcquireAutopilotLock(ctx, 21, 60000)
	if err != nil {
		t.Fatalf("Unexpected error acquiring disabled lease: %v", err)
	}
	if ok {
		t.Error("disabled acquire mismatch. Expected: false, Got: true")
	}

	// Unknown token never acquires.
	ok, err = st.TryAcquireAutopilotLock(ctx, 999, 60000)
	if err != nil {
		t.Fatalf("Unexpected error acquiring unknown token: %v", err)
	}
	if ok {
		t.Error("unknown token acquire mismatch. Expected: false, Got: true")
	}
}

// TestStore_ListSchedulableTokenIDs verifies the join requires both halves
// enabled and orders never-checked tokens first.
func TestStore_ListSchedulableTokenIDs(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	// 31: both enabled. 32: autopilot only. 33: strategy only.
	// 34: autopilot enabled, strategy disabled.
	if err := st.UpsertEnabled(ctx, enableInput(31)); err != nil {
		t.Fatalf("Failed to enable autopilot: %v", err)
	}
	if err := st.UpsertStrategy(ctx, testStrategy(31)); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}
	if err := st.UpsertEnabled(ctx, enableInput(32)); err != nil {
		t.Fatalf("Failed to enable autopilot: %v", err)
	}
	if err := st.UpsertStrategy(ctx, testStrategy(33)); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}
	if err := st.UpsertEnabled(ctx, enableInput(34)); err != nil {
		t.Fatalf("Failed to enable autopilot: %v", err)
	}
	disabled := testStrategy(34)
	disabled.Enabled = false
	if err := st.UpsertStrategy(ctx, disabled); err != nil {
		t.Fatalf("Failed to upsert disabled strategy: %v", err)
	}

	ids, err := st.ListSchedulableTokenIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to list schedulable tokens: %v", err)
	}
	if len(ids) != 1 || ids[0] != 31 {
		t.Fatalf("schedulable tokens mismatch. Expected: [31], Got: %v", ids)
	}

	// A token with no cadence marker sorts ahead of one scheduled for later.
	if err := st.UpdateNextCheckAt(ctx, 31, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to update next_check_at: %v", err)
	}
	if err := st.UpsertEnabled(ctx, enableInput(35)); err != nil {
		t.Fatalf("Failed to enable autopilot: %v", err)
	}
	if err := st.UpsertStrategy(ctx, testStrategy(35)); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}

	ids, err = st.ListSchedulableTokenIDs(ctx)
	if err != nil {
		t.Fatalf("Failed to list schedulable tokens: %v", err)
	}
	if len(ids) != 2 || ids[0] != 35 || ids[1] != 31 {
		t.Errorf("schedulable order mismatch. Expected: [35 31], Got: %v", ids)
	}
}

// TestStore_RecordRunTrim verifies run retention keeps only the newest
// maxRunRecords rows and that listing is newest first with defaults applied.
func TestStore_RecordRunTrim(t *testing.T) {
	st, tdb := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run := &models.RunRecord{
			TokenID:    41,
			SimulateOK: true,
			IntentType: models.StringPtr(fmt.Sprintf("swap-%d", i)),
		}
		if err := st.RecordRun(ctx, run); err != nil {
			t.Fatalf("Failed to record run %d: %v", i, err)
		}
	}

	total := tdb.Count(t, "runs", "chain_id = $1", testChainID)
	if total != 3 {
		t.Errorf("retained rows mismatch. Expected: 3, Got: %d", total)
	}

	runs, err := st.ListRuns(ctx, 41, 10)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("run count mismatch. Expected: 3, Got: %d", len(runs))
	}
	if runs[0].IntentType == nil || *runs[0].IntentType != "swap-4" {
		t.Errorf("newest run mismatch. Expected: swap-4, Got: %v", runs[0].IntentType)
	}
	if runs[2].IntentType == nil || *runs[2].IntentType != "swap-2" {
		t.Errorf("oldest retained run mismatch. Expected: swap-2, Got: %v", runs[2].IntentType)
	}
	if runs[0].ActionType != "auto" {
		t.Errorf("ActionType default mismatch. Expected: auto, Got: %s", runs[0].ActionType)
	}
	if runs[0].RunMode != models.RunModePrimary {
		t.Errorf("RunMode default mismatch. Expected: %s, Got: %s", models.RunModePrimary, runs[0].RunMode)
	}

	recent, err := st.ListRecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list recent runs: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("recent run count mismatch. Expected: 3, Got: %d", len(recent))
	}
}

// TestStore_UpsertStrategyDefaults verifies insert defaults and that a
// config re-upsert does not clobber scheduler-owned counters.
func TestStore_UpsertStrategyDefaults(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	strat := testStrategy(51)
	strat.MaxFailures = 0
	strat.StrategyParams = nil
	if err := st.UpsertStrategy(ctx, strat); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}

	got, err := st.GetStrategy(ctx, 51)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if got == nil {
		t.Fatal("strategy mismatch. Expected: row, Got: nil")
	}
	if got.MaxFailures != 10 {
		t.Errorf("MaxFailures default mismatch. Expected: 10, Got: %d", got.MaxFailures)
	}
	if got.StrategyParams == nil {
		t.Error("StrategyParams mismatch. Expected: empty map, Got: nil")
	}

	// Bump a runtime counter, then re-upsert the config half.
	if _, err := st.RecordFailure(ctx, 51, "transient rpc error"); err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}
	update := testStrategy(51)
	update.Target = "0x4444444444444444444444444444444444444444"
	if err := st.UpsertStrategy(ctx, update); err != nil {
		t.Fatalf("Failed to re-upsert strategy: %v", err)
	}

	got, err = st.GetStrategy(ctx, 51)
	if err != nil {
		t.Fatalf("Failed to get strategy after re-upsert: %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("FailureCount mismatch. Expected: 1 (preserved), Got: %d", got.FailureCount)
	}
	if got.Target != update.Target {
		t.Errorf("Target mismatch. Expected: %s, Got: %s", update.Target, got.Target)
	}

	missing, err := st.GetStrategy(ctx, 999)
	if err != nil {
		t.Fatalf("Unexpected error for unknown strategy: %v", err)
	}
	if missing != nil {
		t.Errorf("unknown strategy mismatch. Expected: nil, Got: %+v", missing)
	}
}

// TestStore_TradingGoal verifies goal set/clear round trips through
// strategy_params, wakes the token up and archives cleared goals.
func TestStore_TradingGoal(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	err := st.SetTradingGoal(ctx, 61, "accumulate wbnb")
	if err == nil || !strings.Contains(err.Error(), "no strategy row") {
		t.Fatalf("missing row error mismatch. Expected: no strategy row, Got: %v", err)
	}

	if err := st.UpsertStrategy(ctx, testStrategy(61)); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}
	if _, err := st.RecordFailure(ctx, 61, "stuck"); err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}
	if err := st.UpdateNextCheckAt(ctx, 61, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Failed to update next_check_at: %v", err)
	}

	if err := st.SetTradingGoal(ctx, 61, "accumulate wbnb"); err != nil {
		t.Fatalf("Failed to set trading goal: %v", err)
	}

	strat, err := st.GetStrategy(ctx, 61)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if goal := strat.StrategyParams.TradingGoal(); goal != "accumulate wbnb" {
		t.Errorf("goal mismatch. Expected: accumulate wbnb, Got: %s", goal)
	}
	if strat.StrategyParams.GoalSetAt().IsZero() {
		t.Error("goalSetAt mismatch. Expected: timestamp, Got: zero")
	}
	if strat.FailureCount != 0 {
		t.Errorf("FailureCount mismatch. Expected: 0 (reset), Got: %d", strat.FailureCount)
	}
	if strat.NextCheckAt != nil {
		t.Errorf("NextCheckAt mismatch. Expected: nil (due now), Got: %v", strat.NextCheckAt)
	}

	if err := st.ClearTradingGoal(ctx, 61); err != nil {
		t.Fatalf("Failed to clear trading goal: %v", err)
	}

	strat, err = st.GetStrategy(ctx, 61)
	if err != nil {
		t.Fatalf("Failed to get strategy after clear: %v", err)
	}
	if goal := strat.StrategyParams.TradingGoal(); goal != "" {
		t.Errorf("cleared goal mismatch. Expected: empty, Got: %s", goal)
	}
	history, ok := strat.StrategyParams[models.ParamGoalHistory].([]interface{})
	if !ok || len(history) != 1 {
		t.Fatalf("goalHistory mismatch. Expected: 1 archived entry, Got: %v", strat.StrategyParams[models.ParamGoalHistory])
	}

	// Clearing again archives nothing new.
	if err := st.ClearTradingGoal(ctx, 61); err != nil {
		t.Fatalf("Failed to clear trading goal twice: %v", err)
	}
	strat, err = st.GetStrategy(ctx, 61)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	history, _ = strat.StrategyParams[models.ParamGoalHistory].([]interface{})
	if len(history) != 1 {
		t.Errorf("goalHistory after second clear mismatch. Expected: 1, Got: %d", len(history))
	}
}

// TestStore_DailyBudget verifies the run and value caps, the unlimited
// zero-limit case and the missing-row refusal.
func TestStore_DailyBudget(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	capped := testStrategy(71)
	capped.MaxDailyRuns = 2
	capped.MaxDailyValue = decimal.NewFromInt(10)
	if err := st.UpsertStrategy(ctx, capped); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}

	ok, err := st.CheckBudget(ctx, 71, decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("Failed to check budget: %v", err)
	}
	if !ok {
		t.Error("fresh budget mismatch. Expected: true, Got: false")
	}

	if err := st.ConsumeBudget(ctx, 71, decimal.NewFromInt(4)); err != nil {
		t.Fatalf("Failed to consume budget: %v", err)
	}
	ok, err = st.CheckBudget(ctx, 71, decimal.NewFromInt(4))
	if err != nil {
		t.Fatalf("Failed to check budget: %v", err)
	}
	if !ok {
		t.Error("second run budget mismatch. Expected: true, Got: false")
	}

	if err := st.ConsumeBudget(ctx, 71, decimal.NewFromInt(4)); err != nil {
		t.Fatalf("Failed to consume budget: %v", err)
	}
	ok, err = st.CheckBudget(ctx, 71, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Failed to check budget: %v", err)
	}
	if ok {
		t.Error("exhausted runs mismatch. Expected: false, Got: true")
	}

	strat, err := st.GetStrategy(ctx, 71)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if strat.DailyRunsUsed != 2 {
		t.Errorf("DailyRunsUsed mismatch. Expected: 2, Got: %d", strat.DailyRunsUsed)
	}
	if !strat.DailyValueUsed.Equal(decimal.NewFromInt(8)) {
		t.Errorf("DailyValueUsed mismatch. Expected: 8, Got: %s", strat.DailyValueUsed)
	}

	// Value cap binds even with unlimited runs.
	valueCapped := testStrategy(72)
	valueCapped.MaxDailyValue = decimal.NewFromInt(10)
	if err := st.UpsertStrategy(ctx, valueCapped); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}
	if err := st.ConsumeBudget(ctx, 72, decimal.NewFromInt(8)); err != nil {
		t.Fatalf("Failed to consume budget: %v", err)
	}
	ok, err = st.CheckBudget(ctx, 72, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("Failed to check budget: %v", err)
	}
	if ok {
		t.Error("value cap mismatch. Expected: false (8+3 > 10), Got: true")
	}
	ok, err = st.CheckBudget(ctx, 72, decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("Failed to check budget: %v", err)
	}
	if !ok {
		t.Error("value fit mismatch. Expected: true (8+2 <= 10), Got: false")
	}

	// Zero limits mean unlimited.
	if err := st.UpsertStrategy(ctx, testStrategy(73)); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.ConsumeBudget(ctx, 73, decimal.NewFromInt(100)); err != nil {
			t.Fatalf("Failed to consume budget: %v", err)
		}
	}
	ok, err = st.CheckBudget(ctx, 73, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Failed to check budget: %v", err)
	}
	if !ok {
		t.Error("unlimited budget mismatch. Expected: true, Got: false")
	}

	// No strategy row means no budget.
	ok, err = st.CheckBudget(ctx, 999, decimal.Zero)
	if err != nil {
		t.Fatalf("Unexpected error for unknown token: %v", err)
	}
	if ok {
		t.Error("unknown token budget mismatch. Expected: false, Got: true")
	}
}

// TestStore_FailureAutoDisable verifies the failure counter disables the
// strategy at max_failures and that success resets the streak.
func TestStore_FailureAutoDisable(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	strat := testStrategy(81)
	strat.MaxFailures = 2
	if err := st.UpsertStrategy(ctx, strat); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}

	disabled, err := st.RecordFailure(ctx, 81, "rpc timeout")
	if err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}
	if disabled {
		t.Error("first failure mismatch. Expected: false, Got: true")
	}

	got, err := st.GetStrategy(ctx, 81)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if !got.Enabled {
		t.Error("enabled after first failure mismatch. Expected: true, Got: false")
	}
	if got.FailureCount != 1 {
		t.Errorf("FailureCount mismatch. Expected: 1, Got: %d", got.FailureCount)
	}
	if got.LastError == nil || *got.LastError != "rpc timeout" {
		t.Errorf("LastError mismatch. Expected: rpc timeout, Got: %v", got.LastError)
	}

	disabled, err = st.RecordFailure(ctx, 81, "rpc timeout")
	if err != nil {
		t.Fatalf("Failed to record second failure: %v", err)
	}
	if !disabled {
		t.Error("second failure mismatch. Expected: true (disabled), Got: false")
	}

	got, err = st.GetStrategy(ctx, 81)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if got.Enabled {
		t.Error("enabled after max failures mismatch. Expected: false, Got: true")
	}
	if got.FailureCount != 2 {
		t.Errorf("FailureCount mismatch. Expected: 2, Got: %d", got.FailureCount)
	}

	// Success resets the streak but does not re-enable.
	if err := st.RecordSuccess(ctx, 81); err != nil {
		t.Fatalf("Failed to record success: %v", err)
	}
	got, err = st.GetStrategy(ctx, 81)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if got.FailureCount != 0 {
		t.Errorf("FailureCount after success mismatch. Expected: 0, Got: %d", got.FailureCount)
	}
	if got.LastError != nil {
		t.Errorf("LastError after success mismatch. Expected: nil, Got: %v", *got.LastError)
	}
	if got.Enabled {
		t.Error("enabled after success mismatch. Expected: false, Got: true")
	}

	// Missing row is no failure, not an error.
	disabled, err = st.RecordFailure(ctx, 999, "nope")
	if err != nil {
		t.Fatalf("Unexpected error for unknown token: %v", err)
	}
	if disabled {
		t.Error("unknown token failure mismatch. Expected: false, Got: true")
	}

	// Oversized error text is truncated to the column size.
	if err := st.UpsertStrategy(ctx, testStrategy(82)); err != nil {
		t.Fatalf("Failed to upsert strategy: %v", err)
	}
	if _, err := st.RecordFailure(ctx, 82, strings.Repeat("x", 1200)); err != nil {
		t.Fatalf("Failed to record long failure: %v", err)
	}
	got, err = st.GetStrategy(ctx, 82)
	if err != nil {
		t.Fatalf("Failed to get strategy: %v", err)
	}
	if got.LastError == nil || len(*got.LastError) != 1000 {
		t.Errorf("truncated error length mismatch. Expected: 1000, Got: %v", got.LastError)
	}
}

// TestStore_MemoryRecall verifies scrollback ordering, the goal exclusion in
// recall and the goal upsert/complete lifecycle.
func TestStore_MemoryRecall(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		entry := &models.MemoryEntry{
			TokenID:   91,
			EntryType: models.MemoryDecision,
			Action:    models.StringPtr("swap"),
			Reasoning: models.StringPtr(fmt.Sprintf("r%d", i)),
		}
		if i == 3 {
			entry.Params = models.JSONMap{"amountIn": "1"}
			entry.Result = &models.MemoryResult{Success: true, TxHash: "0xdeadbeef"}
		}
		if err := st.AddMemory(ctx, entry); err != nil {
			t.Fatalf("Failed to add memory %d: %v", i, err)
		}
	}
	if err := st.UpsertGoal(ctx, 91, "goal-1", "reach 1 bnb"); err != nil {
		t.Fatalf("Failed to upsert goal: %v", err)
	}

	entries, err := st.Recall(ctx, 91, 2)
	if err != nil {
		t.Fatalf("Failed to recall: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("recall count mismatch. Expected: 2, Got: %d", len(entries))
	}
	if entries[0].Reasoning == nil || *entries[0].Reasoning != "r3" {
		t.Errorf("recall order mismatch. Expected: r3 first, Got: %v", entries[0].Reasoning)
	}
	if entries[1].Reasoning == nil || *entries[1].Reasoning != "r2" {
		t.Errorf("recall order mismatch. Expected: r2 second, Got: %v", entries[1].Reasoning)
	}
	if entries[0].Result == nil || !entries[0].Result.Success || entries[0].Result.TxHash != "0xdeadbeef" {
		t.Errorf("result round trip mismatch. Expected: success with tx, Got: %+v", entries[0].Result)
	}
	if entries[0].Params["amountIn"] != "1" {
		t.Errorf("params round trip mismatch. Expected: amountIn=1, Got: %v", entries[0].Params)
	}

	// Goals never surface in recall, even with the default limit.
	entries, err = st.Recall(ctx, 91, 0)
	if err != nil {
		t.Fatalf("Failed to recall with default limit: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("goal-free recall mismatch. Expected: 3, Got: %d", len(entries))
	}
	for _, e := range entries {
		if e.EntryType == models.MemoryGoal {
			t.Errorf("recall leaked a goal entry: %+v", e)
		}
	}

	// The control-plane view includes everything.
	all, err := st.ListMemory(ctx, 91, 10)
	if err != nil {
		t.Fatalf("Failed to list memory: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("memory list mismatch. Expected: 4, Got: %d", len(all))
	}

	// Re-setting the same goal id replaces, not appends.
	if err := st.UpsertGoal(ctx, 91, "goal-1", "reach 2 bnb"); err != nil {
		t.Fatalf("Failed to re-upsert goal: %v", err)
	}
	goals, err := st.ListGoals(ctx, 91)
	if err != nil {
		t.Fatalf("Failed to list goals: %v", err)
	}
	if len(goals) != 1 {
		t.Fatalf("goal count mismatch. Expected: 1, Got: %d", len(goals))
	}
	if goals[0].Reasoning == nil || *goals[0].Reasoning != "reach 2 bnb" {
		t.Errorf("goal text mismatch. Expected: reach 2 bnb, Got: %v", goals[0].Reasoning)
	}
	if goals[0].Result != nil {
		t.Errorf("goal result mismatch. Expected: nil before completion, Got: %+v", goals[0].Result)
	}

	if err := st.CompleteGoal(ctx, 91, "goal-1"); err != nil {
		t.Fatalf("Failed to complete goal: %v", err)
	}
	goals, err = st.ListGoals(ctx, 91)
	if err != nil {
		t.Fatalf("Failed to list goals after completion: %v", err)
	}
	if goals[0].Result == nil || !goals[0].Result.Success {
		t.Errorf("completed goal mismatch. Expected: success result, Got: %+v", goals[0].Result)
	}

	// Memory is scoped per token.
	other, err := st.Recall(ctx, 92, 0)
	if err != nil {
		t.Fatalf("Failed to recall other token: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("token scoping mismatch. Expected: 0, Got: %d", len(other))
	}
}

// TestStore_MarketSignals verifies the signal upsert round trip and the
// price history window ordering.
func TestStore_MarketSignals(t *testing.T) {
	st, _ := newTestStore(t, 100)
	ctx := context.Background()

	momentum := 55.5
	priceUSD := decimal.NewFromFloat(810.5)
	sig := &models.MarketSignal{
		Pair:     "BNB/USDT",
		Price:    decimal.NewFromFloat(810.5),
		PriceUSD: &priceUSD,
		Momentum: &momentum,
		Trend:    models.StringPtr("up"),
		Source:   "binance",
	}
	if err := st.UpsertSignal(ctx, sig); err != nil {
		t.Fatalf("Failed to upsert signal: %v", err)
	}

	got, err := st.GetSignal(ctx, "BNB/USDT")
	if err != nil {
		t.Fatalf("Failed to get signal: %v", err)
	}
	if got == nil {
		t.Fatal("signal mismatch. Expected: row, Got: nil")
	}
	if !got.Price.Equal(decimal.NewFromFloat(810.5)) {
		t.Errorf("price mismatch. Expected: 810.5, Got: %s", got.Price)
	}
	if got.Source != "binance" {
		t.Errorf("source mismatch. Expected: binance, Got: %s", got.Source)
	}
	if got.Trend == nil || *got.Trend != "up" {
		t.Errorf("trend mismatch. Expected: up, Got: %v", got.Trend)
	}
	if got.Momentum == nil || *got.Momentum != 55.5 {
		t.Errorf("momentum mismatch. Expected: 55.5, Got: %v", got.Momentum)
	}

	// Upserting the same pair replaces in place.
	sig.Price = decimal.NewFromInt(820)
	if err := st.UpsertSignal(ctx, sig); err != nil {
		t.Fatalf("Failed to re-upsert signal: %v", err)
	}
	got, err = st.GetSignal(ctx, "BNB/USDT")
	if err != nil {
		t.Fatalf("Failed to get signal after update: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(820)) {
		t.Errorf("updated price mismatch. Expected: 820, Got: %s", got.Price)
	}
	signals, err := st.ListSignals(ctx)
	if err != nil {
		t.Fatalf("Failed to list signals: %v", err)
	}
	if len(signals) != 1 {
		t.Errorf("signal count mismatch. Expected: 1, Got: %d", len(signals))
	}

	missing, err := st.GetSignal(ctx, "ETH/USDT")
	if err != nil {
		t.Fatalf("Unexpected error for unknown pair: %v", err)
	}
	if missing != nil {
		t.Errorf("unknown pair mismatch. Expected: nil, Got: %+v", missing)
	}

	// Price history returns the newest n observations, oldest first.
	for i := 1; i <= 5; i++ {
		if err := st.AppendPriceHistory(ctx, "BNB/USDT", float64(i)); err != nil {
			t.Fatalf("Failed to append price %d: %v", i, err)
		}
	}
	prices, err := st.RecentPrices(ctx, "BNB/USDT", 3)
	if err != nil {
		t.Fatalf("Failed to read recent prices: %v", err)
	}
	if len(prices) != 3 {
		t.Fatalf("price window mismatch. Expected: 3, Got: %d", len(prices))
	}
	for i, want := range []float64{3, 4, 5} {
		if prices[i] != want {
			t.Errorf("price order mismatch at %d. Expected: %v, Got: %v", i, want, prices[i])
		}
	}
	prices, err = st.RecentPrices(ctx, "BNB/USDT", 0)
	if err != nil {
		t.Fatalf("Failed to read prices with default window: %v", err)
	}
	if len(prices) != 5 {
		t.Errorf("default window mismatch. Expected: 5, Got: %d", len(prices))
	}
}

package scheduler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/internal/agent"
	"github.com/selivandex/autopilot-runner/internal/brain"
	"github.com/selivandex/autopilot-runner/internal/guardrails"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const (
	testTokenID = int64(42)
	testChainID = int64(56)
	testVault   = "0x00000000000000000000000000000000000000AA"
	testRouter  = "0x10ED43C718714eb63d5aA57B78B54704E256024E"
	testUSDT    = "0x55d398326f99059fF775485246999027B3197955"
	testWBNB    = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	testTxHash  = "0x3c5a8f0d41e96b27cc1840f0d1a6353bb8e9f1e2a7c4d5b6a7f8091a2b3c4d5e"
)

type fakeStore struct {
	mu        sync.Mutex
	ids       []int64
	autopilot *models.Autopilot
	strategy  *models.Strategy
	nextCheck map[int64]*time.Time
	locked    map[int64]bool
	lockBusy  bool
	signal    *models.MarketSignal
	runs      []models.RunRecord
	memories  []models.MemoryEntry
	updates   []time.Time
	cleared   int
	disabled  []string
	successes int
	failures  []string
	spent     []decimal.Decimal
	maxFails  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		autopilot: &models.Autopilot{ChainID: testChainID, TokenID: testTokenID, Enabled: true},
		strategy:  scriptedStrategy(),
		nextCheck: make(map[int64]*time.Time),
		locked:    make(map[int64]bool),
	}
}

func (f *fakeStore) ChainID() int64 { return testChainID }

func (f *fakeStore) ListSchedulableTokenIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids, nil
}

func (f *fakeStore) GetEarliestNextCheckAt(ctx context.Context) (*time.Time, error) {
	return nil, nil
}

func (f *fakeStore) GetNextCheckAt(ctx context.Context, tokenID int64) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextCheck[tokenID], nil
}

func (f *fakeStore) TryAcquireAutopilotLock(ctx context.Context, tokenID int64, leaseMs int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockBusy || f.locked[tokenID] {
		return false, nil
	}
	f.locked[tokenID] = true
	return true, nil
}

func (f *fakeStore) ReleaseAutopilotLock(ctx context.Context, tokenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[tokenID] = false
	return nil
}

func (f *fakeStore) GetAutopilot(ctx context.Context, tokenID int64) (*models.Autopilot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.autopilot, nil
}

func (f *fakeStore) GetStrategy(ctx context.Context, tokenID int64) (*models.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategy, nil
}

func (f *fakeStore) UpdateNextCheckAt(ctx context.Context, tokenID int64, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, next)
	n := next
	f.nextCheck[tokenID] = &n
	return nil
}

func (f *fakeStore) ClearTradingGoal(ctx context.Context, tokenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeStore) Disable(ctx context.Context, tokenID int64, reason string, txHash *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, reason)
	if f.autopilot != nil {
		f.autopilot.Enabled = false
	}
	return nil
}

func (f *fakeStore) RecordSuccess(ctx context.Context, tokenID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, tokenID int64, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errMsg)
	return f.maxFails > 0 && len(f.failures) >= f.maxFails, nil
}

func (f *fakeStore) ConsumeBudget(ctx context.Context, tokenID int64, value decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spent = append(f.spent, value)
	return nil
}

func (f *fakeStore) RecordRun(ctx context.Context, run *models.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeStore) AddMemory(ctx context.Context, entry *models.MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories = append(f.memories, *entry)
	return nil
}

func (f *fakeStore) GetSignal(ctx context.Context, pair string) (*models.MarketSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal, nil
}

// Recall satisfies agent.MemoryStore so the same fake backs the manager.
func (f *fakeStore) Recall(ctx context.Context, tokenID int64, limit int) ([]models.MemoryEntry, error) {
	return nil, nil
}

func (f *fakeStore) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// fakeChain serves both the scheduler's execute surface and the agent
// manager's observe surface.
type fakeChain struct {
	obs      *models.Observation
	agentTag string
	sub      models.SubscriptionStatus
	cooldown int64
	execErr  error
	singles  []models.Payload
	batches  [][]models.Payload
}

func (f *fakeChain) Observe(ctx context.Context, tokenID int64) (*models.Observation, error) {
	return f.obs, nil
}

func (f *fakeChain) ReadAgentType(ctx context.Context, tokenID int64) string {
	if f.agentTag == "" {
		return "unknown"
	}
	return f.agentTag
}

func (f *fakeChain) ReadAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) GetAmountsOut(ctx context.Context, amountIn *big.Int, path []string) []*big.Int {
	return []*big.Int{amountIn, new(big.Int).Mul(amountIn, big.NewInt(2))}
}

func (f *fakeChain) ReadSubscriptionStatus(ctx context.Context, tokenID int64) (models.SubscriptionStatus, error) {
	return f.sub, nil
}

func (f *fakeChain) ReadCooldownSeconds(ctx context.Context, tokenID int64) (int64, error) {
	return f.cooldown, nil
}

func (f *fakeChain) ExecuteAction(ctx context.Context, tokenID int64, p models.Payload) (*models.ExecResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.singles = append(f.singles, p)
	return &models.ExecResult{Hash: testTxHash, ReceiptStatus: 1, ReceiptBlock: 7654399, GasUsed: 52000}, nil
}

func (f *fakeChain) ExecuteBatchAction(ctx context.Context, tokenID int64, batch []models.Payload) (*models.ExecResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.batches = append(f.batches, batch)
	return &models.ExecResult{Hash: testTxHash, ReceiptStatus: 1, ReceiptBlock: 7654399, GasUsed: 184000}, nil
}

type scriptedBrain struct {
	decision *models.Decision
}

func (b *scriptedBrain) Think(ctx context.Context, obs *models.Observation, memories []models.MemoryEntry, reg *actions.Registry) (*models.Decision, error) {
	return b.decision, nil
}

func testEnv() actions.Env {
	return actions.Env{
		ChainID:       testChainID,
		RouterAddress: testRouter,
		WrappedNative: testWBNB,
		Stablecoins:   []string{testUSDT},
	}
}

func testObservation() *models.Observation {
	return &models.Observation{
		TokenID:       testTokenID,
		Vault:         testVault,
		BlockNumber:   7654321,
		BlockTime:     time.Now().UTC(),
		NativeBalance: big.NewInt(2000000000000000000),
	}
}

func scriptedStrategy() *models.Strategy {
	return &models.Strategy{
		ChainID:      testChainID,
		TokenID:      testTokenID,
		StrategyType: "scripted",
		StrategyParams: models.StrategyParams{
			models.ParamTradingGoal: "accumulate WBNB",
		},
		Enabled:   true,
		UpdatedAt: time.Now().UTC(),
	}
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollIntervalMs:   60000,
		Concurrency:      2,
		LeaseMs:          120000,
		BlockedBackoffMs: 65000,
		MaxRetries:       5,
		MaxRunRecords:    2000,
	}
}

type testHarness struct {
	sched *Scheduler
	store *fakeStore
	chain *fakeChain
	mgr   *agent.Manager
}

// newHarness wires a scheduler over in-memory fakes with a brain that always
// returns the given decision.
func newHarness(decision *models.Decision) *testHarness {
	return newHarnessWith(decision, testSchedulerConfig())
}

func newHarnessWith(decision *models.Decision, cfg config.SchedulerConfig) *testHarness {
	st := newFakeStore()
	ch := &fakeChain{obs: testObservation()}

	factory := brain.NewFactory(brain.Deps{Env: testEnv()})
	factory.RegisterBlueprint("scripted", func(bcfg brain.Config, deps brain.Deps) (brain.Brain, error) {
		return &scriptedBrain{decision: decision}, nil
	})

	mgr := agent.NewManager(factory, ch, st, actions.NewRegistry(testEnv(), nil), guardrails.New(nil), nil)

	return &testHarness{
		sched: New(cfg, st, ch, mgr, nil, nil, ""),
		store: st,
		chain: ch,
		mgr:   mgr,
	}
}

// TestStartStop verifies the loop stamps its heartbeat and shuts down within
// the stop timeout.
func TestStartStop(t *testing.T) {
	h := newHarness(&models.Decision{Action: models.ActionWait})

	h.sched.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for h.sched.LastLoopAt().IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("LastLoopAt mismatch. Expected a heartbeat within 2s, Got: zero")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.sched.Stop(2 * time.Second)
}

// TestTriggerToken verifies an async trigger bypasses the cadence gate and
// records a run.
func TestTriggerToken(t *testing.T) {
	h := newHarness(&models.Decision{Action: models.ActionWait, Reasoning: "manual poke"})
	future := time.Now().Add(10 * time.Minute)
	h.store.nextCheck[testTokenID] = &future

	h.sched.TriggerToken(testTokenID)

	deadline := time.Now().Add(2 * time.Second)
	for h.store.runCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run count mismatch. Expected 1 within 2s, Got: 0")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.sched.Stop(2 * time.Second)

	if h.store.runs[0].SimulateOK != true {
		t.Error("SimulateOK mismatch. Expected: true, Got: false")
	}
}

// TestAdaptiveSleep verifies the idle sleep tracks the earliest scheduled
// token between the loop floor and the poll interval.
func TestAdaptiveSleep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	poll := 60 * time.Second

	testCases := []struct {
		name     string
		earliest *time.Time
		expected time.Duration
	}{
		{"no earliest sleeps the full interval", nil, poll},
		{"imminent check floors at one second", timePtr(now.Add(200 * time.Millisecond)), time.Second},
		{"past-due check floors at one second", timePtr(now.Add(-time.Minute)), time.Second},
		{"near check sleeps until it is due", timePtr(now.Add(10 * time.Second)), 10 * time.Second},
		{"distant check caps at the interval", timePtr(now.Add(5 * time.Minute)), poll},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := adaptiveSleep(poll, tc.earliest, now)
			if got != tc.expected {
				t.Errorf("sleep mismatch. Expected: %v, Got: %v", tc.expected, got)
			}
		})
	}
}

// TestBlockedBackoffMs verifies the doubling ladder and its cap.
func TestBlockedBackoffMs(t *testing.T) {
	testCases := []struct {
		name     string
		baseMs   int64
		count    int
		expected int64
	}{
		{"first block uses the base", 65000, 1, 65000},
		{"second block doubles", 65000, 2, 130000},
		{"third block doubles again", 65000, 3, 260000},
		{"fourth block doubles again", 65000, 4, 520000},
		{"fifth block hits the cap", 65000, 5, MaxBackoffMs},
		{"far past the cap stays capped", 65000, 12, MaxBackoffMs},
		{"base above the cap is clamped", 700000, 1, MaxBackoffMs},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := blockedBackoffMs(tc.baseMs, tc.count)
			if got != tc.expected {
				t.Errorf("backoff mismatch. Expected: %d, Got: %d", tc.expected, got)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

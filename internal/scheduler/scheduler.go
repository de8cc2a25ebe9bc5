// Package scheduler owns the autopilot control loop. Each tick it discovers
// schedulable tokens, serialises per-token cycles through the database lease,
// applies blocked backoff and cadence hints, submits validated payloads
// through the registry and records every outcome.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/internal/agent"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/metrics"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const (
	// MaxBlockedRetries is the consecutive-block threshold that auto-pauses
	// a token.
	MaxBlockedRetries = 5

	// MaxBackoffMs caps the exponential blocked backoff at ten minutes.
	MaxBackoffMs = int64(10 * 60 * 1000)

	// FastFollowupMinMs floors a post-transaction follow-up hint.
	FastFollowupMinMs = int64(10000)

	// WaitCadenceMinMs floors a wait decision's next-check hint.
	WaitCadenceMinMs = int64(5000)

	// LoopFloorMs floors the adaptive tick sleep.
	LoopFloorMs = int64(1000)
)

// tickErrorSleep is the fixed cooloff after too many consecutive tick
// failures.
const tickErrorSleep = 60 * time.Second

// OneShotActions complete a goal by landing once: a confirmed transaction
// implies done unless the brain explicitly said otherwise.
var OneShotActions = map[string]bool{
	"swap": true,
	"wrap": true,
}

// Store is the persistence slice the scheduler drives.
type Store interface {
	ChainID() int64
	ListSchedulableTokenIDs(ctx context.Context) ([]int64, error)
	GetEarliestNextCheckAt(ctx context.Context) (*time.Time, error)
	GetNextCheckAt(ctx context.Context, tokenID int64) (*time.Time, error)
	TryAcquireAutopilotLock(ctx context.Context, tokenID int64, leaseMs int64) (bool, error)
	ReleaseAutopilotLock(ctx context.Context, tokenID int64) error
	GetAutopilot(ctx context.Context, tokenID int64) (*models.Autopilot, error)
	GetStrategy(ctx context.Context, tokenID int64) (*models.Strategy, error)
	UpdateNextCheckAt(ctx context.Context, tokenID int64, next time.Time) error
	ClearTradingGoal(ctx context.Context, tokenID int64) error
	Disable(ctx context.Context, tokenID int64, reason string, txHash *string) error
	RecordSuccess(ctx context.Context, tokenID int64) error
	RecordFailure(ctx context.Context, tokenID int64, errMsg string) (bool, error)
	ConsumeBudget(ctx context.Context, tokenID int64, value decimal.Decimal) error
	RecordRun(ctx context.Context, run *models.RunRecord) error
	AddMemory(ctx context.Context, entry *models.MemoryEntry) error
	GetSignal(ctx context.Context, pair string) (*models.MarketSignal, error)
}

// Chain is the registry-contract slice the scheduler calls directly; the
// observing reads live behind the agent manager.
type Chain interface {
	ReadSubscriptionStatus(ctx context.Context, tokenID int64) (models.SubscriptionStatus, error)
	ReadCooldownSeconds(ctx context.Context, tokenID int64) (int64, error)
	ExecuteAction(ctx context.Context, tokenID int64, p models.Payload) (*models.ExecResult, error)
	ExecuteBatchAction(ctx context.Context, tokenID int64, batch []models.Payload) (*models.ExecResult, error)
}

// RunPublisher fans a recorded run out to live observers (websocket hub,
// notifier). Implementations must not block.
type RunPublisher interface {
	PublishRun(run *models.RunRecord)
}

// CycleRunner drives one cognitive cycle.
type CycleRunner func(ctx context.Context, a *agent.Agent) (*agent.RunResult, error)

// Scheduler runs the tick loop and owns all scheduling state: the blocked
// counters, the tick heartbeat and the consecutive-error count. No globals.
type Scheduler struct {
	cfg        config.SchedulerConfig
	store      Store
	chain      Chain
	agents     *agent.Manager
	events     RunPublisher   // can be nil
	metricsBuf metrics.Buffer // can be nil
	nativePair string         // native-USD signal pair for pnl estimates; empty disables

	runCycle CycleRunner
	classify Classifier

	mu            sync.Mutex
	blockedCounts map[int64]int

	loopMu     sync.RWMutex
	lastLoopAt time.Time

	// consecutiveErrors is touched only from the loop goroutine.
	consecutiveErrors int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a scheduler over the shared services. events and metricsBuf can
// be nil.
func New(cfg config.SchedulerConfig, st Store, ch Chain, agents *agent.Manager, events RunPublisher, metricsBuf metrics.Buffer, nativePair string) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		store:         st,
		chain:         ch,
		agents:        agents,
		events:        events,
		metricsBuf:    metricsBuf,
		nativePair:    nativePair,
		runCycle:      agent.RunAgentCycle,
		classify:      ClassifyFailure,
		blockedCounts: make(map[int64]int),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.baseCtx = ctx
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	logger.Info("🚀 Scheduler started",
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Int64("poll_interval_ms", s.cfg.PollIntervalMs),
		zap.Int64("lease_ms", s.cfg.LeaseMs),
		zap.Bool("shadow_mode", s.cfg.ShadowMode),
	)
}

// Stop cancels the loop and waits for in-flight cycles, up to timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("🛑 Scheduler stopped")
	case <-time.After(timeout):
		logger.Warn("⚠️ Scheduler stop timeout, leases will expire on their own")
	}
}

// LastLoopAt returns the wall clock of the latest tick, for health probes.
func (s *Scheduler) LastLoopAt() time.Time {
	s.loopMu.RLock()
	defer s.loopMu.RUnlock()

	return s.lastLoopAt
}

// TriggerToken runs one token immediately, bypassing the cadence gate. The
// HTTP collaborator's trigger and goal endpoints use it; it runs async so
// handlers return fast.
func (s *Scheduler) TriggerToken(tokenID int64) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("triggered cycle panicked",
					zap.Int64("token_id", tokenID),
					zap.Any("panic", r),
				)
			}
		}()
		s.runSingleToken(ctx, tokenID, true)
	}()
}

// ResetBlockedCounter clears the consecutive-block count. The HTTP
// collaborator calls it when a new goal arrives or the autopilot is
// disabled, so a fresh instruction starts with a clean slate.
func (s *Scheduler) ResetBlockedCounter(tokenID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blockedCounts, tokenID)
}

func (s *Scheduler) bumpBlocked(tokenID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blockedCounts[tokenID]++
	return s.blockedCounts[tokenID]
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		sleep := s.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one dispatch round and returns the adaptive sleep before the
// next one.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	s.loopMu.Lock()
	s.lastLoopAt = time.Now().UTC()
	s.loopMu.Unlock()

	ids, err := s.store.ListSchedulableTokenIDs(ctx)
	if err != nil {
		return s.tickFailed(err)
	}

	if len(ids) > 0 {
		s.dispatch(ctx, ids)
	}
	s.consecutiveErrors = 0

	earliest, err := s.store.GetEarliestNextCheckAt(ctx)
	if err != nil {
		logger.Warn("failed to read earliest next check", zap.Error(err))
		return s.cfg.PollInterval()
	}

	return adaptiveSleep(s.cfg.PollInterval(), earliest, time.Now())
}

func (s *Scheduler) tickFailed(err error) time.Duration {
	s.consecutiveErrors++
	logger.Error("tick failed",
		zap.Int("consecutive_errors", s.consecutiveErrors),
		zap.Error(err),
	)

	if s.consecutiveErrors >= s.cfg.MaxRetries {
		logger.Warn("⚠️ Too many consecutive tick failures, backing off",
			zap.Int("consecutive_errors", s.consecutiveErrors),
			zap.Duration("sleep", tickErrorSleep),
		)
		s.consecutiveErrors = 0
		return tickErrorSleep
	}

	return s.cfg.PollInterval()
}

// dispatch fans the batch through the bounded worker pool. All-settled: a
// failing or panicking token never takes down the rest of the batch.
func (s *Scheduler) dispatch(ctx context.Context, ids []int64) {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, tokenID := range ids {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("token cycle panicked",
						zap.Int64("token_id", id),
						zap.Any("panic", r),
					)
				}
			}()
			s.runSingleToken(ctx, id, false)
		}(tokenID)
	}

	wg.Wait()
}

// adaptiveSleep keeps idle CPU near zero while honouring short cadences:
// min(pollInterval, max(LoopFloorMs, earliest-now)). No earliest means a
// full poll interval.
func adaptiveSleep(pollInterval time.Duration, earliest *time.Time, now time.Time) time.Duration {
	if earliest == nil {
		return pollInterval
	}

	until := earliest.Sub(now)
	if floor := time.Duration(LoopFloorMs) * time.Millisecond; until < floor {
		until = floor
	}
	if until > pollInterval {
		return pollInterval
	}

	return until
}

// blockedBackoffMs is the exponential ladder: base doubled per extra block,
// capped at MaxBackoffMs.
func blockedBackoffMs(baseMs int64, count int) int64 {
	ms := baseMs
	for i := 1; i < count; i++ {
		ms *= 2
		if ms >= MaxBackoffMs {
			return MaxBackoffMs
		}
	}
	if ms > MaxBackoffMs {
		return MaxBackoffMs
	}

	return ms
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// Worker is one background loop body: the signal sync, the metrics flusher.
type Worker interface {
	// Name returns worker name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// Periodic wraps a Worker with ticker-driven execution. An iteration that
// errors or panics is logged and the loop keeps going; only context
// cancellation stops it.
type Periodic struct {
	worker   Worker
	interval time.Duration
	wg       sync.WaitGroup
	name     string
}

// NewPeriodic creates a periodic runner for the worker.
func NewPeriodic(worker Worker, interval time.Duration) *Periodic {
	return &Periodic{
		worker:   worker,
		interval: interval,
		name:     worker.Name(),
	}
}

// Start launches the loop. The first iteration runs immediately.
func (p *Periodic) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop waits for the loop to exit, up to timeout.
func (p *Periodic) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("✅ worker stopped",
			zap.String("worker", p.name),
		)
	case <-time.After(timeout):
		logger.Warn("⚠️ worker stop timeout",
			zap.String("worker", p.name),
		)
	}
}

func (p *Periodic) loop(ctx context.Context) {
	defer p.wg.Done()

	logger.Info("🚀 worker started",
		zap.String("worker", p.name),
		zap.Duration("interval", p.interval),
	)

	p.runOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 worker stopping",
				zap.String("worker", p.name),
			)
			return

		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker iteration panicked",
				zap.String("worker", p.name),
				zap.String("panic", fmt.Sprintf("%v", r)),
			)
		}
	}()

	if err := p.worker.Run(ctx); err != nil {
		logger.Error("worker iteration failed",
			zap.String("worker", p.name),
			zap.Error(err),
		)
	}
}

// Group manages a set of periodic workers sharing one cancellation scope.
type Group struct {
	workers []*Periodic
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewGroup creates a worker group under ctx.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a worker with its interval.
func (g *Group) Add(worker Worker, interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, NewPeriodic(worker, interval))
}

// Start starts all registered workers.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		w.Start(g.ctx)
	}

	logger.Info("🚀 worker group started",
		zap.Int("workers", len(g.workers)),
	)
}

// Stop cancels the group and waits for every worker, each up to timeout.
func (g *Group) Stop(timeout time.Duration) {
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		w.Stop(timeout)
	}

	logger.Info("✅ worker group stopped")
}

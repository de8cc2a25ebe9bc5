package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/actions"
	"github.com/selivandex/autopilot-runner/internal/adapters/chain"
	"github.com/selivandex/autopilot-runner/internal/adapters/clickhouse"
	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/internal/adapters/database"
	"github.com/selivandex/autopilot-runner/internal/adapters/llm"
	redisAdapter "github.com/selivandex/autopilot-runner/internal/adapters/redis"
	"github.com/selivandex/autopilot-runner/internal/adapters/telegram"
	"github.com/selivandex/autopilot-runner/internal/agent"
	"github.com/selivandex/autopilot-runner/internal/brain"
	"github.com/selivandex/autopilot-runner/internal/guardrails"
	"github.com/selivandex/autopilot-runner/internal/health"
	"github.com/selivandex/autopilot-runner/internal/scheduler"
	"github.com/selivandex/autopilot-runner/internal/server"
	"github.com/selivandex/autopilot-runner/internal/signals"
	"github.com/selivandex/autopilot-runner/internal/store"
	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/metrics"
	"github.com/selivandex/autopilot-runner/pkg/worker"
)

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	// Run application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load configuration and initialize logger
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("🚀 Autopilot runner starting...",
		zap.Int64("chain_id", cfg.Chain.ChainID),
	)

	// Initialize core infrastructure
	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis is optional: without it signal sync runs unguarded and USD
	// quotes are fetched on every sync.
	redisClient := initRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// ClickHouse is optional: cycle metrics are dropped without it.
	metricsBuf := initMetrics(cfg)

	chainClient, err := chain.New(cfg.Chain)
	if err != nil {
		return fmt.Errorf("failed to connect to chain: %w", err)
	}
	defer chainClient.Close()

	st := store.New(db, cfg.Chain.ChainID, cfg.Scheduler.MaxRunRecords)

	// Initialize agent system (brains, actions, guardrails)
	manager, err := initAgentSystem(cfg, st, chainClient, metricsBuf)
	if err != nil {
		return err
	}

	// Run feed hub connects the scheduler to websocket clients and the
	// Telegram notifier.
	hub := server.NewHub()

	sched := scheduler.New(cfg.Scheduler, st, chainClient, manager, hub, metricsBuf, cfg.Signals.NativePair)
	sched.Start(ctx)

	signalSync := startSignalSync(ctx, cfg, st, redisClient)

	notifier := startNotifier(ctx, cfg, hub)

	apiServer := startAPIServer(cfg, st, chainClient, sched, manager, hub)

	healthServer := startHealthServer(cfg, db, redisClient, sched, manager)

	// Wait for shutdown signal
	<-ctx.Done()

	return performGracefulShutdown(&components{
		health:     healthServer,
		scheduler:  sched,
		agents:     manager,
		signalSync: signalSync,
		api:        apiServer,
		notifier:   notifier,
		metricsBuf: metricsBuf,
		chain:      chainClient,
		redis:      redisClient,
		db:         db,
	})
}

// components holds everything performGracefulShutdown has to stop.
type components struct {
	health     *health.Server
	scheduler  *scheduler.Scheduler
	agents     *agent.Manager
	signalSync *worker.Periodic // can be nil
	api        *server.Server
	notifier   *telegram.Notifier // can be nil
	metricsBuf metrics.Buffer     // can be nil
	chain      *chain.Client
	redis      *redisAdapter.Client // can be nil
	db         *database.DB
}

// initConfig loads configuration and initializes logger
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

// initDatabase connects to PostgreSQL and runs migrations
func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db.Conn(), cfg.Database.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("database connection established (sqlx)",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name),
	)

	return db, nil
}

// initRedis connects Redis when a host is configured. Failure is not fatal,
// the scheduler's mutual exclusion lives in the database lease.
func initRedis(cfg *config.Config) *redisAdapter.Client {
	if !cfg.Redis.Enabled() {
		logger.Info("redis disabled (no host configured)")
		return nil
	}

	redisClient, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		logger.Warn("⚠️ Redis not available, continuing without it", zap.Error(err))
		return nil
	}

	return redisClient
}

// initMetrics connects ClickHouse and wraps it in a buffered writer
func initMetrics(cfg *config.Config) metrics.Buffer {
	if !cfg.ClickHouse.Enabled {
		return nil
	}

	repo, err := clickhouse.New(&cfg.ClickHouse)
	if err != nil {
		logger.Warn("⚠️ ClickHouse not available, cycle metrics disabled", zap.Error(err))
		return nil
	}

	return metrics.NewBufferedMetrics(metrics.BufferConfig{
		Writer:        repo,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	})
}

// initAgentSystem wires the brain factory, action registry and guardrails
// into the agent manager
func initAgentSystem(cfg *config.Config, st *store.Store, chainClient *chain.Client, metricsBuf metrics.Buffer) (*agent.Manager, error) {
	tmpl, err := brain.DefaultTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}

	llmClient := llm.New(cfg.LLM)
	if llmClient.Enabled() {
		logger.Info("🧠 LLM client initialized", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Warn("⚠️ LLM API key not set - llm-backed agents cannot start")
	}

	env := actions.Env{
		ChainID:       cfg.Chain.ChainID,
		RouterAddress: cfg.Chain.RouterAddress,
		WrappedNative: cfg.Chain.WrappedNative,
		Stablecoins:   cfg.Chain.Stablecoins,
	}

	factory := brain.NewFactory(brain.Deps{
		LLM:       llmClient,
		Chain:     chainClient,
		Env:       env,
		Templates: tmpl,
		Metrics:   metricsBuf,
	})

	registry := actions.NewRegistry(env, st)
	guards := guardrails.New(st)

	manager := agent.NewManager(factory, chainClient, st, registry, guards, cfg.Scheduler.AgentTypeOverrides)

	logger.Info("🤖 Agent system initialized",
		zap.Strings("brains", factory.Blueprints()),
		zap.Int("actions", len(registry.List())),
	)

	return manager, nil
}

// startSignalSync starts the periodic market signal worker. Returns nil when
// signals are disabled or the exchange client cannot start.
func startSignalSync(ctx context.Context, cfg *config.Config, st *store.Store, redisClient *redisAdapter.Client) *worker.Periodic {
	if !cfg.Signals.Enabled {
		logger.Info("signal sync disabled")
		return nil
	}

	src, err := newTickerSource(cfg.Signals.Exchange)
	if err != nil {
		logger.Warn("⚠️ exchange unavailable, signal sync disabled", zap.Error(err))
		return nil
	}

	var cache signals.QuoteCache
	var leader signals.Leader
	if redisClient != nil {
		cache = redisClient
		leader = redisClient.NewLeaderLock("signals:sync:leader", cfg.Signals.SyncInterval)
	}

	pricer := signals.NewCoinGecko(cfg.Signals.NativeCoinID, cache)

	w := signals.NewWorker(st, src, pricer, leader, cfg.Signals.Pairs, cfg.Signals.NativePair)
	periodic := worker.NewPeriodic(w, cfg.Signals.SyncInterval)
	periodic.Start(ctx)

	logger.Info("✅ signal sync started",
		zap.String("exchange", cfg.Signals.Exchange),
		zap.Strings("pairs", cfg.Signals.Pairs),
		zap.Duration("interval", cfg.Signals.SyncInterval),
	)

	return periodic
}

// newTickerSource builds the exchange client for signal sync
func newTickerSource(name string) (signals.TickerSource, error) {
	switch name {
	case "binance":
		return signals.NewBinanceSource()
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// startNotifier starts the Telegram notifier when configured
func startNotifier(ctx context.Context, cfg *config.Config, hub *server.Hub) *telegram.Notifier {
	if !cfg.Telegram.Enabled {
		return nil
	}

	notifier, err := telegram.NewNotifier(&cfg.Telegram, hub)
	if err != nil {
		logger.Warn("failed to initialize telegram notifier", zap.Error(err))
		return nil
	}

	notifier.Start(ctx)
	logger.Info("📱 Telegram notifier started")

	return notifier
}

// startAPIServer starts the control-plane HTTP API
func startAPIServer(cfg *config.Config, st *store.Store, chainClient *chain.Client, sched *scheduler.Scheduler, manager *agent.Manager, hub *server.Hub) *server.Server {
	apiServer := server.New(cfg.Server.APIPort, st, chainClient, sched, manager, hub)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	return apiServer
}

// startHealthServer starts the K8s probe listener and marks the service ready
func startHealthServer(cfg *config.Config, db *database.DB, redisClient *redisAdapter.Client, sched *scheduler.Scheduler, manager *agent.Manager) *health.Server {
	// A nil *redisAdapter.Client must stay a nil interface so the redis
	// check is skipped instead of dereferencing a nil pointer.
	var pinger health.Pinger
	if redisClient != nil {
		pinger = redisClient
	}

	healthServer := health.NewServer(cfg.Server.HealthPort, db, pinger, sched, manager, cfg.Scheduler.PollInterval())

	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("🤖 Autopilot runner ready",
		zap.String("api_port", cfg.Server.APIPort),
		zap.String("health_port", cfg.Server.HealthPort),
	)

	// Mark service as ready after initialization
	healthServer.SetReady(true)

	return healthServer
}

// performGracefulShutdown handles graceful shutdown of all components
func performGracefulShutdown(c *components) error {
	logger.Info("🛑 Shutdown signal received, starting graceful shutdown...")

	// Mark service as not ready (stop accepting new traffic)
	c.health.SetReady(false)

	// Create shutdown context with timeout (K8s gives 30s terminationGracePeriodSeconds)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	// Scheduler first so no new runs start while everything else winds down
	logger.Info("stopping scheduler...")
	c.scheduler.Stop(15 * time.Second)

	logger.Info("stopping agents...")
	c.agents.StopAll()

	if c.signalSync != nil {
		logger.Info("stopping signal sync...")
		c.signalSync.Stop(5 * time.Second)
	}

	// Closing the API server also closes the run feed hub, which releases
	// the notifier subscription.
	logger.Info("stopping api server...")
	if err := c.api.Stop(shutdownCtx); err != nil {
		logger.Error("api server stop error", zap.Error(err))
	}

	if c.notifier != nil {
		logger.Info("stopping telegram notifier...")
		c.notifier.Stop()
	}

	if c.metricsBuf != nil {
		logger.Info("flushing metrics...")
		if err := c.metricsBuf.Close(shutdownCtx); err != nil {
			logger.Error("metrics flush error", zap.Error(err))
		}
	}

	c.chain.Close()

	if c.redis != nil {
		logger.Info("closing redis connection...")
		if err := c.redis.Close(); err != nil {
			logger.Error("redis close error", zap.Error(err))
		}
	}

	logger.Info("closing database connection...")
	if err := c.db.Close(); err != nil {
		logger.Error("database close error", zap.Error(err))
	}

	logger.Info("stopping health server...")
	if err := c.health.Stop(shutdownCtx); err != nil {
		logger.Error("health server stop error", zap.Error(err))
	}

	// Sync logger
	logger.Sync()

	// Check if shutdown completed in time
	select {
	case <-shutdownCtx.Done():
		logger.Warn("⚠️ shutdown timeout exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("✅ shutdown completed successfully")
	}

	return nil
}

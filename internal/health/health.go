// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/database"
	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// Heartbeat exposes the scheduler's last completed loop.
type Heartbeat interface {
	LastLoopAt() time.Time
}

// AgentCounter reports how many agents are cached.
type AgentCounter interface {
	Count() int
}

// Pinger checks an optional dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// staleFactor scales the poll interval into the heartbeat staleness bound.
const staleFactor = 5

// Server provides health check HTTP endpoints for K8s.
type Server struct {
	server       *http.Server
	db           *database.DB
	redis        Pinger       // can be nil
	scheduler    Heartbeat    // can be nil
	agents       AgentCounter // can be nil
	pollInterval time.Duration
	ready        bool
	readyMu      sync.RWMutex
	startTime    time.Time
}

// HealthStatus represents system health.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessStatus represents system readiness.
type ReadinessStatus struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Agents    AgentsStatus      `json:"agents"`
}

// AgentsStatus shows agent stats.
type AgentsStatus struct {
	Cached int `json:"cached"`
}

// NewServer creates the health check server. redis, scheduler and agents
// may each be nil, their checks are skipped.
func NewServer(
	port string,
	db *database.DB,
	redis Pinger,
	scheduler Heartbeat,
	agents AgentCounter,
	pollInterval time.Duration,
) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         ":" + port,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		db:           db,
		redis:        redis,
		scheduler:    scheduler,
		agents:       agents,
		pollInterval: pollInterval,
		ready:        false,
		startTime:    time.Now(),
	}

	// Health endpoints for K8s probes only
	mux.HandleFunc("/health", s.handleHealth)    // Liveness probe
	mux.HandleFunc("/ready", s.handleReadiness)  // Readiness probe
	mux.HandleFunc("/healthz", s.handleHealth)   // Alias
	mux.HandleFunc("/readyz", s.handleReadiness) // Alias

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	logger.Info("health check server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping health check server...")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready.
func (s *Server) SetReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready

	if ready {
		logger.Info("✅ service marked as READY")
	} else {
		logger.Warn("⚠️ service marked as NOT READY")
	}
}

// handleHealth handles the liveness probe. Returns 200 while the process is
// alive, even if dependencies are down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		status.Checks = s.runChecks(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// handleReadiness handles the readiness probe. Returns 200 only when startup
// finished, the database answers, redis answers (when configured) and the
// scheduler heartbeat is fresh.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.readyMu.RLock()
	ready := s.ready
	s.readyMu.RUnlock()

	checks := s.runChecks(r.Context())
	allHealthy := true
	for _, v := range checks {
		if v != "healthy" && v != "starting" {
			allHealthy = false
			break
		}
	}

	agentsStatus := AgentsStatus{}
	if s.agents != nil {
		agentsStatus.Cached = s.agents.Count()
	}

	isReady := ready && allHealthy

	status := ReadinessStatus{
		Ready:     isReady,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Agents:    agentsStatus,
	}

	w.Header().Set("Content-Type", "application/json")

	if isReady {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

func (s *Server) runChecks(ctx context.Context) map[string]string {
	checks := make(map[string]string)

	if err := s.db.Health(); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
	} else {
		checks["database"] = "healthy"
	}

	if s.redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.redis.Ping(pingCtx); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
		cancel()
	}

	if s.scheduler != nil {
		checks["scheduler"] = s.heartbeatCheck()
	}

	return checks
}

// heartbeatCheck flags a scheduler whose loop has not completed within
// staleFactor poll intervals. A zero heartbeat means the first loop has not
// finished yet.
func (s *Server) heartbeatCheck() string {
	last := s.scheduler.LastLoopAt()
	if last.IsZero() {
		return "starting"
	}

	age := time.Since(last)
	if bound := staleFactor * s.pollInterval; age > bound {
		return fmt.Sprintf("unhealthy: last loop %s ago (bound %s)", age.Round(time.Second), bound)
	}

	return "healthy"
}

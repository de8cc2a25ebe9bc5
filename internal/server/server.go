package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence slice the control plane reads and writes.
type Store interface {
	UpsertEnabled(ctx context.Context, input *models.EnableAutopilotInput) error
	Disable(ctx context.Context, tokenID int64, reason string, txHash *string) error
	GetAutopilot(ctx context.Context, tokenID int64) (*models.Autopilot, error)
	ListAutopilots(ctx context.Context) ([]models.Autopilot, error)
	UpsertStrategy(ctx context.Context, strat *models.Strategy) error
	SetTradingGoal(ctx context.Context, tokenID int64, goal string) error
	ClearTradingGoal(ctx context.Context, tokenID int64) error
	UpsertGoal(ctx context.Context, tokenID int64, goalID, goal string) error
	ListRuns(ctx context.Context, tokenID int64, limit int) ([]models.RunRecord, error)
	ListMemory(ctx context.Context, tokenID int64, limit int) ([]models.MemoryEntry, error)
	ListSignals(ctx context.Context) ([]models.MarketSignal, error)
}

// Chain is the registry write surface behind enable and disable.
type Chain interface {
	EnableOperatorWithPermit(ctx context.Context, in *models.EnableAutopilotInput) (*models.ExecResult, error)
	ClearOperator(ctx context.Context, tokenID int64) (*models.ExecResult, error)
}

// Control is the scheduler surface handlers poke: immediate cycles and
// blocked-counter resets on instruction changes.
type Control interface {
	TriggerToken(tokenID int64)
	ResetBlockedCounter(tokenID int64)
}

// AgentStopper drops a cached agent so the next cycle rebuilds it from fresh
// strategy state.
type AgentStopper interface {
	Stop(tokenID int64, reason string)
}

// Server is the JSON control plane plus the websocket run feed.
type Server struct {
	srv     *http.Server
	store   Store
	chain   Chain
	control Control
	agents  AgentStopper
	hub     *Hub
}

// New wires the router. hub may be nil, which disables the websocket feed.
func New(port string, store Store, chain Chain, control Control, agents AgentStopper, hub *Hub) *Server {
	s := &Server{
		store:   store,
		chain:   chain,
		control: control,
		agents:  agents,
		hub:     hub,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/autopilot/enable", s.handleEnable).Methods(http.MethodPost)
	api.HandleFunc("/autopilot/disable", s.handleDisable).Methods(http.MethodPost)
	api.HandleFunc("/autopilot/{tokenId:[0-9]+}", s.handleGetAutopilot).Methods(http.MethodGet)
	api.HandleFunc("/autopilots", s.handleListAutopilots).Methods(http.MethodGet)
	api.HandleFunc("/strategy/{tokenId:[0-9]+}", s.handleUpsertStrategy).Methods(http.MethodPut)
	api.HandleFunc("/strategy/{tokenId:[0-9]+}/goal", s.handleSetGoal).Methods(http.MethodPost)
	api.HandleFunc("/strategy/{tokenId:[0-9]+}/goal", s.handleClearGoal).Methods(http.MethodDelete)
	api.HandleFunc("/tokens/{tokenId:[0-9]+}/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{tokenId:[0-9]+}/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{tokenId:[0-9]+}/memory", s.handleMemory).Methods(http.MethodGet)
	api.HandleFunc("/signals", s.handleSignals).Methods(http.MethodGet)
	r.HandleFunc("/ws/runs", s.handleRunsFeed)

	s.srv = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start serves until Stop. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	logger.Info("🚀 API server starting", zap.String("addr", s.srv.Addr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Stop drains in-flight requests and closes the hub so websocket clients
// disconnect cleanly.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping API server...")
	if s.hub != nil {
		s.hub.Close()
	}
	return s.srv.Shutdown(ctx)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{OK: false, Error: message})
}

func pathTokenID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["tokenId"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid token id: %q", raw)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// handleEnable submits the operator permit on-chain, then flips the local
// enablement record.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var in models.EnableAutopilotInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.TokenID <= 0 || in.Operator == "" || in.Sig == "" {
		writeError(w, http.StatusBadRequest, "token_id, operator and sig are required")
		return
	}

	exec, err := s.chain.EnableOperatorWithPermit(r.Context(), &in)
	if err != nil {
		logger.Error("failed to enable operator",
			zap.Int64("token_id", in.TokenID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if err := s.store.UpsertEnabled(r.Context(), &in); err != nil {
		logger.Error("failed to persist enablement",
			zap.Int64("token_id", in.TokenID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("✅ Autopilot enabled",
		zap.Int64("token_id", in.TokenID),
		zap.String("tx_hash", exec.Hash),
	)
	writeOK(w, map[string]interface{}{"tokenId": in.TokenID, "txHash": exec.Hash})
}

// handleDisable turns the autopilot off: optional operator clear on-chain,
// then the local record, the cached agent and the blocked counter.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TokenID       int64  `json:"token_id"`
		Reason        string `json:"reason"`
		ClearOperator bool   `json:"clear_operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.TokenID <= 0 {
		writeError(w, http.StatusBadRequest, "token_id is required")
		return
	}
	if in.Reason == "" {
		in.Reason = "disabled via api"
	}

	var txHash *string
	if in.ClearOperator {
		exec, err := s.chain.ClearOperator(r.Context(), in.TokenID)
		if err != nil {
			logger.Error("failed to clear operator",
				zap.Int64("token_id", in.TokenID),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		txHash = models.StringPtr(exec.Hash)
	}

	if err := s.store.Disable(r.Context(), in.TokenID, in.Reason, txHash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.agents.Stop(in.TokenID, "autopilot disabled")
	s.control.ResetBlockedCounter(in.TokenID)

	logger.Info("🛑 Autopilot disabled",
		zap.Int64("token_id", in.TokenID),
		zap.String("reason", in.Reason),
	)
	writeOK(w, map[string]interface{}{"tokenId": in.TokenID})
}

func (s *Server) handleGetAutopilot(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ap, err := s.store.GetAutopilot(r.Context(), tokenID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ap == nil {
		writeError(w, http.StatusNotFound, "autopilot not found")
		return
	}

	writeOK(w, ap)
}

func (s *Server) handleListAutopilots(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListAutopilots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, list)
}

// handleUpsertStrategy replaces the strategy row. The cached agent is
// dropped so the next cycle rebuilds against the new row.
func (s *Server) handleUpsertStrategy(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var strat models.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	strat.TokenID = tokenID
	if strat.StrategyType == "" {
		writeError(w, http.StatusBadRequest, "strategy_type is required")
		return
	}

	if err := s.store.UpsertStrategy(r.Context(), &strat); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.agents.Stop(tokenID, "strategy updated")
	s.control.ResetBlockedCounter(tokenID)

	logger.Info("🔧 Strategy updated",
		zap.Int64("token_id", tokenID),
		zap.String("strategy_type", strat.StrategyType),
	)
	writeOK(w, map[string]interface{}{"tokenId": tokenID})
}

// handleSetGoal stores a new trading goal, records it in memory under a
// fresh goal id and triggers an immediate cycle.
func (s *Server) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var in struct {
		Goal string `json:"goal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	if err := s.store.SetTradingGoal(r.Context(), tokenID, in.Goal); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	goalID := uuid.NewString()
	if err := s.store.UpsertGoal(r.Context(), tokenID, goalID, in.Goal); err != nil {
		logger.Error("failed to record goal memory",
			zap.Int64("token_id", tokenID),
			zap.Error(err),
		)
	}

	s.control.ResetBlockedCounter(tokenID)
	s.control.TriggerToken(tokenID)

	logger.Info("🧠 Trading goal set",
		zap.Int64("token_id", tokenID),
		zap.String("goal_id", goalID),
	)
	writeOK(w, map[string]interface{}{"tokenId": tokenID, "goalId": goalID})
}

// handleClearGoal drops the goal and retires the agent back to standby.
func (s *Server) handleClearGoal(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.ClearTradingGoal(r.Context(), tokenID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.agents.Stop(tokenID, "goal cleared via api")
	s.control.ResetBlockedCounter(tokenID)

	writeOK(w, map[string]interface{}{"tokenId": tokenID})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.control.TriggerToken(tokenID)

	writeOK(w, map[string]interface{}{"tokenId": tokenID, "triggered": true})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.store.ListRuns(r.Context(), tokenID, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, runs)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	tokenID, err := pathTokenID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.store.ListMemory(r.Context(), tokenID, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, entries)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.store.ListSignals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeOK(w, signals)
}

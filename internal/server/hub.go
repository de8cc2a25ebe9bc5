// Package server is the HTTP control plane: a gorilla/mux JSON API for
// enabling autopilots, editing strategies and goals, triggering cycles and
// reading history, plus a websocket feed of live run events.
package server

import (
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
	"github.com/selivandex/autopilot-runner/pkg/models"
)

// RunEvent is one hub message: a run row the scheduler just recorded.
type RunEvent struct {
	Type string            `json:"type"`
	Run  *models.RunRecord `json:"run"`
}

// Hub fans run events out to subscribers (websocket clients, the telegram
// notifier). Publishing never blocks: a subscriber that cannot keep up has
// events dropped rather than stalling the scheduler.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]chan RunEvent
	nextID int64
	closed bool
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]chan RunEvent)}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its id plus the event channel. The channel is closed by
// Unsubscribe or Close.
func (h *Hub) Subscribe(buffer int) (int64, <-chan RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan RunEvent, buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// PublishRun implements the scheduler's run publisher contract.
func (h *Hub) PublishRun(run *models.RunRecord) {
	ev := RunEvent{Type: "run", Run: run}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Debug("run event dropped, slow subscriber",
				zap.Int64("subscriber", id),
				zap.Int64("token_id", run.TokenID),
			)
		}
	}
}

// Close shuts the hub down: all subscriber channels are closed and further
// subscriptions come back already closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

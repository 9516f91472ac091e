// Package events fans job lifecycle events out to websocket
// subscribers, so dashboards see assignment and completion progress
// without polling the job API.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Type enumerates the published event kinds.
type Type string

const (
	TypeSubtaskAssigned  Type = "subtask_assigned"
	TypeSubtaskCompleted Type = "subtask_completed"
	TypeSubtaskRequeued  Type = "subtask_requeued"
	TypeJobCompleted     Type = "job_completed"
	TypeJobFailed        Type = "job_failed"
)

// Event is one job lifecycle notification.
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	SubtaskID string    `json:"subtask_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// Hub distributes events to subscribers. Slow subscribers drop events
// rather than blocking publishers: the hub must never back-pressure the
// scheduler.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
	logger *zap.Logger
}

// NewHub creates an event hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[chan Event]struct{}),
		logger: logger.With(zap.String("component", "events")),
	}
}

// Publish sends the event to every subscriber, stamping the time.
func (h *Hub) Publish(ev Event) {
	ev.Timestamp = time.Now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// subscriber too slow, drop
		}
	}
}

// Subscribe registers a new subscriber channel. The returned cancel
// func must be called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Close shuts the hub down and disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the connection to a websocket and streams events
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ch, cancel := h.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

// Package liveness derives agent online/offline state from heartbeat
// timestamps. There is no push channel: an agent is alive only while it
// keeps polling, and a silent agent simply ages out of the online view.
// Absence of a heartbeat has no side effects on the agent's in-flight
// subtask.
package liveness

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/model"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/types"
)

// DefaultWindow is the liveness window: agents silent for longer are
// considered offline.
const DefaultWindow = 5 * time.Minute

// Tracker records heartbeats and lists the agents currently online.
type Tracker interface {
	// Beat updates the agent's last-heartbeat to now and stores the
	// agent-asserted status verbatim.
	Beat(ctx context.Context, agentID string, status types.AgentStatus) error
	// Online returns the agents whose last heartbeat is within the window.
	Online(ctx context.Context, window time.Duration) ([]model.Agent, error)
}

// =============================================================================
// Database-backed tracker (default)
// =============================================================================

// DBTracker derives liveness from the agents table.
type DBTracker struct {
	store *store.Store
}

// NewDBTracker creates a tracker backed by the relational store.
func NewDBTracker(st *store.Store) *DBTracker {
	return &DBTracker{store: st}
}

// Beat implements Tracker.
func (t *DBTracker) Beat(ctx context.Context, agentID string, status types.AgentStatus) error {
	if !status.Valid() {
		return types.NewErrorf(types.ErrInvalidRequest, "unknown agent status %q", status)
	}
	return t.store.TouchAgent(ctx, agentID, status)
}

// Online implements Tracker.
func (t *DBTracker) Online(ctx context.Context, window time.Duration) ([]model.Agent, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	return t.store.ListAgentsHeartbeatedSince(ctx, time.Now().UTC().Add(-window))
}

// =============================================================================
// Redis-backed tracker (distributed deployments)
// =============================================================================

// RedisTracker keeps heartbeats in Redis with a TTL equal to the
// liveness window, so expiry does the aging-out. The relational store
// remains authoritative for agent identity; Redis only answers "who is
// online right now" without touching the database on every poll.
type RedisTracker struct {
	client    *redis.Client
	store     *store.Store
	keyPrefix string
	window    time.Duration
	logger    *zap.Logger
}

// NewRedisTracker creates a Redis-backed tracker.
func NewRedisTracker(client *redis.Client, st *store.Store, window time.Duration, logger *zap.Logger) *RedisTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisTracker{
		client:    client,
		store:     st,
		keyPrefix: "gridx:hb:",
		window:    window,
		logger:    logger.With(zap.String("component", "liveness")),
	}
}

func (t *RedisTracker) key(agentID string) string {
	return t.keyPrefix + agentID
}

// Beat implements Tracker. The database row is updated too so the
// online view survives a Redis flush.
func (t *RedisTracker) Beat(ctx context.Context, agentID string, status types.AgentStatus) error {
	if !status.Valid() {
		return types.NewErrorf(types.ErrInvalidRequest, "unknown agent status %q", status)
	}
	if err := t.store.TouchAgent(ctx, agentID, status); err != nil {
		return err
	}
	if err := t.client.Set(ctx, t.key(agentID), string(status), t.window).Err(); err != nil {
		// Redis is an accelerator here, not the source of truth.
		t.logger.Warn("heartbeat cache write failed",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	return nil
}

// Online implements Tracker, answering from the unexpired Redis keys.
func (t *RedisTracker) Online(ctx context.Context, window time.Duration) ([]model.Agent, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := t.client.Scan(ctx, cursor, t.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, types.NewError(types.ErrServiceUnavailable, "scan heartbeats").WithCause(err)
		}
		for _, k := range keys {
			ids = append(ids, k[len(t.keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	agents := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := t.store.GetAgent(ctx, id)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				continue // cache entry outlived the row
			}
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, nil
}

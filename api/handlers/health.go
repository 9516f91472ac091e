package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/api"
	"github.com/gridxlabs/gridx/internal/database"
	"github.com/gridxlabs/gridx/internal/liveness"
)

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	pool    *database.PoolManager
	tracker liveness.Tracker
	version string
	logger  *zap.Logger
}

// NewHealthHandler creates the health handler. pool and tracker may be
// nil; the corresponding fields are then omitted.
func NewHealthHandler(pool *database.PoolManager, tracker liveness.Tracker, version string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		pool:    pool,
		tracker: tracker,
		version: version,
		logger:  logger.With(zap.String("component", "health")),
	}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{Status: "ok", Database: "ok", Version: h.version}
	status := http.StatusOK

	if h.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pool.Ping(ctx); err != nil {
			h.logger.Warn("database unreachable", zap.Error(err))
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	if h.tracker != nil && status == http.StatusOK {
		agents, err := h.tracker.Online(r.Context(), liveness.DefaultWindow)
		if err == nil {
			resp.AgentsOnline = len(agents)
		}
	}

	WriteJSON(w, status, resp)
}

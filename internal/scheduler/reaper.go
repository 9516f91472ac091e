package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/events"
	"github.com/gridxlabs/gridx/internal/metrics"
	"github.com/gridxlabs/gridx/internal/store"
)

// Reaper requeues RUNNING subtasks whose agent stopped heartbeating and
// whose lease expired. It only runs when the lease model is enabled in
// the scheduler config.
type Reaper struct {
	store   *store.Store
	hub     *events.Hub
	metrics *metrics.Collector
	config  Config
	logger  *zap.Logger
}

// NewReaper creates a Reaper. hub and collector may be nil.
func NewReaper(st *store.Store, hub *events.Hub, collector *metrics.Collector, config Config, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = DefaultConfig().ReapInterval
	}
	if config.Lease <= 0 {
		config.Lease = DefaultConfig().Lease
	}
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = DefaultConfig().LivenessWindow
	}
	return &Reaper{
		store:   st,
		hub:     hub,
		metrics: collector,
		config:  config,
		logger:  logger.With(zap.String("component", "reaper")),
	}
}

// Run ticks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		zap.Duration("interval", r.config.ReapInterval),
		zap.Duration("lease", r.config.Lease))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				r.logger.Error("reap pass failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce performs a single requeue pass.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	requeued, err := r.store.RequeueExpired(ctx, r.config.Lease, r.config.LivenessWindow)
	if err != nil {
		return err
	}
	if len(requeued) == 0 {
		return nil
	}

	if r.metrics != nil {
		r.metrics.RecordRequeued(len(requeued))
	}
	for _, st := range requeued {
		if r.hub != nil {
			r.hub.Publish(events.Event{
				Type:      events.TypeSubtaskRequeued,
				JobID:     st.JobID,
				SubtaskID: st.ID,
			})
		}
		r.logger.Warn("subtask requeued",
			zap.String("subtask_id", st.ID),
			zap.String("job_id", st.JobID))
	}
	return nil
}

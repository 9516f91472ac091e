package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/liveness"
	"github.com/gridxlabs/gridx/internal/metrics"
	"github.com/gridxlabs/gridx/internal/store"
)

// Monitor periodically samples queue depth and agent liveness and
// publishes them as gauges. Assignment and completion paths stay free
// of counting queries; the gauges trail reality by at most one sample
// interval.
type Monitor struct {
	store   *store.Store
	tracker liveness.Tracker
	metrics *metrics.Collector
	config  Config
	logger  *zap.Logger
}

// NewMonitor creates a Monitor. collector may be nil.
func NewMonitor(st *store.Store, tracker liveness.Tracker, collector *metrics.Collector, config Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = DefaultConfig().SampleInterval
	}
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = DefaultConfig().LivenessWindow
	}
	return &Monitor{
		store:   st,
		tracker: tracker,
		metrics: collector,
		config:  config,
		logger:  logger.With(zap.String("component", "monitor")),
	}
}

// Run ticks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.logger.Info("monitor started",
		zap.Duration("interval", m.config.SampleInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			if _, _, err := m.SampleOnce(ctx); err != nil {
				m.logger.Error("sample pass failed", zap.Error(err))
			}
		}
	}
}

// SampleOnce takes a single reading and updates the gauges. The counts
// are also returned so callers can observe them directly.
func (m *Monitor) SampleOnce(ctx context.Context) (pending int64, online int, err error) {
	pending, err = m.store.CountPendingSubtasks(ctx)
	if err != nil {
		return 0, 0, err
	}
	agents, err := m.tracker.Online(ctx, m.config.LivenessWindow)
	if err != nil {
		return 0, 0, err
	}
	online = len(agents)

	if m.metrics != nil {
		m.metrics.SetPendingSubtasks(float64(pending))
		m.metrics.SetAgentsOnline(float64(online))
	}
	return pending, online, nil
}

// Package scheduler matches idle agents to pending subtasks and drives
// the job-completion check. Selection is FIFO system-wide: the oldest
// PENDING subtask across all jobs, no per-job fairness and no
// capability matching. The claim itself is a single atomic unit inside
// the store; two agents polling concurrently never receive the same
// subtask, and the loser simply sees "no work".
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gridxlabs/gridx/internal/aggregate"
	"github.com/gridxlabs/gridx/internal/events"
	"github.com/gridxlabs/gridx/internal/metrics"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/types"
)

// Assignment carries everything an agent needs to execute one subtask.
type Assignment struct {
	TaskID          string `json:"task_id"`
	JobID           string `json:"job_id"`
	CodeURL         string `json:"code_url"`
	RequirementsURL string `json:"requirements_url"`
	ChunkURL        string `json:"chunk_data_url"`
}

// Config controls the scheduler.
type Config struct {
	// PollRate caps request_task calls per agent per second; PollBurst
	// allows short bursts. Protects the claim transaction from hot
	// pollers.
	PollRate  float64 `yaml:"poll_rate" json:"poll_rate"`
	PollBurst int     `yaml:"poll_burst" json:"poll_burst"`

	// LeaseEnabled turns the reaper on. Off by default: requeuing
	// changes observable behavior versus deployments that expect
	// abandoned subtasks to stay RUNNING until an operator intervenes.
	LeaseEnabled   bool          `yaml:"lease_enabled" json:"lease_enabled"`
	Lease          time.Duration `yaml:"lease" json:"lease"`
	LivenessWindow time.Duration `yaml:"liveness_window" json:"liveness_window"`
	ReapInterval   time.Duration `yaml:"reap_interval" json:"reap_interval"`

	// SampleInterval controls how often the monitor refreshes the
	// pending-subtask and online-agent gauges.
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollRate:       2,
		PollBurst:      5,
		LeaseEnabled:   false,
		Lease:          15 * time.Minute,
		LivenessWindow: 5 * time.Minute,
		ReapInterval:   time.Minute,
		SampleInterval: 15 * time.Second,
	}
}

// Scheduler implements the pull-based assignment protocol.
type Scheduler struct {
	store      *store.Store
	aggregator *aggregate.Engine
	hub        *events.Hub
	metrics    *metrics.Collector
	config     Config
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// aggWG lets tests and shutdown wait for in-flight aggregations.
	aggWG sync.WaitGroup
}

// New creates a Scheduler. hub and collector may be nil.
func New(st *store.Store, agg *aggregate.Engine, hub *events.Hub, collector *metrics.Collector, config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollRate <= 0 {
		config.PollRate = DefaultConfig().PollRate
	}
	if config.PollBurst <= 0 {
		config.PollBurst = DefaultConfig().PollBurst
	}
	return &Scheduler{
		store:      st,
		aggregator: agg,
		hub:        hub,
		metrics:    collector,
		config:     config,
		logger:     logger.With(zap.String("component", "scheduler")),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (s *Scheduler) limiter(agentID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.config.PollRate), s.config.PollBurst)
		s.limiters[agentID] = l
	}
	return l
}

// RequestTask hands the oldest pending subtask to the agent, or nil
// when no work exists. Rate-limited pollers also receive nil rather
// than an error; they poll again anyway.
func (s *Scheduler) RequestTask(ctx context.Context, agentID string) (*Assignment, error) {
	if !s.limiter(agentID).Allow() {
		s.record(s.metrics.RecordAssignment, "empty")
		return nil, nil
	}

	subtask, job, err := s.store.ClaimOldestPending(ctx, agentID)
	if err != nil {
		s.record(s.metrics.RecordAssignment, "error")
		return nil, err
	}
	if subtask == nil {
		s.record(s.metrics.RecordAssignment, "empty")
		return nil, nil
	}

	s.record(s.metrics.RecordAssignment, "assigned")
	s.publish(events.Event{
		Type:      events.TypeSubtaskAssigned,
		JobID:     job.ID,
		SubtaskID: subtask.ID,
		AgentID:   agentID,
	})
	s.logger.Info("subtask assigned",
		zap.String("subtask_id", subtask.ID),
		zap.String("job_id", job.ID),
		zap.String("agent_id", agentID))

	return &Assignment{
		TaskID:          subtask.ID,
		JobID:           job.ID,
		CodeURL:         job.CodeURL,
		RequirementsURL: job.RequirementsURL,
		ChunkURL:        subtask.ChunkURL,
	}, nil
}

// CompleteTask records a terminal report from an agent. When this was
// the job's last outstanding subtask, aggregation is spawned in the
// background. It triggers exactly once: only one completion can observe
// remaining == 0 inside the store transaction.
func (s *Scheduler) CompleteTask(ctx context.Context, agentID, taskID string, resultURL *string) error {
	subtask, err := s.store.GetSubtask(ctx, taskID)
	if err != nil {
		s.record(s.metrics.RecordCompletion, "error")
		return err
	}

	remaining, err := s.store.CompleteSubtask(ctx, agentID, taskID, resultURL)
	if err != nil {
		if types.IsCode(err, types.ErrTaskNotAssigned) {
			s.record(s.metrics.RecordCompletion, "rejected")
		} else {
			s.record(s.metrics.RecordCompletion, "error")
		}
		return err
	}

	s.record(s.metrics.RecordCompletion, "completed")
	s.publish(events.Event{
		Type:      events.TypeSubtaskCompleted,
		JobID:     subtask.JobID,
		SubtaskID: taskID,
		AgentID:   agentID,
	})
	s.logger.Info("subtask completed",
		zap.String("subtask_id", taskID),
		zap.String("job_id", subtask.JobID),
		zap.Int64("remaining", remaining))

	if remaining == 0 {
		s.spawnAggregation(subtask.JobID)
	}
	return nil
}

// spawnAggregation runs the aggregation engine in the background. It
// must not hold anything that blocks RequestTask.
func (s *Scheduler) spawnAggregation(jobID string) {
	s.aggWG.Add(1)
	go func() {
		defer s.aggWG.Done()
		start := time.Now()

		// Detached from the completion request's context: the HTTP call
		// returns immediately while aggregation proceeds.
		err := s.aggregator.Aggregate(context.Background(), jobID)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordAggregation("failed", time.Since(start))
			}
			s.publish(events.Event{Type: events.TypeJobFailed, JobID: jobID})
			return
		}
		if s.metrics != nil {
			s.metrics.RecordAggregation("completed", time.Since(start))
		}
		s.publish(events.Event{Type: events.TypeJobCompleted, JobID: jobID})
	}()
}

// Wait blocks until in-flight aggregations finish. Used on shutdown.
func (s *Scheduler) Wait() {
	s.aggWG.Wait()
}

func (s *Scheduler) publish(ev events.Event) {
	if s.hub != nil {
		s.hub.Publish(ev)
	}
}

func (s *Scheduler) record(fn func(string), outcome string) {
	if s.metrics != nil {
		fn(outcome)
	}
}

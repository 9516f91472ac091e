package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gridxlabs/gridx/internal/model"
	"github.com/gridxlabs/gridx/types"
)

// RegisterOutcome tells a registering agent whether it was created or
// re-linked to an existing row.
type RegisterOutcome string

const (
	RegisterCreated RegisterOutcome = "created"
	RegisterLinked  RegisterOutcome = "linked"
)

// Store wraps a gorm.DB with the named state transitions of the job,
// subtask and agent lifecycles.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Store.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}
}

// Migrate creates or updates the schema for all entities.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Job{}, &model.Subtask{}, &model.Agent{})
}

// DB exposes the underlying handle for health checks and pool tuning.
func (s *Store) DB() *gorm.DB { return s.db }

// =============================================================================
// Job transitions
// =============================================================================

// SubmitJob creates a job in PROCESSING under a fresh ID. The splitter
// flips it to RUNNING once every chunk is uploaded and its subtasks
// exist.
func (s *Store) SubmitJob(ctx context.Context, title, ownerID, codeURL, reqURL, dataURL string) (*model.Job, error) {
	return s.CreateJob(ctx, uuid.NewString(), title, ownerID, codeURL, reqURL, dataURL)
}

// CreateJob creates a job in PROCESSING under a caller-chosen ID. The
// upload path uses this: job files land in blob storage under the job
// ID before the row exists.
func (s *Store) CreateJob(ctx context.Context, id, title, ownerID, codeURL, reqURL, dataURL string) (*model.Job, error) {
	job := &model.Job{
		ID:              id,
		Title:           title,
		Status:          types.JobProcessing,
		CodeURL:         codeURL,
		RequirementsURL: reqURL,
		DataURL:         dataURL,
		OwnerID:         ownerID,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "create job").WithCause(err)
	}
	return job, nil
}

// CreateSubtasks inserts one PENDING subtask per chunk URL and flips the
// job PROCESSING -> RUNNING, all in one transaction. A job that is not
// in PROCESSING is rejected, so a failed split can never leave a half
// schedulable job behind.
func (s *Store) CreateSubtasks(ctx context.Context, jobID string, chunkURLs []string) ([]model.Subtask, error) {
	if len(chunkURLs) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "no chunks to create")
	}

	subtasks := make([]model.Subtask, 0, len(chunkURLs))
	now := time.Now().UTC()
	for i, u := range chunkURLs {
		subtasks = append(subtasks, model.Subtask{
			ID:       uuid.NewString(),
			JobID:    jobID,
			Status:   types.SubtaskPending,
			ChunkURL: u,
			// Preserve chunk order in FIFO scheduling even when the
			// database clock has coarse resolution.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return jobLookupError(jobID, err)
		}
		if !job.Status.CanTransition(types.JobRunning) {
			return types.NewErrorf(types.ErrInvalidTransition,
				"job %s is %s, cannot start running", jobID, job.Status)
		}
		if err := tx.Create(&subtasks).Error; err != nil {
			return types.NewError(types.ErrInternalError, "create subtasks").WithCause(err)
		}
		return tx.Model(&model.Job{}).
			Where("id = ? AND status = ?", jobID, types.JobProcessing).
			Update("status", types.JobRunning).Error
	})
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

// FailJob flips a job to terminal ERROR. Used by the splitter and the
// aggregation engine; flipping an already terminal job is a no-op.
func (s *Store) FailJob(ctx context.Context, jobID string, cause error) error {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status IN ?", jobID, []types.JobStatus{types.JobProcessing, types.JobRunning}).
		Update("status", types.JobError)
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "fail job").WithCause(res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("job failed",
			zap.String("job_id", jobID),
			zap.Error(cause))
	}
	return nil
}

// FinishJob records the final artifact URL and flips the job RUNNING ->
// COMPLETED.
func (s *Store) FinishJob(ctx context.Context, jobID, finalURL string) error {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, types.JobRunning).
		Updates(map[string]any{
			"status":           types.JobCompleted,
			"final_result_url": finalURL,
		})
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "finish job").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrInvalidTransition, "job %s is not running", jobID)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return nil, jobLookupError(jobID, err)
	}
	return &job, nil
}

// ListJobsByOwner returns all jobs belonging to an owner, newest first.
func (s *Store) ListJobsByOwner(ctx context.Context, ownerID string) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list jobs").WithCause(err)
	}
	return jobs, nil
}

// =============================================================================
// Subtask transitions
// =============================================================================

const claimRetries = 2

// ClaimOldestPending atomically assigns the oldest PENDING subtask
// system-wide (FIFO across jobs) to the agent: the subtask flips to
// RUNNING with the agent recorded, and the agent flips to BUSY. Returns
// (nil, nil, nil) when no work is pending. A concurrent claim race is
// resolved by the compare-and-swap on claim_version; the loser retries
// against the next candidate and, if none remains, reports no work.
func (s *Store) ClaimOldestPending(ctx context.Context, agentID string) (*model.Subtask, *model.Job, error) {
	var agent model.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, types.NewErrorf(types.ErrNotFound, "agent %s is not registered", agentID)
		}
		return nil, nil, types.NewError(types.ErrInternalError, "load agent").WithCause(err)
	}

	for attempt := 0; attempt <= claimRetries; attempt++ {
		subtask, job, claimed, err := s.tryClaim(ctx, agentID)
		if err != nil {
			return nil, nil, err
		}
		if subtask == nil {
			return nil, nil, nil // no pending work
		}
		if claimed {
			return subtask, job, nil
		}
		// Lost the race for this row; another agent got there first.
		s.logger.Debug("claim conflict, retrying",
			zap.String("agent_id", agentID),
			zap.String("subtask_id", subtask.ID))
	}
	// Treat exhausted retries as "no work"; the agent polls again anyway.
	return nil, nil, nil
}

func (s *Store) tryClaim(ctx context.Context, agentID string) (*model.Subtask, *model.Job, bool, error) {
	var (
		subtask model.Subtask
		job     model.Job
		claimed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockForUpdate(tx, "SKIP LOCKED").
			Where("status = ?", types.SubtaskPending).
			Order("created_at ASC").
			First(&subtask).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return types.NewError(types.ErrInternalError, "select pending subtask").WithCause(err)
		}

		now := time.Now().UTC()
		res := tx.Model(&model.Subtask{}).
			Where("id = ? AND status = ? AND claim_version = ?",
				subtask.ID, types.SubtaskPending, subtask.ClaimVersion).
			Updates(map[string]any{
				"status":        types.SubtaskRunning,
				"assigned_to":   agentID,
				"assigned_at":   now,
				"claim_version": subtask.ClaimVersion + 1,
			})
		if res.Error != nil {
			return types.NewError(types.ErrInternalError, "claim subtask").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return nil // CAS lost; caller retries
		}

		if err := tx.First(&job, "id = ?", subtask.JobID).Error; err != nil {
			return jobLookupError(subtask.JobID, err)
		}
		if err := tx.Model(&model.Agent{}).
			Where("id = ?", agentID).
			Update("status", types.AgentBusy).Error; err != nil {
			return types.NewError(types.ErrInternalError, "mark agent busy").WithCause(err)
		}

		subtask.Status = types.SubtaskRunning
		subtask.AssignedTo = &agentID
		subtask.AssignedAt = &now
		claimed = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	if subtask.ID == "" {
		return nil, nil, false, nil
	}
	return &subtask, &job, claimed, nil
}

// CompleteSubtask transitions a RUNNING subtask to COMPLETED, frees the
// reporting agent to IDLE, and returns how many sibling subtasks are
// still not COMPLETED. The parent job row is locked for the duration of
// the transaction, so completions of the same job serialize and exactly
// one of them observes remaining == 0 even when the last two subtasks
// finish in the same instant.
func (s *Store) CompleteSubtask(ctx context.Context, agentID, subtaskID string, resultURL *string) (remaining int64, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var subtask model.Subtask
		if err := lockForUpdate(tx, "").
			First(&subtask, "id = ?", subtaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewErrorf(types.ErrNotFound, "subtask %s not found", subtaskID)
			}
			return types.NewError(types.ErrInternalError, "load subtask").WithCause(err)
		}
		if subtask.AssignedTo == nil || *subtask.AssignedTo != agentID {
			return types.NewErrorf(types.ErrTaskNotAssigned,
				"subtask %s is not assigned to agent %s", subtaskID, agentID)
		}
		if !subtask.Status.CanTransition(types.SubtaskCompleted) {
			return types.NewErrorf(types.ErrInvalidTransition,
				"subtask %s is %s, cannot complete", subtaskID, subtask.Status)
		}

		// Lock the parent job row before touching the subtask. Under
		// READ COMMITTED two concurrent completions of the last two
		// siblings would each see the other's uncommitted update as
		// unfinished and both count remaining == 1; holding the job
		// lock forces the second completion to count after the first
		// has committed.
		var job model.Job
		if err := lockForUpdate(tx, "").
			First(&job, "id = ?", subtask.JobID).Error; err != nil {
			return jobLookupError(subtask.JobID, err)
		}

		now := time.Now().UTC()
		if err := tx.Model(&model.Subtask{}).
			Where("id = ?", subtaskID).
			Updates(map[string]any{
				"status":       types.SubtaskCompleted,
				"result_url":   resultURL,
				"completed_at": now,
			}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "complete subtask").WithCause(err)
		}

		if err := tx.Model(&model.Agent{}).
			Where("id = ?", agentID).
			Updates(map[string]any{
				"status":         types.AgentIdle,
				"last_heartbeat": now,
			}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "free agent").WithCause(err)
		}

		return tx.Model(&model.Subtask{}).
			Where("job_id = ? AND status <> ?", subtask.JobID, types.SubtaskCompleted).
			Count(&remaining).Error
	})
	return remaining, err
}

// RequeueExpired flips RUNNING subtasks back to PENDING when their
// assignment is older than the lease and the assigned agent has not
// heartbeated within the liveness window. Returns the requeued rows.
func (s *Store) RequeueExpired(ctx context.Context, lease, livenessWindow time.Duration) ([]model.Subtask, error) {
	now := time.Now().UTC()
	deadline := now.Add(-lease)
	heartbeatCutoff := now.Add(-livenessWindow)

	var requeued []model.Subtask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []model.Subtask
		err := tx.
			Joins("JOIN agents ON agents.id = subtasks.assigned_to").
			Where("subtasks.status = ? AND subtasks.assigned_at < ? AND agents.last_heartbeat < ?",
				types.SubtaskRunning, deadline, heartbeatCutoff).
			Find(&stale).Error
		if err != nil {
			return types.NewError(types.ErrInternalError, "find expired leases").WithCause(err)
		}
		for _, st := range stale {
			res := tx.Model(&model.Subtask{}).
				Where("id = ? AND status = ? AND claim_version = ?",
					st.ID, types.SubtaskRunning, st.ClaimVersion).
				Updates(map[string]any{
					"status":        types.SubtaskPending,
					"assigned_to":   nil,
					"assigned_at":   nil,
					"claim_version": st.ClaimVersion + 1,
				})
			if res.Error != nil {
				return types.NewError(types.ErrInternalError, "requeue subtask").WithCause(res.Error)
			}
			if res.RowsAffected > 0 {
				requeued = append(requeued, st)
			}
		}
		return nil
	})
	return requeued, err
}

// CountPendingSubtasks returns the number of PENDING subtasks across
// all jobs. Feeds the pending-subtask gauge.
func (s *Store) CountPendingSubtasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Subtask{}).
		Where("status = ?", types.SubtaskPending).
		Count(&n).Error
	if err != nil {
		return 0, types.NewError(types.ErrInternalError, "count pending subtasks").WithCause(err)
	}
	return n, nil
}

// GetSubtask returns a subtask by ID.
func (s *Store) GetSubtask(ctx context.Context, subtaskID string) (*model.Subtask, error) {
	var subtask model.Subtask
	if err := s.db.WithContext(ctx).First(&subtask, "id = ?", subtaskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewErrorf(types.ErrNotFound, "subtask %s not found", subtaskID)
		}
		return nil, types.NewError(types.ErrInternalError, "load subtask").WithCause(err)
	}
	return &subtask, nil
}

// ListSubtasks returns all subtasks of a job, oldest first.
func (s *Store) ListSubtasks(ctx context.Context, jobID string) ([]model.Subtask, error) {
	var subtasks []model.Subtask
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&subtasks).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list subtasks").WithCause(err)
	}
	return subtasks, nil
}

// CompletedWithResults returns the COMPLETED subtasks of a job that
// carry a result URL, oldest first. Aggregation input.
func (s *Store) CompletedWithResults(ctx context.Context, jobID string) ([]model.Subtask, error) {
	var subtasks []model.Subtask
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ? AND result_url IS NOT NULL", jobID, types.SubtaskCompleted).
		Order("created_at ASC").
		Find(&subtasks).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list completed subtasks").WithCause(err)
	}
	return subtasks, nil
}

// =============================================================================
// Agent transitions
// =============================================================================

// UpsertAgent registers an agent. Registration is idempotent: a second
// registration with the same ID updates the hardware descriptors and
// flips the agent back to IDLE instead of erroring. The owner link is
// fixed at creation.
func (s *Store) UpsertAgent(ctx context.Context, id, ownerID, gpuModel, ramTotal string) (RegisterOutcome, error) {
	outcome := RegisterCreated
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Agent
		err := tx.First(&existing, "id = ?", id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&model.Agent{
				ID:            id,
				OwnerID:       ownerID,
				Status:        types.AgentIdle,
				GPUModel:      gpuModel,
				RAMTotal:      ramTotal,
				LastHeartbeat: time.Now().UTC(),
			}).Error
		case err != nil:
			return types.NewError(types.ErrInternalError, "load agent").WithCause(err)
		}

		outcome = RegisterLinked
		return tx.Model(&model.Agent{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":         types.AgentIdle,
				"gpu_model":      gpuModel,
				"ram_total":      ramTotal,
				"last_heartbeat": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// TouchAgent records a heartbeat: last_heartbeat moves to now and the
// agent-asserted status is stored verbatim.
func (s *Store) TouchAgent(ctx context.Context, id string, status types.AgentStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         status,
			"last_heartbeat": time.Now().UTC(),
		})
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "heartbeat").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "agent %s is not registered", id)
	}
	return nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewErrorf(types.ErrNotFound, "agent %s is not registered", id)
		}
		return nil, types.NewError(types.ErrInternalError, "load agent").WithCause(err)
	}
	return &agent, nil
}

// ListAgentsHeartbeatedSince returns agents whose last heartbeat is at
// or after the cutoff. The online view per the liveness window.
func (s *Store) ListAgentsHeartbeatedSince(ctx context.Context, cutoff time.Time) ([]model.Agent, error) {
	var agents []model.Agent
	err := s.db.WithContext(ctx).
		Where("last_heartbeat >= ?", cutoff).
		Order("id ASC").
		Find(&agents).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list agents").WithCause(err)
	}
	return agents, nil
}

// lockForUpdate applies a SELECT ... FOR UPDATE clause on databases that
// support row locking. sqlite serializes writers anyway, and the
// claim_version compare-and-swap keeps the claim correct regardless of
// whether the row lock was taken.
func lockForUpdate(tx *gorm.DB, options string) *gorm.DB {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
	}
	return tx
}

func jobLookupError(jobID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewErrorf(types.ErrNotFound, "job %s not found", jobID)
	}
	return types.NewError(types.ErrInternalError, "load job").WithCause(err)
}

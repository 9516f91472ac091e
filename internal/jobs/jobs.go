// Package jobs is the submission-side service: it accepts a training
// job's three files, stores them, creates the job row and kicks off the
// background dataset split. It also answers the owner-facing queries
// for job listings and final results.
package jobs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/blob"
	"github.com/gridxlabs/gridx/internal/model"
	"github.com/gridxlabs/gridx/internal/split"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/types"
)

// Canonical filenames for the job's uploaded inputs.
const (
	CodeFilename = "train.py"
	ReqFilename  = "requirements.txt"
	DataFilename = "data.csv"
)

// Upload carries a job submission.
type Upload struct {
	Title        string
	OwnerID      string
	Code         []byte
	Requirements []byte
	Data         []byte
}

// Service implements job submission and owner queries.
type Service struct {
	store    *store.Store
	blobs    blob.Store
	splitter *split.Splitter
	logger   *zap.Logger

	// splitWG lets tests and shutdown wait for background splits.
	splitWG sync.WaitGroup
}

// New creates a Service.
func New(st *store.Store, blobs blob.Store, splitter *split.Splitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		blobs:    blobs,
		splitter: splitter,
		logger:   logger.With(zap.String("component", "jobs")),
	}
}

// SubmitJob uploads the three job files, creates the job in PROCESSING
// and starts the dataset split in the background. The returned job is
// still PROCESSING; callers poll or watch events for progress.
func (s *Service) SubmitJob(ctx context.Context, up Upload) (*model.Job, error) {
	if err := validateUpload(up); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	codeURL, err := s.blobs.Put(ctx, blob.OriginalPath(jobID, CodeFilename), "text/x-python", up.Code)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "upload code").WithCause(err)
	}
	reqURL, err := s.blobs.Put(ctx, blob.OriginalPath(jobID, ReqFilename), "text/plain", up.Requirements)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "upload requirements").WithCause(err)
	}
	dataURL, err := s.blobs.Put(ctx, blob.OriginalPath(jobID, DataFilename), "text/csv", up.Data)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "upload dataset").WithCause(err)
	}

	job, err := s.store.CreateJob(ctx, jobID, up.Title, up.OwnerID, codeURL, reqURL, dataURL)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("owner_id", up.OwnerID),
		zap.Int("dataset_bytes", len(up.Data)))

	s.splitWG.Add(1)
	go func() {
		defer s.splitWG.Done()
		// Detached from the submission request: splitting outlives the
		// HTTP call and reports failure through the job status.
		if err := s.splitter.Split(context.Background(), job.ID, up.Data); err != nil {
			s.logger.Error("split failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	return job, nil
}

// ListJobs returns the owner's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, ownerID string) ([]model.Job, error) {
	return s.store.ListJobsByOwner(ctx, ownerID)
}

// GetJob returns a single job, restricted to its owner.
func (s *Service) GetJob(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, types.NewErrorf(types.ErrUnauthorized, "job %s does not belong to you", jobID)
	}
	return job, nil
}

// GetResult downloads the final artifact of a COMPLETED job, restricted
// to its owner.
func (s *Service) GetResult(ctx context.Context, ownerID, jobID string) ([]byte, error) {
	job, err := s.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobCompleted || job.FinalResultURL == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "job %s has no final result", jobID)
	}
	return s.blobs.Get(ctx, *job.FinalResultURL)
}

// Subtasks returns the job's subtasks for progress views, restricted to
// the owner.
func (s *Service) Subtasks(ctx context.Context, ownerID, jobID string) ([]model.Subtask, error) {
	if _, err := s.GetJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListSubtasks(ctx, jobID)
}

// Wait blocks until background splits finish. Used in tests and on
// shutdown.
func (s *Service) Wait() {
	s.splitWG.Wait()
}

func validateUpload(up Upload) error {
	switch {
	case up.Title == "":
		return types.NewError(types.ErrInvalidRequest, "title is required")
	case up.OwnerID == "":
		return types.NewError(types.ErrInvalidRequest, "owner is required")
	case len(up.Code) == 0:
		return types.NewError(types.ErrInvalidRequest, "code file is empty")
	case len(up.Requirements) == 0:
		return types.NewError(types.ErrInvalidRequest, "requirements file is empty")
	case len(up.Data) == 0:
		return types.NewError(types.ErrInvalidRequest, "dataset file is empty")
	}
	return nil
}

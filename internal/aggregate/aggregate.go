// Package aggregate implements the federated-averaging engine: once the
// last subtask of a job completes, every per-subtask weight artifact is
// downloaded and merged into a single averaged artifact.
package aggregate

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/artifact"
	"github.com/gridxlabs/gridx/internal/blob"
	"github.com/gridxlabs/gridx/internal/model"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/types"
)

// Config controls the aggregation engine.
type Config struct {
	DownloadConcurrency int           `yaml:"download_concurrency" json:"download_concurrency"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the aggregation defaults.
func DefaultConfig() Config {
	return Config{DownloadConcurrency: 4, Timeout: 10 * time.Minute}
}

// Engine downloads completed-subtask artifacts and produces the final
// averaged artifact for a job.
type Engine struct {
	store  *store.Store
	blobs  blob.Store
	config Config
	logger *zap.Logger
}

// New creates an Engine.
func New(st *store.Store, blobs blob.Store, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DownloadConcurrency <= 0 {
		config.DownloadConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	return &Engine{
		store:  st,
		blobs:  blobs,
		config: config,
		logger: logger.With(zap.String("component", "aggregator")),
	}
}

// Aggregate merges every fetchable result artifact of the job into one
// averaged artifact, uploads it and flips the job to COMPLETED. Every
// failure path flips the job to terminal ERROR instead of leaving it
// stuck in RUNNING.
func (e *Engine) Aggregate(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	if err := e.aggregate(ctx, jobID); err != nil {
		e.logger.Error("aggregation failed",
			zap.String("job_id", jobID), zap.Error(err))
		if failErr := e.store.FailJob(ctx, jobID, err); failErr != nil {
			e.logger.Error("could not mark job failed",
				zap.String("job_id", jobID), zap.Error(failErr))
		}
		return err
	}
	return nil
}

func (e *Engine) aggregate(ctx context.Context, jobID string) error {
	subtasks, err := e.store.CompletedWithResults(ctx, jobID)
	if err != nil {
		return err
	}

	dicts := e.download(ctx, jobID, subtasks)
	if len(dicts) == 0 {
		return types.NewErrorf(types.ErrNoArtifacts,
			"job %s has no fetchable result artifacts", jobID)
	}

	merged, err := Average(dicts)
	if err != nil {
		return err
	}

	encoded, err := artifact.Encode(merged)
	if err != nil {
		return err
	}
	finalURL, err := e.blobs.Put(ctx, blob.FinalPath(jobID), "application/octet-stream", encoded)
	if err != nil {
		return err
	}

	if err := e.store.FinishJob(ctx, jobID, finalURL); err != nil {
		return err
	}
	e.logger.Info("job aggregated",
		zap.String("job_id", jobID),
		zap.Int("artifacts", len(dicts)),
		zap.String("final_url", finalURL))
	return nil
}

// download fetches every result artifact with bounded concurrency. A
// subtask whose artifact cannot be fetched or decoded is skipped, not
// fatal; order follows subtask creation order so "first artifact"
// semantics are deterministic.
func (e *Engine) download(ctx context.Context, jobID string, subtasks []model.Subtask) []artifact.StateDict {
	fetched := make([]artifact.StateDict, len(subtasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.DownloadConcurrency)
	for i, sub := range subtasks {
		if sub.ResultURL == nil {
			continue
		}
		g.Go(func() error {
			data, err := e.blobs.Get(gctx, *sub.ResultURL)
			if err != nil {
				e.logger.Warn("skipping unfetchable artifact",
					zap.String("job_id", jobID),
					zap.String("subtask_id", sub.ID),
					zap.Error(err))
				return nil
			}
			sd, err := artifact.Decode(data)
			if err != nil {
				e.logger.Warn("skipping undecodable artifact",
					zap.String("job_id", jobID),
					zap.String("subtask_id", sub.ID),
					zap.Error(err))
				return nil
			}
			fetched[i] = sd
			return nil
		})
	}
	g.Wait() // workers never return errors; skips are logged above

	dicts := make([]artifact.StateDict, 0, len(fetched))
	for _, sd := range fetched {
		if sd != nil {
			dicts = append(dicts, sd)
		}
	}
	return dicts
}

// Average merges state dicts by federated averaging. The key set of the
// first dict is the canonical schema: floating tensors are averaged
// elementwise across all dicts; integral tensors are copied from the
// first dict unchanged. A dict missing a canonical key, or disagreeing
// on a tensor's dtype or shape, fails with a schema mismatch.
func Average(dicts []artifact.StateDict) (artifact.StateDict, error) {
	if len(dicts) == 0 {
		return nil, types.NewError(types.ErrNoArtifacts, "nothing to average")
	}

	base := dicts[0]
	merged := make(artifact.StateDict, len(base))
	for name, canon := range base {
		if !canon.IsFloating() {
			merged[name] = canon // first-wins for counters and the like
			continue
		}

		sum := make([]float64, len(canon.Data))
		for di, sd := range dicts {
			t, ok := sd[name]
			if !ok {
				return nil, types.NewErrorf(types.ErrSchemaMismatch,
					"artifact %d is missing tensor %q", di, name)
			}
			if !t.SameSchema(canon) {
				return nil, types.NewErrorf(types.ErrSchemaMismatch,
					"artifact %d disagrees on tensor %q: %s%v vs %s%v",
					di, name, t.DType, t.Shape, canon.DType, canon.Shape)
			}
			for ei, v := range t.Data {
				sum[ei] += v
			}
		}

		n := float64(len(dicts))
		mean := make([]float64, len(sum))
		for ei, v := range sum {
			mean[ei] = v / n
		}
		merged[name] = artifact.Tensor{DType: canon.DType, Shape: canon.Shape, Data: mean}
	}
	return merged, nil
}

// Package split partitions a job's CSV dataset into contiguous row-range
// chunks, uploads them to the blob store, and creates the job's PENDING
// subtasks. Splitting runs in the background relative to submission;
// any failure flips the job to ERROR so nothing half-split is ever
// scheduled.
package split

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/internal/blob"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/types"
)

// DefaultChunkCount is fixed regardless of dataset size.
const DefaultChunkCount = 5

// Range is a half-open row interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns the number of rows in the range.
func (r Range) Len() int { return r.End - r.Start }

// Plan partitions totalRows into chunkCount contiguous ranges of
// totalRows/chunkCount rows each, with the last range absorbing the
// remainder. 23 rows across 5 chunks yields 4,4,4,4,7.
func Plan(totalRows, chunkCount int) ([]Range, error) {
	if chunkCount <= 0 {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "chunk count must be positive, got %d", chunkCount)
	}
	if totalRows < chunkCount {
		return nil, types.NewErrorf(types.ErrInvalidRequest,
			"dataset has %d rows, need at least %d", totalRows, chunkCount)
	}

	size := totalRows / chunkCount
	ranges := make([]Range, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * size
		end := start + size
		if i == chunkCount-1 {
			end = totalRows
		}
		ranges[i] = Range{Start: start, End: end}
	}
	return ranges, nil
}

// Config controls the splitter.
type Config struct {
	ChunkCount        int `yaml:"chunk_count" json:"chunk_count"`
	UploadConcurrency int `yaml:"upload_concurrency" json:"upload_concurrency"`
}

// DefaultConfig returns the splitter defaults.
func DefaultConfig() Config {
	return Config{ChunkCount: DefaultChunkCount, UploadConcurrency: 4}
}

// Splitter uploads chunks and creates subtasks.
type Splitter struct {
	store  *store.Store
	blobs  blob.Store
	config Config
	logger *zap.Logger
}

// New creates a Splitter.
func New(st *store.Store, blobs blob.Store, config Config, logger *zap.Logger) *Splitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ChunkCount <= 0 {
		config.ChunkCount = DefaultChunkCount
	}
	if config.UploadConcurrency <= 0 {
		config.UploadConcurrency = 4
	}
	return &Splitter{
		store:  st,
		blobs:  blobs,
		config: config,
		logger: logger.With(zap.String("component", "splitter")),
	}
}

// Split parses the dataset, uploads one chunk per planned range (header
// repeated in every chunk), creates the PENDING subtasks and flips the
// job to RUNNING. On any failure the job is flipped to ERROR and the
// error returned.
func (s *Splitter) Split(ctx context.Context, jobID string, data []byte) error {
	if err := s.split(ctx, jobID, data); err != nil {
		if failErr := s.store.FailJob(ctx, jobID, err); failErr != nil {
			s.logger.Error("could not mark job failed",
				zap.String("job_id", jobID), zap.Error(failErr))
		}
		return err
	}
	return nil
}

func (s *Splitter) split(ctx context.Context, jobID string, data []byte) error {
	header, rows, err := parseCSV(data)
	if err != nil {
		return types.NewError(types.ErrSplitFailure, "parse dataset").WithCause(err)
	}

	ranges, err := Plan(len(rows), s.config.ChunkCount)
	if err != nil {
		return err
	}

	urls := make([]string, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.UploadConcurrency)
	for i, rng := range ranges {
		g.Go(func() error {
			chunk, err := encodeCSV(header, rows[rng.Start:rng.End])
			if err != nil {
				return types.NewErrorf(types.ErrSplitFailure, "encode chunk %d", i).WithCause(err)
			}
			u, err := s.blobs.Put(gctx, blob.ChunkPath(jobID, i), "text/csv", chunk)
			if err != nil {
				return types.NewErrorf(types.ErrSplitFailure, "upload chunk %d", i).WithCause(err)
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := s.store.CreateSubtasks(ctx, jobID, urls); err != nil {
		return err
	}

	s.logger.Info("dataset split",
		zap.String("job_id", jobID),
		zap.Int("rows", len(rows)),
		zap.Int("chunks", len(ranges)))
	return nil
}

func parseCSV(data []byte) (header []string, rows [][]string, err error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty dataset")
	}
	return records[0], records[1:], nil
}

func encodeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

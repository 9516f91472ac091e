// Package blob reaches the external content-addressed blob service that
// holds job code, requirements, data chunks, per-subtask results and the
// final artifact. The service itself is out of scope; this package only
// implements the put/get contract the core needs, plus the canonical
// path layout.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/types"
)

// Store is the put/get contract against the blob service.
type Store interface {
	// Put uploads bytes under a path and returns the public URL.
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
	// Get downloads the blob behind a URL previously returned by Put.
	Get(ctx context.Context, url string) ([]byte, error)
}

// Canonical blob paths. Keeping the .pth suffix preserves the layout the
// dashboard and existing tooling expect, even though the artifact wire
// format is our own.
func ChunkPath(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/chunk_%d.csv", jobID, index)
}

func ResultPath(jobID, subtaskID string) string {
	return fmt.Sprintf("jobs/%s/results/%s_model.pth", jobID, subtaskID)
}

func FinalPath(jobID string) string {
	return fmt.Sprintf("jobs/%s/final_model.pth", jobID)
}

func OriginalPath(jobID, filename string) string {
	return fmt.Sprintf("jobs/%s/%s", jobID, filename)
}

// FetchConfig bounds blob downloads: fixed-interval retries with a
// per-attempt timeout, never an unbounded wait.
type FetchConfig struct {
	Attempts       int           `yaml:"attempts" json:"attempts"`
	Backoff        time.Duration `yaml:"backoff" json:"backoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// DefaultFetchConfig returns the bounded-retry defaults: 3 attempts,
// fixed 1s backoff, 30s per attempt.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		Attempts:       3,
		Backoff:        time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// HTTPStore talks to the blob service over HTTP: PUT base/path for
// uploads, GET by URL for downloads.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	fetch   FetchConfig
	logger  *zap.Logger
}

// NewHTTPStore creates an HTTP blob store client.
func NewHTTPStore(baseURL string, fetch FetchConfig, logger *zap.Logger) *HTTPStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetch.Attempts <= 0 {
		fetch = DefaultFetchConfig()
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		fetch:   fetch,
		logger:  logger.With(zap.String("component", "blob")),
	}
}

// Put uploads data to base/path and returns the resulting public URL.
// Uploads are not retried: the callers (splitter, aggregator) own the
// failure policy for their unit of work.
func (s *HTTPStore) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	u := s.baseURL + "/" + url.PathEscape(path)
	// Keep slashes readable in the object key.
	u = strings.ReplaceAll(u, "%2F", "/")

	ctx, cancel := context.WithTimeout(ctx, s.fetch.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "build upload request").WithCause(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrTransientFetch, "upload blob").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", types.NewErrorf(types.ErrTransientFetch, "upload blob: status %d", resp.StatusCode).WithRetryable(true)
	}

	s.logger.Debug("blob uploaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return u, nil
}

// Get downloads a blob with bounded retries: fixed backoff between
// attempts and a timeout per attempt.
func (s *HTTPStore) Get(ctx context.Context, blobURL string) ([]byte, error) {
	var body []byte

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.fetch.AttemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, blobURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("blob not found: %s", blobURL))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch blob: status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.fetch.Backoff), uint64(s.fetch.Attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, types.NewErrorf(types.ErrTransientFetch, "fetch %s", blobURL).
			WithCause(err).WithRetryable(false)
	}
	return body, nil
}

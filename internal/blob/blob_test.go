package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridxlabs/gridx/types"
)

func TestPathLayout(t *testing.T) {
	assert.Equal(t, "jobs/j1/chunks/chunk_0.csv", ChunkPath("j1", 0))
	assert.Equal(t, "jobs/j1/results/s1_model.pth", ResultPath("j1", "s1"))
	assert.Equal(t, "jobs/j1/final_model.pth", FinalPath("j1"))
	assert.Equal(t, "jobs/j1/train.py", OriginalPath("j1", "train.py"))
}

func TestHTTPStorePutGet(t *testing.T) {
	var (
		mu    sync.Mutex
		blobs = map[string][]byte{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			blobs[r.URL.Path] = body
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			data, ok := blobs[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		}
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, DefaultFetchConfig(), nil)
	ctx := context.Background()

	u, err := s.Put(ctx, ChunkPath("j1", 0), "text/csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Contains(t, u, "/jobs/j1/chunks/chunk_0.csv")

	data, err := s.Get(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2\n"), data)
}

func TestHTTPStoreGetRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	cfg := FetchConfig{Attempts: 3, Backoff: time.Millisecond, AttemptTimeout: time.Second}
	s := NewHTTPStore(srv.URL, cfg, nil)

	data, err := s.Get(context.Background(), srv.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, 3, calls)
}

func TestHTTPStoreGetExhaustsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := FetchConfig{Attempts: 3, Backoff: time.Millisecond, AttemptTimeout: time.Second}
	s := NewHTTPStore(srv.URL, cfg, nil)

	_, err := s.Get(context.Background(), srv.URL+"/x")
	require.Error(t, err)
	assert.Equal(t, types.ErrTransientFetch, types.GetErrorCode(err))
	assert.Equal(t, 3, calls, "bounded to the configured attempts")
}

func TestHTTPStoreGetNotFoundIsPermanent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := FetchConfig{Attempts: 3, Backoff: time.Millisecond, AttemptTimeout: time.Second}
	s := NewHTTPStore(srv.URL, cfg, nil)

	_, err := s.Get(context.Background(), srv.URL+"/gone")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "404 is not retried")
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	u, err := s.Put(ctx, "jobs/j/final_model.pth", "application/octet-stream", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "mem://jobs/j/final_model.pth", u)

	data, err := s.Get(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	s.Delete(u)
	_, err = s.Get(ctx, u)
	assert.Equal(t, types.ErrTransientFetch, types.GetErrorCode(err))
}

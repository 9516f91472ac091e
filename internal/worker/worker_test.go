package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridxlabs/gridx/api"
	"github.com/gridxlabs/gridx/config"
	"github.com/gridxlabs/gridx/internal/jobs"
	"github.com/gridxlabs/gridx/internal/sandbox"
	"github.com/gridxlabs/gridx/types"
)

type fakeExecutor struct {
	result     *sandbox.Result
	err        error
	artifact   []byte
	gotRequest sandbox.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.gotRequest = req
	if f.err != nil {
		return nil, f.err
	}
	if f.artifact != nil {
		if err := os.WriteFile(filepath.Join(req.Workspace, resultFilename), f.artifact, 0o644); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func (f *fakeExecutor) Cleanup() error { return nil }

// fakeCoordinator records agent protocol calls and serves staged files.
type fakeCoordinator struct {
	mu         sync.Mutex
	server     *httptest.Server
	registers  int
	failFirst  bool
	uploads    map[string][]byte // taskID -> artifact bytes
	completes  map[string]string // taskID -> result_url
	heartbeats []string
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	fc := &fakeCoordinator{
		uploads:   make(map[string][]byte),
		completes: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/register", fc.handleRegister)
	mux.HandleFunc("POST /v1/agent/heartbeat", fc.handleHeartbeat)
	mux.HandleFunc("POST /v1/agent/upload_result", fc.handleUpload)
	mux.HandleFunc("POST /v1/agent/complete_task", fc.handleComplete)
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content of " + r.PathValue("name")))
	})
	mux.HandleFunc("GET /missing/{name}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	fc.server = httptest.NewServer(mux)
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCoordinator) writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func (fc *fakeCoordinator) writeErr(w http.ResponseWriter, status int, code types.ErrorCode, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]any{"code": string(code), "message": "nope", "retryable": retryable},
	})
}

func (fc *fakeCoordinator) handleRegister(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	fc.registers++
	fail := fc.failFirst && fc.registers == 1
	fc.mu.Unlock()
	if fail {
		fc.writeErr(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, true)
		return
	}
	var req api.RegisterRequest
	json.NewDecoder(r.Body).Decode(&req)
	fc.writeOK(w, api.RegisterResponse{AgentID: req.AgentID, Outcome: "created"})
}

func (fc *fakeCoordinator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	json.NewDecoder(r.Body).Decode(&req)
	fc.mu.Lock()
	fc.heartbeats = append(fc.heartbeats, req.Status)
	fc.mu.Unlock()
	fc.writeOK(w, nil)
}

func (fc *fakeCoordinator) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		fc.writeErr(w, http.StatusBadRequest, types.ErrInvalidRequest, false)
		return
	}
	taskID := r.FormValue("task_id")
	file, _, err := r.FormFile("model")
	if err != nil {
		fc.writeErr(w, http.StatusBadRequest, types.ErrInvalidRequest, false)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		fc.writeErr(w, http.StatusBadRequest, types.ErrInvalidRequest, false)
		return
	}
	fc.mu.Lock()
	fc.uploads[taskID] = data
	fc.mu.Unlock()
	fc.writeOK(w, api.UploadResultResponse{ResultURL: "mem://results/" + taskID})
}

func (fc *fakeCoordinator) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteTaskRequest
	json.NewDecoder(r.Body).Decode(&req)
	fc.mu.Lock()
	fc.completes[req.TaskID] = req.ResultURL
	fc.mu.Unlock()
	fc.writeOK(w, nil)
}

func testAgentConfig(t *testing.T, url string) config.AgentConfig {
	t.Helper()
	return config.AgentConfig{
		OwnerID:           "owner-1",
		CoordinatorURL:    url,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		WorkDir:           t.TempDir(),
		StateFile:         "agent-state.yaml",
	}
}

func newTestWorker(t *testing.T, fc *fakeCoordinator, exec sandbox.Executor) *Worker {
	t.Helper()
	w, err := New(NewClient(fc.server.URL), exec, testAgentConfig(t, fc.server.URL), sandbox.DefaultLimits(), nil)
	require.NoError(t, err)
	return w
}

func TestAgentIDStableAcrossRestarts(t *testing.T) {
	cfg := testAgentConfig(t, "http://unused")

	w1, err := New(nil, nil, cfg, sandbox.Limits{}, nil)
	require.NoError(t, err)
	w2, err := New(nil, nil, cfg, sandbox.Limits{}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, w1.AgentID())
	assert.Equal(t, w1.AgentID(), w2.AgentID())
}

func TestAgentIDFromConfigWins(t *testing.T) {
	cfg := testAgentConfig(t, "http://unused")
	cfg.ID = "agent-fixed"

	w, err := New(nil, nil, cfg, sandbox.Limits{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent-fixed", w.AgentID())
}

func TestRegisterRetriesTransientFailure(t *testing.T) {
	fc := newFakeCoordinator(t)
	fc.failFirst = true
	w := newTestWorker(t, fc, &fakeExecutor{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.register(ctx))

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, 2, fc.registers)
}

func TestRunTaskHappyPath(t *testing.T) {
	fc := newFakeCoordinator(t)
	exec := &fakeExecutor{
		result:   &sandbox.Result{Status: sandbox.StatusSuccess, ExitCode: 0},
		artifact: []byte("trained-weights"),
	}
	var staged map[string]string
	w := newTestWorker(t, fc, &inspectingExecutor{inner: exec, snapshot: &staged})

	task := &api.TaskResponse{
		Assigned:        true,
		TaskID:          "task-1",
		JobID:           "job-1",
		CodeURL:         fc.server.URL + "/files/train.py",
		RequirementsURL: fc.server.URL + "/files/requirements.txt",
		ChunkURL:        fc.server.URL + "/files/chunk_0.csv",
	}
	w.RunTask(context.Background(), task)

	assert.Equal(t, jobs.CodeFilename, exec.gotRequest.EntryPoint)
	assert.Equal(t, "content of train.py", staged[jobs.CodeFilename])
	assert.Equal(t, "content of requirements.txt", staged[jobs.ReqFilename])
	assert.Equal(t, "content of chunk_0.csv", staged[jobs.DataFilename])

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, []byte("trained-weights"), fc.uploads["task-1"])
	assert.Equal(t, "mem://results/task-1", fc.completes["task-1"])

	// Workspace is removed after the run.
	entries, err := os.ReadDir(w.cfg.WorkDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir(), "workspace %s left behind", e.Name())
	}
}

func TestRunTaskScriptFailureCompletesWithoutArtifact(t *testing.T) {
	fc := newFakeCoordinator(t)
	exec := &fakeExecutor{result: &sandbox.Result{Status: sandbox.StatusError, ExitCode: 1}}
	w := newTestWorker(t, fc, exec)

	task := &api.TaskResponse{
		Assigned:        true,
		TaskID:          "task-2",
		JobID:           "job-1",
		CodeURL:         fc.server.URL + "/files/train.py",
		RequirementsURL: fc.server.URL + "/files/requirements.txt",
		ChunkURL:        fc.server.URL + "/files/chunk_0.csv",
	}
	w.RunTask(context.Background(), task)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	_, uploaded := fc.uploads["task-2"]
	assert.False(t, uploaded)
	url, completed := fc.completes["task-2"]
	assert.True(t, completed)
	assert.Empty(t, url)
}

func TestRunTaskCleanExitWithoutArtifact(t *testing.T) {
	fc := newFakeCoordinator(t)
	exec := &fakeExecutor{result: &sandbox.Result{Status: sandbox.StatusSuccess, ExitCode: 0}}
	w := newTestWorker(t, fc, exec)

	task := &api.TaskResponse{
		Assigned:        true,
		TaskID:          "task-3",
		JobID:           "job-1",
		CodeURL:         fc.server.URL + "/files/train.py",
		RequirementsURL: fc.server.URL + "/files/requirements.txt",
		ChunkURL:        fc.server.URL + "/files/chunk_0.csv",
	}
	w.RunTask(context.Background(), task)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	url, completed := fc.completes["task-3"]
	assert.True(t, completed)
	assert.Empty(t, url)
}

func TestRunTaskFetchFailureCompletesWithoutArtifact(t *testing.T) {
	fc := newFakeCoordinator(t)
	exec := &fakeExecutor{result: &sandbox.Result{Status: sandbox.StatusSuccess, ExitCode: 0}}
	w := newTestWorker(t, fc, exec)

	task := &api.TaskResponse{
		Assigned:        true,
		TaskID:          "task-4",
		JobID:           "job-1",
		CodeURL:         fc.server.URL + "/files/train.py",
		RequirementsURL: fc.server.URL + "/files/requirements.txt",
		ChunkURL:        fc.server.URL + "/missing/chunk_0.csv",
	}
	w.RunTask(context.Background(), task)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	url, completed := fc.completes["task-4"]
	assert.True(t, completed)
	assert.Empty(t, url)
	// The sandbox never ran.
	assert.Empty(t, exec.gotRequest.Workspace)
}

func TestRunLoopPicksUpWorkAndHeartbeats(t *testing.T) {
	fc := newFakeCoordinator(t)
	exec := &fakeExecutor{
		result:   &sandbox.Result{Status: sandbox.StatusSuccess, ExitCode: 0},
		artifact: []byte("w"),
	}

	var once sync.Once
	mux := fc.server.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("POST /v1/agent/request_task", func(w http.ResponseWriter, r *http.Request) {
		assigned := false
		once.Do(func() { assigned = true })
		if !assigned {
			fc.writeOK(w, api.TaskResponse{Assigned: false})
			return
		}
		fc.writeOK(w, api.TaskResponse{
			Assigned:        true,
			TaskID:          "task-loop",
			JobID:           "job-1",
			CodeURL:         fc.server.URL + "/files/train.py",
			RequirementsURL: fc.server.URL + "/files/requirements.txt",
			ChunkURL:        fc.server.URL + "/files/chunk_0.csv",
		})
	})

	w := newTestWorker(t, fc, exec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		_, ok := fc.completes["task-loop"]
		return ok && len(fc.heartbeats) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, "mem://results/task-loop", fc.completes["task-loop"])
}

// inspectingExecutor snapshots the staged workspace files before
// delegating, so tests can assert on them after cleanup.
type inspectingExecutor struct {
	inner    sandbox.Executor
	snapshot *map[string]string
}

func (i *inspectingExecutor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	files := make(map[string]string)
	entries, err := os.ReadDir(req.Workspace)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(req.Workspace, e.Name()))
		if err != nil {
			return nil, err
		}
		files[e.Name()] = string(data)
	}
	*i.snapshot = files
	return i.inner.Execute(ctx, req)
}

func (i *inspectingExecutor) Cleanup() error { return i.inner.Cleanup() }

// Package worker implements the agent side of the protocol: register
// with the coordinator, heartbeat, poll for subtasks, run them in the
// sandbox and report results back.
package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/gridxlabs/gridx/api"
	"github.com/gridxlabs/gridx/config"
	"github.com/gridxlabs/gridx/internal/jobs"
	"github.com/gridxlabs/gridx/internal/sandbox"
	"github.com/gridxlabs/gridx/types"
)

const resultFilename = "model.pth"

// state is what survives an agent restart. Keeping the ID stable lets
// the coordinator re-link the row instead of growing a zombie fleet.
type state struct {
	AgentID string `yaml:"agent_id"`
}

// Worker runs the agent loop against one coordinator.
type Worker struct {
	client  *Client
	exec    sandbox.Executor
	cfg     config.AgentConfig
	limits  sandbox.Limits
	logger  *zap.Logger
	agentID string
	busy    atomic.Bool
}

// New creates a worker. The agent ID is taken from cfg.ID if set,
// otherwise loaded from the state file, otherwise generated and saved.
func New(client *Client, exec sandbox.Executor, cfg config.AgentConfig, limits sandbox.Limits, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, types.NewErrorf(types.ErrInternalError, "create work dir %s", cfg.WorkDir).WithCause(err)
	}
	id := cfg.ID
	if id == "" {
		var err error
		id, err = loadOrCreateID(filepath.Join(cfg.WorkDir, cfg.StateFile))
		if err != nil {
			return nil, err
		}
	}
	return &Worker{
		client:  client,
		exec:    exec,
		cfg:     cfg,
		limits:  limits,
		logger:  logger.With(zap.String("component", "worker"), zap.String("agent_id", id)),
		agentID: id,
	}, nil
}

// AgentID returns the stable agent identifier.
func (w *Worker) AgentID() string {
	return w.agentID
}

func loadOrCreateID(path string) (string, error) {
	var st state
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &st); err == nil && st.AgentID != "" {
			return st.AgentID, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", types.NewErrorf(types.ErrInternalError, "read state file %s", path).WithCause(err)
	}

	st.AgentID = uuid.NewString()
	out, err := yaml.Marshal(st)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "encode state").WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", types.NewErrorf(types.ErrInternalError, "create state dir for %s", path).WithCause(err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", types.NewErrorf(types.ErrInternalError, "write state file %s", path).WithCause(err)
	}
	return st.AgentID, nil
}

// Run registers the agent and drives the heartbeat and poll loops until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(ctx) })
	g.Go(func() error { return w.pollLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) register(ctx context.Context) error {
	req := api.RegisterRequest{
		AgentID:  w.agentID,
		OwnerID:  w.cfg.OwnerID,
		GPUModel: w.cfg.GPUModel,
		RAMTotal: w.cfg.RAMTotal,
	}
	op := func() error {
		resp, err := w.client.Register(ctx, req)
		if err != nil {
			if !types.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			w.logger.Warn("registration failed, retrying", zap.Error(err))
			return err
		}
		w.logger.Info("registered", zap.String("outcome", resp.Outcome))
		return nil
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, policy)
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status := types.AgentIdle
			if w.busy.Load() {
				status = types.AgentBusy
			}
			if err := w.client.Heartbeat(ctx, w.agentID, status); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			task, err := w.client.RequestTask(ctx, w.agentID)
			if err != nil {
				w.logger.Warn("poll failed", zap.Error(err))
				continue
			}
			if task == nil {
				continue
			}
			w.busy.Store(true)
			w.RunTask(ctx, task)
			w.busy.Store(false)
		}
	}
}

// RunTask executes one assignment end to end. Execution failures are
// still reported via complete_task with an empty result URL so the
// coordinator can fail the job instead of waiting on a lease.
func (w *Worker) RunTask(ctx context.Context, task *api.TaskResponse) {
	log := w.logger.With(zap.String("task_id", task.TaskID), zap.String("job_id", task.JobID))
	log.Info("task assigned")

	resultURL, err := w.execute(ctx, task, log)
	if err != nil {
		log.Error("task execution failed", zap.Error(err))
	}
	if err := w.client.CompleteTask(ctx, w.agentID, task.TaskID, resultURL); err != nil {
		log.Error("complete_task failed", zap.Error(err))
		return
	}
	log.Info("task completed", zap.Bool("artifact", resultURL != ""))
}

func (w *Worker) execute(ctx context.Context, task *api.TaskResponse, log *zap.Logger) (string, error) {
	workspace, err := os.MkdirTemp(w.cfg.WorkDir, "task-"+task.TaskID+"-")
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "create workspace").WithCause(err)
	}
	defer os.RemoveAll(workspace)

	if err := w.stageInputs(ctx, task, workspace); err != nil {
		return "", err
	}

	res, err := w.exec.Execute(ctx, sandbox.Request{
		Workspace:  workspace,
		EntryPoint: jobs.CodeFilename,
		Limits:     w.limits,
	})
	if err != nil {
		return "", types.NewError(types.ErrSandboxFailure, "sandbox execution").WithCause(err)
	}
	log.Info("sandbox finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	if !res.Success() {
		return "", nil
	}

	artifact, err := os.ReadFile(filepath.Join(workspace, resultFilename))
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("script exited cleanly but wrote no artifact")
		return "", nil
	}
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "read artifact").WithCause(err)
	}
	return w.client.UploadResult(ctx, w.agentID, task.TaskID, artifact)
}

// stageInputs downloads the three task inputs concurrently and writes
// them under the workspace with the filenames the script expects.
func (w *Worker) stageInputs(ctx context.Context, task *api.TaskResponse, workspace string) error {
	inputs := []struct {
		url  string
		name string
	}{
		{task.CodeURL, jobs.CodeFilename},
		{task.RequirementsURL, jobs.ReqFilename},
		{task.ChunkURL, jobs.DataFilename},
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, in := range inputs {
		g.Go(func() error {
			data, err := w.client.Fetch(ctx, in.url)
			if err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(workspace, in.name), data, 0o644)
		})
	}
	return g.Wait()
}

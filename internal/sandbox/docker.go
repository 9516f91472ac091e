package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/types"
)

// DockerConfig configures the docker-backed executor.
type DockerConfig struct {
	// Image is the execution base image; it carries the interpreter and
	// a non-root "sandbox" user.
	Image string `yaml:"image" json:"image"`
	// ContainerPrefix namespaces container names for cleanup.
	ContainerPrefix string `yaml:"container_prefix" json:"container_prefix"`
	// PidsLimit caps processes inside the container.
	PidsLimit int `yaml:"pids_limit" json:"pids_limit"`
}

// DefaultDockerConfig returns the docker executor defaults.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:           "python:3.12-slim",
		ContainerPrefix: "gridx_exec_",
		PidsLimit:       100,
	}
}

// DockerExecutor implements Executor with the docker CLI. Every
// execution runs as a non-root user with all capabilities dropped and
// no privilege escalation; the workspace is the only writable mount.
type DockerExecutor struct {
	config DockerConfig
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewDockerExecutor creates a docker-backed executor.
func NewDockerExecutor(config DockerConfig, logger *zap.Logger) *DockerExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Image == "" {
		config = DefaultDockerConfig()
	}
	return &DockerExecutor{
		config: config,
		logger: logger.With(zap.String("component", "sandbox")),
		active: make(map[string]struct{}),
	}
}

// Execute runs the entry point inside a container. Timeout forcibly
// terminates the container and reports StatusTimeout with whatever
// output was captured; no container survives the call.
func (d *DockerExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	workspace, err := filepath.Abs(req.Workspace)
	if err != nil {
		return nil, types.NewError(types.ErrSandboxFailure, "resolve workspace").WithCause(err)
	}

	limits := req.Limits
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	name := fmt.Sprintf("%s%d", d.config.ContainerPrefix, time.Now().UnixNano())
	args := d.buildArgs(name, workspace, req.EntryPoint, limits)

	d.mu.Lock()
	d.active[name] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, name)
		d.mu.Unlock()
		// Belt and braces: --rm handles the clean exit, this handles
		// every other path.
		d.forceRemove(name)
	}()

	d.logger.Debug("executing in sandbox",
		zap.String("container", name),
		zap.String("entry_point", req.EntryPoint))

	cmd := exec.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	result := &Result{
		ExitCode: -1,
		Logs:     out.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		d.forceKill(name)
		result.Status = StatusTimeout
	case runErr == nil && result.ExitCode == 0:
		result.Status = StatusSuccess
	default:
		if _, ok := runErr.(*exec.ExitError); runErr != nil && !ok {
			// docker itself failed to run, not the script
			return nil, types.NewError(types.ErrSandboxFailure, "run container").WithCause(runErr)
		}
		result.Status = StatusError
	}
	return result, nil
}

func (d *DockerExecutor) buildArgs(name, workspace, entryPoint string, limits Limits) []string {
	args := []string{
		"run",
		"--name", name,
		"--rm",
	}

	if limits.MemoryMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		)
	}
	if limits.CPU > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", limits.CPU))
	}
	if limits.DiskMB > 0 {
		args = append(args, "--storage-opt", fmt.Sprintf("size=%dm", limits.DiskMB))
	}
	if limits.NetworkEnabled {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	args = append(args,
		"--user", "sandbox",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", fmt.Sprint(d.config.PidsLimit),
		"-v", fmt.Sprintf("%s:/app:rw", workspace),
		"-w", "/app",
		d.config.Image,
		"python3", entryPoint,
	)
	return args
}

func (d *DockerExecutor) forceKill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec.CommandContext(ctx, "docker", "kill", name).Run()
}

func (d *DockerExecutor) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

// Cleanup kills and removes every container still tracked as active.
func (d *DockerExecutor) Cleanup() error {
	d.mu.Lock()
	names := make([]string, 0, len(d.active))
	for name := range d.active {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		d.forceKill(name)
		d.forceRemove(name)
	}
	if len(names) > 0 {
		d.logger.Info("cleaned up containers", zap.Int("count", len(names)))
	}
	return nil
}

// PullImage pulls the configured image if not already present.
func (d *DockerExecutor) PullImage(ctx context.Context) error {
	if exec.CommandContext(ctx, "docker", "image", "inspect", d.config.Image).Run() == nil {
		return nil
	}
	d.logger.Info("pulling sandbox image", zap.String("image", d.config.Image))
	out, err := exec.CommandContext(ctx, "docker", "pull", d.config.Image).CombinedOutput()
	if err != nil {
		return types.NewErrorf(types.ErrSandboxFailure, "pull image %s: %s",
			d.config.Image, strings.TrimSpace(string(out))).WithCause(err)
	}
	return nil
}

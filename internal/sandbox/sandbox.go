// Package sandbox runs untrusted job scripts inside an isolated
// execution boundary with bounded CPU, memory, disk and network. The
// isolation backend is behind the Executor interface so it can be
// swapped (container engine, micro-VM, namespaces) without touching
// scheduler or worker logic.
package sandbox

import (
	"context"
	"time"
)

// Status classifies how an execution ended.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Limits bounds one execution. NetworkEnabled is a deliberate trust
// trade-off: dependency installation may need outbound access.
type Limits struct {
	CPU            float64       `yaml:"cpu" json:"cpu"`           // CPU share, e.g. 0.5
	MemoryMB       int           `yaml:"memory_mb" json:"memory_mb"`
	DiskMB         int           `yaml:"disk_mb" json:"disk_mb"`   // 0 = no quota
	NetworkEnabled bool          `yaml:"network_enabled" json:"network_enabled"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultLimits returns conservative execution bounds.
func DefaultLimits() Limits {
	return Limits{
		CPU:      0.5,
		MemoryMB: 512,
		Timeout:  30 * time.Second,
	}
}

// Request describes one execution: a host workspace directory mounted
// read-write into the sandbox, and the entry-point script inside it.
type Request struct {
	Workspace  string
	EntryPoint string
	Limits     Limits
}

// Result is the outcome of one execution. ExitCode 0 is the only
// success condition; Logs carries the merged stdout/stderr capture,
// partial on timeout.
type Result struct {
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Logs     string        `json:"logs"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the execution exited cleanly.
func (r *Result) Success() bool {
	return r.Status == StatusSuccess && r.ExitCode == 0
}

// Executor runs one script inside an isolated environment. The
// environment is torn down on every exit path, including timeouts and
// infrastructure errors; removing the workspace directory is the
// caller's job.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	// Cleanup force-removes any environments still tracked as active.
	Cleanup() error
}

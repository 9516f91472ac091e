package model

import (
	"time"

	"github.com/gridxlabs/gridx/types"
)

// Job is one user-submitted computation spanning a full dataset.
// A job never regains subtasks after submission: the splitter creates
// them exactly once, and only the splitter and the aggregation trigger
// mutate the status.
type Job struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	Title           string          `gorm:"size:255" json:"title"`
	Status          types.JobStatus `gorm:"size:16;index" json:"status"`
	CodeURL         string          `json:"code_url"`
	RequirementsURL string          `json:"requirements_url"`
	DataURL         string          `json:"data_url"`
	FinalResultURL  *string         `json:"final_result_url,omitempty"`
	OwnerID         string          `gorm:"size:255;index" json:"owner_id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Subtask is one data partition of a job, owned by exactly one job and
// assigned to at most one agent at a time. The AssignedTo reference is
// informational routing state, not a lock; the claim itself is enforced
// by the store's compare-and-swap on ClaimVersion.
type Subtask struct {
	ID          string              `gorm:"primaryKey;size:36" json:"id"`
	JobID       string              `gorm:"size:36;index" json:"job_id"`
	AssignedTo  *string             `gorm:"size:64;index" json:"assigned_to,omitempty"`
	Status      types.SubtaskStatus `gorm:"size:16;index" json:"status"`
	ChunkURL    string              `json:"chunk_url"`
	ResultURL   *string             `json:"result_url,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	AssignedAt  *time.Time          `json:"assigned_at,omitempty"`
	// ClaimVersion is bumped on every claim or requeue so that two agents
	// racing for the same row can never both win the update.
	ClaimVersion int64     `json:"-"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Agent is a worker machine owned by a human user. The ID is chosen by
// the agent itself and must be stable across restarts. "Online" is a
// derived property of LastHeartbeat, never stored.
type Agent struct {
	ID            string            `gorm:"primaryKey;size:64" json:"id"`
	OwnerID       string            `gorm:"size:255;index" json:"owner_id"`
	Status        types.AgentStatus `gorm:"size:16" json:"status"`
	GPUModel      string            `gorm:"size:128" json:"gpu_model,omitempty"`
	RAMTotal      string            `gorm:"size:32" json:"ram_total,omitempty"`
	LastHeartbeat time.Time         `gorm:"index" json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Online reports whether the agent heartbeated within the window.
func (a *Agent) Online(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastHeartbeat) < window
}

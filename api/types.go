package api

import "time"

// RegisterRequest registers an agent. The ID is chosen by the agent and
// must be stable across restarts.
type RegisterRequest struct {
	AgentID  string `json:"agent_id"`
	OwnerID  string `json:"owner_id"`
	GPUModel string `json:"gpu_model,omitempty"`
	RAMTotal string `json:"ram_total,omitempty"`
}

// RegisterResponse reports whether the agent row was created or
// re-linked.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Outcome string `json:"outcome"` // created | linked
}

// HeartbeatRequest carries an agent's liveness beat with its
// self-asserted status.
type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"` // IDLE | BUSY
}

// TaskRequest asks for work.
type TaskRequest struct {
	AgentID string `json:"agent_id"`
}

// TaskResponse is the assignment, or empty when no work is pending.
type TaskResponse struct {
	Assigned        bool   `json:"assigned"`
	TaskID          string `json:"task_id,omitempty"`
	JobID           string `json:"job_id,omitempty"`
	CodeURL         string `json:"code_url,omitempty"`
	RequirementsURL string `json:"requirements_url,omitempty"`
	ChunkURL        string `json:"chunk_data_url,omitempty"`
}

// UploadResultResponse returns the stored artifact URL.
type UploadResultResponse struct {
	ResultURL string `json:"result_url"`
}

// CompleteTaskRequest reports a finished subtask. ResultURL is empty
// when execution produced no artifact.
type CompleteTaskRequest struct {
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	ResultURL string `json:"result_url,omitempty"`
}

// SubmitJobResponse acknowledges a submission; splitting continues in
// the background.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// AgentView is the operator-facing agent listing entry.
type AgentView struct {
	AgentID       string    `json:"agent_id"`
	OwnerID       string    `json:"owner_id"`
	Status        string    `json:"status"`
	GPUModel      string    `json:"gpu_model,omitempty"`
	RAMTotal      string    `json:"ram_total,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	AgentsOnline int    `json:"agents_online"`
	Version      string `json:"version,omitempty"`
}

package types

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	// JobProcessing is the initial state: originals uploaded, dataset not
	// yet split. Nothing may be scheduled against a PROCESSING job.
	JobProcessing JobStatus = "PROCESSING"
	// JobRunning means all subtasks exist and agents may claim them.
	JobRunning JobStatus = "RUNNING"
	// JobCompleted means aggregation produced a final artifact.
	JobCompleted JobStatus = "COMPLETED"
	// JobError is terminal: splitting or aggregation failed.
	JobError JobStatus = "ERROR"
)

// Valid reports whether the status is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobProcessing, JobRunning, JobCompleted, JobError:
		return true
	}
	return false
}

// CanTransition reports whether the transition s -> to is allowed.
// A job moves PROCESSING -> RUNNING -> COMPLETED, and may fail to ERROR
// from any non-terminal state.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobProcessing:
		return to == JobRunning || to == JobError
	case JobRunning:
		return to == JobCompleted || to == JobError
	}
	return false
}

// Terminal reports whether the status is terminal.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
)

// Valid reports whether the status is a known subtask status.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskPending, SubtaskRunning, SubtaskCompleted:
		return true
	}
	return false
}

// CanTransition reports whether the transition s -> to is allowed.
// Subtasks move strictly forward: PENDING -> RUNNING -> COMPLETED. The
// only backward edge is RUNNING -> PENDING, used by the lease reaper when
// it requeues work abandoned by a dead agent.
func (s SubtaskStatus) CanTransition(to SubtaskStatus) bool {
	switch s {
	case SubtaskPending:
		return to == SubtaskRunning
	case SubtaskRunning:
		return to == SubtaskCompleted || to == SubtaskPending
	}
	return false
}

// AgentStatus is the agent-asserted availability state of a worker.
type AgentStatus string

const (
	AgentOffline AgentStatus = "OFFLINE"
	AgentIdle    AgentStatus = "IDLE"
	AgentBusy    AgentStatus = "BUSY"
)

// Valid reports whether the status is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOffline, AgentIdle, AgentBusy:
		return true
	}
	return false
}

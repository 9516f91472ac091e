package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobProcessing, JobRunning, true},
		{JobProcessing, JobError, true},
		{JobProcessing, JobCompleted, false},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobError, true},
		{JobRunning, JobProcessing, false},
		{JobCompleted, JobRunning, false},
		{JobCompleted, JobError, false},
		{JobError, JobRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestSubtaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to SubtaskStatus
		ok       bool
	}{
		{SubtaskPending, SubtaskRunning, true},
		{SubtaskPending, SubtaskCompleted, false},
		{SubtaskRunning, SubtaskCompleted, true},
		{SubtaskRunning, SubtaskPending, true}, // lease reaper requeue
		{SubtaskCompleted, SubtaskRunning, false},
		{SubtaskCompleted, SubtaskPending, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, JobRunning.Valid())
	assert.False(t, JobStatus("running").Valid())
	assert.True(t, AgentBusy.Valid())
	assert.False(t, AgentStatus("").Valid())
	assert.True(t, SubtaskPending.Valid())
	assert.False(t, SubtaskStatus("DONE").Valid())
}

func TestErrorWrapping(t *testing.T) {
	cause := assert.AnError
	err := NewError(ErrTransientFetch, "download chunk").WithCause(cause).WithRetryable(true)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrTransientFetch, GetErrorCode(err))
	assert.Contains(t, err.Error(), "TRANSIENT_FETCH_FAILURE")
}

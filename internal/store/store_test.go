package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gridxlabs/gridx/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return New(db, nil)
}

func seedJobWithSubtasks(t *testing.T, s *Store, n int) (jobID string, subtaskIDs []string) {
	t.Helper()
	ctx := context.Background()
	job, err := s.SubmitJob(ctx, "train", "owner@example.com", "code-url", "req-url", "data-url")
	require.NoError(t, err)

	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("chunk-url-%d", i)
	}
	subtasks, err := s.CreateSubtasks(ctx, job.ID, urls)
	require.NoError(t, err)

	ids := make([]string, 0, n)
	for _, st := range subtasks {
		ids = append(ids, st.ID)
	}
	return job.ID, ids
}

func registerAgent(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.UpsertAgent(context.Background(), id, "owner@example.com", "RTX 3090", "24GB")
	require.NoError(t, err)
}

func TestSubmitAndSplitLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.SubmitJob(ctx, "train", "owner@example.com", "c", "r", "d")
	require.NoError(t, err)
	assert.Equal(t, types.JobProcessing, job.Status)

	subtasks, err := s.CreateSubtasks(ctx, job.ID, []string{"u0", "u1", "u2", "u3", "u4"})
	require.NoError(t, err)
	assert.Len(t, subtasks, 5)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)

	// A second split against a RUNNING job must be rejected.
	_, err = s.CreateSubtasks(ctx, job.ID, []string{"u5"})
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	listed, err := s.ListSubtasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, listed, 5)
	for i, st := range listed {
		assert.Equal(t, types.SubtaskPending, st.Status)
		assert.Equal(t, fmt.Sprintf("u%d", i), st.ChunkURL, "FIFO order follows chunk order")
	}
}

func TestClaimOldestPendingFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")

	_, ids := seedJobWithSubtasks(t, s, 3)

	for i := 0; i < 3; i++ {
		st, job, err := s.ClaimOldestPending(ctx, "agent-1")
		require.NoError(t, err)
		require.NotNil(t, st)
		require.NotNil(t, job)
		assert.Equal(t, ids[i], st.ID, "claims follow creation order")
		assert.Equal(t, types.SubtaskRunning, st.Status)
		require.NotNil(t, st.AssignedTo)
		assert.Equal(t, "agent-1", *st.AssignedTo)
	}

	st, job, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, st, "no pending work left")
	assert.Nil(t, job)
}

func TestClaimMarksAgentBusy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	seedJobWithSubtasks(t, s, 1)

	_, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)

	agent, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, agent.Status)
}

func TestClaimUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	seedJobWithSubtasks(t, s, 1)

	_, _, err := s.ClaimOldestPending(context.Background(), "ghost")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-a")
	registerAgent(t, s, "agent-b")
	seedJobWithSubtasks(t, s, 1)

	type claim struct {
		agent string
		got   bool
	}
	results := make(chan claim, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"agent-a", "agent-b"} {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			st, _, err := s.ClaimOldestPending(ctx, agentID)
			require.NoError(t, err)
			results <- claim{agent: agentID, got: st != nil}
		}(id)
	}
	wg.Wait()
	close(results)

	winners := 0
	for c := range results {
		if c.got {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent poller wins the only pending subtask")
}

func TestCompleteSubtask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	jobID, _ := seedJobWithSubtasks(t, s, 2)

	st, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)

	url := "result-url-0"
	remaining, err := s.CompleteSubtask(ctx, "agent-1", st.ID, &url)
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining)

	agent, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, agent.Status)

	st2, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)
	remaining, err = s.CompleteSubtask(ctx, "agent-1", st2.ID, &url)
	require.NoError(t, err)
	assert.EqualValues(t, 0, remaining, "last completion observes zero remaining")

	done, err := s.CompletedWithResults(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestConcurrentCompletionsSingleZeroObserver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-a")
	registerAgent(t, s, "agent-b")
	seedJobWithSubtasks(t, s, 2)

	stA, _, err := s.ClaimOldestPending(ctx, "agent-a")
	require.NoError(t, err)
	stB, _, err := s.ClaimOldestPending(ctx, "agent-b")
	require.NoError(t, err)

	// The last two siblings complete at the same instant. The job row
	// lock inside CompleteSubtask serializes them, so the counts must
	// come out 1 and 0, never 1 and 1.
	counts := make(chan int64, 2)
	var wg sync.WaitGroup
	for agentID, st := range map[string]string{"agent-a": stA.ID, "agent-b": stB.ID} {
		wg.Add(1)
		go func(agentID, subtaskID string) {
			defer wg.Done()
			url := "result-" + subtaskID
			remaining, err := s.CompleteSubtask(ctx, agentID, subtaskID, &url)
			require.NoError(t, err)
			counts <- remaining
		}(agentID, st)
	}
	wg.Wait()
	close(counts)

	var seen []int64
	for n := range counts {
		seen = append(seen, n)
	}
	assert.ElementsMatch(t, []int64{1, 0}, seen,
		"exactly one completion observes zero remaining siblings")
}

func TestCompleteSubtaskWrongAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	registerAgent(t, s, "agent-2")
	seedJobWithSubtasks(t, s, 1)

	st, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)

	url := "result-url"
	_, err = s.CompleteSubtask(ctx, "agent-2", st.ID, &url)
	assert.Equal(t, types.ErrTaskNotAssigned, types.GetErrorCode(err))

	// State unchanged: the rightful agent can still complete.
	got, err := s.GetSubtask(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SubtaskRunning, got.Status)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, "agent-1", *got.AssignedTo)
}

func TestCompleteSubtaskTwiceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	seedJobWithSubtasks(t, s, 1)

	st, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)

	url := "result-url"
	_, err = s.CompleteSubtask(ctx, "agent-1", st.ID, &url)
	require.NoError(t, err)

	_, err = s.CompleteSubtask(ctx, "agent-1", st.ID, &url)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestFinishAndFailJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID, _ := seedJobWithSubtasks(t, s, 1)

	require.NoError(t, s.FinishJob(ctx, jobID, "final-url"))
	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	require.NotNil(t, job.FinalResultURL)
	assert.Equal(t, "final-url", *job.FinalResultURL)

	// Finishing twice is an invalid transition.
	err = s.FinishJob(ctx, jobID, "final-url-2")
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	// Failing a terminal job is a no-op.
	require.NoError(t, s.FailJob(ctx, jobID, assert.AnError))
	job, err = s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestUpsertAgentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outcome, err := s.UpsertAgent(ctx, "agent-1", "owner@example.com", "RTX 3090", "24GB")
	require.NoError(t, err)
	assert.Equal(t, RegisterCreated, outcome)

	outcome, err = s.UpsertAgent(ctx, "agent-1", "owner@example.com", "RTX 4090", "48GB")
	require.NoError(t, err)
	assert.Equal(t, RegisterLinked, outcome)

	agent, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "RTX 4090", agent.GPUModel)
	assert.Equal(t, types.AgentIdle, agent.Status)
}

func TestTouchAgentUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.TouchAgent(context.Background(), "ghost", types.AgentIdle)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRequeueExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	seedJobWithSubtasks(t, s, 1)

	st, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)

	// Backdate the assignment and the agent's heartbeat past both cutoffs.
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.db.Model(st).Update("assigned_at", past).Error)
	require.NoError(t, s.db.Table("agents").Where("id = ?", "agent-1").
		Update("last_heartbeat", past).Error)

	requeued, err := s.RequeueExpired(ctx, 10*time.Minute, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, st.ID, requeued[0].ID)

	got, err := s.GetSubtask(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SubtaskPending, got.Status)
	assert.Nil(t, got.AssignedTo)
}

func TestRequeueSkipsLiveAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerAgent(t, s, "agent-1")
	seedJobWithSubtasks(t, s, 1)

	st, _, err := s.ClaimOldestPending(ctx, "agent-1")
	require.NoError(t, err)

	// Lease expired, but the agent still heartbeats: leave it RUNNING.
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.db.Model(st).Update("assigned_at", past).Error)
	require.NoError(t, s.TouchAgent(ctx, "agent-1", types.AgentBusy))

	requeued, err := s.RequeueExpired(ctx, 10*time.Minute, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, requeued)
}

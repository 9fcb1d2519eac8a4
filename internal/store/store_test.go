package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/deploybot/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "deploybot.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(repo, ref, host string) *models.Job {
	return &models.Job{
		ID:        uuid.New().String(),
		Repo:      repo,
		Ref:       ref,
		Host:      host,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertJobDuplicateIdempotency(t *testing.T) {
	s := newTestStore(t)

	first := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(first))

	dup := newTestJob("acme/web", "refs/heads/main", "web-1")
	err := s.InsertJob(dup)
	assert.ErrorIs(t, err, models.ErrDuplicateIdempotency)

	// A different host is a different key.
	other := newTestJob("acme/web", "refs/heads/main", "web-2")
	assert.NoError(t, s.InsertJob(other))
}

func TestInsertJobAfterTerminalAllowed(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(job))

	_, err := s.ClaimJob(job.ID, "agent-1", time.Now())
	require.NoError(t, err)
	_, err = s.CompleteJob(job.ID, "agent-1", models.JobSuccess, "deployed", time.Now())
	require.NoError(t, err)

	// Terminal jobs do not hold the idempotency key.
	again := newTestJob("acme/web", "refs/heads/main", "web-1")
	assert.NoError(t, s.InsertJob(again))
}

func TestClaimJobCAS(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(job))

	claimed, err := s.ClaimJob(job.ID, "agent-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, claimed.Status)
	assert.Equal(t, "agent-1", claimed.AssignedAgent)
	require.NotNil(t, claimed.AssignedAt)

	// Second claimant loses.
	_, err = s.ClaimJob(job.ID, "agent-2", time.Now())
	assert.ErrorIs(t, err, models.ErrNotClaimable)

	// First winner is untouched.
	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AssignedAgent)
}

func TestClaimJobUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ClaimJob("no-such-job", "agent-1", time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCompleteJob(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(job))
	_, err := s.ClaimJob(job.ID, "agent-1", time.Now())
	require.NoError(t, err)

	done, err := s.CompleteJob(job.ID, "agent-1", models.JobSuccess, "deployed ok", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, done.Status)
	assert.Equal(t, "deployed ok", done.Result)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.CompletedAt)

	// Duplicate ack is reported distinctly.
	_, err = s.CompleteJob(job.ID, "agent-1", models.JobSuccess, "deployed ok", time.Now())
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestCompleteJobFailedRecordsError(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(job))
	_, err := s.ClaimJob(job.ID, "agent-1", time.Now())
	require.NoError(t, err)

	done, err := s.CompleteJob(job.ID, "agent-1", models.JobFailed, "compose up exited 1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, done.Status)
	assert.Equal(t, "compose up exited 1", done.Error)
	assert.Empty(t, done.Result)
}

func TestCompleteJobWrongAgent(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(job))
	_, err := s.ClaimJob(job.ID, "agent-1", time.Now())
	require.NoError(t, err)

	_, err = s.CompleteJob(job.ID, "agent-2", models.JobSuccess, "", time.Now())
	assert.ErrorIs(t, err, models.ErrNotAssignedToYou)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
}

func TestCompleteJobRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CompleteJob("any", "agent-1", models.JobRunning, "", time.Now())
	assert.Error(t, err)
}

func TestCancelJob(t *testing.T) {
	s := newTestStore(t)

	pending := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(pending))

	cancelled, err := s.CancelJob(pending.ID, "cancelled by operator", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	// Cancelling a terminal job reports ErrAlreadyTerminal.
	_, err = s.CancelJob(pending.ID, "again", time.Now())
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

	// Running jobs are cancellable too.
	running := newTestJob("acme/web", "refs/heads/dev", "web-1")
	require.NoError(t, s.InsertJob(running))
	_, err = s.ClaimJob(running.ID, "agent-1", time.Now())
	require.NoError(t, err)
	got, err := s.CancelJob(running.ID, "cancelled by operator", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
}

func TestRequeueJob(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(job))
	_, err := s.ClaimJob(job.ID, "agent-1", time.Now())
	require.NoError(t, err)

	requeued, err := s.RequeueJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, requeued.Status)
	assert.Empty(t, requeued.AssignedAgent)
	assert.Nil(t, requeued.AssignedAt)

	// Only running jobs requeue.
	_, err = s.RequeueJob(job.ID)
	assert.ErrorIs(t, err, models.ErrNotClaimable)
}

func TestPendingJobsInOrder(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i, host := range []string{"web-1", "web-2", "web-3"} {
		job := newTestJob("acme/web", "refs/heads/main", host)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.InsertJob(job))
	}

	jobs, err := s.PendingJobsInOrder()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "web-1", jobs[0].Host)
	assert.Equal(t, "web-3", jobs[2].Host)
}

func TestRunningJobsAssignedBefore(t *testing.T) {
	s := newTestStore(t)

	old := newTestJob("acme/web", "refs/heads/main", "web-1")
	require.NoError(t, s.InsertJob(old))
	_, err := s.ClaimJob(old.ID, "agent-1", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	fresh := newTestJob("acme/web", "refs/heads/main", "web-2")
	require.NoError(t, s.InsertJob(fresh))
	_, err = s.ClaimJob(fresh.ID, "agent-2", time.Now())
	require.NoError(t, err)

	orphans, err := s.RunningJobsAssignedBefore(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, old.ID, orphans[0].ID)
}

func TestJobPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := newTestJob("acme/web", "refs/heads/main", "web-1")
	job.Payload = json.RawMessage(`{"compose_file":"docker-compose.yml"}`)
	require.NoError(t, s.InsertJob(job))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
}

func TestAgentUpsertAndHeartbeat(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:            uuid.New().String(),
		Hostname:      "web-1",
		Capabilities:  map[string]bool{"docker": true},
		RegisteredAt:  now,
		LastHeartbeat: now,
		AgentVersion:  "1.4.0",
	}
	require.NoError(t, s.UpsertAgent(agent))

	later := now.Add(10 * time.Second)
	metrics := &models.HostMetrics{CPUPercent: 12.5, MemPercent: 40, DiskFreeGB: 120}
	require.NoError(t, s.TouchHeartbeat(agent.ID, later, metrics, nil))

	got, err := s.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-1", got.Hostname)
	assert.True(t, got.Capabilities["docker"])
	assert.WithinDuration(t, later, got.LastHeartbeat, time.Millisecond)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 12.5, got.Metrics.CPUPercent)
}

func TestTouchHeartbeatUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	err := s.TouchHeartbeat("ghost", time.Now(), nil, nil)
	assert.ErrorIs(t, err, models.ErrAgentUnknown)
}

func TestAppendAndReadLogs(t *testing.T) {
	s := newTestStore(t)

	jobID := uuid.New().String()
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, s.AppendLog(&models.LogChunk{
			JobID:     jobID,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Stream:    models.StreamStdout,
			Data:      []byte("line"),
		}))
	}

	// Duplicate sequence is dropped silently.
	require.NoError(t, s.AppendLog(&models.LogChunk{
		JobID:     jobID,
		Sequence:  3,
		Timestamp: time.Now().UTC(),
		Stream:    models.StreamStdout,
		Data:      []byte("dup"),
	}))

	chunks, err := s.ReadLogs(jobID, 3, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, uint64(3), chunks[0].Sequence)
	assert.Equal(t, []byte("line"), chunks[0].Data)

	max, err := s.MaxLogSequence(jobID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), max)

	max, err = s.MaxLogSequence("empty-job")
	require.NoError(t, err)
	assert.Zero(t, max)
}

func TestLogRetentionPrune(t *testing.T) {
	s, err := Open(Options{
		Type:            "sqlite",
		Path:            filepath.Join(t.TempDir(), "deploybot.db"),
		LogRetentionCap: 10,
	})
	require.NoError(t, err)
	defer s.Close()

	jobID := uuid.New().String()
	for seq := uint64(1); seq <= 25; seq++ {
		require.NoError(t, s.AppendLog(&models.LogChunk{
			JobID:     jobID,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Stream:    models.StreamStdout,
			Data:      []byte("x"),
		}))
	}

	chunks, err := s.ReadLogs(jobID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.LessOrEqual(t, len(chunks), 11)
	assert.Greater(t, chunks[0].Sequence, uint64(1))
	assert.Equal(t, uint64(25), chunks[len(chunks)-1].Sequence)
}

func TestChatSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	sess := &models.ChatSession{
		ID:           uuid.New().String(),
		UserID:       "default",
		Name:         "release planning",
		CreatedAt:    now,
		LastActivity: now,
	}
	require.NoError(t, s.CreateChatSession(sess))

	require.NoError(t, s.AppendChatMessage(&models.ChatMessage{
		SessionID: sess.ID,
		Role:      "user",
		Content:   "deploy acme/web to staging",
		Timestamp: now.Add(time.Minute),
	}))
	require.NoError(t, s.AppendChatMessage(&models.ChatMessage{
		SessionID: sess.ID,
		Role:      "assistant",
		Content:   "created job",
		Timestamp: now.Add(2 * time.Minute),
		Metadata:  json.RawMessage(`{"job_id":"j-1"}`),
	}))

	msgs, err := s.ListChatMessages(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.JSONEq(t, `{"job_id":"j-1"}`, string(msgs[1].Metadata))

	// Message append bumps activity.
	got, err := s.GetChatSession(sess.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(2*time.Minute), got.LastActivity, time.Millisecond)

	require.NoError(t, s.SetChatSessionArchived(sess.ID, true))
	active, err := s.ListChatSessions("default", false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.ListChatSessions("default", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteChatSession(sess.ID))
	_, err = s.GetChatSession(sess.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{postgres: true}
	assert.Equal(t, "SELECT $1, $2", s.rebind("SELECT ?, ?"))
	sq := &Store{postgres: false}
	assert.Equal(t, "SELECT ?, ?", sq.rebind("SELECT ?, ?"))
}

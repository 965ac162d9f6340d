package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err, "failed to create test database")
	require.NoError(t, store.Migrate(context.Background()), "failed to run migrations")

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func drain(ch chan ProgressUpdate) []ProgressUpdate {
	var out []ProgressUpdate
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sessionID := uuid.New()

	job, err := store.CreateJob(ctx, sessionID, "flight.mp4")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, sessionID, got.SessionID)
	assert.Equal(t, "flight.mp4", got.Filename)
	assert.Equal(t, StageUploading, got.Stage)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, StatusProcessing, StageProcessing, 40))
	require.NoError(t, store.AddProgressEvent(ctx, job.ID, StageProcessing, 40, "Processing video...", map[string]interface{}{"processed": 4}))
	require.NoError(t, store.UpdateJobResult(ctx, job.ID, map[string]int{"frames": 10}, true))

	withEvents, err := store.GetJobWithProgress(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, withEvents.Status)
	assert.Equal(t, 100, withEvents.Progress)
	assert.True(t, withEvents.Cached)
	assert.NotNil(t, withEvents.CompletedAt)
	assert.JSONEq(t, `{"frames":10}`, string(withEvents.Result))
	require.Len(t, withEvents.LatestEvents, 1)
	assert.JSONEq(t, `{"processed":4}`, string(withEvents.LatestEvents[0].Details))
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = store.LatestJobForSession(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreLatestJobForSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sessionID := uuid.New()

	_, err := store.CreateJob(ctx, sessionID, "a.mp4")
	require.NoError(t, err)
	second, err := store.CreateJob(ctx, sessionID, "b.mp4")
	require.NoError(t, err)
	_, err = store.CreateJob(ctx, uuid.New(), "other.mp4")
	require.NoError(t, err)

	latest, err := store.LatestJobForSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestStoreEventsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job, err := store.CreateJob(ctx, uuid.New(), "a.mp4")
	require.NoError(t, err)
	for p := 10; p <= 50; p += 10 {
		require.NoError(t, store.AddProgressEvent(ctx, job.ID, StageProcessing, p, "Processing video...", nil))
	}

	withEvents, err := store.GetJobWithProgress(ctx, job.ID, 3)
	require.NoError(t, err)
	require.Len(t, withEvents.LatestEvents, 3)
	assert.Equal(t, 30, withEvents.LatestEvents[0].Progress)
	assert.Equal(t, 50, withEvents.LatestEvents[2].Progress)
}

func TestStoreCleanupOldJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job, err := store.CreateJob(ctx, uuid.New(), "a.mp4")
	require.NoError(t, err)
	require.NoError(t, store.AddProgressEvent(ctx, job.ID, StageProcessing, 10, "x", nil))

	n, err := store.CleanupOldJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.CleanupOldJobs(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestManagerBroadcastsPerSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestStore(t), zap.NewNop())

	sessionID := uuid.New()
	ch := m.Subscribe(sessionID)
	other := m.Subscribe(uuid.New())

	job, err := m.CreateJob(ctx, sessionID, "a.mp4")
	require.NoError(t, err)
	require.NoError(t, m.EmitProgress(ctx, job, StageProcessing, 50, "Processing video...", nil))
	require.NoError(t, m.CompleteJob(ctx, job, map[string]int{"frames": 2}, false))

	updates := drain(ch)
	require.Len(t, updates, 3)
	assert.Equal(t, "status", updates[0].Event())
	assert.Equal(t, "progress", updates[1].Event())
	assert.Equal(t, 50, updates[1].Progress)
	assert.Equal(t, "complete", updates[2].Event())
	assert.Equal(t, float64(2), updates[2].Details["frames"])
	assert.Empty(t, drain(other))

	stored, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Finished())

	m.Unsubscribe(sessionID, ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestManagerErrorAndCancel(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestStore(t), zap.NewNop())
	sessionID := uuid.New()
	ch := m.Subscribe(sessionID)

	failed, err := m.CreateJob(ctx, sessionID, "bad.mp4")
	require.NoError(t, err)
	require.NoError(t, m.EmitError(ctx, failed, "Error reading video file. Please try again with a valid video."))

	cancelled, err := m.CreateJob(ctx, sessionID, "slow.mp4")
	require.NoError(t, err)
	require.NoError(t, m.CancelJob(ctx, cancelled))

	got, err := m.GetJob(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StageFailed, got.Stage)

	got, err = m.GetJob(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	latest, err := m.LatestForSession(ctx, sessionID, 5)
	require.NoError(t, err)
	assert.Equal(t, cancelled.ID, latest.ID)

	var errorEvents int
	for _, u := range drain(ch) {
		if u.Event() == "error" {
			errorEvents++
		}
	}
	assert.Equal(t, 2, errorEvents)
}

func TestProgressReporterPersistsPercentChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := NewManager(store, zap.NewNop())
	sessionID := uuid.New()

	job, err := m.CreateJob(ctx, sessionID, "a.mp4")
	require.NoError(t, err)
	ch := m.Subscribe(sessionID)

	r := m.NewProgressReporter(ctx, job)
	for k := 1; k <= 400; k++ {
		r.Report(k, 400)
	}
	r.Clear()

	withEvents, err := store.GetJobWithProgress(ctx, job.ID, 1000)
	require.NoError(t, err)
	// One event for the first frame at 0%, then one per percent.
	assert.Len(t, withEvents.LatestEvents, 101)
	assert.Equal(t, 100, withEvents.Progress)

	updates := drain(ch)
	require.Len(t, updates, 64)
	assert.Equal(t, 1, updates[0].Processed)
	assert.Equal(t, 400, updates[0].Total)
	assert.InDelta(t, 0.0025, updates[0].Fraction, 1e-9)
}

func TestSlowSubscriberStillGetsCompletion(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestStore(t), zap.NewNop())
	sessionID := uuid.New()
	job, err := m.CreateJob(ctx, sessionID, "a.mp4")
	require.NoError(t, err)
	ch := m.Subscribe(sessionID)

	r := m.NewProgressReporter(ctx, job)
	for k := 1; k <= 100; k++ {
		r.Report(k, 100)
	}
	require.NoError(t, m.CompleteJob(ctx, job, map[string]int{"frames": 100}, false))

	updates := drain(ch)
	require.Len(t, updates, 64)
	last := updates[len(updates)-1]
	assert.Equal(t, "complete", last.Event())
	assert.True(t, last.Final())
	for _, u := range updates[:len(updates)-1] {
		assert.False(t, u.Final())
	}
}

func TestSlowSubscriberStillGetsError(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestStore(t), zap.NewNop())
	sessionID := uuid.New()
	job, err := m.CreateJob(ctx, sessionID, "a.mp4")
	require.NoError(t, err)
	ch := m.Subscribe(sessionID)

	r := m.NewProgressReporter(ctx, job)
	for k := 1; k <= 80; k++ {
		r.Report(k, 100)
	}
	require.NoError(t, m.EmitError(ctx, job, "boom"))

	updates := drain(ch)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, "error", last.Event())
	assert.Equal(t, "boom", last.Message)
}

func TestProgressReporterIndeterminate(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newTestStore(t), zap.NewNop())
	sessionID := uuid.New()
	job, err := m.CreateJob(ctx, sessionID, "a.mp4")
	require.NoError(t, err)
	ch := m.Subscribe(sessionID)

	r := m.NewProgressReporter(ctx, job)
	r.Report(1, 0)
	r.Report(2, 0)
	r.Clear()

	updates := drain(ch)
	require.Len(t, updates, 3)
	assert.True(t, updates[0].Indeterminate)
	assert.Zero(t, updates[1].Fraction)
	assert.True(t, updates[2].Hidden)
}

func TestFormatSSEMessage(t *testing.T) {
	msg, err := FormatSSEMessage(ProgressUpdate{Stage: StageCompleted, Progress: 100})
	require.NoError(t, err)
	assert.Contains(t, msg, "event: complete\n")

	var payload map[string]interface{}
	data := msg[len("event: complete\ndata: ") : len(msg)-2]
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, float64(100), payload["progress"])
}

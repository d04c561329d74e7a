package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-sync/inkwell/fetch"
	"github.com/inkwell-sync/inkwell/models"
	"github.com/inkwell-sync/inkwell/store"
	"github.com/inkwell-sync/inkwell/sync"
)

func testController(t *testing.T, f *fakeClient, opts sync.Options) (*sync.Controller, *store.Store) {
	t.Helper()
	st, images := testStore(t)
	orch := sync.NewOrchestrator(st, f, images, opts)
	limiter := fetch.NewLimiter(fetch.LimiterConfig{RequestsPerMinute: 100_000, Burst: 1_000})
	ctrl := sync.NewController(st, orch, limiter, sync.ControllerConfig{
		JobTimeout:      time.Minute,
		MaxParallelJobs: 2,
	})
	return ctrl, st
}

func waitTerminal(t *testing.T, c *sync.Controller, jobID string) *models.SyncJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := c.Status(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func waitStatus(t *testing.T, c *sync.Controller, jobID string, want models.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := c.Status(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return
		}
		if job.Status.Terminal() {
			t.Fatalf("job %s reached %s while waiting for %s", jobID, job.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	seedHierarchy(f)
	c, st := testController(t, f, sync.Options{})

	job, err := c.Submit(ctx, models.GlobalScope(), models.SyncFull, "test")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.True(t, job.CanCancel)

	final := waitTerminal(t, c, job.JobID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 4, final.PagesProcessed)
	assert.Equal(t, 4, final.PagesAdded)
	assert.False(t, final.CanPause)
	assert.False(t, final.CanCancel)
	require.NotNil(t, final.CompletedAt)

	// finalization wrote the audit record and released the scope
	history, err := st.RecentSyncHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeSuccess, history[0].Status)
	assert.Equal(t, job.JobID, history[0].JobID)
	assert.Equal(t, "test", history[0].TriggeredBy)
	assert.Equal(t, 4, history[0].PagesFetched)

	state, err := st.GetSyncState(ctx, models.GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, state.Status)
	require.NotNil(t, state.LastFullSyncAt)
	assert.Equal(t, 4, state.TotalPagesSynced)
}

func TestSubmitRejectsBusyScope(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	seedHierarchy(f)
	f.contentDelay = 50 * time.Millisecond
	c, _ := testController(t, f, sync.Options{BatchSize: 1})

	job, err := c.Submit(ctx, models.GlobalScope(), models.SyncFull, "test")
	require.NoError(t, err)

	_, err = c.Submit(ctx, models.GlobalScope(), models.SyncFull, "test")
	assert.ErrorIs(t, err, store.ErrScopeBusy)

	// a different scope is unaffected
	other := models.Scope{Kind: models.ScopeSection, ID: "sec3"}
	otherJob, err := c.Submit(ctx, other, models.SyncFull, "test")
	require.NoError(t, err)

	waitTerminal(t, c, job.JobID)
	waitTerminal(t, c, otherJob.JobID)

	// after completion the scope accepts new submissions
	again, err := c.Submit(ctx, models.GlobalScope(), models.SyncIncremental, "test")
	require.NoError(t, err)
	waitTerminal(t, c, again.JobID)
}

func TestCancelRunningJob(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	seedHierarchy(f)
	f.contentDelay = 30 * time.Millisecond
	c, st := testController(t, f, sync.Options{BatchSize: 1})

	job, err := c.Submit(ctx, models.GlobalScope(), models.SyncFull, "test")
	require.NoError(t, err)

	waitStatus(t, c, job.JobID, models.JobRunning)
	require.NoError(t, c.Cancel(ctx, job.JobID))

	final := waitTerminal(t, c, job.JobID)
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Less(t, final.PagesProcessed, 4)

	history, err := st.RecentSyncHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeCancelled, history[0].Status)

	// cancellation released the scope
	require.NoError(t, st.BeginScopeSync(ctx, models.GlobalScope()))
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	seedHierarchy(f)
	f.contentDelay = 20 * time.Millisecond
	c, st := testController(t, f, sync.Options{BatchSize: 1})

	job, err := c.Submit(ctx, models.GlobalScope(), models.SyncFull, "test")
	require.NoError(t, err)

	waitStatus(t, c, job.JobID, models.JobRunning)
	require.NoError(t, c.Pause(ctx, job.JobID))

	paused, err := c.Status(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, paused.Status)

	// a paused job cannot be paused again
	assert.ErrorIs(t, c.Pause(ctx, job.JobID), sync.ErrJobNotActive)

	state, err := st.GetSyncState(ctx, models.GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, state.Status)

	require.NoError(t, c.Resume(ctx, job.JobID))

	final := waitTerminal(t, c, job.JobID)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 4, final.PagesProcessed)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		assert.Equal(t, 1, f.fetchCount(id), "resume must not reprocess page %s", id)
	}
}

func TestFinalizeReleasesScopeWhenJobRowVanishes(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	seedHierarchy(f)
	f.contentDelay = 30 * time.Millisecond

	st, images, db := testStoreDB(t)
	orch := sync.NewOrchestrator(st, f, images, sync.Options{BatchSize: 1})
	limiter := fetch.NewLimiter(fetch.LimiterConfig{RequestsPerMinute: 100_000, Burst: 1_000})
	c := sync.NewController(st, orch, limiter, sync.ControllerConfig{
		JobTimeout:      time.Minute,
		MaxParallelJobs: 1,
	})

	blocker, err := c.Submit(ctx, models.Scope{Kind: models.ScopeNotebook, ID: "nb1"}, models.SyncFull, "test")
	require.NoError(t, err)
	waitStatus(t, c, blocker.JobID, models.JobRunning)

	// queued behind the single worker slot; its row vanishes before its run
	// ever loads it
	scope := models.Scope{Kind: models.ScopeNotebook, ID: "nb2"}
	victim, err := c.Submit(ctx, scope, models.SyncFull, "test")
	require.NoError(t, err)
	require.NoError(t, db.Where("job_id = ?", victim.JobID).Delete(&models.SyncJob{}).Error)

	require.NoError(t, c.Cancel(ctx, blocker.JobID))
	waitTerminal(t, c, blocker.JobID)

	// the failed run must still finalize: scope released, history recorded
	deadline := time.Now().Add(10 * time.Second)
	for {
		state, err := st.GetSyncState(ctx, scope)
		require.NoError(t, err)
		if state.Status == models.StateError {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("scope %s never released, stuck in %s", scope.Key(), state.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	history, err := st.RecentSyncHistory(ctx, 10)
	require.NoError(t, err)
	found := false
	for _, rec := range history {
		if rec.JobID == victim.JobID {
			found = true
			assert.Equal(t, models.OutcomeFailed, rec.Status)
		}
	}
	assert.True(t, found, "failed run leaves an audit record")

	// the scope accepts submissions again
	again, err := c.Submit(ctx, scope, models.SyncFull, "test")
	require.NoError(t, err)
	final := waitTerminal(t, c, again.JobID)
	assert.Equal(t, models.JobCompleted, final.Status)
}

func TestControlUnknownJob(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	c, _ := testController(t, f, sync.Options{})

	_, err := c.Status(ctx, "nope")
	assert.ErrorIs(t, err, sync.ErrJobNotFound)
	assert.ErrorIs(t, c.Pause(ctx, "nope"), sync.ErrJobNotFound)
	assert.ErrorIs(t, c.Cancel(ctx, "nope"), sync.ErrJobNotFound)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	ctx := context.Background()
	f := newFakeClient()
	seedHierarchy(f)
	c, _ := testController(t, f, sync.Options{})

	job, err := c.Submit(ctx, models.GlobalScope(), models.SyncFull, "test")
	require.NoError(t, err)
	waitTerminal(t, c, job.JobID)

	assert.ErrorIs(t, c.Cancel(ctx, job.JobID), sync.ErrJobNotActive)
}

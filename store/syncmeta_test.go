package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-sync/inkwell/models"
	"github.com/inkwell-sync/inkwell/store"
)

func TestBeginScopeSyncSingleFlight(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	scope := models.Scope{Kind: models.ScopeNotebook, ID: "nb1", Name: "Research"}

	require.NoError(t, st.BeginScopeSync(ctx, scope))

	err := st.BeginScopeSync(ctx, scope)
	assert.ErrorIs(t, err, store.ErrScopeBusy)

	// a paused scope is still held
	require.NoError(t, st.TransitionScopeStatus(ctx, scope, models.StateSyncing, models.StatePaused))
	assert.ErrorIs(t, st.BeginScopeSync(ctx, scope), store.ErrScopeBusy)

	// other scopes are unaffected
	other := models.Scope{Kind: models.ScopeNotebook, ID: "nb2"}
	require.NoError(t, st.BeginScopeSync(ctx, other))

	// finalizing releases the hold
	require.NoError(t, st.FinalizeScopeSync(ctx, scope, store.ScopeSyncUpdate{
		Strategy: models.SyncFull,
		Status:   models.StateCompleted,
	}))
	require.NoError(t, st.BeginScopeSync(ctx, scope))
}

func TestFinalizeScopeSync(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	scope := models.GlobalScope()

	require.NoError(t, st.BeginScopeSync(ctx, scope))
	require.NoError(t, st.FinalizeScopeSync(ctx, scope, store.ScopeSyncUpdate{
		Strategy:     models.SyncFull,
		Status:       models.StateCompleted,
		PagesSynced:  10,
		PagesAdded:   10,
		Duration:     3 * time.Second,
		APICalls:     14,
		AvgLatencyMs: 120,
	}))

	state, err := st.GetSyncState(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, state.Status)
	assert.Equal(t, 10, state.TotalPagesSynced)
	assert.Equal(t, 10, state.PagesAddedLastSync)
	assert.Equal(t, 14, state.APICallsLastSync)
	require.NotNil(t, state.LastFullSyncAt)
	assert.Nil(t, state.LastIncrementalSyncAt)

	require.NoError(t, st.BeginScopeSync(ctx, scope))
	require.NoError(t, st.FinalizeScopeSync(ctx, scope, store.ScopeSyncUpdate{
		Strategy:    models.SyncIncremental,
		Status:      models.StateCompleted,
		PagesSynced: 3,
	}))

	state, err = st.GetSyncState(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 13, state.TotalPagesSynced, "totals accumulate across runs")
	require.NotNil(t, state.LastIncrementalSyncAt)
}

func TestFinalizeScopeSyncError(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	scope := models.GlobalScope()

	require.NoError(t, st.BeginScopeSync(ctx, scope))
	require.NoError(t, st.FinalizeScopeSync(ctx, scope, store.ScopeSyncUpdate{
		Strategy:  models.SyncFull,
		Status:    models.StateError,
		LastError: "upstream quota retries exhausted",
	}))

	state, err := st.GetSyncState(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, state.Status)
	assert.Equal(t, "upstream quota retries exhausted", state.LastSyncError)

	// an errored scope can be retried
	require.NoError(t, st.BeginScopeSync(ctx, scope))
}

func TestSyncJobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	scope := models.Scope{Kind: models.ScopeSection, ID: "sec1"}

	job := &models.SyncJob{
		JobID:     "job-1",
		SyncType:  models.SyncFull,
		ScopeKind: scope.Kind,
		ScopeID:   scope.ID,
		Status:    models.JobQueued,
		CanPause:  true,
		CanCancel: true,
	}
	require.NoError(t, st.CreateSyncJob(ctx, job))

	active, err := st.ActiveJobForScope(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "job-1", active.JobID)

	job.Status = models.JobRunning
	job.PagesProcessed = 5
	require.NoError(t, st.UpdateSyncJob(ctx, job))

	got, err := st.GetSyncJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.Equal(t, 5, got.PagesProcessed)

	job.Status = models.JobCompleted
	job.CanPause = false
	job.CanCancel = false
	require.NoError(t, st.UpdateSyncJob(ctx, job))

	active, err = st.ActiveJobForScope(ctx, scope)
	require.NoError(t, err)
	assert.Nil(t, active, "terminal jobs are not active")

	_, err = st.GetSyncJob(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionSyncJobGuardsStaleWrites(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	job := &models.SyncJob{
		JobID:     "job-cas",
		SyncType:  models.SyncFull,
		ScopeKind: models.ScopeGlobal,
		Status:    models.JobRunning,
		CanPause:  true,
		CanCancel: true,
	}
	require.NoError(t, st.CreateSyncJob(ctx, job))

	// running -> paused applies
	require.NoError(t, st.TransitionSyncJob(ctx, "job-cas", models.JobRunning, map[string]any{
		"status":    models.JobPaused,
		"can_pause": false,
	}))
	got, err := st.GetSyncJob(ctx, "job-cas")
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, got.Status)
	assert.False(t, got.CanPause)

	// a second pause from the same stale running snapshot misses
	err = st.TransitionSyncJob(ctx, "job-cas", models.JobRunning, map[string]any{
		"status": models.JobPaused,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// once the row is terminal, no control transition can revive it
	require.NoError(t, st.UpdateSyncJobFields(ctx, "job-cas", map[string]any{
		"status": models.JobCompleted,
	}))
	err = st.TransitionSyncJob(ctx, "job-cas", models.JobPaused, map[string]any{
		"status": models.JobRunning,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err = st.GetSyncJob(ctx, "job-cas")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestTransitionScopeStatusSkipsWhenMoved(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	scope := models.Scope{Kind: models.ScopeNotebook, ID: "nb-cas"}

	require.NoError(t, st.BeginScopeSync(ctx, scope))
	require.NoError(t, st.TransitionScopeStatus(ctx, scope, models.StateSyncing, models.StatePaused))

	state, err := st.GetSyncState(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, state.Status)

	require.NoError(t, st.TransitionScopeStatus(ctx, scope, models.StatePaused, models.StateSyncing))
	require.NoError(t, st.FinalizeScopeSync(ctx, scope, store.ScopeSyncUpdate{
		Strategy: models.SyncFull,
		Status:   models.StateCompleted,
	}))

	// a pause that lost the race against finalize is a silent no-op, so the
	// scope is never wedged in paused after its job already completed
	require.NoError(t, st.TransitionScopeStatus(ctx, scope, models.StateSyncing, models.StatePaused))
	state, err = st.GetSyncState(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, state.Status)

	require.NoError(t, st.BeginScopeSync(ctx, scope))
}

func TestRecentSyncHistory(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.CreateSyncHistory(ctx, &models.SyncHistory{
			SyncType:  models.SyncFull,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    models.OutcomeSuccess,
			JobID:     "job",
		}))
	}

	history, err := st.RecentSyncHistory(ctx, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].StartedAt.After(history[1].StartedAt), "newest first")
}

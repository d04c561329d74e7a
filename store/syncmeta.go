package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/inkwell-sync/inkwell/models"
)

func (s *Store) GetSyncState(ctx context.Context, scope models.Scope) (*models.SyncState, error) {
	var state models.SyncState
	err := s.db.WithContext(ctx).
		First(&state, "scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

// BeginScopeSync transitions a scope into 'syncing'. The transition is a
// compare-and-set guarded by the current status being idle, error, or
// completed; a scope already syncing or paused yields ErrScopeBusy.
func (s *Store) BeginScopeSync(ctx context.Context, scope models.Scope) error {
	state := models.SyncState{
		ScopeKind: scope.Kind,
		ScopeID:   scope.ID,
		ScopeName: scope.Name,
		Status:    models.StateIdle,
	}
	if err := s.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).
		FirstOrCreate(&state).Error; err != nil {
		return err
	}

	resp := s.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("scope_kind = ? AND scope_id = ? AND status IN ?",
			scope.Kind, scope.ID,
			[]models.SyncStateStatus{models.StateIdle, models.StateError, models.StateCompleted}).
		Update("status", models.StateSyncing)
	if resp.Error != nil {
		return resp.Error
	}
	if resp.RowsAffected == 0 {
		return ErrScopeBusy
	}
	return nil
}

// TransitionScopeStatus moves a scope between non-terminal statuses while a
// job holds it. The write is a compare-and-set on the current status; if the
// scope has already moved on (a concurrent finalize won the race) the write
// is silently skipped so a terminal state is never overwritten. Terminal
// transitions go through FinalizeScopeSync instead.
func (s *Store) TransitionScopeStatus(ctx context.Context, scope models.Scope, from, to models.SyncStateStatus) error {
	return s.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("scope_kind = ? AND scope_id = ? AND status = ?", scope.Kind, scope.ID, from).
		Update("status", to).Error
}

// ScopeSyncUpdate carries the last-run statistics written when a job
// reaches a terminal state.
type ScopeSyncUpdate struct {
	Strategy      models.SyncStrategy
	Status        models.SyncStateStatus
	PagesSynced   int
	PagesAdded    int
	PagesUpdated  int
	PagesDeleted  int
	Duration      time.Duration
	LastError     string
	APICalls      int
	AvgLatencyMs  int64
	NextSyncDueAt *time.Time
}

// FinalizeScopeSync records the outcome of a run on the scope's state row,
// releasing the syncing/paused hold in the same write.
func (s *Store) FinalizeScopeSync(ctx context.Context, scope models.Scope, upd ScopeSyncUpdate) error {
	now := time.Now()
	updates := map[string]any{
		"status":                  upd.Status,
		"total_pages_synced":      gorm.Expr("total_pages_synced + ?", upd.PagesSynced),
		"pages_added_last_sync":   upd.PagesAdded,
		"pages_updated_last_sync": upd.PagesUpdated,
		"pages_deleted_last_sync": upd.PagesDeleted,
		"last_sync_duration_secs": int(upd.Duration.Seconds()),
		"last_sync_error":         upd.LastError,
		"api_calls_last_sync":     upd.APICalls,
		"avg_api_latency_ms":      upd.AvgLatencyMs,
	}
	switch upd.Strategy {
	case models.SyncFull:
		updates["last_full_sync_at"] = now
	case models.SyncIncremental:
		updates["last_incremental_sync_at"] = now
	}
	if upd.NextSyncDueAt != nil {
		updates["next_sync_due_at"] = *upd.NextSyncDueAt
	}

	return s.db.WithContext(ctx).Model(&models.SyncState{}).
		Where("scope_kind = ? AND scope_id = ?", scope.Kind, scope.ID).
		Updates(updates).Error
}

// CreateSyncHistory appends an audit record; rows are never mutated after
// their completion fields are filled in.
func (s *Store) CreateSyncHistory(ctx context.Context, rec *models.SyncHistory) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *Store) RecentSyncHistory(ctx context.Context, limit int) ([]models.SyncHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.SyncHistory
	if err := s.db.WithContext(ctx).
		Order("started_at desc").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	return s.db.WithContext(ctx).Save(job).Error
}

// UpdateSyncJobFields writes only the named columns, so concurrent writers
// of disjoint fields (progress vs. control status) cannot clobber each
// other.
func (s *Store) UpdateSyncJobFields(ctx context.Context, jobID string, fields map[string]any) error {
	resp := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("job_id = ?", jobID).
		Updates(fields)
	if resp.Error != nil {
		return resp.Error
	}
	if resp.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionSyncJob writes the named columns only if the job's current
// status matches from, so a control transition read from a stale snapshot
// can never overwrite a terminal row. Zero matched rows yields ErrNotFound.
func (s *Store) TransitionSyncJob(ctx context.Context, jobID string, from models.JobStatus, fields map[string]any) error {
	resp := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("job_id = ? AND status = ?", jobID, from).
		Updates(fields)
	if resp.Error != nil {
		return resp.Error
	}
	if resp.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSyncJob(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	if err := s.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ActiveJobForScope returns any non-terminal job for the scope, or nil.
// Terminal job rows are retained as archive alongside their history record.
func (s *Store) ActiveJobForScope(ctx context.Context, scope models.Scope) (*models.SyncJob, error) {
	var job models.SyncJob
	err := s.db.WithContext(ctx).
		Where("scope_kind = ? AND scope_id = ? AND status IN ?",
			scope.Kind, scope.ID,
			[]models.JobStatus{models.JobQueued, models.JobRunning, models.JobPaused}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

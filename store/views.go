package store

import (
	"context"
	"time"

	"github.com/inkwell-sync/inkwell/models"
)

// ActiveDocuments lists documents that have not been soft-deleted.
func (s *Store) ActiveDocuments(ctx context.Context) ([]models.CachedDocument, error) {
	var docs []models.CachedDocument
	if err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("page_id asc").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// DocumentsNeedingIndexing is the read view handed to the downstream
// indexing consumer: active documents whose content is newer than the last
// successful indexing pass.
func (s *Store) DocumentsNeedingIndexing(ctx context.Context) ([]models.CachedDocument, error) {
	var docs []models.CachedDocument
	if err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND (indexed_at IS NULL OR indexed_at < last_synced_at)", false).
		Order("last_synced_at asc").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// StaleDocuments lists active documents last synced before the cutoff.
func (s *Store) StaleDocuments(ctx context.Context, cutoff time.Time) ([]models.CachedDocument, error) {
	var docs []models.CachedDocument
	if err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND last_synced_at < ?", false, cutoff).
		Order("last_synced_at asc").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// CacheStats aggregates the health dashboard. staleCutoff bounds what counts
// as stale; failures are counted over the most recent day of history.
func (s *Store) CacheStats(ctx context.Context, staleCutoff time.Time) (*models.CacheStats, error) {
	db := s.db.WithContext(ctx)
	var stats models.CacheStats

	if err := db.Model(&models.CachedDocument{}).
		Where("is_deleted = ?", false).
		Count(&stats.TotalDocuments).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.CachedImage{}).Count(&stats.TotalImages).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.CachedDocument{}).
		Where("is_deleted = ? AND (indexed_at IS NULL OR indexed_at < last_synced_at)", false).
		Count(&stats.UnindexedDocuments).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.CachedDocument{}).
		Where("is_deleted = ? AND last_synced_at < ?", false, staleCutoff).
		Count(&stats.StaleDocuments).Error; err != nil {
		return nil, err
	}

	global := models.GlobalScope()
	state, err := s.GetSyncState(ctx, global)
	if err == nil {
		stats.LastFullSync = state.LastFullSyncAt
		stats.LastIncrementalSync = state.LastIncrementalSyncAt
	} else if err != ErrNotFound {
		return nil, err
	}

	if err := db.Model(&models.SyncHistory{}).
		Where("status IN ? AND started_at > ?",
			[]models.SyncOutcome{models.OutcomeFailed, models.OutcomePartialSuccess},
			time.Now().Add(-24*time.Hour)).
		Count(&stats.RecentFailures).Error; err != nil {
		return nil, err
	}

	switch {
	case stats.RecentFailures > 0:
		stats.SyncHealth = "error"
	case stats.LastFullSync == nil && stats.LastIncrementalSync == nil:
		stats.SyncHealth = "needs_sync"
	case stats.StaleDocuments > 100:
		stats.SyncHealth = "needs_sync"
	default:
		stats.SyncHealth = "healthy"
	}

	return &stats, nil
}

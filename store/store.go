// Package store implements the durable cache of mirrored documents,
// images, and sync bookkeeping (state, history, live jobs) on top of gorm.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/sha256-simd"
	"gorm.io/gorm"

	"github.com/inkwell-sync/inkwell/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrScopeBusy is returned when a sync is requested for a scope that is
// already syncing or paused.
var ErrScopeBusy = errors.New("sync already active for scope")

type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	// read-through cache for document lookups on the sync hot path
	docCache *lru.Cache[string, *models.CachedDocument]
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&models.CachedDocument{},
		&models.CachedImage{},
		&models.SyncState{},
		&models.SyncHistory{},
		&models.SyncJob{},
	); err != nil {
		return nil, fmt.Errorf("migrating cache schema: %w", err)
	}

	docCache, err := lru.New[string, *models.CachedDocument](10_000)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:       db,
		logger:   slog.Default().With("system", "store"),
		docCache: docCache,
	}, nil
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}

// ContentHash is the identity used to detect unchanged page content.
func ContentHash(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])
}

// GetDocument returns a copy of the cached row; the entry held by the LRU
// is shared across readers and must never be handed out for mutation.
func (s *Store) GetDocument(ctx context.Context, pageID string) (*models.CachedDocument, error) {
	if doc, ok := s.docCache.Get(pageID); ok {
		out := *doc
		return &out, nil
	}

	var doc models.CachedDocument
	if err := s.db.WithContext(ctx).First(&doc, "page_id = ?", pageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.docCache.Add(pageID, &doc)
	out := doc
	return &out, nil
}

// UpsertResult describes what a document upsert actually did.
type UpsertResult struct {
	Created bool
	Updated bool
	// Refreshed means the content hash was unchanged and only
	// LastSyncedAt advanced.
	Refreshed bool
}

// UpsertDocument writes a document and its image rows in one transaction.
//
// If the content hash is unchanged from the cached row, only LastSyncedAt is
// refreshed (and a tombstone is cleared if the page reappeared upstream).
// A changed hash overwrites content fields, strictly increments SyncVersion,
// clears IndexedAt so the consumer re-indexes, and replaces the image rows.
func (s *Store) UpsertDocument(ctx context.Context, doc *models.CachedDocument, images []models.CachedImage) (UpsertResult, error) {
	var res UpsertResult
	now := time.Now()

	if doc.ContentHash == "" {
		doc.ContentHash = ContentHash(doc.HTMLContent)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.CachedDocument
		err := tx.First(&existing, "page_id = ?", doc.PageID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			doc.SyncVersion = 1
			doc.LastSyncedAt = now
			doc.IsDeleted = false
			doc.ImageCount = len(images)
			if err := tx.Create(doc).Error; err != nil {
				return err
			}
			res.Created = true
		case err != nil:
			return err
		case existing.ContentHash == doc.ContentHash:
			updates := map[string]any{
				"last_synced_at": now,
				"is_deleted":     false,
			}
			if err := tx.Model(&models.CachedDocument{}).
				Where("page_id = ?", doc.PageID).
				Updates(updates).Error; err != nil {
				return err
			}
			res.Refreshed = true
			return nil
		default:
			doc.SyncVersion = existing.SyncVersion + 1
			doc.LastSyncedAt = now
			doc.IsDeleted = false
			doc.IndexedAt = nil
			doc.ChunkCount = 0
			doc.ImageCount = len(images)
			doc.CreatedAt = existing.CreatedAt
			if err := tx.Save(doc).Error; err != nil {
				return err
			}
			res.Updated = true
		}

		// replace image rows alongside the content they came from
		if err := tx.Where("page_id = ?", doc.PageID).Delete(&models.CachedImage{}).Error; err != nil {
			return err
		}
		for i := range images {
			images[i].ID = 0
			images[i].PageID = doc.PageID
			images[i].ImageIndex = i
			if err := tx.Create(&images[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}

	s.docCache.Remove(doc.PageID)
	return res, nil
}

// MarkDocumentDeleted soft-deletes a document. The row is retained as a
// tombstone so the indexing consumer can retract previously emitted chunks.
func (s *Store) MarkDocumentDeleted(ctx context.Context, pageID string) error {
	resp := s.db.WithContext(ctx).Model(&models.CachedDocument{}).
		Where("page_id = ?", pageID).
		Update("is_deleted", true)
	if resp.Error != nil {
		return resp.Error
	}
	if resp.RowsAffected == 0 {
		return ErrNotFound
	}
	s.docCache.Remove(pageID)
	return nil
}

// MarkIndexed is the only write path for consumer-owned indexing status.
func (s *Store) MarkIndexed(ctx context.Context, pageID string, chunkCount, imageCount int) error {
	resp := s.db.WithContext(ctx).Model(&models.CachedDocument{}).
		Where("page_id = ?", pageID).
		Updates(map[string]any{
			"indexed_at":  time.Now(),
			"chunk_count": chunkCount,
			"image_count": imageCount,
		})
	if resp.Error != nil {
		return resp.Error
	}
	if resp.RowsAffected == 0 {
		return ErrNotFound
	}
	s.docCache.Remove(pageID)
	return nil
}

// PageIDs returns the identifiers currently cached within a scope, used for
// deletion-by-absence reconciliation.
func (s *Store) PageIDs(ctx context.Context, scope models.Scope, includeDeleted bool) (map[string]struct{}, error) {
	q := s.db.WithContext(ctx).Model(&models.CachedDocument{})
	switch scope.Kind {
	case models.ScopeNotebook:
		q = q.Where("notebook_id = ?", scope.ID)
	case models.ScopeSection:
		q = q.Where("section_id = ?", scope.ID)
	}
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}

	var ids []string
	if err := q.Pluck("page_id", &ids).Error; err != nil {
		return nil, err
	}

	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) ImagesForPage(ctx context.Context, pageID string) ([]models.CachedImage, error) {
	var images []models.CachedImage
	if err := s.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Order("image_index asc").
		Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

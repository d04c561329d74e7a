package models

import (
	"time"
)

// SyncStrategy selects how much of the upstream hierarchy a run re-fetches.
type SyncStrategy string

const (
	SyncFull        = SyncStrategy("full")
	SyncIncremental = SyncStrategy("incremental")
	SyncSmart       = SyncStrategy("smart")
)

// ScopeKind is the enumeration boundary of a sync run.
type ScopeKind string

const (
	ScopeGlobal   = ScopeKind("global")
	ScopeNotebook = ScopeKind("notebook")
	ScopeSection  = ScopeKind("section")
)

// Scope identifies what a sync run covers. A global scope has an empty ID.
type Scope struct {
	Kind ScopeKind
	ID   string
	Name string
}

func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal, ID: "global", Name: "All Documents"}
}

// Key returns a stable string identifying this scope, used for
// single-flight checks and SyncState rows.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

type JobStatus string

const (
	JobQueued    = JobStatus("queued")
	JobRunning   = JobStatus("running")
	JobPaused    = JobStatus("paused")
	JobCompleted = JobStatus("completed")
	JobFailed    = JobStatus("failed")
	JobCancelled = JobStatus("cancelled")
)

// Terminal reports whether a job in this status will never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

type SyncOutcome string

const (
	OutcomeSuccess        = SyncOutcome("success")
	OutcomePartialSuccess = SyncOutcome("partial_success")
	OutcomeFailed         = SyncOutcome("failed")
	OutcomeCancelled      = SyncOutcome("cancelled")
)

type SyncStateStatus string

const (
	StateIdle      = SyncStateStatus("idle")
	StateSyncing   = SyncStateStatus("syncing")
	StateError     = SyncStateStatus("error")
	StatePaused    = SyncStateStatus("paused")
	StateCompleted = SyncStateStatus("completed")
)

// CachedDocument is the local mirror of one upstream page. The page ID is
// assigned upstream and immutable. Content fields are written only by the
// sync orchestrator; IndexedAt/ChunkCount/ImageCount are written only via
// Store.MarkIndexed by the downstream indexing consumer.
type CachedDocument struct {
	PageID      string `gorm:"primaryKey"`
	HTMLContent string `gorm:"type:text"`
	PlainText   string `gorm:"type:text"`

	NotebookID   string `gorm:"index"`
	NotebookName string
	SectionID    string `gorm:"index"`
	SectionName  string
	PageTitle    string

	Author       string
	CreatedDate  *time.Time
	ModifiedDate time.Time
	SourceURL    string
	Tags         string `gorm:"type:text"` // JSON array

	// ContentHash is a sha256 over the raw HTML; upserts with an unchanged
	// hash refresh LastSyncedAt without bumping SyncVersion.
	ContentHash  string
	LastSyncedAt time.Time `gorm:"index"`
	SyncVersion  int64
	IsDeleted    bool `gorm:"index"`

	IndexedAt  *time.Time
	ChunkCount int
	ImageCount int

	ExtraMetadata string `gorm:"type:text"` // JSON object

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsIndexing reports whether the document's content is newer than the
// last successful indexing pass.
func (d *CachedDocument) NeedsIndexing() bool {
	if d.IsDeleted {
		return false
	}
	return d.IndexedAt == nil || d.IndexedAt.Before(d.LastSyncedAt)
}

// CachedImage is one embedded asset of a cached document. Rows are replaced
// wholesale with their document and cannot outlive it.
type CachedImage struct {
	ID         uint   `gorm:"primaryKey"`
	PageID     string `gorm:"index:idx_image_page_index,unique;not null"`
	ImageIndex int    `gorm:"index:idx_image_page_index,unique"`

	FilePath      string
	FileSizeBytes int64
	MimeType      string
	AltText       string

	VisionAnalysis string `gorm:"type:text"`
	AnalyzedAt     *time.Time

	// ResourceID is the upstream asset reference the bytes were fetched from.
	ResourceID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncState is one row per sync scope. At most one scope may be in
// 'syncing' or 'paused' at a time; entering 'syncing' is a compare-and-set
// handled by the store.
type SyncState struct {
	ID        uint      `gorm:"primaryKey"`
	ScopeKind ScopeKind `gorm:"index:idx_sync_state_scope,unique"`
	ScopeID   string    `gorm:"index:idx_sync_state_scope,unique"`
	ScopeName string

	LastFullSyncAt        *time.Time
	LastIncrementalSyncAt *time.Time
	NextSyncDueAt         *time.Time

	TotalPagesSynced     int
	PagesAddedLastSync   int
	PagesUpdatedLastSync int
	PagesDeletedLastSync int
	LastSyncDurationSecs int
	LastSyncError        string

	APICallsLastSync int
	AvgAPILatencyMs  int64

	Status SyncStateStatus `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncHistory is an append-only audit record of one completed or aborted
// run. Rows are never mutated after completion fields are filled in.
type SyncHistory struct {
	ID uint `gorm:"primaryKey"`

	SyncType    SyncStrategy
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationSec int

	NotebookID string
	SectionID  string

	Status       SyncOutcome `gorm:"index"`
	PagesFetched int
	PagesAdded   int
	PagesUpdated int
	PagesDeleted int
	PagesSkipped int

	APICallsMade      int
	ErrorsEncountered int
	ErrorDetails      string `gorm:"type:text"`

	RateLimitWaitSecs float64
	RateLimitHits     int

	TriggeredBy string
	JobID       string `gorm:"index"`

	CreatedAt time.Time
}

// SyncJob is the live, mutable twin of a SyncHistory record while a run is
// active. The job controller is the sole writer.
type SyncJob struct {
	JobID string `gorm:"primaryKey"`

	SyncType  SyncStrategy
	ScopeKind ScopeKind `gorm:"index:idx_sync_job_scope"`
	ScopeID   string    `gorm:"index:idx_sync_job_scope"`

	Status          JobStatus `gorm:"index"`
	ProgressPercent float64

	TotalPages     int
	PagesProcessed int
	PagesAdded     int
	PagesUpdated   int
	PagesDeleted   int

	APICallsMade          int
	ElapsedSecs           int
	EstimatedRemainingSec *int

	ErrorCount int
	LastError  string

	CanPause  bool
	CanCancel bool

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// CacheStats is the health aggregate served to operators; not persisted.
type CacheStats struct {
	TotalDocuments      int64      `json:"total_documents"`
	TotalImages         int64      `json:"total_images"`
	UnindexedDocuments  int64      `json:"unindexed_documents"`
	StaleDocuments      int64      `json:"stale_documents"`
	LastFullSync        *time.Time `json:"last_full_sync,omitempty"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync,omitempty"`
	RecentFailures      int64      `json:"recent_failures"`
	SyncHealth          string     `json:"sync_health"` // healthy, needs_sync, error
}

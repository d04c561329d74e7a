// Package sync walks the upstream hierarchy, diffs it against the cache
// store, and drives controllable long-running sync jobs to completion.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/inkwell-sync/inkwell/fetch"
	"github.com/inkwell-sync/inkwell/models"
	"github.com/inkwell-sync/inkwell/store"
)

var tracer = otel.Tracer("sync")

// ErrRunCancelled is returned inside the orchestrator when a cancel signal
// is honored at a batch boundary.
var ErrRunCancelled = errors.New("sync run cancelled")

// Signal is a control message delivered to a running job. Signals are only
// honored at batch boundaries, never mid-item.
type Signal int

const (
	SignalPause Signal = iota + 1
	SignalResume
	SignalCancel
)

type Options struct {
	// BatchSize bounds memory and defines the checkpoints where control
	// signals are honored.
	BatchSize int
	// MaxConsecutiveErrors aborts a run early with partial_success once
	// this many items fail back to back.
	MaxConsecutiveErrors int
	// FullStaleness is the smart-sync escalation threshold.
	FullStaleness time.Duration
	// MaxErrorDetails caps how many per-item errors are kept verbatim.
	MaxErrorDetails int
}

func DefaultOptions() Options {
	return Options{
		BatchSize:            20,
		MaxConsecutiveErrors: 10,
		FullStaleness:        DefaultFullStaleness,
		MaxErrorDetails:      20,
	}
}

// Progress is the cumulative run state reported to the job controller
// after every batch.
type Progress struct {
	Total     int
	Processed int
	Added     int
	Updated   int
	Deleted   int
	Skipped   int
	Errors    int
	APICalls  int
	LastError string
}

// RunResult summarizes one orchestrator run. It is always returned, even
// for aborted runs, so the controller can finalize history and state.
type RunResult struct {
	Strategy models.SyncStrategy // resolved; never smart
	Outcome  models.SyncOutcome

	PagesFetched int
	PagesAdded   int
	PagesUpdated int
	PagesDeleted int
	PagesSkipped int

	APICalls     int
	Errors       int
	ErrorDetails []string

	StartedAt   time.Time
	CompletedAt time.Time
}

type Orchestrator struct {
	store  *store.Store
	client fetch.Client
	images *store.ImageStore
	logger *slog.Logger
	opts   Options
}

func NewOrchestrator(st *store.Store, client fetch.Client, images *store.ImageStore, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultOptions().MaxConsecutiveErrors
	}
	if opts.FullStaleness <= 0 {
		opts.FullStaleness = DefaultFullStaleness
	}
	if opts.MaxErrorDetails <= 0 {
		opts.MaxErrorDetails = DefaultOptions().MaxErrorDetails
	}
	return &Orchestrator{
		store:  st,
		client: client,
		images: images,
		logger: slog.Default().With("system", "sync"),
		opts:   opts,
	}
}

// ResolveStrategy maps smart onto full or incremental using the scope's
// current sync state; full and incremental pass through unchanged.
func (o *Orchestrator) ResolveStrategy(ctx context.Context, scope models.Scope, strategy models.SyncStrategy) (models.SyncStrategy, error) {
	if strategy != models.SyncSmart {
		return strategy, nil
	}
	state, err := o.store.GetSyncState(ctx, scope)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return ChooseStrategy(state, time.Now(), o.opts.FullStaleness), nil
}

// Run executes one sync of the scope. Control signals arriving on ctrl are
// honored at batch boundaries; progress is reported after every batch and
// the channel is closed when the run ends. Work committed before a cancel
// or abort stays committed.
func (o *Orchestrator) Run(ctx context.Context, scope models.Scope, strategy models.SyncStrategy, ctrl <-chan Signal, progress chan<- Progress) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "SyncRun")
	defer span.End()
	if progress != nil {
		defer close(progress)
	}

	result := &RunResult{StartedAt: time.Now()}
	defer func() { result.CompletedAt = time.Now() }()

	resolved, err := o.ResolveStrategy(ctx, scope, strategy)
	if err != nil {
		result.Outcome = models.OutcomeFailed
		return result, fmt.Errorf("resolving strategy: %w", err)
	}
	result.Strategy = resolved

	logger := o.logger.With("scope", scope.Key(), "strategy", resolved)
	logger.Info("starting sync run")

	pages, apiCalls, err := o.enumeratePages(ctx, scope)
	if err != nil {
		result.APICalls = apiCalls
		result.Errors++
		result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("enumeration: %v", err))
		result.Outcome = models.OutcomeFailed
		return result, fmt.Errorf("enumerating scope %s: %w", scope.Key(), err)
	}
	result.APICalls = apiCalls

	cachedIDs, err := o.store.PageIDs(ctx, scope, false)
	if err != nil {
		result.Outcome = models.OutcomeFailed
		return result, fmt.Errorf("loading cached page ids: %w", err)
	}

	// incremental only fetches content for pages newer than the cache
	toProcess := pages
	if resolved == models.SyncIncremental {
		toProcess = nil
		for _, meta := range pages {
			fresh, err := o.isFresh(ctx, meta)
			if err != nil {
				result.Outcome = models.OutcomeFailed
				return result, err
			}
			if fresh {
				result.PagesSkipped++
			} else {
				toProcess = append(toProcess, meta)
			}
		}
	}

	report := func() {
		if progress == nil {
			return
		}
		p := Progress{
			Total:     len(pages),
			Processed: result.PagesFetched,
			Added:     result.PagesAdded,
			Updated:   result.PagesUpdated,
			Deleted:   result.PagesDeleted,
			Skipped:   result.PagesSkipped,
			Errors:    result.Errors,
			APICalls:  result.APICalls,
		}
		if len(result.ErrorDetails) > 0 {
			p.LastError = result.ErrorDetails[len(result.ErrorDetails)-1]
		}
		progress <- p
	}

	consecutiveErrors := 0
	aborted := false
	cancelled := false

batches:
	for start := 0; start < len(toProcess); start += o.opts.BatchSize {
		// batch boundary: the only place pause/cancel are honored
		if err := waitControl(ctx, ctrl); err != nil {
			if errors.Is(err, ErrRunCancelled) {
				cancelled = true
				break batches
			}
			result.Outcome = models.OutcomeFailed
			result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("run aborted: %v", err))
			return result, err
		}

		end := min(start+o.opts.BatchSize, len(toProcess))
		for _, meta := range toProcess[start:end] {
			calls, res, err := o.syncPage(ctx, scope, meta)
			result.APICalls += calls
			if err != nil {
				if ctx.Err() != nil {
					result.Outcome = models.OutcomeFailed
					result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("run aborted: %v", ctx.Err()))
					return result, ctx.Err()
				}
				result.Errors++
				consecutiveErrors++
				pageSyncErrors.Inc()
				if len(result.ErrorDetails) < o.opts.MaxErrorDetails {
					result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("page %s: %v", meta.ID, err))
				}
				logger.Warn("failed to sync page", "page", meta.ID, "err", err)
				if consecutiveErrors > o.opts.MaxConsecutiveErrors {
					logger.Error("too many consecutive failures, aborting run",
						"consecutive", consecutiveErrors)
					aborted = true
					break batches
				}
				continue
			}
			consecutiveErrors = 0
			result.PagesFetched++
			switch {
			case res.Created:
				result.PagesAdded++
				pagesSynced.WithLabelValues("added").Inc()
			case res.Updated:
				result.PagesUpdated++
				pagesSynced.WithLabelValues("updated").Inc()
			default:
				pagesSynced.WithLabelValues("refreshed").Inc()
			}
		}
		report()
	}

	// A cancel that arrived after the last batch, or while there was nothing
	// to process at all, still has to be honored before reconciliation.
	if !aborted && !cancelled {
		if err := waitControl(ctx, ctrl); err != nil {
			if errors.Is(err, ErrRunCancelled) {
				cancelled = true
			} else {
				result.Outcome = models.OutcomeFailed
				result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("run aborted: %v", err))
				return result, err
			}
		}
	}

	// Deletion by absence requires a complete view of the scope; a run that
	// was cancelled or aborted early must not tombstone unobserved pages.
	if !aborted && !cancelled {
		observed := make(map[string]struct{}, len(pages))
		for _, meta := range pages {
			observed[meta.ID] = struct{}{}
		}
		for id := range cachedIDs {
			if _, ok := observed[id]; ok {
				continue
			}
			if err := o.store.MarkDocumentDeleted(ctx, id); err != nil {
				result.Errors++
				if len(result.ErrorDetails) < o.opts.MaxErrorDetails {
					result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("tombstone %s: %v", id, err))
				}
				continue
			}
			result.PagesDeleted++
			pagesSynced.WithLabelValues("deleted").Inc()
			deletionsDetected.Inc()
		}
		report()
	}

	switch {
	case cancelled:
		result.Outcome = models.OutcomeCancelled
	case aborted:
		result.Outcome = models.OutcomePartialSuccess
	case result.Errors > 0:
		result.Outcome = models.OutcomePartialSuccess
	default:
		result.Outcome = models.OutcomeSuccess
	}

	logger.Info("sync run finished",
		"outcome", result.Outcome,
		"fetched", result.PagesFetched,
		"added", result.PagesAdded,
		"updated", result.PagesUpdated,
		"deleted", result.PagesDeleted,
		"skipped", result.PagesSkipped,
		"errors", result.Errors,
		"api_calls", result.APICalls,
		"duration", result.CompletedAt.Sub(result.StartedAt),
	)
	return result, nil
}

// waitControl drains pending control signals without blocking, except that
// a pause blocks until the matching resume or cancel arrives.
func waitControl(ctx context.Context, ctrl <-chan Signal) error {
	if ctrl == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-ctrl:
			switch sig {
			case SignalCancel:
				return ErrRunCancelled
			case SignalPause:
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case sig := <-ctrl:
						if sig == SignalCancel {
							return ErrRunCancelled
						}
						if sig == SignalResume {
							return nil
						}
					}
				}
			}
		default:
			return nil
		}
	}
}

// isFresh reports whether the cached copy of a page is at least as new as
// the upstream metadata says it should be.
func (o *Orchestrator) isFresh(ctx context.Context, meta fetch.PageMeta) (bool, error) {
	doc, err := o.store.GetDocument(ctx, meta.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if doc.IsDeleted {
		return false, nil
	}
	return !meta.ModifiedAt.After(doc.LastSyncedAt), nil
}

// syncPage fetches one page's content (and, when the content changed, its
// images) and commits the document plus its image rows atomically.
func (o *Orchestrator) syncPage(ctx context.Context, scope models.Scope, meta fetch.PageMeta) (int, store.UpsertResult, error) {
	apiCalls := 0

	content, err := o.client.GetPageContent(ctx, meta.ID)
	apiCalls++
	if err != nil {
		return apiCalls, store.UpsertResult{}, fmt.Errorf("fetching content: %w", err)
	}

	hash := store.ContentHash(content.HTML)

	contentChanged := true
	if existing, err := o.store.GetDocument(ctx, meta.ID); err == nil {
		contentChanged = existing.ContentHash != hash
	} else if !errors.Is(err, store.ErrNotFound) {
		return apiCalls, store.UpsertResult{}, err
	}

	var images []models.CachedImage
	if contentChanged {
		downloaded, calls := o.fetchImages(ctx, meta.ID, content.Images)
		images = downloaded
		apiCalls += calls
	}

	doc := &models.CachedDocument{
		PageID:       meta.ID,
		HTMLContent:  content.HTML,
		PlainText:    content.PlainText,
		NotebookID:   firstNonEmpty(meta.NotebookID, scopeNotebookID(scope)),
		NotebookName: meta.NotebookName,
		SectionID:    meta.SectionID,
		SectionName:  meta.SectionName,
		PageTitle:    meta.Title,
		Author:       meta.Author,
		CreatedDate:  meta.CreatedAt,
		ModifiedDate: meta.ModifiedAt,
		SourceURL:    meta.WebURL,
		Tags:         "[]",
		ContentHash:  hash,
	}
	if extra, err := json.Marshal(map[string]int{"image_refs": len(content.Images)}); err == nil {
		doc.ExtraMetadata = string(extra)
	}

	res, err := o.store.UpsertDocument(ctx, doc, images)
	if err != nil {
		return apiCalls, store.UpsertResult{}, fmt.Errorf("upserting document: %w", err)
	}
	return apiCalls, res, nil
}

// fetchImages downloads embedded assets through the shared limiter. A
// failed image download is logged and skipped; it never fails the page.
func (o *Orchestrator) fetchImages(ctx context.Context, pageID string, refs []fetch.ImageRef) ([]models.CachedImage, int) {
	apiCalls := 0
	var out []models.CachedImage
	for idx, ref := range refs {
		src := ref.FullResSrc
		if src == "" {
			src = ref.Src
		}
		data, err := o.client.GetPageImage(ctx, src)
		apiCalls++
		if err != nil {
			o.logger.Warn("failed to download image", "page", pageID, "index", idx, "err", err)
			continue
		}

		path := o.images.ImagePath(pageID, idx, data.MimeType)
		if err := o.images.Save(path, data.Data); err != nil {
			o.logger.Warn("failed to store image", "page", pageID, "index", idx, "err", err)
			continue
		}

		out = append(out, models.CachedImage{
			PageID:        pageID,
			ImageIndex:    idx,
			FilePath:      path,
			FileSizeBytes: int64(len(data.Data)),
			MimeType:      data.MimeType,
			AltText:       ref.AltText,
			ResourceID:    ref.Src,
		})
	}
	return out, apiCalls
}

// enumeratePages lists all page metadata within a scope, walking the
// notebook/section hierarchy as needed. Enumeration is cheap relative to
// content fetches; one API call per listing.
func (o *Orchestrator) enumeratePages(ctx context.Context, scope models.Scope) ([]fetch.PageMeta, int, error) {
	apiCalls := 0

	var sections []fetch.Section
	sectionNotebooks := map[string]fetch.Notebook{}

	switch scope.Kind {
	case models.ScopeSection:
		pages, err := o.client.ListPages(ctx, scope.ID)
		apiCalls++
		if err != nil {
			return nil, apiCalls, err
		}
		return pages, apiCalls, nil

	case models.ScopeNotebook:
		secs, err := o.client.ListSections(ctx, scope.ID)
		apiCalls++
		if err != nil {
			return nil, apiCalls, err
		}
		nb := fetch.Notebook{ID: scope.ID, DisplayName: scope.Name}
		for _, sec := range secs {
			sectionNotebooks[sec.ID] = nb
		}
		sections = secs

	default: // global
		notebooks, err := o.client.ListNotebooks(ctx)
		apiCalls++
		if err != nil {
			return nil, apiCalls, err
		}
		for _, nb := range notebooks {
			secs, err := o.client.ListSections(ctx, nb.ID)
			apiCalls++
			if err != nil {
				return nil, apiCalls, err
			}
			for _, sec := range secs {
				sectionNotebooks[sec.ID] = nb
			}
			sections = append(sections, secs...)
		}
	}

	var out []fetch.PageMeta
	for _, sec := range sections {
		pages, err := o.client.ListPages(ctx, sec.ID)
		apiCalls++
		if err != nil {
			return nil, apiCalls, err
		}
		nb := sectionNotebooks[sec.ID]
		for i := range pages {
			if pages[i].SectionID == "" {
				pages[i].SectionID = sec.ID
			}
			if pages[i].SectionName == "" {
				pages[i].SectionName = sec.DisplayName
			}
			if pages[i].NotebookID == "" {
				pages[i].NotebookID = nb.ID
			}
			if pages[i].NotebookName == "" {
				pages[i].NotebookName = nb.DisplayName
			}
		}
		out = append(out, pages...)
	}
	return out, apiCalls, nil
}

func scopeNotebookID(scope models.Scope) string {
	if scope.Kind == models.ScopeNotebook {
		return scope.ID
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	standardsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/inkwell-sync/inkwell/fetch"
	"github.com/inkwell-sync/inkwell/models"
	"github.com/inkwell-sync/inkwell/store"
)

// ErrJobNotFound is returned for control operations on unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrJobNotActive is returned when a control operation targets a job that
// has already reached a terminal state.
var ErrJobNotActive = errors.New("job is not active")

type ControllerConfig struct {
	// JobTimeout is the wall-clock limit for one run, pause time included.
	JobTimeout time.Duration
	// MaxParallelJobs bounds how many scopes sync concurrently; the shared
	// fetch limiter keeps total upstream pressure constant regardless.
	MaxParallelJobs int
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		JobTimeout:      2 * time.Hour,
		MaxParallelJobs: 4,
	}
}

// Controller wraps orchestrator runs as controllable units of work. It is
// the sole writer of SyncJob rows and SyncState status transitions, and it
// finalizes history and state on every exit path.
type Controller struct {
	store   *store.Store
	orch    *Orchestrator
	limiter *fetch.Limiter
	logger  *slog.Logger

	timeout time.Duration
	sem     *semaphore.Weighted

	mu     standardsync.Mutex
	active map[string]*activeJob // by job id
}

type activeJob struct {
	scope models.Scope
	ctrl  chan Signal
}

func NewController(st *store.Store, orch *Orchestrator, limiter *fetch.Limiter, cfg ControllerConfig) *Controller {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultControllerConfig().JobTimeout
	}
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = DefaultControllerConfig().MaxParallelJobs
	}
	return &Controller{
		store:   st,
		orch:    orch,
		limiter: limiter,
		logger:  slog.Default().With("system", "sync_controller"),
		timeout: cfg.JobTimeout,
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallelJobs)),
		active:  make(map[string]*activeJob),
	}
}

// Submit starts a sync of the scope. A scope with an active (running or
// paused) job rejects the submission with store.ErrScopeBusy; submissions
// are never queued silently.
func (c *Controller) Submit(ctx context.Context, scope models.Scope, strategy models.SyncStrategy, triggeredBy string) (*models.SyncJob, error) {
	if err := c.store.BeginScopeSync(ctx, scope); err != nil {
		return nil, err
	}

	job := &models.SyncJob{
		JobID:     uuid.NewString(),
		SyncType:  strategy,
		ScopeKind: scope.Kind,
		ScopeID:   scope.ID,
		Status:    models.JobQueued,
		CanPause:  true,
		CanCancel: true,
	}
	if err := c.store.CreateSyncJob(ctx, job); err != nil {
		// release the scope hold taken above
		if serr := c.store.TransitionScopeStatus(ctx, scope, models.StateSyncing, models.StateError); serr != nil {
			c.logger.Error("failed to release scope after job create failure", "scope", scope.Key(), "err", serr)
		}
		return nil, fmt.Errorf("creating job record: %w", err)
	}

	aj := &activeJob{
		scope: scope,
		ctrl:  make(chan Signal, 4),
	}
	c.mu.Lock()
	c.active[job.JobID] = aj
	c.mu.Unlock()
	activeJobs.Inc()

	go c.runJob(job.JobID, scope, strategy, triggeredBy, aj)

	c.logger.Info("sync job submitted",
		"job", job.JobID, "scope", scope.Key(), "strategy", strategy, "triggered_by", triggeredBy)
	return job, nil
}

func (c *Controller) Status(ctx context.Context, jobID string) (*models.SyncJob, error) {
	job, err := c.store.GetSyncJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Pause requests suspension of a running job; it takes effect at the next
// batch boundary, never mid-item.
func (c *Controller) Pause(ctx context.Context, jobID string) error {
	aj, job, err := c.activeFor(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobRunning || !job.CanPause {
		return fmt.Errorf("%w: cannot pause job in state %s", ErrJobNotActive, job.Status)
	}

	// compare-and-set so a run finalizing between the status read above and
	// this write cannot have its terminal row overwritten
	err = c.store.TransitionSyncJob(ctx, jobID, models.JobRunning, map[string]any{
		"status":    models.JobPaused,
		"can_pause": false,
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: job %s finished before the pause applied", ErrJobNotActive, jobID)
	}
	if err != nil {
		return err
	}
	aj.ctrl <- SignalPause
	return c.store.TransitionScopeStatus(ctx, aj.scope, models.StateSyncing, models.StatePaused)
}

// Resume continues a paused job from its last completed batch checkpoint;
// items committed before the pause are never re-processed.
func (c *Controller) Resume(ctx context.Context, jobID string) error {
	aj, job, err := c.activeFor(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobPaused {
		return fmt.Errorf("%w: cannot resume job in state %s", ErrJobNotActive, job.Status)
	}

	err = c.store.TransitionSyncJob(ctx, jobID, models.JobPaused, map[string]any{
		"status":    models.JobRunning,
		"can_pause": true,
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: job %s is no longer paused", ErrJobNotActive, jobID)
	}
	if err != nil {
		return err
	}
	aj.ctrl <- SignalResume
	return c.store.TransitionScopeStatus(ctx, aj.scope, models.StatePaused, models.StateSyncing)
}

// Cancel requests termination at the next batch boundary. Work already
// committed to the cache store remains committed.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	aj, job, err := c.activeFor(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || !job.CanCancel {
		return fmt.Errorf("%w: cannot cancel job in state %s", ErrJobNotActive, job.Status)
	}

	aj.ctrl <- SignalCancel
	return nil
}

func (c *Controller) activeFor(ctx context.Context, jobID string) (*activeJob, *models.SyncJob, error) {
	c.mu.Lock()
	aj, ok := c.active[jobID]
	c.mu.Unlock()

	job, err := c.Status(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: job %s", ErrJobNotActive, jobID)
	}
	return aj, job, nil
}

func (c *Controller) runJob(jobID string, scope models.Scope, strategy models.SyncStrategy, triggeredBy string, aj *activeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	logger := c.logger.With("job", jobID, "scope", scope.Key())

	// bound concurrent runs; the job stays queued while waiting
	if err := c.sem.Acquire(ctx, 1); err != nil {
		logger.Error("job timed out waiting for a worker slot", "err", err)
		c.finalize(jobID, scope, strategy, triggeredBy, &RunResult{
			Strategy:     strategy,
			Outcome:      models.OutcomeFailed,
			StartedAt:    time.Now(),
			CompletedAt:  time.Now(),
			Errors:       1,
			ErrorDetails: []string{fmt.Sprintf("timed out queued: %v", err)},
		}, fetch.LimiterStats{})
		return
	}
	defer c.sem.Release(1)

	started := time.Now()
	job, err := c.store.GetSyncJob(ctx, jobID)
	if err != nil {
		// still finalize; bailing out here would leave the scope 'syncing'
		// forever and reject every later submission for it
		logger.Error("failed to load job record", "err", err)
		c.finalize(jobID, scope, strategy, triggeredBy, &RunResult{
			Strategy:     strategy,
			Outcome:      models.OutcomeFailed,
			StartedAt:    started,
			CompletedAt:  time.Now(),
			Errors:       1,
			ErrorDetails: []string{fmt.Sprintf("loading job record: %v", err)},
		}, fetch.LimiterStats{})
		return
	}
	job.Status = models.JobRunning
	job.StartedAt = &started
	if err := c.store.UpdateSyncJob(ctx, job); err != nil {
		logger.Error("failed to mark job running", "err", err)
	}

	var statsBefore fetch.LimiterStats
	if c.limiter != nil {
		statsBefore = c.limiter.Stats()
	}

	progress := make(chan Progress)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for p := range progress {
			c.persistProgress(jobID, started, p)
		}
	}()

	result, runErr := c.orch.Run(ctx, scope, strategy, aj.ctrl, progress)
	<-consumerDone

	if runErr != nil {
		logger.Error("sync run returned error", "err", runErr)
	}

	var statsDelta fetch.LimiterStats
	if c.limiter != nil {
		statsDelta = c.limiter.Stats().Delta(statsBefore)
	}

	c.finalize(jobID, scope, strategy, triggeredBy, result, statsDelta)
}

// persistProgress copies a batch-boundary progress report onto the live
// job row. Progress flows over the channel only; workers share no mutable
// job state with the controller. Only progress columns are written so a
// concurrent pause cannot be clobbered.
func (c *Controller) persistProgress(jobID string, started time.Time, p Progress) {
	processed := p.Processed + p.Skipped
	elapsed := time.Since(started)

	fields := map[string]any{
		"total_pages":     p.Total,
		"pages_processed": processed,
		"pages_added":     p.Added,
		"pages_updated":   p.Updated,
		"pages_deleted":   p.Deleted,
		"api_calls_made":  p.APICalls,
		"error_count":     p.Errors,
		"last_error":      p.LastError,
		"elapsed_secs":    int(elapsed.Seconds()),
	}
	if p.Total > 0 {
		fields["progress_percent"] = float64(processed) / float64(p.Total) * 100
		if processed > 0 && processed < p.Total {
			fields["estimated_remaining_sec"] = int(elapsed.Seconds() / float64(processed) * float64(p.Total-processed))
		}
	}

	if err := c.store.UpdateSyncJobFields(context.Background(), jobID, fields); err != nil {
		c.logger.Error("failed to persist job progress", "job", jobID, "err", err)
	}
}

// finalize writes the terminal SyncJob update, the append-only SyncHistory
// record, and the scope's SyncState in one logical unit. Every exit path
// of a run funnels through here so a scope is never left 'syncing'.
func (c *Controller) finalize(jobID string, scope models.Scope, requested models.SyncStrategy, triggeredBy string, result *RunResult, stats fetch.LimiterStats) {
	ctx := context.Background()
	logger := c.logger.With("job", jobID, "scope", scope.Key())

	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
	activeJobs.Dec()

	if result == nil {
		result = &RunResult{
			Strategy:    requested,
			Outcome:     models.OutcomeFailed,
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		}
	}

	completed := result.CompletedAt
	duration := completed.Sub(result.StartedAt)
	errDetail := joinDetails(result.ErrorDetails)

	job, err := c.store.GetSyncJob(ctx, jobID)
	if err != nil {
		logger.Error("failed to load job for finalization", "err", err)
	} else {
		switch result.Outcome {
		case models.OutcomeCancelled:
			job.Status = models.JobCancelled
		case models.OutcomeFailed:
			job.Status = models.JobFailed
		default:
			job.Status = models.JobCompleted
		}
		job.CompletedAt = &completed
		job.PagesProcessed = result.PagesFetched + result.PagesSkipped
		job.PagesAdded = result.PagesAdded
		job.PagesUpdated = result.PagesUpdated
		job.PagesDeleted = result.PagesDeleted
		job.APICallsMade = result.APICalls
		job.ErrorCount = result.Errors
		job.LastError = errDetail
		job.ElapsedSecs = int(duration.Seconds())
		job.CanPause = false
		job.CanCancel = false
		job.EstimatedRemainingSec = nil
		if err := c.store.UpdateSyncJob(ctx, job); err != nil {
			logger.Error("failed to write terminal job state", "err", err)
		}
	}

	history := &models.SyncHistory{
		SyncType:          result.Strategy,
		StartedAt:         result.StartedAt,
		CompletedAt:       &completed,
		DurationSec:       int(duration.Seconds()),
		Status:            result.Outcome,
		PagesFetched:      result.PagesFetched,
		PagesAdded:        result.PagesAdded,
		PagesUpdated:      result.PagesUpdated,
		PagesDeleted:      result.PagesDeleted,
		PagesSkipped:      result.PagesSkipped,
		APICallsMade:      result.APICalls,
		ErrorsEncountered: result.Errors,
		ErrorDetails:      errDetail,
		RateLimitWaitSecs: stats.TotalWaitTime.Seconds(),
		RateLimitHits:     int(stats.RateLimitHits),
		TriggeredBy:       triggeredBy,
		JobID:             jobID,
	}
	if history.SyncType == "" {
		history.SyncType = requested
	}
	switch scope.Kind {
	case models.ScopeNotebook:
		history.NotebookID = scope.ID
	case models.ScopeSection:
		history.SectionID = scope.ID
	}
	if err := c.store.CreateSyncHistory(ctx, history); err != nil {
		logger.Error("failed to write sync history", "err", err)
	}

	stateStatus := models.StateCompleted
	if result.Outcome == models.OutcomeFailed {
		stateStatus = models.StateError
	}
	upd := store.ScopeSyncUpdate{
		Strategy:     result.Strategy,
		Status:       stateStatus,
		PagesSynced:  result.PagesFetched,
		PagesAdded:   result.PagesAdded,
		PagesUpdated: result.PagesUpdated,
		PagesDeleted: result.PagesDeleted,
		Duration:     duration,
		LastError:    errDetail,
		APICalls:     result.APICalls,
		AvgLatencyMs: stats.AvgLatencyMs,
	}
	if err := c.store.FinalizeScopeSync(ctx, scope, upd); err != nil {
		logger.Error("failed to finalize scope sync state", "err", err)
	}

	jobsProcessed.WithLabelValues(string(result.Outcome)).Inc()
	logger.Info("sync job finalized", "outcome", result.Outcome, "duration", duration)
}

func joinDetails(details []string) string {
	out := ""
	for i, d := range details {
		if i > 0 {
			out += "; "
		}
		out += d
	}
	return out
}

package mirror

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/inkwell-sync/inkwell/models"
	"github.com/inkwell-sync/inkwell/store"
	"github.com/inkwell-sync/inkwell/sync"
	"github.com/inkwell-sync/inkwell/util/version"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) handleHealthCheck(c echo.Context) error {
	if err := srv.store.Ping(c.Request().Context()); err != nil {
		srv.logger.Error("healthcheck can't reach database", "err", err)
		return c.JSON(500, HealthStatus{Status: "error", Version: version.Version, Message: "can't connect to database"})
	}
	return c.JSON(200, HealthStatus{Status: "ok", Version: version.Version})
}

// SyncRequest selects the scope of a sync submission. All fields optional;
// an empty request means the global scope.
type SyncRequest struct {
	NotebookID   string `json:"notebook_id" query:"notebook_id"`
	NotebookName string `json:"notebook_name" query:"notebook_name"`
	SectionID    string `json:"section_id" query:"section_id"`
	SectionName  string `json:"section_name" query:"section_name"`
	TriggeredBy  string `json:"triggered_by" query:"triggered_by"`
}

func (r *SyncRequest) scope() (models.Scope, error) {
	if r.SectionID != "" && r.NotebookID != "" {
		return models.Scope{}, errors.New("specify notebook_id or section_id, not both")
	}
	switch {
	case r.SectionID != "":
		return models.Scope{Kind: models.ScopeSection, ID: r.SectionID, Name: r.SectionName}, nil
	case r.NotebookID != "":
		return models.Scope{Kind: models.ScopeNotebook, ID: r.NotebookID, Name: r.NotebookName}, nil
	default:
		return models.GlobalScope(), nil
	}
}

func (srv *Server) handleSyncFull(c echo.Context) error {
	return srv.submitSync(c, models.SyncFull)
}

func (srv *Server) handleSyncIncremental(c echo.Context) error {
	return srv.submitSync(c, models.SyncIncremental)
}

func (srv *Server) handleSyncSmart(c echo.Context) error {
	return srv.submitSync(c, models.SyncSmart)
}

func (srv *Server) submitSync(c echo.Context, strategy models.SyncStrategy) error {
	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	scope, err := req.scope()
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidScope", Message: err.Error()})
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	job, err := srv.controller.Submit(c.Request().Context(), scope, strategy, triggeredBy)
	if errors.Is(err, store.ErrScopeBusy) {
		return c.JSON(http.StatusConflict, GenericError{
			Error:   "SyncInProgress",
			Message: "a sync is already running for scope " + scope.Key(),
		})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (srv *Server) handleJobStatus(c echo.Context) error {
	job, err := srv.controller.Status(c.Request().Context(), c.Param("id"))
	if errors.Is(err, sync.ErrJobNotFound) {
		return c.JSON(404, GenericError{Error: "JobNotFound", Message: "no job with id " + c.Param("id")})
	}
	if err != nil {
		return err
	}
	return c.JSON(200, job)
}

func (srv *Server) handleJobPause(c echo.Context) error {
	return srv.controlJob(c, srv.controller.Pause)
}

func (srv *Server) handleJobResume(c echo.Context) error {
	return srv.controlJob(c, srv.controller.Resume)
}

func (srv *Server) handleJobCancel(c echo.Context) error {
	return srv.controlJob(c, srv.controller.Cancel)
}

func (srv *Server) controlJob(c echo.Context, op func(ctx context.Context, jobID string) error) error {
	jobID := c.Param("id")
	err := op(c.Request().Context(), jobID)
	if errors.Is(err, sync.ErrJobNotFound) {
		return c.JSON(404, GenericError{Error: "JobNotFound", Message: "no job with id " + jobID})
	}
	if errors.Is(err, sync.ErrJobNotActive) {
		return c.JSON(http.StatusConflict, GenericError{Error: "InvalidJobState", Message: err.Error()})
	}
	if err != nil {
		return err
	}
	job, err := srv.controller.Status(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(200, job)
}

func (srv *Server) handleSyncHistory(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return c.JSON(400, GenericError{Error: "InvalidLimit", Message: "limit must be 1-500"})
		}
		limit = n
	}
	history, err := srv.store.RecentSyncHistory(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{
		"count":   len(history),
		"history": history,
	})
}

func (srv *Server) handleSyncState(c echo.Context) error {
	req := SyncRequest{
		NotebookID: c.QueryParam("notebook_id"),
		SectionID:  c.QueryParam("section_id"),
	}
	scope, err := req.scope()
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidScope", Message: err.Error()})
	}
	state, err := srv.store.GetSyncState(c.Request().Context(), scope)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(404, GenericError{Error: "ScopeNeverSynced", Message: "no sync state for scope " + scope.Key()})
	}
	if err != nil {
		return err
	}
	return c.JSON(200, state)
}

func (srv *Server) handleCacheStats(c echo.Context) error {
	stats, err := srv.store.CacheStats(c.Request().Context(), time.Now().Add(-srv.staleAfter))
	if err != nil {
		return err
	}
	return c.JSON(200, stats)
}

type pendingDocument struct {
	PageID       string    `json:"page_id"`
	PageTitle    string    `json:"page_title"`
	NotebookName string    `json:"notebook_name"`
	SectionName  string    `json:"section_name"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	SyncVersion  int64     `json:"sync_version"`
	ImageCount   int       `json:"image_count"`
}

func (srv *Server) handleIndexPending(c echo.Context) error {
	docs, err := srv.store.DocumentsNeedingIndexing(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]pendingDocument, len(docs))
	for i, d := range docs {
		out[i] = pendingDocument{
			PageID:       d.PageID,
			PageTitle:    d.PageTitle,
			NotebookName: d.NotebookName,
			SectionName:  d.SectionName,
			LastSyncedAt: d.LastSyncedAt,
			SyncVersion:  d.SyncVersion,
			ImageCount:   d.ImageCount,
		}
	}
	return c.JSON(200, map[string]any{
		"count":     len(out),
		"documents": out,
	})
}

type markIndexedRequest struct {
	ChunkCount int `json:"chunk_count"`
	ImageCount int `json:"image_count"`
}

func (srv *Server) handleMarkIndexed(c echo.Context) error {
	var req markIndexedRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidRequest", Message: err.Error()})
	}
	pageID := c.Param("id")
	err := srv.store.MarkIndexed(c.Request().Context(), pageID, req.ChunkCount, req.ImageCount)
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(404, GenericError{Error: "DocumentNotFound", Message: "no cached document " + pageID})
	}
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]string{"page_id": pageID, "status": "indexed"})
}

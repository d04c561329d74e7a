// Package mirror exposes the operator HTTP surface of the cache mirror:
// sync submission and control, job inspection, history, cache health, and
// the indexing handoff.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/inkwell-sync/inkwell/store"
	"github.com/inkwell-sync/inkwell/sync"
)

type Config struct {
	Logger *slog.Logger
	Bind   string
	// StaleAfter is the document age that counts as stale in cache stats.
	StaleAfter time.Duration
}

type Server struct {
	store      *store.Store
	controller *sync.Controller
	echo       *echo.Echo
	httpd      *http.Server
	logger     *slog.Logger
	staleAfter time.Duration
}

func NewServer(st *store.Store, controller *sync.Controller, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	staleAfter := config.StaleAfter
	if staleAfter <= 0 {
		staleAfter = sync.DefaultFullStaleness
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("1M"))

	srv := &Server{
		store:      st,
		controller: controller,
		echo:       e,
		logger:     logger.With("system", "mirror"),
		staleAfter: staleAfter,
	}
	srv.httpd = &http.Server{
		Handler:        e,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1 * (1024 * 1024),
	}
	e.HTTPErrorHandler = srv.errorHandler

	srv.registerRoutes()
	return srv, nil
}

func (srv *Server) registerRoutes() {
	srv.echo.GET("/_health", srv.handleHealthCheck)

	srv.echo.POST("/sync/full", srv.handleSyncFull)
	srv.echo.POST("/sync/incremental", srv.handleSyncIncremental)
	srv.echo.POST("/sync/smart", srv.handleSyncSmart)
	srv.echo.GET("/sync/jobs/:id", srv.handleJobStatus)
	srv.echo.POST("/sync/jobs/:id/pause", srv.handleJobPause)
	srv.echo.POST("/sync/jobs/:id/resume", srv.handleJobResume)
	srv.echo.POST("/sync/jobs/:id/cancel", srv.handleJobCancel)
	srv.echo.GET("/sync/history", srv.handleSyncHistory)
	srv.echo.GET("/sync/state", srv.handleSyncState)

	srv.echo.GET("/cache/stats", srv.handleCacheStats)
	srv.echo.GET("/index/pending", srv.handleIndexPending)
	srv.echo.POST("/index/pending/:id", srv.handleMarkIndexed)
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
	}
	if c.Response().Committed {
		return
	}
	srv.logger.Warn("HTTP request error", "statusCode", code, "path", c.Path(), "err", err)
	if err := c.JSON(code, GenericError{Error: http.StatusText(code), Message: err.Error()}); err != nil {
		srv.logger.Error("failed to write error response", "err", err)
	}
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting mirror API", "bind", srv.httpd.Addr)
	if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, mux)
}

func (srv *Server) Shutdown(ctx context.Context) error {
	srv.logger.Info("shutting down mirror API")
	return srv.httpd.Shutdown(ctx)
}

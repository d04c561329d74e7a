package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkwell-sync/inkwell/fetch"
	"github.com/inkwell-sync/inkwell/mirror"
	"github.com/inkwell-sync/inkwell/models"
	"github.com/inkwell-sync/inkwell/store"
	"github.com/inkwell-sync/inkwell/sync"
	"github.com/inkwell-sync/inkwell/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "inkwell",
		Usage:   "document cache mirror and sync daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"INKWELL_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log format (text, json)",
			Value:   "json",
			EnvVars: []string{"INKWELL_LOG_FMT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the mirror service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/inkwell/cache.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the operator API",
			Value:   ":8200",
			EnvVars: []string{"INKWELL_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":8201",
			EnvVars: []string{"INKWELL_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:     "upstream-host",
			Usage:    "base URL of the upstream document provider API",
			Required: true,
			EnvVars:  []string{"INKWELL_UPSTREAM_HOST"},
		},
		&cli.StringFlag{
			Name:    "upstream-token",
			Usage:   "bearer token for the upstream API",
			EnvVars: []string{"INKWELL_UPSTREAM_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "upstream-rate-limit",
			Usage:   "max requests per minute to the upstream API",
			Value:   100,
			EnvVars: []string{"INKWELL_UPSTREAM_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "upstream-burst",
			Usage:   "max burst of upstream requests",
			Value:   10,
			EnvVars: []string{"INKWELL_UPSTREAM_BURST"},
		},
		&cli.DurationFlag{
			Name:    "upstream-min-interval",
			Usage:   "minimum spacing between upstream requests",
			Value:   500 * time.Millisecond,
			EnvVars: []string{"INKWELL_UPSTREAM_MIN_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "image-dir",
			Usage:   "directory for cached image files",
			Value:   "data/inkwell/images",
			EnvVars: []string{"INKWELL_IMAGE_DIR"},
		},
		&cli.IntFlag{
			Name:    "sync-batch-size",
			Usage:   "pages per batch between control checkpoints",
			Value:   20,
			EnvVars: []string{"INKWELL_SYNC_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "full-sync-staleness",
			Usage:   "cache age after which smart sync escalates to full",
			Value:   sync.DefaultFullStaleness,
			EnvVars: []string{"INKWELL_FULL_SYNC_STALENESS"},
		},
		&cli.DurationFlag{
			Name:    "job-timeout",
			Usage:   "wall-clock limit for a single sync job",
			Value:   2 * time.Hour,
			EnvVars: []string{"INKWELL_JOB_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "max-parallel-jobs",
			Usage:   "max sync jobs running at once",
			Value:   4,
			EnvVars: []string{"INKWELL_MAX_PARALLEL_JOBS"},
		},
		&cli.DurationFlag{
			Name:    "smart-sync-interval",
			Usage:   "interval for automatic smart syncs of the global scope; 0 disables",
			Value:   0,
			EnvVars: []string{"INKWELL_SMART_SYNC_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		if err != nil {
			return err
		}

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				return fmt.Errorf("failed to create trace exporter: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("inkwell"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),
					attribute.String("environment", os.Getenv("ENVIRONMENT")),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		st, err := store.NewStore(db)
		if err != nil {
			return err
		}

		images, err := store.NewImageStore(cctx.String("image-dir"))
		if err != nil {
			return err
		}

		limiter := fetch.NewLimiter(fetch.LimiterConfig{
			RequestsPerMinute: cctx.Int("upstream-rate-limit"),
			Burst:             cctx.Int("upstream-burst"),
			MinInterval:       cctx.Duration("upstream-min-interval"),
		})

		client := fetch.NewHTTPClient(fetch.ClientConfig{
			Host:    cctx.String("upstream-host"),
			Token:   cctx.String("upstream-token"),
			Limiter: limiter,
			Logger:  logger,
		})

		orch := sync.NewOrchestrator(st, client, images, sync.Options{
			BatchSize:     cctx.Int("sync-batch-size"),
			FullStaleness: cctx.Duration("full-sync-staleness"),
		})

		controller := sync.NewController(st, orch, limiter, sync.ControllerConfig{
			JobTimeout:      cctx.Duration("job-timeout"),
			MaxParallelJobs: cctx.Int("max-parallel-jobs"),
		})

		srv, err := mirror.NewServer(st, controller, mirror.Config{
			Logger:     logger,
			Bind:       cctx.String("bind"),
			StaleAfter: cctx.Duration("full-sync-staleness"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if interval := cctx.Duration("smart-sync-interval"); interval > 0 {
			go runSmartSyncTicker(controller, interval, logger)
		}

		go func() {
			if err := srv.RunAPI(); err != nil {
				slog.Error("API server shut down unexpectedly", "err", err)
			}
		}()

		exitSignals := make(chan os.Signal, 1)
		signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-exitSignals
		slog.Info("received OS exit signal", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}
		slog.Info("graceful shutdown complete")
		return nil
	},
}

// runSmartSyncTicker periodically submits a smart sync of the global scope.
// A tick that lands while a sync is still running is skipped.
func runSmartSyncTicker(controller *sync.Controller, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("system", "smart_sync_ticker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		job, err := controller.Submit(context.Background(), models.GlobalScope(), models.SyncSmart, "scheduler")
		if err != nil {
			if err == store.ErrScopeBusy {
				logger.Debug("skipping scheduled sync, scope busy")
				continue
			}
			logger.Error("scheduled sync submission failed", "err", err)
			continue
		}
		logger.Info("scheduled smart sync submitted", "job", job.JobID)
	}
}

package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inkwell_sync_jobs_processed_total",
	Help: "Number of sync jobs finalized, by outcome",
}, []string{"outcome"})

var activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "inkwell_sync_active_jobs",
	Help: "Number of sync jobs currently queued, running, or paused",
})

var pagesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inkwell_sync_pages_total",
	Help: "Number of pages processed by sync runs, by action taken",
}, []string{"action"})

var pageSyncErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inkwell_sync_page_errors_total",
	Help: "Number of per-page sync failures",
})

var deletionsDetected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inkwell_sync_deletions_detected_total",
	Help: "Number of cached pages tombstoned because the upstream no longer lists them",
})

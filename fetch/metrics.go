package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inkwell_fetch_requests_total",
	Help: "The total number of upstream API requests issued",
}, []string{"operation"})

var fetchRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inkwell_fetch_request_errors_total",
	Help: "The total number of upstream API requests that failed after retries",
}, []string{"operation"})

var fetchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "inkwell_fetch_request_duration_seconds",
	Help:    "Upstream API request latency",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
}, []string{"operation"})

var quotaRejections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inkwell_fetch_quota_rejections_total",
	Help: "The total number of upstream 429 responses observed",
})

var limiterWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
	Name: "inkwell_fetch_limiter_wait_seconds_total",
	Help: "Cumulative time spent waiting on the shared rate limiter",
})

package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"golang.org/x/time/rate"
)

type LimiterConfig struct {
	// RequestsPerMinute is the sustained upstream budget.
	RequestsPerMinute int
	// Burst allows short spikes above the sustained rate.
	Burst int
	// MinInterval is the minimum spacing between any two requests.
	MinInterval time.Duration
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		RequestsPerMinute: 100,
		Burst:             10,
		MinInterval:       500 * time.Millisecond,
	}
}

// Limiter is the single shared contention point for all upstream calls. It
// is process-wide by construction: every client and every concurrently
// running sync job must hold the same instance, so total upstream pressure
// never exceeds the configured budget. It is injectable rather than a
// package singleton so tests can substitute a permissive configuration.
type Limiter struct {
	bucket   *rate.Limiter
	interval *rate.Limiter
	window   *slidingwindow.Limiter

	mu            sync.Mutex
	totalRequests int64
	totalWaits    int64
	totalWaitTime time.Duration
	rateLimitHits int64
	latencySum    time.Duration
	latencyCount  int64
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultLimiterConfig().RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	// hard per-minute cap behind the token bucket; the bucket smooths, the
	// window guarantees the minute budget is never exceeded
	win, _ := slidingwindow.NewLimiter(time.Minute, int64(cfg.RequestsPerMinute), func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})

	interval := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		interval = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	return &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst),
		interval: interval,
		window:   win,
	}
}

// Acquire blocks until a request slot is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}
	if err := l.interval.Wait(ctx); err != nil {
		return err
	}
	// slidingwindow exposes no blocking wait, so fall back to a coarse
	// sleep-poll; the bucket and interval waits above keep this loop cold
	for !l.window.Allow() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	waited := time.Since(start)

	l.mu.Lock()
	l.totalRequests++
	if waited > 10*time.Millisecond {
		l.totalWaits++
		l.totalWaitTime += waited
		limiterWaitSeconds.Add(waited.Seconds())
	}
	l.mu.Unlock()
	return nil
}

// RecordRateLimitHit notes an upstream quota rejection (429) observed by a
// client sharing this limiter.
func (l *Limiter) RecordRateLimitHit() {
	l.mu.Lock()
	l.rateLimitHits++
	l.mu.Unlock()
	quotaRejections.Inc()
}

// RecordLatency feeds the rolling average reported in sync state.
func (l *Limiter) RecordLatency(d time.Duration) {
	l.mu.Lock()
	l.latencySum += d
	l.latencyCount++
	l.mu.Unlock()
}

type LimiterStats struct {
	TotalRequests int64
	TotalWaits    int64
	TotalWaitTime time.Duration
	RateLimitHits int64
	AvgLatencyMs  int64
}

func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := LimiterStats{
		TotalRequests: l.totalRequests,
		TotalWaits:    l.totalWaits,
		TotalWaitTime: l.totalWaitTime,
		RateLimitHits: l.rateLimitHits,
	}
	if l.latencyCount > 0 {
		stats.AvgLatencyMs = (l.latencySum / time.Duration(l.latencyCount)).Milliseconds()
	}
	return stats
}

// Delta returns the counters accumulated since an earlier snapshot, used
// to attribute limiter activity to a single sync run.
func (s LimiterStats) Delta(since LimiterStats) LimiterStats {
	return LimiterStats{
		TotalRequests: s.TotalRequests - since.TotalRequests,
		TotalWaits:    s.TotalWaits - since.TotalWaits,
		TotalWaitTime: s.TotalWaitTime - since.TotalWaitTime,
		RateLimitHits: s.RateLimitHits - since.RateLimitHits,
		AvgLatencyMs:  s.AvgLatencyMs,
	}
}

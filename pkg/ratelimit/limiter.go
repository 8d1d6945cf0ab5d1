// Package ratelimit implements per-source-address sliding-window admission
// control for the SMTP gateway and the admin API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/metrics"
)

// Result reports the outcome of one admission attempt.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Total     int
}

type bucket struct {
	timestamps []time.Time
}

// Limiter tracks admission timestamps per normalized source address. Each
// Limiter owns its map; construct one at process start and hand it to the
// servers that need it. Safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	window       time.Duration
	maxPerWindow int
	enabled      bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a limiter. A disabled limiter admits everything while still
// reporting the configured ceiling.
func New(enabled bool, window time.Duration, maxPerWindow int) *Limiter {
	return &Limiter{
		buckets:      make(map[string]*bucket),
		window:       window,
		maxPerWindow: maxPerWindow,
		enabled:      enabled,
		stopCh:       make(chan struct{}),
	}
}

// Check records an admission attempt for ip and reports whether it is
// allowed. Expired timestamps are pruned first; a denied attempt reports
// the reset time of the oldest timestamp still in the window.
func (l *Limiter) Check(ip string) Result {
	now := time.Now()
	if !l.enabled {
		return Result{
			Allowed:   true,
			Remaining: l.maxPerWindow,
			ResetAt:   now.Add(l.window),
			Total:     l.maxPerWindow,
		}
	}

	key := helpers.NormalizeIP(ip)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{timestamps: make([]time.Time, 0, l.maxPerWindow)}
		l.buckets[key] = b
	}

	cutoff := now.Add(-l.window)
	valid := b.timestamps[:0]
	for _, t := range b.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.timestamps = valid

	if len(b.timestamps) >= l.maxPerWindow {
		resetAt := b.timestamps[0].Add(l.window)
		metrics.RateLimitRejections.Inc()
		logger.Warn("rate limit exceeded", "ip", key, "count", len(b.timestamps),
			"max_per_window", l.maxPerWindow, "reset_at", resetAt)
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
			Total:     l.maxPerWindow,
		}
	}

	b.timestamps = append(b.timestamps, now)
	return Result{
		Allowed:   true,
		Remaining: l.maxPerWindow - len(b.timestamps),
		ResetAt:   b.timestamps[0].Add(l.window),
		Total:     l.maxPerWindow,
	}
}

// Start launches the periodic sweep that drops buckets with no timestamps
// left in the window, bounding memory to currently active senders. The
// sweeper stops when ctx is cancelled or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	if !l.enabled {
		return
	}

	interval := l.window
	if interval < time.Minute {
		interval = time.Minute
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		valid := b.timestamps[:0]
		for _, t := range b.timestamps {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		b.timestamps = valid
		if len(b.timestamps) == 0 {
			delete(l.buckets, key)
		}
	}
}

// Reset clears all limiter state. Used by tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pulsemetrics/pulsegate/internal/metrics"
)

const (
	// Buckets idle for longer than this are evicted by the janitor.
	bucketRetention = time.Hour
	sweepInterval   = 5 * time.Minute
)

type bucket struct {
	// Admission timestamps in order, pruned to the trailing window on
	// every check.
	admitted []time.Time
	lastSeen time.Time
}

// MemoryLimiter is a process-local sliding-window limiter with a
// nested burst guard. State is not durable and not shared between
// instances: when the service is scaled horizontally each instance
// enforces its own independent quota.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once

	now func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter and starts its
// background sweep.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.janitor()
	return l
}

// Check implements Limiter. The burst guard is evaluated before the
// window guard so short spikes are rejected even when the caller is
// under its aggregate quota.
func (l *MemoryLimiter) Check(ctx context.Context, identifier string, limits Limits) (Result, error) {
	limits = normalize(limits)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identifier]
	if !ok {
		b = &bucket{}
		l.buckets[identifier] = b
	}
	b.lastSeen = now

	// Drop admissions that fell out of the trailing window.
	cutoff := now.Add(-limits.Window)
	kept := b.admitted[:0]
	for _, ts := range b.admitted {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.admitted = kept

	remaining := limits.MaxRequests - len(b.admitted)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(limits.Window)
	if len(b.admitted) > 0 {
		resetAt = b.admitted[0].Add(limits.Window)
	}

	// Burst guard.
	burstCutoff := now.Add(-limits.BurstWindow)
	burstCount := 0
	var burstOldest time.Time
	for _, ts := range b.admitted {
		if ts.After(burstCutoff) {
			if burstCount == 0 {
				burstOldest = ts
			}
			burstCount++
		}
	}
	if burstCount >= limits.BurstSize {
		metrics.RateLimitRejections.WithLabelValues(ReasonBurst).Inc()
		return Result{
			Allowed:    false,
			Remaining:  remaining,
			ResetAt:    resetAt,
			RetryAfter: positive(burstOldest.Add(limits.BurstWindow).Sub(now)),
			Reason:     ReasonBurst,
		}, nil
	}

	// Window guard.
	if len(b.admitted) >= limits.MaxRequests {
		metrics.RateLimitRejections.WithLabelValues(ReasonWindow).Inc()
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: positive(b.admitted[0].Add(limits.Window).Sub(now)),
			Reason:     ReasonWindow,
		}, nil
	}

	b.admitted = append(b.admitted, now)
	return Result{
		Allowed:   true,
		Remaining: limits.MaxRequests - len(b.admitted),
		ResetAt:   resetAt,
	}, nil
}

// Close stops the background sweep.
func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryLimiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > bucketRetention {
			delete(l.buckets, id)
		}
	}
}

func normalize(limits Limits) Limits {
	def := DefaultLimits()
	if limits.MaxRequests <= 0 {
		limits.MaxRequests = def.MaxRequests
	}
	if limits.Window <= 0 {
		limits.Window = def.Window
	}
	if limits.BurstSize <= 0 {
		limits.BurstSize = def.BurstSize
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = def.BurstWindow
	}
	return limits
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

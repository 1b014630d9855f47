package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	penaltyGrowth   = 1.5
	penaltyCap      = 16.0
	decayAfter      = 24 * time.Hour
	reputationTTL   = 48 * time.Hour
	reputationSweep = 10 * time.Minute
)

type reputation struct {
	violations    int
	lastViolation time.Time
	penalty       float64
	lastSeen      time.Time
}

// ReputationLimiter wraps a Limiter with per-IP penalty tracking.
// Each window violation multiplies the penalty, shrinking the IP's
// effective quota; the penalty decays lazily once 24h pass without a
// violation. Penalties never drop below the 1x baseline.
type ReputationLimiter struct {
	inner Limiter

	mu      sync.Mutex
	records map[string]*reputation
	stop    chan struct{}
	once    sync.Once

	now func() time.Time
}

// NewReputationLimiter wraps inner with IP reputation tracking.
func NewReputationLimiter(inner Limiter) *ReputationLimiter {
	r := &ReputationLimiter{
		inner:   inner,
		records: make(map[string]*reputation),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go r.janitor()
	return r
}

// Check applies the IP's current penalty to limits, runs the wrapped
// check, and records a violation when the window guard rejects.
// Burst rejections do not count as violations.
func (r *ReputationLimiter) Check(ctx context.Context, ip string, limits Limits) (Result, error) {
	limits = normalize(limits)
	now := r.now()

	r.mu.Lock()
	rec, ok := r.records[ip]
	if !ok {
		rec = &reputation{penalty: 1}
		r.records[ip] = rec
	}
	rec.lastSeen = now

	// Lazy decay: one step per check once the quiet period has passed.
	if rec.penalty > 1 && now.Sub(rec.lastViolation) >= decayAfter {
		rec.penalty = rec.penalty / 2
		if rec.penalty < 1 {
			rec.penalty = 1
		}
		if rec.violations > 0 {
			rec.violations--
		}
		rec.lastViolation = now
	}

	effective := limits
	adjusted := int(float64(limits.MaxRequests) / rec.penalty)
	if adjusted < 1 {
		adjusted = 1
	}
	effective.MaxRequests = adjusted
	r.mu.Unlock()

	res, err := r.inner.Check(ctx, ip, effective)
	if err != nil {
		return res, err
	}

	if !res.Allowed && res.Reason == ReasonWindow {
		r.mu.Lock()
		rec.violations++
		rec.lastViolation = now
		rec.penalty = rec.penalty * penaltyGrowth
		if rec.penalty > penaltyCap {
			rec.penalty = penaltyCap
		}
		r.mu.Unlock()
	}

	return res, nil
}

// Score reports the observability reputation score for ip:
// 100 for a clean IP, minus 10 per recorded violation, floored at 0.
func (r *ReputationLimiter) Score(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ip]
	if !ok {
		return 100
	}
	score := 100 - rec.violations*10
	if score < 0 {
		score = 0
	}
	return score
}

// Close stops the sweep and closes the wrapped limiter.
func (r *ReputationLimiter) Close() error {
	r.once.Do(func() { close(r.stop) })
	return r.inner.Close()
}

func (r *ReputationLimiter) janitor() {
	ticker := time.NewTicker(reputationSweep)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *ReputationLimiter) sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for ip, rec := range r.records {
		if now.Sub(rec.lastSeen) > reputationTTL {
			delete(r.records, ip)
		}
	}
}

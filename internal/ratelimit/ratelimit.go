package ratelimit

import (
	"context"
	"time"
)

// Rejection reasons reported in Result.Reason.
const (
	ReasonBurst  = "burst_limit_exceeded"
	ReasonWindow = "rate_limit_exceeded"
)

// Limits configures admission control for one check.
type Limits struct {
	MaxRequests int
	Window      time.Duration
	BurstSize   int
	BurstWindow time.Duration
}

// DefaultLimits returns the standard public-endpoint limits:
// 100 requests per minute with a burst ceiling of 10 per second.
func DefaultLimits() Limits {
	return Limits{
		MaxRequests: 100,
		Window:      time.Minute,
		BurstSize:   10,
		BurstWindow: time.Second,
	}
}

// Result is the outcome of an admission check. RetryAfter is only
// meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// Limiter is the admission-control contract shared by the in-memory
// and Redis backends.
type Limiter interface {
	// Check records an admission attempt for identifier under limits
	// and reports whether it is allowed.
	Check(ctx context.Context, identifier string, limits Limits) (Result, error)
	Close() error
}

// NoOpLimiter always admits. Used when rate limiting is disabled.
type NoOpLimiter struct{}

func (NoOpLimiter) Check(ctx context.Context, identifier string, limits Limits) (Result, error) {
	return Result{Allowed: true, Remaining: limits.MaxRequests}, nil
}

func (NoOpLimiter) Close() error { return nil }

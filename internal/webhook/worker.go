package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/metrics"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

const userAgent = "Pulsegate/1.0"

// Config tunes the delivery worker.
type Config struct {
	// BatchSize is the maximum number of pending deliveries pulled per
	// invocation.
	BatchSize int
	// MaxConcurrent bounds fan-out within one invocation. Deliveries
	// to distinct endpoints may run concurrently; there is no ordering
	// guarantee, and two deliveries to the same endpoint may be in
	// flight at once.
	MaxConcurrent int
	// Timeout bounds each outbound POST; the call is aborted after it.
	Timeout time.Duration
	// InCallRetries is how many times a transport failure is retried
	// within the same invocation before giving up on it.
	InCallRetries int
	// RetryCeiling is the cross-invocation retry limit; once
	// retry_count reaches it the delivery is failed permanently.
	RetryCeiling int
	// FailureThreshold is the consecutive endpoint failure count that
	// flips the endpoint to failed.
	FailureThreshold int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	// Interval paces Run's invocations.
	Interval time.Duration
}

// DefaultConfig returns the production worker settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        50,
		MaxConcurrent:    10,
		Timeout:          10 * time.Second,
		InCallRetries:    3,
		RetryCeiling:     5,
		FailureThreshold: 10,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		Interval:         15 * time.Second,
	}
}

// Stats summarizes one worker invocation.
type Stats struct {
	Pulled    int
	Delivered int
	Retried   int
	Failed    int
}

// Worker pulls pending deliveries, signs and POSTs them, classifies
// outcomes, and maintains endpoint health.
type Worker struct {
	repo   repository.Repository
	client *http.Client
	cfg    Config
	logger *logging.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// NewWorker creates a delivery worker.
func NewWorker(repo repository.Repository, cfg Config, logger *logging.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Worker{
		repo:   repo,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Run invokes the worker on its configured interval until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("delivery worker started",
		"interval", w.cfg.Interval.String(),
		"batch_size", w.cfg.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopped")
			return
		case <-ticker.C:
			stats, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("delivery invocation failed", "error", err.Error())
				continue
			}
			if stats.Pulled > 0 {
				w.logger.Info("delivery invocation complete",
					"pulled", stats.Pulled,
					"delivered", stats.Delivered,
					"retried", stats.Retried,
					"failed", stats.Failed,
				)
			}
		}
	}
}

// RunOnce executes one batch-pull invocation.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	deliveries, err := w.repo.ListPendingDeliveries(ctx, time.Now(), w.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("list pending deliveries: %w", err)
	}

	stats := Stats{Pulled: len(deliveries)}
	if len(deliveries) == 0 {
		return stats, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, w.cfg.MaxConcurrent)
	)

	for _, d := range deliveries {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *models.WebhookDelivery) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := w.process(ctx, d)

			mu.Lock()
			switch outcome {
			case models.DeliveryDelivered:
				stats.Delivered++
			case models.DeliveryPending:
				stats.Retried++
			default:
				stats.Failed++
			}
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	return stats, nil
}

// process attempts one delivery and returns its resulting status.
func (w *Worker) process(ctx context.Context, d *models.WebhookDelivery) string {
	endpoint, err := w.repo.GetEndpoint(ctx, d.EndpointID)
	if err != nil {
		if errors.Is(err, repository.ErrEndpointNotFound) {
			w.finalize(ctx, d, models.DeliveryFailed, nil, "endpoint not found")
			metrics.DeliveriesTotal.WithLabelValues("endpoint_inactive").Inc()
			return models.DeliveryFailed
		}
		// Transient store failure: leave the delivery pending so the
		// next invocation picks it up again.
		w.logger.Error("failed to load endpoint",
			"delivery_id", d.ID, "endpoint_id", d.EndpointID, "error", err.Error())
		metrics.DeliveriesTotal.WithLabelValues("store_error").Inc()
		return models.DeliveryPending
	}
	if endpoint.Status != models.EndpointActive {
		// No network call for inactive endpoints.
		w.finalize(ctx, d, models.DeliveryFailed, nil, "endpoint is not active")
		metrics.DeliveriesTotal.WithLabelValues("endpoint_inactive").Inc()
		return models.DeliveryFailed
	}

	body, err := Envelope(d.EventType, d.ID, time.Now().UTC().Format(time.RFC3339), d.Payload)
	if err != nil {
		w.finalize(ctx, d, models.DeliveryFailed, nil, err.Error())
		metrics.DeliveriesTotal.WithLabelValues("bad_payload").Inc()
		return models.DeliveryFailed
	}
	signature := Sign(body, endpoint.SigningSecret)

	var (
		lastCode *int
		lastErr  string
	)

	// In-call retry: iterative bounded loop, never recursive, so the
	// attempt count stays an observable variable.
	for attempt := 0; attempt <= w.cfg.InCallRetries; attempt++ {
		if attempt > 0 {
			w.sleep(ctx, w.backoff(attempt-1))
			if ctx.Err() != nil {
				break
			}
		}

		code, err := w.post(ctx, endpoint.URL, d, body, signature)
		d.AttemptCount++
		w.recordAttempt(ctx, d, code, err)

		if err == nil && code >= 200 && code < 300 {
			now := time.Now().UTC()
			d.DeliveredAt = &now
			w.finalize(ctx, d, models.DeliveryDelivered, &code, "")
			if repoErr := w.repo.MarkEndpointDelivered(ctx, endpoint.ID, now); repoErr != nil {
				w.logger.Error("failed to reset endpoint health",
					"endpoint_id", endpoint.ID, "error", repoErr.Error())
			}
			metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
			return models.DeliveryDelivered
		}

		if err != nil {
			lastCode = nil
			lastErr = err.Error()
			continue
		}

		lastCode = &code
		lastErr = fmt.Sprintf("endpoint returned status %d", code)
		if code < 500 {
			// 4xx responses are not transient; retrying them in-call
			// just burns the budget.
			break
		}
	}

	return w.handleFailure(ctx, d, endpoint, lastCode, lastErr)
}

// handleFailure advances the delivery's cross-invocation retry state
// and the endpoint's health counters. The two writes are independent
// and non-atomic; a crash between them delays endpoint auto-disable
// but never loses the delivery state.
func (w *Worker) handleFailure(ctx context.Context, d *models.WebhookDelivery, endpoint *models.WebhookEndpoint, code *int, errMsg string) string {
	d.RetryCount++

	var status string
	if d.RetryCount >= w.cfg.RetryCeiling {
		status = models.DeliveryFailed
		d.NextRetryAt = nil
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	} else {
		status = models.DeliveryPending
		next := time.Now().Add(w.backoff(d.RetryCount))
		d.NextRetryAt = &next
		metrics.DeliveriesTotal.WithLabelValues("retried").Inc()
	}
	w.finalize(ctx, d, status, code, errMsg)

	count, err := w.repo.IncrementEndpointFailure(ctx, endpoint.ID)
	if err != nil {
		w.logger.Error("failed to record endpoint failure",
			"endpoint_id", endpoint.ID, "error", err.Error())
		return status
	}
	if count >= w.cfg.FailureThreshold {
		if err := w.repo.SetEndpointStatus(ctx, endpoint.ID, models.EndpointFailed); err != nil {
			w.logger.Error("failed to disable endpoint",
				"endpoint_id", endpoint.ID, "error", err.Error())
			return status
		}
		metrics.EndpointsDisabled.Inc()
		w.logger.Warn("endpoint disabled after consecutive failures",
			"endpoint_id", endpoint.ID, "failure_count", count)
	}
	return status
}

func (w *Worker) post(ctx context.Context, url string, d *models.WebhookDelivery, body []byte, signature string) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Delivery-ID", d.ID)
	req.Header.Set("X-Timestamp", time.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := w.client.Do(req)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// finalize writes the delivery's new state. Delivery state is the
// system's only failure-reporting channel, so a write failure is
// logged loudly.
func (w *Worker) finalize(ctx context.Context, d *models.WebhookDelivery, status string, code *int, errMsg string) {
	d.Status = status
	d.ResponseCode = code
	d.ErrorMessage = errMsg
	if err := w.repo.UpdateDelivery(ctx, d); err != nil {
		w.logger.Error("failed to update delivery state",
			"delivery_id", d.ID, "status", status, "error", err.Error())
	}
}

func (w *Worker) recordAttempt(ctx context.Context, d *models.WebhookDelivery, code int, attemptErr error) {
	attempt := &models.DeliveryAttempt{
		ID:          uuid.NewString(),
		DeliveryID:  d.ID,
		Attempt:     d.AttemptCount,
		AttemptedAt: time.Now().UTC(),
	}
	if attemptErr != nil {
		attempt.Error = attemptErr.Error()
	} else {
		c := code
		attempt.ResponseCode = &c
	}
	if err := w.repo.CreateAttempt(ctx, attempt); err != nil {
		w.logger.Error("failed to record delivery attempt",
			"delivery_id", d.ID, "error", err.Error())
	}
}

// backoff returns base * 2^n capped at MaxDelay, plus up to one
// base-delay of jitter.
func (w *Worker) backoff(n int) time.Duration {
	d := w.cfg.BaseDelay << uint(n)
	if d > w.cfg.MaxDelay || d <= 0 {
		d = w.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(w.cfg.BaseDelay)))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

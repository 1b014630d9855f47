package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

func testWorkerConfig() Config {
	return Config{
		BatchSize:        50,
		MaxConcurrent:    4,
		Timeout:          2 * time.Second,
		InCallRetries:    3,
		RetryCeiling:     5,
		FailureThreshold: 10,
		BaseDelay:        time.Millisecond,
		MaxDelay:         30 * time.Millisecond,
		Interval:         time.Hour,
	}
}

func newTestWorker(t *testing.T, repo repository.Repository, cfg Config) *Worker {
	t.Helper()
	w := NewWorker(repo, cfg, logging.New(slog.LevelError, "text"))
	w.sleep = func(ctx context.Context, d time.Duration) {}
	return w
}

func seedEndpoint(t *testing.T, repo *repository.InMemoryRepository, url string) *models.WebhookEndpoint {
	t.Helper()
	ep := &models.WebhookEndpoint{
		ID:            uuid.NewString(),
		TenantID:      "ws_1",
		URL:           url,
		SigningSecret: "whsec_test",
		Status:        models.EndpointActive,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, repo.CreateEndpoint(context.Background(), ep))
	return ep
}

func seedDelivery(t *testing.T, repo *repository.InMemoryRepository, endpointID string) *models.WebhookDelivery {
	t.Helper()
	d := &models.WebhookDelivery{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		EventType:  "signup",
		Payload:    json.RawMessage(`{"user_id":"u1"}`),
		Status:     models.DeliveryPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, repo.CreateDelivery(context.Background(), d))
	return d
}

// makePendingAgain clears the retry timer so the next RunOnce picks the
// delivery up without waiting out the backoff.
func makePendingAgain(t *testing.T, repo *repository.InMemoryRepository, id string) {
	t.Helper()
	d, err := repo.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	if d.Status == models.DeliveryPending {
		d.NextRetryAt = nil
		require.NoError(t, repo.UpdateDelivery(context.Background(), d))
	}
}

func TestWorker_SuccessfulDelivery(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	var (
		mu       sync.Mutex
		gotBody  []byte
		gotHdrs  http.Header
		hitCount int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotHdrs = r.Header.Clone()
		hitCount++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	d := seedDelivery(t, repo, ep.ID)

	w := newTestWorker(t, repo, testWorkerConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Delivered: 1}, stats)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, hitCount)

	// The signature must verify over the exact bytes that were sent.
	assert.True(t, VerifySignature(gotBody, ep.SigningSecret, gotHdrs.Get("X-Signature")))
	assert.Equal(t, "signup", gotHdrs.Get("X-Event-Type"))
	assert.Equal(t, d.ID, gotHdrs.Get("X-Delivery-ID"))
	assert.Equal(t, "application/json", gotHdrs.Get("Content-Type"))
	assert.Equal(t, "Pulsegate/1.0", gotHdrs.Get("User-Agent"))
	assert.NotEmpty(t, gotHdrs.Get("X-Timestamp"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "u1", payload["user_id"])
	assert.Equal(t, "signup", payload["event_type"])
	assert.Equal(t, d.ID, payload["delivery_id"])

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.ResponseCode)
	assert.Equal(t, http.StatusOK, *got.ResponseCode)
	assert.NotNil(t, got.DeliveredAt)

	gotEp, err := repo.GetEndpoint(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotEp.FailureCount)
	assert.NotNil(t, gotEp.LastDeliveryAt)
}

func TestWorker_ServerErrorRetriesInCall(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	d := seedDelivery(t, repo, ep.ID)

	w := newTestWorker(t, repo, testWorkerConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Retried: 1}, stats)

	mu.Lock()
	assert.Equal(t, 4, hits, "initial call plus three in-call retries")
	mu.Unlock()

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 4, got.AttemptCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now().Add(-time.Second)))
	require.NotNil(t, got.ResponseCode)
	assert.Equal(t, http.StatusInternalServerError, *got.ResponseCode)

	attempts := repo.AttemptsFor(d.ID)
	assert.Len(t, attempts, 4)
}

func TestWorker_ClientErrorDoesNotRetryInCall(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	d := seedDelivery(t, repo, ep.ID)

	w := newTestWorker(t, repo, testWorkerConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Retried: 1}, stats)

	mu.Lock()
	assert.Equal(t, 1, hits, "4xx is not transient; no in-call retry")
	mu.Unlock()

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestWorker_RetryCeilingFailsPermanently(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	d := seedDelivery(t, repo, ep.ID)

	cfg := testWorkerConfig()
	w := newTestWorker(t, repo, cfg)
	ctx := context.Background()

	// Each invocation bumps retry_count by one; the fifth reaches the
	// ceiling and fails the delivery permanently.
	for i := 1; i <= cfg.RetryCeiling; i++ {
		stats, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Pulled, "invocation %d should pick the delivery up", i)

		got, err := repo.GetDelivery(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
		if i < cfg.RetryCeiling {
			assert.Equal(t, models.DeliveryPending, got.Status)
			makePendingAgain(t, repo, d.ID)
		} else {
			assert.Equal(t, models.DeliveryFailed, got.Status)
			assert.Nil(t, got.NextRetryAt)
		}
	}

	// A failed delivery is terminal: nothing left to pull.
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pulled)
}

func TestWorker_EndpointAutoDisable(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	var hits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	d := seedDelivery(t, repo, ep.ID)

	cfg := testWorkerConfig()
	cfg.FailureThreshold = 2
	w := newTestWorker(t, repo, cfg)
	ctx := context.Background()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	makePendingAgain(t, repo, d.ID)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	gotEp, err := repo.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EndpointFailed, gotEp.Status)
	assert.Equal(t, 2, gotEp.FailureCount)

	// Park the original delivery so the next invocation only sees the
	// fresh one.
	pending, err := repo.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	far := time.Now().Add(time.Hour)
	pending.NextRetryAt = &far
	require.NoError(t, repo.UpdateDelivery(ctx, pending))

	// Once disabled, further deliveries fail without touching the
	// network.
	mu.Lock()
	before := hits
	mu.Unlock()

	d2 := seedDelivery(t, repo, ep.ID)
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	mu.Lock()
	assert.Equal(t, before, hits, "disabled endpoint must receive no calls")
	mu.Unlock()

	got, err := repo.GetDelivery(ctx, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestWorker_SuccessResetsFailureCount(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	var fail bool
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		shouldFail := fail
		mu.Unlock()
		if shouldFail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	ctx := context.Background()

	cfg := testWorkerConfig()
	cfg.FailureThreshold = 10
	w := newTestWorker(t, repo, cfg)

	mu.Lock()
	fail = true
	mu.Unlock()
	d1 := seedDelivery(t, repo, ep.ID)
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	gotEp, err := repo.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotEp.FailureCount)

	// Park the failed delivery out of the way so the next invocation
	// only sees the fresh one.
	pending, err := repo.GetDelivery(ctx, d1.ID)
	require.NoError(t, err)
	far := time.Now().Add(time.Hour)
	pending.NextRetryAt = &far
	require.NoError(t, repo.UpdateDelivery(ctx, pending))

	mu.Lock()
	fail = false
	mu.Unlock()
	seedDelivery(t, repo, ep.ID)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	gotEp, err = repo.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotEp.FailureCount, "a delivered webhook resets consecutive failures")
	assert.Equal(t, models.EndpointActive, gotEp.Status)
}

func TestWorker_MissingEndpoint(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	d := seedDelivery(t, repo, uuid.NewString())

	w := newTestWorker(t, repo, testWorkerConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Failed: 1}, stats)

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, got.Status)
	assert.Equal(t, "endpoint not found", got.ErrorMessage)
}

// flakyEndpointRepo fails GetEndpoint a fixed number of times before
// delegating to the wrapped store.
type flakyEndpointRepo struct {
	*repository.InMemoryRepository
	failures int
}

func (f *flakyEndpointRepo) GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset by peer")
	}
	return f.InMemoryRepository.GetEndpoint(ctx, id)
}

func TestWorker_StoreErrorLeavesDeliveryPending(t *testing.T) {
	inner := repository.NewInMemoryRepository()
	repo := &flakyEndpointRepo{InMemoryRepository: inner, failures: 1}

	var hitCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitCount++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ep := seedEndpoint(t, inner, server.URL)
	d := seedDelivery(t, inner, ep.ID)

	w := newTestWorker(t, repo, testWorkerConfig())

	// First pass hits the store failure: no attempt, no state change.
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Retried: 1}, stats)
	assert.Equal(t, 0, hitCount)

	got, err := inner.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 0, got.RetryCount)

	// Once the store recovers the delivery goes through normally.
	stats, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Delivered: 1}, stats)
	assert.Equal(t, 1, hitCount)

	got, err = inner.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Status)
}

func TestWorker_TransportFailure(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	// A server that is already closed produces connection errors.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	ep := seedEndpoint(t, repo, url)
	d := seedDelivery(t, repo, ep.ID)

	w := newTestWorker(t, repo, testWorkerConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pulled: 1, Retried: 1}, stats)

	got, err := repo.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, got.Status)
	assert.Equal(t, 4, got.AttemptCount, "transport failures use the full in-call budget")
	assert.Nil(t, got.ResponseCode)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestWorker_BatchRespectsBatchSize(t *testing.T) {
	repo := repository.NewInMemoryRepository()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ep := seedEndpoint(t, repo, server.URL)
	for i := 0; i < 7; i++ {
		seedDelivery(t, repo, ep.ID)
	}

	cfg := testWorkerConfig()
	cfg.BatchSize = 5
	w := newTestWorker(t, repo, cfg)

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Pulled)
	assert.Equal(t, 5, stats.Delivered)

	stats, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pulled)
}

func TestWorker_BackoffGrowsAndCaps(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 30 * time.Second
	w := newTestWorker(t, repository.NewInMemoryRepository(), cfg)

	prev := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := w.backoff(n)
		base := d - (d % time.Second)
		assert.GreaterOrEqual(t, d, prev-time.Second, "delays must not shrink beyond jitter")
		assert.LessOrEqual(t, base, cfg.MaxDelay)
		assert.Less(t, d, cfg.MaxDelay+cfg.BaseDelay)
		prev = d
	}

	// Far past the cap the shifted value overflows; it must clamp, not
	// wrap negative.
	assert.GreaterOrEqual(t, w.backoff(200), cfg.MaxDelay)
}

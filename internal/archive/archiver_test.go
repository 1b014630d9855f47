package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

// mockBulkResponse answers a _bulk request with one item per action
// line, all succeeding unless fail is set.
func mockBulkResponse(w http.ResponseWriter, r *http.Request, fail bool) {
	body, _ := io.ReadAll(r.Body)
	n := strings.Count(string(body), `"_id"`)

	items := make([]map[string]map[string]interface{}, n)
	for i := range items {
		status := 201
		if fail {
			status = 500
		}
		items[i] = map[string]map[string]interface{}{
			"index": {"_id": fmt.Sprintf("doc-%d", i), "status": status},
		}
		if fail {
			items[i]["index"]["error"] = map[string]string{
				"type": "mapper_parsing_exception", "reason": "boom",
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"took": 3, "errors": fail, "items": items,
	})
}

func newTestArchiver(t *testing.T, serverURL string, repo repository.Repository) *Archiver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = serverURL
	cfg.IndexPrefix = "deliveries-test"
	cfg.Retention = time.Hour
	cfg.BatchSize = 2
	cfg.BatchPause = time.Millisecond

	a, err := New(cfg, repo, logging.New(slog.LevelError, "text"))
	require.NoError(t, err)
	return a
}

func seedTerminal(t *testing.T, repo *repository.InMemoryRepository, age time.Duration, status string) *models.WebhookDelivery {
	t.Helper()
	ts := time.Now().Add(-age)
	d := &models.WebhookDelivery{
		ID:         uuid.NewString(),
		EndpointID: "ep1",
		EventType:  "signup",
		Payload:    json.RawMessage(`{}`),
		Status:     status,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	require.NoError(t, repo.CreateDelivery(context.Background(), d))
	return d
}

func TestArchiver_RunOnce(t *testing.T) {
	var bulkCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			bulkCalls++
			mockBulkResponse(w, r, false)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	repo := repository.NewInMemoryRepository()
	old1 := seedTerminal(t, repo, 2*time.Hour, models.DeliveryDelivered)
	old2 := seedTerminal(t, repo, 3*time.Hour, models.DeliveryFailed)
	old3 := seedTerminal(t, repo, 4*time.Hour, models.DeliveryDelivered)
	fresh := seedTerminal(t, repo, time.Minute, models.DeliveryDelivered)
	pendingOld := seedTerminal(t, repo, 5*time.Hour, models.DeliveryPending)

	a := newTestArchiver(t, server.URL, repo)
	require.NoError(t, a.RunOnce(context.Background()))

	assert.Equal(t, 2, bulkCalls, "three rows with batch size two means two bulk requests")

	ctx := context.Background()
	for _, d := range []*models.WebhookDelivery{old1, old2, old3} {
		_, err := repo.GetDelivery(ctx, d.ID)
		assert.ErrorIs(t, err, repository.ErrDeliveryNotFound, "archived rows are deleted")
	}
	_, err := repo.GetDelivery(ctx, fresh.ID)
	assert.NoError(t, err, "rows inside the retention window stay")
	_, err = repo.GetDelivery(ctx, pendingOld.ID)
	assert.NoError(t, err, "pending rows are never archived")
}

func TestArchiver_RunOnce_LargeBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			mockBulkResponse(w, r, false)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	repo := repository.NewInMemoryRepository()
	for i := 0; i < 40; i++ {
		seedTerminal(t, repo, 2*time.Hour, models.DeliveryDelivered)
	}

	a := newTestArchiver(t, server.URL, repo)
	a.cfg.BatchSize = 40
	require.NoError(t, a.RunOnce(context.Background()))

	remaining, err := repo.ListTerminalDeliveriesBefore(context.Background(), time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, remaining, "every acknowledged row is counted and deleted")
}

func TestArchiver_RunOnce_IndexFailureKeepsRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			mockBulkResponse(w, r, true)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	repo := repository.NewInMemoryRepository()
	old := seedTerminal(t, repo, 2*time.Hour, models.DeliveryFailed)

	a := newTestArchiver(t, server.URL, repo)
	err := a.RunOnce(context.Background())
	require.Error(t, err)

	_, err = repo.GetDelivery(context.Background(), old.ID)
	assert.NoError(t, err, "rows that failed to index must not be deleted")
}

func TestArchiver_RunOnce_NothingToArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer server.Close()

	repo := repository.NewInMemoryRepository()
	seedTerminal(t, repo, time.Minute, models.DeliveryDelivered)

	a := newTestArchiver(t, server.URL, repo)
	require.NoError(t, a.RunOnce(context.Background()))
}

func TestArchiver_Initialize(t *testing.T) {
	var templatePut bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":{"number":"2.11.0"}}`))
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "_index_template"):
			templatePut = true
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"acknowledged":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	a := newTestArchiver(t, server.URL, repository.NewInMemoryRepository())
	require.NoError(t, a.Initialize(context.Background()))
	assert.True(t, templatePut, "index template should be installed")
}

func TestArchiver_IndexFor(t *testing.T) {
	a := &Archiver{cfg: Config{IndexPrefix: "deliveries-test"}}
	ts := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "deliveries-test-2025.06.01", a.indexFor(ts))
}

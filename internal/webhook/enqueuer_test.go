package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

func seedSubscribedEndpoint(t *testing.T, repo *repository.InMemoryRepository, tenantID string, eventTypes []string, status string) *models.WebhookEndpoint {
	t.Helper()
	ep := &models.WebhookEndpoint{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		URL:           "https://receiver.example.com/hooks",
		SigningSecret: "whsec_" + uuid.NewString()[:8],
		EventTypes:    eventTypes,
		Status:        status,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, repo.CreateEndpoint(context.Background(), ep))
	return ep
}

func TestEnqueuer_FanOut(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	e := NewEnqueuer(repo, logging.New(slog.LevelError, "text"))
	ctx := context.Background()

	subscribed := seedSubscribedEndpoint(t, repo, "ws_1", []string{"signup", "purchase"}, models.EndpointActive)
	catchAll := seedSubscribedEndpoint(t, repo, "ws_1", nil, models.EndpointActive)
	seedSubscribedEndpoint(t, repo, "ws_1", []string{"purchase"}, models.EndpointActive)   // wrong type
	seedSubscribedEndpoint(t, repo, "ws_1", []string{"signup"}, models.EndpointFailed)     // disabled
	seedSubscribedEndpoint(t, repo, "ws_other", []string{"signup"}, models.EndpointActive) // wrong tenant

	created, err := e.Enqueue(ctx, &NotificationEvent{
		TenantID:  "ws_1",
		EventType: "signup",
		Payload:   json.RawMessage(`{"user_id":"u1"}`),
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	gotEndpoints := map[string]bool{}
	for _, d := range created {
		gotEndpoints[d.EndpointID] = true
		assert.Equal(t, models.DeliveryPending, d.Status)
		assert.Equal(t, "signup", d.EventType)
		assert.JSONEq(t, `{"user_id":"u1"}`, string(d.Payload))
		assert.Nil(t, d.NextRetryAt)

		stored, err := repo.GetDelivery(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryPending, stored.Status)
	}
	assert.True(t, gotEndpoints[subscribed.ID])
	assert.True(t, gotEndpoints[catchAll.ID], "empty subscription list means all event types")
}

func TestEnqueuer_NoMatchingEndpoints(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	e := NewEnqueuer(repo, logging.New(slog.LevelError, "text"))

	created, err := e.Enqueue(context.Background(), &NotificationEvent{
		TenantID:  "ws_empty",
		EventType: "signup",
	})
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestEnqueuer_RejectsIncompleteEvents(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	e := NewEnqueuer(repo, logging.New(slog.LevelError, "text"))
	ctx := context.Background()

	_, err := e.Enqueue(ctx, &NotificationEvent{EventType: "signup"})
	assert.Error(t, err)

	_, err = e.Enqueue(ctx, &NotificationEvent{TenantID: "ws_1"})
	assert.Error(t, err)
}

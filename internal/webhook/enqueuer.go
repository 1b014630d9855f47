package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

// NotificationSubject is the wildcard the enqueuer listens on.
// Producers publish notify.<tenant_id>.<event_type>.
const NotificationSubject = "notify.>"

// NotificationEvent is an internally generated event that should fan
// out to the tenant's subscribed webhook endpoints.
type NotificationEvent struct {
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Enqueuer turns internal notification events into pending delivery
// rows, one per subscribed active endpoint. It never POSTs anything
// itself; the worker picks the rows up on its next invocation.
type Enqueuer struct {
	repo   repository.Repository
	logger *logging.Logger
	sub    *nats.Subscription
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(repo repository.Repository, logger *logging.Logger) *Enqueuer {
	return &Enqueuer{repo: repo, logger: logger}
}

// Enqueue creates one pending delivery per subscribed active endpoint
// and returns the created deliveries.
func (e *Enqueuer) Enqueue(ctx context.Context, event *NotificationEvent) ([]*models.WebhookDelivery, error) {
	if event.TenantID == "" || event.EventType == "" {
		return nil, fmt.Errorf("notification event missing tenant_id or event_type")
	}

	endpoints, err := e.repo.ListEndpointsForEvent(ctx, event.TenantID, event.EventType)
	if err != nil {
		return nil, fmt.Errorf("list endpoints for %s: %w", event.EventType, err)
	}

	now := time.Now().UTC()
	var created []*models.WebhookDelivery
	for _, ep := range endpoints {
		delivery := &models.WebhookDelivery{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			EventType:  event.EventType,
			Payload:    event.Payload,
			Status:     models.DeliveryPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.repo.CreateDelivery(ctx, delivery); err != nil {
			return created, fmt.Errorf("create delivery for endpoint %s: %w", ep.ID, err)
		}
		created = append(created, delivery)
	}
	return created, nil
}

// Subscribe attaches the enqueuer to the notification subject on nc.
func (e *Enqueuer) Subscribe(nc *nats.Conn) error {
	sub, err := nc.Subscribe(NotificationSubject, func(msg *nats.Msg) {
		var event NotificationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			e.logger.Error("failed to decode notification event",
				"subject", msg.Subject, "error", err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		created, err := e.Enqueue(ctx, &event)
		if err != nil {
			e.logger.Error("failed to enqueue deliveries",
				"subject", msg.Subject, "error", err.Error())
			return
		}
		e.logger.Debug("enqueued deliveries",
			"event_type", event.EventType,
			"tenant_id", event.TenantID,
			"count", len(created),
		)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", NotificationSubject, err)
	}
	e.sub = sub
	e.logger.Info("subscribed to notification events", "subject", NotificationSubject)
	return nil
}

// Unsubscribe detaches from NATS.
func (e *Enqueuer) Unsubscribe() error {
	if e.sub != nil {
		return e.sub.Unsubscribe()
	}
	return nil
}

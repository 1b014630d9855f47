package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pulsemetrics/pulsegate/internal/models"
)

var (
	ErrWorkspaceKeyNotFound = errors.New("workspace key not found")
	ErrEndpointNotFound     = errors.New("endpoint not found")
	ErrDeliveryNotFound     = errors.New("delivery not found")
)

// Repository is the narrow record-store contract the gateway depends
// on: create, filter, update and delete by id. Everything else about
// the store is somebody else's problem.
type Repository interface {
	// Workspace signing keys (read side of out-of-band rotation).
	GetWorkspaceSecret(ctx context.Context, workspaceID string) (string, error)
	CreateWorkspaceKey(ctx context.Context, key *models.WorkspaceKey) error

	// Raw events.
	CreateEvent(ctx context.Context, event *models.TrackEvent) error

	// Webhook endpoints.
	GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	CreateEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error
	ListEndpointsForEvent(ctx context.Context, tenantID, eventType string) ([]*models.WebhookEndpoint, error)
	MarkEndpointDelivered(ctx context.Context, id string, at time.Time) error
	IncrementEndpointFailure(ctx context.Context, id string) (int, error)
	SetEndpointStatus(ctx context.Context, id, status string) error

	// Webhook deliveries.
	CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error)
	ListPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]*models.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	CreateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error

	// Archival support.
	ListTerminalDeliveriesBefore(ctx context.Context, before time.Time, limit int) ([]*models.WebhookDelivery, error)
	DeleteDeliveries(ctx context.Context, ids []string) (int64, error)

	Close()
}

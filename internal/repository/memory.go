package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pulsemetrics/pulsegate/internal/models"
)

// InMemoryRepository backs tests and local development. It mirrors
// the postgres implementation's semantics, including pending-delivery
// ordering.
type InMemoryRepository struct {
	mu         sync.RWMutex
	keys       map[string]*models.WorkspaceKey
	events     map[string]*models.TrackEvent
	endpoints  map[string]*models.WebhookEndpoint
	deliveries map[string]*models.WebhookDelivery
	attempts   []*models.DeliveryAttempt
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys:       make(map[string]*models.WorkspaceKey),
		events:     make(map[string]*models.TrackEvent),
		endpoints:  make(map[string]*models.WebhookEndpoint),
		deliveries: make(map[string]*models.WebhookDelivery),
	}
}

func (r *InMemoryRepository) GetWorkspaceSecret(ctx context.Context, workspaceID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[workspaceID]
	if !ok {
		return "", ErrWorkspaceKeyNotFound
	}
	return key.Secret, nil
}

func (r *InMemoryRepository) CreateWorkspaceKey(ctx context.Context, key *models.WorkspaceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *key
	r.keys[key.WorkspaceID] = &cp
	return nil
}

func (r *InMemoryRepository) CreateEvent(ctx context.Context, event *models.TrackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *event
	r.events[event.ID] = &cp
	return nil
}

// GetEvent is test-only; the postgres implementation has no read path
// for raw events.
func (r *InMemoryRepository) GetEvent(id string) *models.TrackEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[id]
}

// EventCount is test-only.
func (r *InMemoryRepository) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *InMemoryRepository) GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	cp := *ep
	return &cp, nil
}

func (r *InMemoryRepository) CreateEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *endpoint
	r.endpoints[endpoint.ID] = &cp
	return nil
}

func (r *InMemoryRepository) ListEndpointsForEvent(ctx context.Context, tenantID, eventType string) ([]*models.WebhookEndpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.WebhookEndpoint
	for _, ep := range r.endpoints {
		if ep.TenantID != tenantID || ep.Status != models.EndpointActive {
			continue
		}
		if !ep.Subscribed(eventType) {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryRepository) MarkEndpointDelivered(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	ep.FailureCount = 0
	t := at
	ep.LastDeliveryAt = &t
	ep.UpdatedAt = at
	return nil
}

func (r *InMemoryRepository) IncrementEndpointFailure(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return 0, ErrEndpointNotFound
	}
	ep.FailureCount++
	ep.UpdatedAt = time.Now()
	return ep.FailureCount, nil
}

func (r *InMemoryRepository) SetEndpointStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	ep.Status = status
	if status == models.EndpointActive {
		ep.FailureCount = 0
	}
	ep.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryRepository) CreateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *delivery
	r.deliveries[delivery.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetDelivery(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *InMemoryRepository) ListPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.WebhookDelivery
	for _, d := range r.deliveries {
		if d.Status != models.DeliveryPending {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]*models.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.WebhookDelivery
	for _, d := range r.deliveries {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.EndpointID != "" && d.EndpointID != filter.EndpointID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *InMemoryRepository) UpdateDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deliveries[delivery.ID]; !ok {
		return ErrDeliveryNotFound
	}
	cp := *delivery
	cp.UpdatedAt = time.Now()
	r.deliveries[delivery.ID] = &cp
	return nil
}

func (r *InMemoryRepository) CreateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *attempt
	r.attempts = append(r.attempts, &cp)
	return nil
}

// AttemptsFor is test-only.
func (r *InMemoryRepository) AttemptsFor(deliveryID string) []*models.DeliveryAttempt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.DeliveryAttempt
	for _, a := range r.attempts {
		if a.DeliveryID == deliveryID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (r *InMemoryRepository) ListTerminalDeliveriesBefore(ctx context.Context, before time.Time, limit int) ([]*models.WebhookDelivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.WebhookDelivery
	for _, d := range r.deliveries {
		if d.Status != models.DeliveryDelivered && d.Status != models.DeliveryFailed {
			continue
		}
		if !d.UpdatedAt.Before(before) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) DeleteDeliveries(ctx context.Context, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, id := range ids {
		if _, ok := r.deliveries[id]; ok {
			delete(r.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) Close() {}

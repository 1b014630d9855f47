package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pulsemetrics/pulsegate/internal/models"
)

// NATSEnrichTrigger publishes persisted events to the enrichment
// pipeline's subject. The enrichment consumers own retries; this side
// only publishes.
type NATSEnrichTrigger struct {
	nc *nats.Conn
}

// NewNATSEnrichTrigger creates a trigger publishing on nc.
func NewNATSEnrichTrigger(nc *nats.Conn) *NATSEnrichTrigger {
	return &NATSEnrichTrigger{nc: nc}
}

// TriggerEnrichment implements EnrichTrigger.
func (t *NATSEnrichTrigger) TriggerEnrichment(ctx context.Context, event *models.TrackEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal enrichment event: %w", err)
	}

	subject := "events.enrich." + event.WorkspaceID
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

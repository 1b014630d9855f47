package models

import (
	"encoding/json"
	"time"
)

// Endpoint status values. A failed endpoint receives no delivery
// attempts until it is re-activated.
const (
	EndpointActive = "active"
	EndpointFailed = "failed"
)

// Delivery status values.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// TrackEvent is a normalized behavioral event accepted at the
// ingestion boundary. Immutable after creation.
type TrackEvent struct {
	ID          string                 `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	UserID      string                 `json:"user_id"`
	SessionID   string                 `json:"session_id"`
	EventName   string                 `json:"event_name"`
	OccurredAt  time.Time              `json:"occurred_at"`
	URL         string                 `json:"url,omitempty"`
	Referrer    string                 `json:"referrer,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	ClientIP    string                 `json:"client_ip,omitempty"`
	ClickIDs    map[string]string      `json:"click_ids,omitempty"`
	Campaign    string                 `json:"campaign,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	ReceivedAt  time.Time              `json:"received_at"`
}

// WorkspaceKey is the active symmetric signing key for a workspace.
// Rotation happens out of band; this service only reads keys.
type WorkspaceKey struct {
	WorkspaceID string    `json:"workspace_id"`
	Secret      string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// WebhookEndpoint is a customer-owned HTTP receiver.
type WebhookEndpoint struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	URL            string     `json:"url"`
	SigningSecret  string     `json:"-"`
	EventTypes     []string   `json:"event_types"`
	Status         string     `json:"status"`
	FailureCount   int        `json:"failure_count"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Subscribed reports whether the endpoint wants the given event type.
// An empty subscription list means all types.
func (e *WebhookEndpoint) Subscribed(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery is one unit of work for the delivery worker.
// Mutated exclusively by the worker; terminal states are delivered
// and failed.
type WebhookDelivery struct {
	ID           string          `json:"id"`
	EndpointID   string          `json:"endpoint_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	RetryCount   int             `json:"retry_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ResponseCode *int            `json:"response_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DeliveryAttempt records one outbound POST, success or failure.
// History rows are append-only.
type DeliveryAttempt struct {
	ID           string    `json:"id"`
	DeliveryID   string    `json:"delivery_id"`
	Attempt      int       `json:"attempt"`
	ResponseCode *int      `json:"response_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	AttemptedAt  time.Time `json:"attempted_at"`
}

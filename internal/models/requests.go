package models

// IngestRequest is the wire format of POST /v1/events.
type IngestRequest struct {
	Event     string                 `json:"event"`
	TS        string                 `json:"ts"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	Page      string                 `json:"page,omitempty"`
	Referrer  string                 `json:"referrer,omitempty"`
	Campaign  string                 `json:"campaign,omitempty"`
	ClickIDs  map[string]string      `json:"click_ids,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// IngestResponse is returned on successful ingestion.
type IngestResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// DeliveryFilter narrows ListDeliveries on the operational API.
type DeliveryFilter struct {
	Status     string
	EndpointID string
	Limit      int
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/metrics"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

// ValidationError reports the missing or malformed fields of an
// ingestion request. Mapped to a 400 at the boundary.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing or invalid fields: " + strings.Join(e.Fields, ", ")
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// EnrichTrigger kicks off downstream enrichment for a persisted event.
// Implementations own their retry policy; the ingest service never
// retries a trigger.
type EnrichTrigger interface {
	TriggerEnrichment(ctx context.Context, event *models.TrackEvent) error
}

// AuthContext is what the token verifier established about the caller.
type AuthContext struct {
	WorkspaceID string
	ClientIP    string
	UserAgent   string
}

// IngestService validates, normalizes and persists inbound events.
type IngestService struct {
	repo    repository.Repository
	trigger EnrichTrigger
	logger  *logging.Logger

	// AllowAnonymousSession permits requests without a session_id and
	// generates one. Landing-page capture flows have no session yet;
	// everything else must send one.
	AllowAnonymousSession bool
}

// NewIngestService creates the ingestion service. trigger may be nil
// when no enrichment pipeline is wired (tests, local dev).
func NewIngestService(repo repository.Repository, trigger EnrichTrigger, logger *logging.Logger) *IngestService {
	return &IngestService{repo: repo, trigger: trigger, logger: logger}
}

// Ingest validates and persists one event. The persistence write is
// synchronous; the enrichment trigger is fire-and-forget.
func (s *IngestService) Ingest(ctx context.Context, req *models.IngestRequest, auth *AuthContext) (*models.TrackEvent, error) {
	var missing []string
	if req.Event == "" {
		missing = append(missing, "event")
	}
	if req.TS == "" {
		missing = append(missing, "ts")
	}
	if req.UserID == "" {
		missing = append(missing, "user_id")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		if s.AllowAnonymousSession {
			sessionID = uuid.NewString()
		} else {
			missing = append(missing, "session_id")
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	occurredAt, err := parseTimestamp(req.TS)
	if err != nil {
		return nil, &ValidationError{Fields: []string{"ts"}}
	}

	event := &models.TrackEvent{
		ID:          uuid.NewString(),
		WorkspaceID: auth.WorkspaceID,
		UserID:      req.UserID,
		SessionID:   sessionID,
		EventName:   req.Event,
		OccurredAt:  occurredAt,
		URL:         req.Page,
		Referrer:    req.Referrer,
		UserAgent:   auth.UserAgent,
		ClientIP:    auth.ClientIP,
		ClickIDs:    req.ClickIDs,
		Campaign:    req.Campaign,
		Properties:  req.Metadata,
		ReceivedAt:  time.Now().UTC(),
	}

	if err := s.repo.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	s.triggerEnrichment(event)

	return event, nil
}

// triggerEnrichment fires the downstream task without waiting for it.
// Failures are logged and counted, never propagated to the caller and
// never retried here.
func (s *IngestService) triggerEnrichment(event *models.TrackEvent) {
	if s.trigger == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.trigger.TriggerEnrichment(ctx, event); err != nil {
			metrics.EnrichPublishErrors.Inc()
			s.logger.Error("enrichment trigger failed",
				"event_id", event.ID,
				"workspace_id", event.WorkspaceID,
				"error", err.Error(),
			)
		}
	}()
}

// parseTimestamp normalizes the ts field to a UTC instant. Accepted
// forms: RFC3339, and unix seconds or milliseconds.
func parseTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		// Millisecond timestamps are 13 digits until the year 33658.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", ts)
}

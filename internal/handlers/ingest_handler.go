package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pulsemetrics/pulsegate/internal/httputil"
	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/metrics"
	"github.com/pulsemetrics/pulsegate/internal/middleware"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/ratelimit"
	"github.com/pulsemetrics/pulsegate/internal/service"
	"github.com/pulsemetrics/pulsegate/internal/token"
)

// IngestHandler is the public ingestion boundary: token check, rate
// limit, then hand off to the service.
type IngestHandler struct {
	service      *service.IngestService
	verifier     *token.Verifier
	limiter      ratelimit.Limiter
	ipLimiter    ratelimit.Limiter
	limits       ratelimit.Limits
	maxEventSize int64
	logger       *logging.Logger
}

// reputationScorer is the optional interface the reputation-wrapped
// IP limiter provides; when present, rejections log the IP's score.
type reputationScorer interface {
	Score(key string) int
}

// NewIngestHandler wires the ingestion endpoint. ipLimiter is the
// reputation-wrapped per-IP limiter; limiter keys on the workspace.
func NewIngestHandler(
	svc *service.IngestService,
	verifier *token.Verifier,
	limiter ratelimit.Limiter,
	ipLimiter ratelimit.Limiter,
	limits ratelimit.Limits,
	maxEventSize int64,
	logger *logging.Logger,
) *IngestHandler {
	if maxEventSize <= 0 {
		maxEventSize = 1 << 20
	}
	return &IngestHandler{
		service:      svc,
		verifier:     verifier,
		limiter:      limiter,
		ipLimiter:    ipLimiter,
		limits:       limits,
		maxEventSize: maxEventSize,
		logger:       logger,
	}
}

// HandleEvent serves POST /v1/events.
func (h *IngestHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok := middleware.BearerToken(r)
	if tok == "" {
		metrics.EventsTotal.WithLabelValues("unauthorized").Inc()
		httputil.WriteError(w, http.StatusUnauthorized, "missing authorization")
		return
	}

	claims, err := h.verifier.Verify(ctx, tok, r.Header.Get("Origin"))
	if err != nil {
		metrics.EventsTotal.WithLabelValues("unauthorized").Inc()
		metrics.AuthFailures.WithLabelValues(authCause(err)).Inc()
		httputil.WriteError(w, http.StatusUnauthorized, authMessage(err))
		return
	}

	clientIP := getClientIP(r)

	// Workspace quota first, then the caller IP's reputation-adjusted
	// quota. Either rejection is final.
	wsRes, err := h.limiter.Check(ctx, "ws:"+claims.WorkspaceID, h.limits)
	if err != nil {
		h.logger.ErrorContext(ctx, "rate limit check failed", "error", err.Error())
		// Admission control failing open beats dropping customer data.
		wsRes = ratelimit.Result{Allowed: true, Remaining: h.limits.MaxRequests}
	}
	writeRateLimitHeaders(w, h.limits.MaxRequests, wsRes)
	if !wsRes.Allowed {
		metrics.EventsTotal.WithLabelValues("rate_limited").Inc()
		h.writeRateLimited(w, wsRes)
		return
	}

	if h.ipLimiter != nil {
		ipKey := "ip:" + clientIP
		ipRes, err := h.ipLimiter.Check(ctx, ipKey, h.limits)
		if err != nil {
			h.logger.ErrorContext(ctx, "ip rate limit check failed", "error", err.Error())
		} else if !ipRes.Allowed {
			metrics.EventsTotal.WithLabelValues("rate_limited").Inc()
			if scorer, ok := h.ipLimiter.(reputationScorer); ok {
				h.logger.WarnContext(ctx, "ip rate limited",
					"ip", clientIP, "reputation_score", scorer.Score(ipKey))
			}
			writeRateLimitHeaders(w, h.limits.MaxRequests, ipRes)
			h.writeRateLimited(w, ipRes)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	metrics.EventBytesTotal.Add(float64(len(body)))

	var req models.IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	event, err := h.service.Ingest(ctx, &req, &service.AuthContext{
		WorkspaceID: claims.WorkspaceID,
		ClientIP:    clientIP,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		if ve, ok := service.AsValidationError(err); ok {
			metrics.EventsTotal.WithLabelValues("invalid").Inc()
			httputil.WriteError(w, http.StatusBadRequest, ve.Error())
			return
		}
		metrics.EventsTotal.WithLabelValues("error").Inc()
		h.logger.ErrorContext(ctx, "event persistence failed",
			"workspace_id", claims.WorkspaceID, "error", err.Error())
		httputil.WriteErrorDetails(w, http.StatusInternalServerError,
			"failed to store event", err.Error())
		return
	}
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	metrics.EventsTotal.WithLabelValues("ok").Inc()

	httputil.WriteJSON(w, http.StatusOK, models.IngestResponse{
		Status:  "ok",
		EventID: event.ID,
	})
}

func (h *IngestHandler) writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": res.Reason,
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, limit int, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(time.RFC3339))
	if !res.Allowed {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

func authCause(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrKeyNotConfigured):
		return "no_key"
	case errors.Is(err, token.ErrOriginMismatch):
		return "origin"
	default:
		return "malformed"
	}
}

// authMessage maps verification failures to caller-facing text. Key
// lookup failures deliberately read like any other rejection so the
// response does not reveal which workspaces exist.
func authMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "invalid token signature"
	case errors.Is(err, token.ErrOriginMismatch):
		return "origin not allowed"
	case errors.Is(err, token.ErrKeyNotConfigured):
		return "invalid token"
	default:
		return "malformed token"
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/pulsemetrics/pulsegate/internal/httputil"
	"github.com/pulsemetrics/pulsegate/internal/logging"
	"github.com/pulsemetrics/pulsegate/internal/models"
	"github.com/pulsemetrics/pulsegate/internal/repository"
)

// OpsHandler serves the operational API: inspecting deliveries and
// re-activating endpoints that were auto-disabled.
type OpsHandler struct {
	repo   repository.Repository
	logger *logging.Logger
}

func NewOpsHandler(repo repository.Repository, logger *logging.Logger) *OpsHandler {
	return &OpsHandler{repo: repo, logger: logger}
}

// ListDeliveries serves GET /v1/deliveries.
func (h *OpsHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	filter := models.DeliveryFilter{
		Status:     r.URL.Query().Get("status"),
		EndpointID: r.URL.Query().Get("endpoint_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	deliveries, err := h.repo.ListDeliveries(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list deliveries", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []*models.WebhookDelivery{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// ActivateEndpoint serves POST /v1/endpoints/{id}/activate. It resets
// the failure count and returns the endpoint to rotation.
func (h *OpsHandler) ActivateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "missing endpoint id")
		return
	}

	if err := h.repo.SetEndpointStatus(r.Context(), id, models.EndpointActive); err != nil {
		if errors.Is(err, repository.ErrEndpointNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to activate endpoint",
			"endpoint_id", id, "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to activate endpoint")
		return
	}

	h.logger.InfoContext(r.Context(), "endpoint re-activated", "endpoint_id", id)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": models.EndpointActive,
	})
}

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsemetrics/pulsegate/internal/handlers"
	"github.com/pulsemetrics/pulsegate/internal/middleware"
)

// NewRouter constructs the gateway's ServeMux. The ingestion route is
// CORS-open for browser snippets; the operational routes require a
// service token.
func NewRouter(
	ingest *handlers.IngestHandler,
	ops *handlers.OpsHandler,
	health *handlers.HealthHandler,
	serviceTokens middleware.ServiceTokenVerifier,
) http.Handler {
	mux := http.NewServeMux()

	cors := middleware.CORS(middleware.DefaultCORS())
	mux.Handle("POST /v1/events", cors(http.HandlerFunc(ingest.HandleEvent)))
	mux.Handle("OPTIONS /v1/events", cors(http.NotFoundHandler()))

	guard := middleware.RequireServiceToken(serviceTokens)
	mux.Handle("GET /v1/deliveries", guard(http.HandlerFunc(ops.ListDeliveries)))
	mux.Handle("POST /v1/endpoints/{id}/activate", guard(http.HandlerFunc(ops.ActivateEndpoint)))

	mux.HandleFunc("GET /healthz", health.Health)
	mux.HandleFunc("GET /readyz", health.Ready)

	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Suggestions
	mux.HandleFunc("GET /api/autocomplete", h.Autocomplete)
	mux.HandleFunc("POST /api/autocomplete/selection", h.TrackSelection)
	mux.HandleFunc("GET /api/suggestions", h.Suggestions)

	// Search and personalized feeds
	mux.HandleFunc("GET /api/search", h.Search)
	mux.HandleFunc("POST /api/search/{id}/click", h.TrackClick)
	mux.HandleFunc("POST /api/search/{id}/conversion", h.TrackConversion)
	mux.HandleFunc("GET /api/recommendations", h.Recommendations)
	mux.HandleFunc("GET /api/discovery", h.Discovery)
	mux.HandleFunc("GET /api/products/{id}/similar", h.SimilarProducts)
	mux.HandleFunc("POST /api/interactions", h.TrackInteraction)

	// Experiments
	mux.HandleFunc("POST /api/experiments/assignments/{id}/events", h.TrackExperimentEvent)

	// Analytics
	mux.HandleFunc("GET /api/analytics/search/top", h.TopQueries)
	mux.HandleFunc("GET /api/analytics/search/zero-results", h.ZeroResultQueries)
	mux.HandleFunc("GET /api/analytics/search/rates", h.SearchRates)
	mux.HandleFunc("GET /api/analytics/search/timeseries", h.SearchTimeSeries)

	// Alerts
	mux.HandleFunc("GET /api/alerts", h.ListAlerts)
	mux.HandleFunc("PATCH /api/alerts/{id}", h.UpdateAlert)

	// Admin
	mux.HandleFunc("POST /api/admin/refresh", h.RefreshQueryStats)
	mux.HandleFunc("POST /api/admin/reindex", h.Reindex)
	mux.HandleFunc("POST /api/admin/index-events", h.PublishIndexEvent)
	mux.HandleFunc("POST /api/admin/experiments/refresh", h.RefreshExperiments)

	// Observability
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

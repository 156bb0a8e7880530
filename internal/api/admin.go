package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace-search/internal/analytics"
	"marketplace-search/internal/database"
	"marketplace-search/internal/models"
	"marketplace-search/internal/queue"
)

// ---------------------------------------------------------------------------
// Analytics
// ---------------------------------------------------------------------------

// TopQueries serves GET /api/analytics/search/top?limit=&days=
func (h *Handler) TopQueries(w http.ResponseWriter, r *http.Request) {
	h.queryReport(w, r, "top", h.Analytics.TopQueries)
}

// ZeroResultQueries serves GET /api/analytics/search/zero-results?limit=&days=
func (h *Handler) ZeroResultQueries(w http.ResponseWriter, r *http.Request) {
	h.queryReport(w, r, "zero_results", h.Analytics.ZeroResultQueries)
}

func (h *Handler) queryReport(w http.ResponseWriter, r *http.Request, name string,
	fn func(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error)) {
	limit, days, ok := limitAndDays(w, r)
	if !ok {
		return
	}
	out, err := fn(r.Context(), limit, days)
	if err != nil {
		slog.Error("analytics report failed", "component", "api", "report", name, "error", err)
		http.Error(w, "failed to fetch analytics", http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []models.QueryCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"periodDays": days, "queries": out})
}

// SearchRates serves GET /api/analytics/search/rates?days=
//
// Overall click-through and conversion rates, plus the personalized and
// regular split.
func (h *Handler) SearchRates(w http.ResponseWriter, r *http.Request) {
	_, days, ok := limitAndDays(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	overall, err := h.Analytics.Rates(ctx, days)
	if err != nil {
		slog.Error("rates failed", "component", "api", "error", err)
		http.Error(w, "failed to fetch analytics", http.StatusInternalServerError)
		return
	}
	split, err := h.Analytics.PersonalizedVsRegular(ctx, days)
	if err != nil {
		slog.Error("personalized rates failed", "component", "api", "error", err)
		http.Error(w, "failed to fetch analytics", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		PeriodDays            int                  `json:"periodDays"`
		Overall               models.RateSummary   `json:"overall"`
		PersonalizedVsRegular analytics.Comparison `json:"personalizedVsRegular"`
	}{days, overall, split})
}

// SearchTimeSeries serves GET /api/analytics/search/timeseries?days=&interval=day|week|month
func (h *Handler) SearchTimeSeries(w http.ResponseWriter, r *http.Request) {
	_, days, ok := limitAndDays(w, r)
	if !ok {
		return
	}
	interval := r.URL.Query().Get("interval")
	switch interval {
	case "":
		interval = "day"
	case "day", "week", "month":
	default:
		http.Error(w, "interval must be day, week or month", http.StatusBadRequest)
		return
	}

	buckets, err := h.Analytics.TimeSeries(r.Context(), days, interval)
	if err != nil {
		slog.Error("time series failed", "component", "api", "error", err)
		http.Error(w, "failed to fetch analytics", http.StatusInternalServerError)
		return
	}
	if buckets == nil {
		buckets = []models.TimeBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"periodDays": days, "interval": interval, "series": buckets})
}

func limitAndDays(w http.ResponseWriter, r *http.Request) (limit, days int, ok bool) {
	limit, err := intQuery(r, "limit", analytics.DefaultLimit, maxPageLimit)
	if err == nil {
		days, err = intQuery(r, "days", analytics.DefaultPeriodDays, 365)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, 0, false
	}
	return limit, days, true
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

// ListAlerts serves GET /api/alerts?status=&limit=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := models.AlertStatus(r.URL.Query().Get("status"))

	alerts, err := h.Alerts.ListAlerts(r.Context(), status, limit)
	if errors.Is(err, analytics.ErrInvalidStatus) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("list alerts failed", "component", "api", "error", err)
		http.Error(w, "failed to fetch alerts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// UpdateAlert serves PATCH /api/alerts/{id} with {"status": "..."}.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.AlertStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	err := h.Alerts.UpdateAlertStatus(r.Context(), id, req.Status)
	switch {
	case errors.Is(err, analytics.ErrInvalidStatus):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case isNotFound(err):
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("update alert failed", "component", "api", "alert_id", id, "error", err)
		http.Error(w, "failed to update alert", http.StatusInternalServerError)
		return
	}

	slog.Info("alert updated", "component", "api", "alert_id", id, "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// RefreshQueryStats serves POST /api/admin/refresh.
//
// Rebuilds the daily query stats behind popular suggestions outside the
// cron schedule.
func (h *Handler) RefreshQueryStats(w http.ResponseWriter, r *http.Request) {
	if err := h.Analytics.RefreshQueryStats(r.Context()); err != nil {
		slog.Error("manual query stats refresh failed", "component", "api", "error", err)
		http.Error(w, "failed to refresh query stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("query stats refreshed", "component", "api", "trigger", "manual")
	w.Write([]byte("Query stats refreshed successfully.\n"))
}

var reindexTargets = map[string]bool{"all": true, "products": true, "merchants": true, "brands": true}

// Reindex serves POST /api/admin/reindex?entityType=all|products|merchants|brands
//
// Queues a search.reindex_all event; the worker does the rebuild.
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("entityType")
	if target == "" {
		target = "all"
	}
	if !reindexTargets[target] {
		http.Error(w, "entityType must be all, products, merchants or brands", http.StatusBadRequest)
		return
	}
	h.publish(w, r, models.IndexEvent{Name: models.EventReindexAll, EntityType: target})
}

// PublishIndexEvent serves POST /api/admin/index-events.
//
// Accepts a raw index event, for catalog services that cannot reach the
// broker directly.
func (h *Handler) PublishIndexEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.IndexEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if ev.Name == "" {
		http.Error(w, "event name is required", http.StatusBadRequest)
		return
	}
	h.publish(w, r, ev)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, ev models.IndexEvent) {
	queue.Stamp(&ev)
	if err := h.Publisher.PublishEvent(r.Context(), ev); err != nil {
		slog.Error("queue publish failed", "component", "api", "event", ev.Name, "error", err)
		http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
		return
	}
	slog.Info("index event queued", "component", "api", "event", ev.Name, "event_id", ev.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "eventId": ev.ID})
}

// RefreshExperiments serves POST /api/admin/experiments/refresh so a started
// or stopped experiment is picked up before the cache expires.
func (h *Handler) RefreshExperiments(w http.ResponseWriter, r *http.Request) {
	h.Experiments.Invalidate()
	slog.Info("experiment cache cleared", "component", "api")
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

const healthTimeout = 2 * time.Second

// Healthz serves GET /healthz. Any failing check turns the response into a
// 503 listing every check's result.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.Health))
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "component", "api", "error", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// intQuery parses a non-negative integer parameter. ceiling <= 0 means
// unbounded; larger values are clamped to ceiling.
func intQuery(r *http.Request, name string, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

func floatQuery(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return nil, fmt.Errorf("%s must be a non-negative number", name)
	}
	return &f, nil
}

// boolQuery treats anything but "false" and "0" as true once present.
func boolQuery(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	return raw != "false" && raw != "0"
}

// listQuery splits a comma-separated parameter, dropping empty items.
func listQuery(r *http.Request, name string) []string {
	var out []string
	for _, v := range strings.Split(r.URL.Query().Get(name), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"marketplace-search/internal/analytics"
	"marketplace-search/internal/models"
	"marketplace-search/internal/personalization"
	"marketplace-search/internal/suggest"
)

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// Callers (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// Autocompleter is *suggest.Autocomplete.
type Autocompleter interface {
	Suggest(ctx context.Context, req suggest.AutocompleteRequest) (*suggest.AutocompleteResponse, error)
	TrackSelection(ctx context.Context, query, selected, suggestionType, userID, sessionID string) error
}

// Suggester is *suggest.Suggester.
type Suggester interface {
	Suggestions(ctx context.Context, in suggest.SuggestionInput, userID string) suggest.SuggestionsResponse
}

// ProductSearch is *personalization.SearchService.
type ProductSearch interface {
	Search(ctx context.Context, userID, query string, opts personalization.SearchOptions) (personalization.SearchResult, error)
	Recommendations(ctx context.Context, userID string, limit int) (models.ProductPage, error)
	DiscoveryFeed(ctx context.Context, userID string, limit int) (personalization.DiscoveryFeed, error)
	SimilarProducts(ctx context.Context, productID, userID string, limit int) ([]models.Product, bool, error)
}

// InteractionTracker is *personalization.Service.
type InteractionTracker interface {
	TrackInteraction(ctx context.Context, in personalization.Interaction) error
}

// SearchAnalytics is *analytics.Service.
type SearchAnalytics interface {
	TrackSearch(ctx context.Context, ev models.SearchEvent) (string, error)
	TrackClick(ctx context.Context, searchID string) error
	TrackConversion(ctx context.Context, searchID string) error
	TopQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error)
	ZeroResultQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error)
	Rates(ctx context.Context, periodDays int) (models.RateSummary, error)
	PersonalizedVsRegular(ctx context.Context, periodDays int) (analytics.Comparison, error)
	TimeSeries(ctx context.Context, periodDays int, interval string) ([]models.TimeBucket, error)
	RefreshQueryStats(ctx context.Context) error
}

// AlertManager is *analytics.Alerter.
type AlertManager interface {
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error
}

// EventPublisher is the publish contract for the index event queue.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.IndexEvent) error
}

// ExperimentTracker records A/B outcomes against an assignment and refreshes
// the cached list of running experiments.
type ExperimentTracker interface {
	TrackClick(ctx context.Context, assignmentID, name string, data map[string]any) error
	TrackConversion(ctx context.Context, assignmentID, name string, data map[string]any) error
	Invalidate()
}

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler holds every dependency the HTTP layer needs.
type Handler struct {
	Autocompleter Autocompleter
	Suggester     Suggester
	Products      ProductSearch
	Interactions  InteractionTracker
	Analytics     SearchAnalytics
	Alerts        AlertManager
	Publisher     EventPublisher
	Experiments   ExperimentTracker
	Health        map[string]HealthCheck
}

const (
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"

	maxPageLimit = 100
)

func identity(r *http.Request) (userID, sessionID string) {
	return strings.TrimSpace(r.Header.Get(headerUserID)), strings.TrimSpace(r.Header.Get(headerSessionID))
}

// ---------------------------------------------------------------------------
// Suggestions
// ---------------------------------------------------------------------------

// Autocomplete serves GET /api/autocomplete?q=&limit=&includeCategories=...
//
// The include flags default to true; pass false to drop a source.
func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "missing required query parameter: q", http.StatusBadRequest)
		return
	}
	limit, err := intQuery(r, "limit", 10, maxPageLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, sessionID := identity(r)

	resp, err := h.Autocompleter.Suggest(r.Context(), suggest.AutocompleteRequest{
		Query:             q,
		UserID:            userID,
		SessionID:         sessionID,
		Limit:             limit,
		IncludeCategories: boolQuery(r, "includeCategories", true),
		IncludeBrands:     boolQuery(r, "includeBrands", true),
		IncludeValues:     boolQuery(r, "includeValues", true),
		IncludeTrending:   boolQuery(r, "includeTrending", true),
	})
	if err != nil {
		slog.Error("autocomplete failed", "component", "api", "query", q, "error", err)
		http.Error(w, "autocomplete unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TrackSelection serves POST /api/autocomplete/selection.
func (h *Handler) TrackSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query              string `json:"query"`
		SelectedSuggestion string `json:"selectedSuggestion"`
		SuggestionType     string `json:"suggestionType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.SelectedSuggestion == "" {
		http.Error(w, "selectedSuggestion is required", http.StatusBadRequest)
		return
	}
	userID, sessionID := identity(r)

	err := h.Autocompleter.TrackSelection(r.Context(), req.Query, req.SelectedSuggestion, req.SuggestionType, userID, sessionID)
	if err != nil {
		slog.Error("track selection failed", "component", "api", "error", err)
		http.Error(w, "failed to record selection", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Suggestions serves GET /api/suggestions?q=&limit=&includePopular=&includePersonalized=
func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0, maxPageLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, _ := identity(r)

	resp := h.Suggester.Suggestions(r.Context(), suggest.SuggestionInput{
		Query:               r.URL.Query().Get("q"),
		Limit:               limit,
		IncludePopular:      boolQuery(r, "includePopular", true),
		IncludePersonalized: boolQuery(r, "includePersonalized", true),
	}, userID)
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

type searchResponse struct {
	personalization.SearchResult
	SearchID string `json:"searchId,omitempty"`
}

// Search serves GET /api/search?q=&page=&limit=&sortBy=&sortOrder=&categories=&brands=&values=&minPrice=&maxPrice=
//
// The search is recorded for analytics; its ID comes back as searchId so
// clicks and conversions can be attributed to it. A failed analytics write
// does not fail the search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	opts, err := searchOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	userID, sessionID := identity(r)
	ctx := r.Context()

	res, err := h.Products.Search(ctx, userID, q, opts)
	if err != nil {
		slog.Error("product search failed", "component", "api", "query", q, "error", err)
		http.Error(w, "search engine error", http.StatusInternalServerError)
		return
	}

	searchID, err := h.Analytics.TrackSearch(ctx, models.SearchEvent{
		Query:          q,
		ResultCount:    res.Total,
		IsPersonalized: res.Metadata.Personalized,
		FilterCount:    res.FilterCount,
		UserID:         userID,
		SessionID:      sessionID,
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		slog.Error("search tracking failed", "component", "api", "query", q, "error", err)
	}

	writeJSON(w, http.StatusOK, searchResponse{SearchResult: res, SearchID: searchID})
}

func searchOptions(r *http.Request) (personalization.SearchOptions, error) {
	page, err := intQuery(r, "page", 1, 0)
	if err != nil {
		return personalization.SearchOptions{}, err
	}
	limit, err := intQuery(r, "limit", 20, maxPageLimit)
	if err != nil {
		return personalization.SearchOptions{}, err
	}
	minPrice, err := floatQuery(r, "minPrice")
	if err != nil {
		return personalization.SearchOptions{}, err
	}
	maxPrice, err := floatQuery(r, "maxPrice")
	if err != nil {
		return personalization.SearchOptions{}, err
	}
	sortOrder := r.URL.Query().Get("sortOrder")
	if sortOrder != "" && sortOrder != "asc" && sortOrder != "desc" {
		return personalization.SearchOptions{}, errors.New("sortOrder must be asc or desc")
	}

	opts := personalization.SearchOptions{
		Page:      page,
		Limit:     limit,
		SortBy:    r.URL.Query().Get("sortBy"),
		SortOrder: sortOrder,
	}
	opts.Filters.Categories = listQuery(r, "categories")
	opts.Filters.Brands = listQuery(r, "brands")
	opts.Filters.Values = listQuery(r, "values")
	opts.Filters.MinPrice = minPrice
	opts.Filters.MaxPrice = maxPrice
	return opts, nil
}

// TrackClick serves POST /api/search/{id}/click.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	h.countSearchOutcome(w, r, "click", h.Analytics.TrackClick)
}

// TrackConversion serves POST /api/search/{id}/conversion.
func (h *Handler) TrackConversion(w http.ResponseWriter, r *http.Request) {
	h.countSearchOutcome(w, r, "conversion", h.Analytics.TrackConversion)
}

func (h *Handler) countSearchOutcome(w http.ResponseWriter, r *http.Request, what string, fn func(context.Context, string) error) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing search ID", http.StatusBadRequest)
		return
	}
	err := fn(r.Context(), id)
	if isNotFound(err) {
		http.Error(w, "search not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("search outcome failed", "component", "api", "outcome", what, "search_id", id, "error", err)
		http.Error(w, "failed to record "+what, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Personalized feeds
// ---------------------------------------------------------------------------

// Recommendations serves GET /api/recommendations?limit=
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 10, maxPageLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, _ := identity(r)

	page, err := h.Products.Recommendations(r.Context(), userID, limit)
	if err != nil {
		slog.Error("recommendations failed", "component", "api", "user_id", userID, "error", err)
		http.Error(w, "recommendations unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Discovery serves GET /api/discovery?limit=
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 20, maxPageLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, _ := identity(r)

	feed, err := h.Products.DiscoveryFeed(r.Context(), userID, limit)
	if err != nil {
		slog.Error("discovery feed failed", "component", "api", "user_id", userID, "error", err)
		http.Error(w, "discovery feed unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// SimilarProducts serves GET /api/products/{id}/similar?limit=
func (h *Handler) SimilarProducts(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 10, maxPageLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	userID, _ := identity(r)

	products, personalized, err := h.Products.SimilarProducts(r.Context(), id, userID, limit)
	if err != nil {
		slog.Error("similar products failed", "component", "api", "product_id", id, "error", err)
		http.Error(w, "similar products unavailable", http.StatusInternalServerError)
		return
	}
	if products == nil {
		products = []models.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"productId":    id,
		"items":        products,
		"personalized": personalized,
	})
}

// TrackInteraction serves POST /api/interactions.
//
// The user comes from X-User-ID; a userId in the body is only used when the
// header is absent.
func (h *Handler) TrackInteraction(w http.ResponseWriter, r *http.Request) {
	var in personalization.Interaction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if userID, _ := identity(r); userID != "" {
		in.UserID = userID
	}

	err := h.Interactions.TrackInteraction(r.Context(), in)
	if errors.Is(err, personalization.ErrInvalidInteraction) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("track interaction failed", "component", "api", "user_id", in.UserID, "error", err)
		http.Error(w, "failed to record interaction", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

type experimentEvent struct {
	Type string         `json:"type"`
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// TrackExperimentEvent serves POST /api/experiments/assignments/{id}/events.
// type is "click" (or its alias "interaction") or "conversion". Clicks feed
// the variant's click-through rate.
func (h *Handler) TrackExperimentEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var ev experimentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	var track func(context.Context, string, string, map[string]any) error
	switch ev.Type {
	case "click", "interaction":
		track = h.Experiments.TrackClick
	case "conversion":
		track = h.Experiments.TrackConversion
	default:
		http.Error(w, `type must be "click", "interaction" or "conversion"`, http.StatusBadRequest)
		return
	}

	err := track(r.Context(), id, ev.Name, ev.Data)
	if isNotFound(err) {
		http.Error(w, "assignment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("experiment event failed", "component", "api", "assignment_id", id, "type", ev.Type, "error", err)
		http.Error(w, "failed to record experiment event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

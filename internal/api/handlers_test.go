package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketplace-search/internal/analytics"
	"marketplace-search/internal/database"
	"marketplace-search/internal/models"
	"marketplace-search/internal/personalization"
	"marketplace-search/internal/suggest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend implements every dependency interface of Handler.
type fakeBackend struct {
	autocompleteReq suggest.AutocompleteRequest
	selection       []string
	suggestInput    suggest.SuggestionInput
	suggestUser     string

	searchUser string
	searchOpts personalization.SearchOptions
	tracked    []models.SearchEvent
	trackErr   error
	outcomes   map[string]error

	interaction    personalization.Interaction
	interactionErr error

	alertErr  error
	published []models.IndexEvent
}

func (f *fakeBackend) Suggest(ctx context.Context, req suggest.AutocompleteRequest) (*suggest.AutocompleteResponse, error) {
	f.autocompleteReq = req
	return &suggest.AutocompleteResponse{Suggestions: []models.Suggestion{{Text: "desk", Score: 1}}}, nil
}

func (f *fakeBackend) TrackSelection(ctx context.Context, query, selected, suggestionType, userID, sessionID string) error {
	f.selection = []string{query, selected, suggestionType, userID, sessionID}
	return nil
}

func (f *fakeBackend) Suggestions(ctx context.Context, in suggest.SuggestionInput, userID string) suggest.SuggestionsResponse {
	f.suggestInput, f.suggestUser = in, userID
	return suggest.SuggestionsResponse{Suggestions: []models.Suggestion{}, OriginalQuery: in.Query}
}

func (f *fakeBackend) Search(ctx context.Context, userID, query string, opts personalization.SearchOptions) (personalization.SearchResult, error) {
	f.searchUser, f.searchOpts = userID, opts
	return personalization.SearchResult{
		ProductPage: models.ProductPage{Items: []models.Product{{ID: "p-1"}}, Total: 7, Page: 1, Limit: 20},
		FilterCount: opts.Filters.Count(),
		Metadata:    personalization.SearchMetadata{OriginalQuery: query, Personalized: userID != ""},
	}, nil
}

func (f *fakeBackend) Recommendations(ctx context.Context, userID string, limit int) (models.ProductPage, error) {
	return models.ProductPage{Items: []models.Product{}, Limit: limit}, nil
}

func (f *fakeBackend) DiscoveryFeed(ctx context.Context, userID string, limit int) (personalization.DiscoveryFeed, error) {
	return personalization.DiscoveryFeed{}, errors.New("every source failed")
}

func (f *fakeBackend) SimilarProducts(ctx context.Context, productID, userID string, limit int) ([]models.Product, bool, error) {
	return []models.Product{{ID: "r-1"}}, userID != "", nil
}

func (f *fakeBackend) TrackInteraction(ctx context.Context, in personalization.Interaction) error {
	f.interaction = in
	return f.interactionErr
}

func (f *fakeBackend) TrackSearch(ctx context.Context, ev models.SearchEvent) (string, error) {
	if f.trackErr != nil {
		return "", f.trackErr
	}
	f.tracked = append(f.tracked, ev)
	return "search-1", nil
}

func (f *fakeBackend) TrackClick(ctx context.Context, searchID string) error {
	return f.outcomes[searchID]
}

func (f *fakeBackend) TrackConversion(ctx context.Context, searchID string) error {
	return f.outcomes[searchID]
}

func (f *fakeBackend) TopQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error) {
	return []models.QueryCount{{Query: "desk", Count: limit}}, nil
}

func (f *fakeBackend) ZeroResultQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error) {
	return nil, nil
}

func (f *fakeBackend) Rates(ctx context.Context, periodDays int) (models.RateSummary, error) {
	return models.NewRateSummary(10, 2, 1), nil
}

func (f *fakeBackend) PersonalizedVsRegular(ctx context.Context, periodDays int) (analytics.Comparison, error) {
	return analytics.Comparison{CTRLift: 12.5}, nil
}

func (f *fakeBackend) TimeSeries(ctx context.Context, periodDays int, interval string) ([]models.TimeBucket, error) {
	return nil, nil
}

func (f *fakeBackend) RefreshQueryStats(ctx context.Context) error { return nil }

func (f *fakeBackend) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	return []models.Alert{{ID: "al-1", Status: models.AlertActive}}, nil
}

func (f *fakeBackend) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	return f.alertErr
}

func (f *fakeBackend) PublishEvent(ctx context.Context, ev models.IndexEvent) error {
	f.published = append(f.published, ev)
	return nil
}

type experimentCall struct {
	kind, assignmentID, name string
	data                     map[string]any
}

type fakeExperiments struct {
	calls       []experimentCall
	err         error
	invalidated bool
}

func (f *fakeExperiments) TrackClick(ctx context.Context, assignmentID, name string, data map[string]any) error {
	f.calls = append(f.calls, experimentCall{"click", assignmentID, name, data})
	return f.err
}

func (f *fakeExperiments) TrackConversion(ctx context.Context, assignmentID, name string, data map[string]any) error {
	f.calls = append(f.calls, experimentCall{"conversion", assignmentID, name, data})
	return f.err
}

func (f *fakeExperiments) Invalidate() { f.invalidated = true }

func newTestServer(t *testing.T, f *fakeBackend, health map[string]HealthCheck) *httptest.Server {
	t.Helper()
	return serve(t, &Handler{
		Autocompleter: f,
		Suggester:     f,
		Products:      f,
		Interactions:  f,
		Analytics:     f,
		Alerts:        f,
		Publisher:     f,
		Experiments:   &fakeExperiments{},
		Health:        health,
	})
}

func serve(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode(t *testing.T, res *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(res.Body).Decode(dst))
}

var userHeaders = map[string]string{headerUserID: "u-1", headerSessionID: "s-1"}

func TestAutocomplete(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodGet, "/api/autocomplete", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, srv, http.MethodGet, "/api/autocomplete?q=de&limit=5&includeBrands=false", "", userHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body suggest.AutocompleteResponse
	decode(t, res, &body)
	assert.Len(t, body.Suggestions, 1)
	assert.Equal(t, suggest.AutocompleteRequest{
		Query:             "de",
		UserID:            "u-1",
		SessionID:         "s-1",
		Limit:             5,
		IncludeCategories: true,
		IncludeValues:     true,
		IncludeTrending:   true,
	}, f.autocompleteReq)
}

func TestAutocomplete_BadLimit(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	res := do(t, srv, http.MethodGet, "/api/autocomplete?q=de&limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTrackSelection(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodPost, "/api/autocomplete/selection",
		`{"query":"de","selectedSuggestion":"desk","suggestionType":"product"}`, userHeaders)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, []string{"de", "desk", "product", "u-1", "s-1"}, f.selection)

	res = do(t, srv, http.MethodPost, "/api/autocomplete/selection", `{"query":"de"}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSuggestions_ClampsLimit(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodGet, "/api/suggestions?q=tee&limit=500&includePopular=0", "", userHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, maxPageLimit, f.suggestInput.Limit)
	assert.False(t, f.suggestInput.IncludePopular)
	assert.True(t, f.suggestInput.IncludePersonalized)
	assert.Equal(t, "u-1", f.suggestUser)
}

func TestSearch_TracksAndReturnsSearchID(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodGet, "/api/search?q=tee&categories=clothing,%20kids,&minPrice=10&sortBy=price&sortOrder=asc", "", userHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Items    []models.Product `json:"items"`
		Total    int              `json:"total"`
		SearchID string           `json:"searchId"`
		Metadata struct {
			Personalized bool `json:"personalized"`
		} `json:"metadata"`
	}
	decode(t, res, &body)
	assert.Equal(t, "search-1", body.SearchID)
	assert.Equal(t, 7, body.Total)
	assert.True(t, body.Metadata.Personalized)

	assert.Equal(t, "u-1", f.searchUser)
	assert.Equal(t, []string{"clothing", "kids"}, f.searchOpts.Filters.Categories)
	require.NotNil(t, f.searchOpts.Filters.MinPrice)
	assert.Equal(t, 10.0, *f.searchOpts.Filters.MinPrice)
	assert.Equal(t, "asc", f.searchOpts.SortOrder)

	require.Len(t, f.tracked, 1)
	ev := f.tracked[0]
	assert.Equal(t, "tee", ev.Query)
	assert.Equal(t, 7, ev.ResultCount)
	assert.True(t, ev.IsPersonalized)
	assert.Equal(t, 2, ev.FilterCount)
	assert.Equal(t, "s-1", ev.SessionID)
}

func TestSearch_TrackingFailureStillServes(t *testing.T) {
	f := &fakeBackend{trackErr: errors.New("db down")}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodGet, "/api/search?q=tee", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]any
	decode(t, res, &body)
	assert.NotContains(t, body, "searchId")
}

func TestSearch_BadParams(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	for _, q := range []string{"sortOrder=up", "minPrice=cheap", "page=-1"} {
		res := do(t, srv, http.MethodGet, "/api/search?q=tee&"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, q)
	}
}

func TestSearchOutcomes(t *testing.T) {
	f := &fakeBackend{outcomes: map[string]error{
		"missing": fmt.Errorf("analytics: click missing: %w", database.ErrNotFound),
		"broken":  errors.New("db down"),
	}}
	srv := newTestServer(t, f, nil)

	cases := map[string]int{
		"/api/search/s-1/click":          http.StatusNoContent,
		"/api/search/s-1/conversion":     http.StatusNoContent,
		"/api/search/missing/click":      http.StatusNotFound,
		"/api/search/missing/conversion": http.StatusNotFound,
		"/api/search/broken/click":       http.StatusInternalServerError,
	}
	for path, want := range cases {
		res := do(t, srv, http.MethodPost, path, "", nil)
		assert.Equal(t, want, res.StatusCode, path)
	}
}

func TestDiscovery_FailureIs500(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	res := do(t, srv, http.MethodGet, "/api/discovery", "", nil)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestSimilarProducts(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	res := do(t, srv, http.MethodGet, "/api/products/p-9/similar", "", userHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		ProductID    string           `json:"productId"`
		Items        []models.Product `json:"items"`
		Personalized bool             `json:"personalized"`
	}
	decode(t, res, &body)
	assert.Equal(t, "p-9", body.ProductID)
	assert.Len(t, body.Items, 1)
	assert.True(t, body.Personalized)
}

func TestTrackInteraction(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodPost, "/api/interactions",
		`{"userId":"spoofed","type":"view","entityId":"p-1","entityType":"product"}`, userHeaders)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "u-1", f.interaction.UserID)
	assert.Equal(t, models.BehaviorView, f.interaction.Type)

	f.interactionErr = fmt.Errorf("%w: unknown behavior type", personalization.ErrInvalidInteraction)
	res = do(t, srv, http.MethodPost, "/api/interactions", `{"type":"poke","entityId":"p-1"}`, userHeaders)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, srv, http.MethodPost, "/api/interactions", `not json`, userHeaders)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAnalyticsReports(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	res := do(t, srv, http.MethodGet, "/api/analytics/search/top?limit=3&days=7", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var top struct {
		PeriodDays int                 `json:"periodDays"`
		Queries    []models.QueryCount `json:"queries"`
	}
	decode(t, res, &top)
	assert.Equal(t, 7, top.PeriodDays)
	assert.Equal(t, []models.QueryCount{{Query: "desk", Count: 3}}, top.Queries)

	res = do(t, srv, http.MethodGet, "/api/analytics/search/zero-results", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var zero map[string]any
	decode(t, res, &zero)
	assert.Equal(t, []any{}, zero["queries"])

	res = do(t, srv, http.MethodGet, "/api/analytics/search/rates", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var rates struct {
		Overall models.RateSummary   `json:"overall"`
		Split   analytics.Comparison `json:"personalizedVsRegular"`
	}
	decode(t, res, &rates)
	assert.Equal(t, 10, rates.Overall.Searches)
	assert.Equal(t, 12.5, rates.Split.CTRLift)

	res = do(t, srv, http.MethodGet, "/api/analytics/search/timeseries?interval=hour", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = do(t, srv, http.MethodGet, "/api/analytics/search/timeseries?interval=week", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestUpdateAlert(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: %q", analytics.ErrInvalidStatus, "closed"), http.StatusBadRequest},
		{fmt.Errorf("analytics: update alert al-1: %w", database.ErrNotFound), http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestServer(t, &fakeBackend{alertErr: tc.err}, nil)
		res := do(t, srv, http.MethodPatch, "/api/alerts/al-1", `{"status":"resolved"}`, nil)
		assert.Equal(t, tc.want, res.StatusCode, fmt.Sprint(tc.err))
	}
}

func TestListAlerts(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	res := do(t, srv, http.MethodGet, "/api/alerts?status=active", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var alerts []models.Alert
	decode(t, res, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, "al-1", alerts[0].ID)
}

func TestReindex(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodPost, "/api/admin/reindex?entityType=products", "", nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var body map[string]string
	decode(t, res, &body)
	require.Len(t, f.published, 1)
	assert.Equal(t, models.EventReindexAll, f.published[0].Name)
	assert.Equal(t, "products", f.published[0].EntityType)
	assert.Equal(t, f.published[0].ID, body["eventId"])
	assert.NotEmpty(t, body["eventId"])

	res = do(t, srv, http.MethodPost, "/api/admin/reindex?entityType=orders", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPublishIndexEvent(t *testing.T) {
	f := &fakeBackend{}
	srv := newTestServer(t, f, nil)

	res := do(t, srv, http.MethodPost, "/api/admin/index-events", `{"name":"product.deleted","ids":["p-1"]}`, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	require.Len(t, f.published, 1)
	assert.Equal(t, []string{"p-1"}, f.published[0].IDs)
	assert.False(t, f.published[0].CreatedAt.IsZero())

	res = do(t, srv, http.MethodPost, "/api/admin/index-events", `{"ids":["p-1"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHealthz(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	down := func(ctx context.Context) error { return errors.New("connection refused") }

	srv := newTestServer(t, &fakeBackend{}, map[string]HealthCheck{"postgres": ok, "redis": ok})
	res := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	srv = newTestServer(t, &fakeBackend{}, map[string]HealthCheck{"postgres": ok, "elasticsearch": down})
	res = do(t, srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, res, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["elasticsearch"])
}

func TestTrackExperimentEvent(t *testing.T) {
	exps := &fakeExperiments{}
	srv := serve(t, &Handler{Experiments: exps})

	res := do(t, srv, http.MethodPost, "/api/experiments/assignments/as-1/events",
		`{"type":"conversion","name":"purchase","data":{"orderTotal":42}}`, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = do(t, srv, http.MethodPost, "/api/experiments/assignments/as-1/events", `{"type":"interaction","name":"suggestion_click"}`, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res = do(t, srv, http.MethodPost, "/api/experiments/assignments/as-1/events", `{"type":"click","name":"result_click"}`, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	require.Len(t, exps.calls, 3)
	assert.Equal(t, "conversion", exps.calls[0].kind)
	assert.Equal(t, "as-1", exps.calls[0].assignmentID)
	assert.Equal(t, "purchase", exps.calls[0].name)
	assert.Equal(t, 42.0, exps.calls[0].data["orderTotal"])
	assert.Equal(t, "click", exps.calls[1].kind)
	assert.Equal(t, "click", exps.calls[2].kind)
	assert.Equal(t, "result_click", exps.calls[2].name)

	res = do(t, srv, http.MethodPost, "/api/experiments/assignments/as-1/events", `{"type":"view"}`, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	exps.err = fmt.Errorf("experiment: conversion as-2: %w", database.ErrNotFound)
	res = do(t, srv, http.MethodPost, "/api/experiments/assignments/as-2/events", `{"type":"conversion"}`, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	exps.err = errors.New("db down")
	res = do(t, srv, http.MethodPost, "/api/experiments/assignments/as-2/events", `{"type":"conversion"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestRefreshExperiments(t *testing.T) {
	exps := &fakeExperiments{}
	srv := serve(t, &Handler{Experiments: exps})

	res := do(t, srv, http.MethodPost, "/api/admin/experiments/refresh", "", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.True(t, exps.invalidated)
}

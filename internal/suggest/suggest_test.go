package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"marketplace-search/internal/cache"
	"marketplace-search/internal/models"
	"marketplace-search/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu        sync.Mutex
	terms     map[string][]string
	termErr   map[string]error
	fields    []string
	fuzziness []string

	products    []string
	productErr  error
	completions []models.Suggestion
	complLimits []int
}

func (f *fakeCatalog) TermSuggestions(ctx context.Context, field, query string, limit int, fuzziness string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = append(f.fields, field)
	f.fuzziness = append(f.fuzziness, fuzziness)
	if err := f.termErr[field]; err != nil {
		return nil, err
	}
	return f.terms[field], nil
}

func (f *fakeCatalog) ProductSuggestions(ctx context.Context, query string, limit int) ([]string, error) {
	return f.products, f.productErr
}

func (f *fakeCatalog) CompletionSuggestions(ctx context.Context, query string, limit int) ([]models.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complLimits = append(f.complLimits, limit)
	return f.completions, nil
}

func (f *fakeCatalog) requested(field string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.fields {
		if got == field {
			return true
		}
	}
	return false
}

type fakeAnalytics struct {
	mu      sync.Mutex
	top     []models.QueryCount
	popular []models.QueryCount
	events  map[string][]models.SearchEvent
}

func newFakeAnalytics() *fakeAnalytics {
	return &fakeAnalytics{events: map[string][]models.SearchEvent{}}
}

func (f *fakeAnalytics) TopQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error) {
	return f.top, nil
}

func (f *fakeAnalytics) PopularQueries(ctx context.Context, days, limit int) ([]models.QueryCount, error) {
	return f.popular, nil
}

func (f *fakeAnalytics) TrackEvent(ctx context.Context, name string, ev models.SearchEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[name] = append(f.events[name], ev)
	return nil
}

func (f *fakeAnalytics) tracked(name string) []models.SearchEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SearchEvent(nil), f.events[name]...)
}

type fakePersonal struct {
	recent      []string
	suggestions []models.Suggestion
}

func (f *fakePersonal) RecentSearches(ctx context.Context, userID string, limit int) ([]string, error) {
	return f.recent, nil
}

func (f *fakePersonal) Suggestions(ctx context.Context, query, userID string, limit int, categories []string) ([]models.Suggestion, error) {
	out := make([]models.Suggestion, len(f.suggestions))
	copy(out, f.suggestions)
	return out, nil
}

type fakeExperiments struct {
	configs      []models.VariantConfig
	lookups      int
	impressions  []string
	interactions []string
}

func (f *fakeExperiments) VariantConfiguration(ctx context.Context, typ models.ExperimentType, userID, sessionID string) ([]models.VariantConfig, error) {
	f.lookups++
	return f.configs, nil
}

func (f *fakeExperiments) TrackImpression(ctx context.Context, assignmentID string) error {
	f.impressions = append(f.impressions, assignmentID)
	return nil
}

func (f *fakeExperiments) TrackInteraction(ctx context.Context, assignmentID, name string, data map[string]any) error {
	f.interactions = append(f.interactions, name)
	return nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeCache) GetJSON(ctx context.Context, key string, dst any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[key]
	if !ok {
		return cache.ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

func (f *fakeCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func fullCatalog() *fakeCatalog {
	return &fakeCatalog{terms: map[string][]string{
		search.FieldTitle:      {"Organic Tee"},
		search.FieldCategories: {"organic"},
		search.FieldBrand:      {"Orgo"},
		search.FieldValues:     {"organic-certified"},
	}}
}

func allSources(query, userID string) AutocompleteRequest {
	return AutocompleteRequest{
		Query:             query,
		UserID:            userID,
		Limit:             10,
		IncludeCategories: true,
		IncludeBrands:     true,
		IncludeValues:     true,
		IncludeTrending:   true,
	}
}

func TestAutocomplete_BlendsEverySource(t *testing.T) {
	an := newFakeAnalytics()
	an.top = []models.QueryCount{{Query: "organic socks", Count: 5}}
	ac := NewAutocomplete(fullCatalog(), an, &fakePersonal{recent: []string{"org shop"}}, nil)

	resp, err := ac.Suggest(context.Background(), allSources("org", "u-1"))
	require.NoError(t, err)

	assert.Equal(t, "Organic Tee", resp.Suggestions[0].Text)
	assert.Len(t, resp.Suggestions, 6)
	assert.Equal(t, &SourceCounts{Products: 1, Categories: 1, Brands: 1, Values: 1, Trending: 1, Personalized: 1}, resp.Metadata)
	assert.Empty(t, resp.VariantID)

	require.Eventually(t, func() bool { return len(an.tracked(eventAutocompleteImpression)) == 1 }, time.Second, 10*time.Millisecond)
	ev := an.tracked(eventAutocompleteImpression)[0]
	assert.Equal(t, 6, ev.ResultCount)
	assert.True(t, ev.IsPersonalized)
}

func TestAutocomplete_IncludeFlags(t *testing.T) {
	cat := fullCatalog()
	ac := NewAutocomplete(cat, newFakeAnalytics(), &fakePersonal{recent: []string{"org shop"}}, nil)

	resp, err := ac.Suggest(context.Background(), AutocompleteRequest{Query: "org"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Organic Tee"}, texts(resp.Suggestions))
	assert.False(t, cat.requested(search.FieldCategories))
	assert.False(t, cat.requested(search.FieldBrand))
	assert.Zero(t, resp.Metadata.Personalized, "anonymous callers get no recent searches")
}

func TestAutocomplete_FailingSourceIsEmpty(t *testing.T) {
	cat := fullCatalog()
	cat.termErr = map[string]error{search.FieldBrand: errors.New("shard failure")}
	ac := NewAutocomplete(cat, newFakeAnalytics(), nil, nil)

	resp, err := ac.Suggest(context.Background(), allSources("org", ""))
	require.NoError(t, err)
	assert.Zero(t, resp.Metadata.Brands)
	assert.Equal(t, 1, resp.Metadata.Categories)
	assert.NotContains(t, texts(resp.Suggestions), "Orgo")
}

func TestAutocomplete_VariantWeights(t *testing.T) {
	cat := fullCatalog()
	exps := &fakeExperiments{configs: []models.VariantConfig{{
		ExperimentID:  "e-1",
		VariantID:     "v-2",
		AssignmentID:  "as-1",
		Configuration: json.RawMessage(`{"fuzzyMatching":false,"productWeight":0.1}`),
	}}}
	ac := NewAutocomplete(cat, newFakeAnalytics(), nil, exps)

	req := allSources("org", "")
	req.SessionID = "s-1"
	resp, err := ac.Suggest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "v-2", resp.VariantID)
	assert.Equal(t, "as-1", resp.AssignmentID)
	assert.Equal(t, []string{"as-1"}, exps.impressions)
	assert.Equal(t, []string{interactionSuggestionsSeen}, exps.interactions)
	for _, f := range cat.fuzziness {
		assert.Equal(t, "0", f)
	}
	assert.NotEqual(t, "Organic Tee", resp.Suggestions[0].Text, "product weight was lowered")
}

func TestAutocomplete_NoSubjectSkipsExperiments(t *testing.T) {
	exps := &fakeExperiments{}
	ac := NewAutocomplete(fullCatalog(), newFakeAnalytics(), nil, exps)

	_, err := ac.Suggest(context.Background(), allSources("org", ""))
	require.NoError(t, err)
	assert.Zero(t, exps.lookups)
}

func TestAutocomplete_FallsBackWhenCancelled(t *testing.T) {
	cat := fullCatalog()
	cat.products = []string{"Organic Tee", "Organic Socks"}
	ac := NewAutocomplete(cat, newFakeAnalytics(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := ac.Suggest(ctx, allSources("org", ""))
	require.NoError(t, err)
	assert.Nil(t, resp.Metadata)
	assert.Equal(t, []string{"Organic Tee", "Organic Socks"}, texts(resp.Suggestions))
	assert.Equal(t, models.SuggestionProduct, resp.Suggestions[0].Type)

	cat.productErr = errors.New("es down")
	_, err = ac.Suggest(ctx, allSources("org", ""))
	assert.ErrorContains(t, err, "es down")
}

func TestAutocomplete_TrackSelection(t *testing.T) {
	an := newFakeAnalytics()
	ac := NewAutocomplete(fullCatalog(), an, nil, nil)

	require.NoError(t, ac.TrackSelection(context.Background(), "org", "Organic Tee", "product", "u-1", "s-1"))
	evs := an.tracked(eventAutocompleteSelection)
	require.Len(t, evs, 1)
	assert.Equal(t, "Organic Tee", evs[0].Metadata["selectedSuggestion"])
	assert.Equal(t, "s-1", evs[0].SessionID)
}

func TestSuggestions_ShortQuery(t *testing.T) {
	cat := &fakeCatalog{}
	s := NewSuggester(cat, newFakeAnalytics(), nil, nil, 20, time.Minute)

	resp := s.Suggestions(context.Background(), SuggestionInput{Query: " a "}, "")
	assert.NotNil(t, resp.Suggestions)
	assert.Empty(t, resp.Suggestions)
	assert.Equal(t, " a ", resp.OriginalQuery)
	assert.Empty(t, cat.complLimits)
}

func TestSuggestions_MergesSources(t *testing.T) {
	cat := &fakeCatalog{completions: []models.Suggestion{
		{Text: "organic tee", Type: models.SuggestionProduct, Score: 0.9},
		{Text: "organic bag", Type: models.SuggestionProduct, Score: 0.8},
	}}
	an := newFakeAnalytics()
	an.popular = []models.QueryCount{{Query: "Organic Tee", Count: 100}, {Query: "shoes", Count: 500}}
	personal := &fakePersonal{suggestions: []models.Suggestion{{Text: "organic socks", Score: 20, IsPopular: true}}}
	s := NewSuggester(cat, an, personal, nil, 20, time.Minute)

	resp := s.Suggestions(context.Background(), SuggestionInput{Query: "org", IncludePopular: true, IncludePersonalized: true}, "u-1")

	require.Equal(t, []string{"organic socks", "Organic Tee", "organic bag"}, texts(resp.Suggestions))
	assert.Equal(t, 3, resp.Total)
	assert.True(t, resp.IsPersonalized)
	assert.True(t, resp.Suggestions[0].IsPersonalized)
	assert.False(t, resp.Suggestions[0].IsPopular)
	assert.True(t, resp.Suggestions[1].IsPopular)
	assert.Equal(t, models.SuggestionSearch, resp.Suggestions[1].Type)
	assert.InDelta(t, PopularityScore(100), resp.Suggestions[1].Score, 1e-9)

	require.Eventually(t, func() bool { return len(an.tracked(eventSuggestionImpression)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestSuggestions_LimitCapped(t *testing.T) {
	cat := &fakeCatalog{}
	s := NewSuggester(cat, newFakeAnalytics(), nil, nil, 5, time.Minute)

	s.Suggestions(context.Background(), SuggestionInput{Query: "desk", Limit: 50}, "")
	assert.Equal(t, []int{5}, cat.complLimits)
}

func TestSuggestions_CachesAnonymousResults(t *testing.T) {
	cat := &fakeCatalog{completions: []models.Suggestion{{Text: "desk lamp", Score: 1}}}
	rc := &fakeCache{data: map[string][]byte{}}
	s := NewSuggester(cat, newFakeAnalytics(), &fakePersonal{}, rc, 20, time.Minute)
	in := SuggestionInput{Query: "Desk", IncludePersonalized: true}

	first := s.Suggestions(context.Background(), in, "")
	second := s.Suggestions(context.Background(), in, "")
	assert.Equal(t, first, second)
	assert.Len(t, cat.complLimits, 1, "second call served from cache")
	assert.Contains(t, rc.data, "suggestions:desk:10:false")

	s.Suggestions(context.Background(), in, "u-1")
	assert.Len(t, cat.complLimits, 2, "personalized requests bypass the cache")
}

func TestSuggestions_CacheHitEchoesCallerQuery(t *testing.T) {
	cat := &fakeCatalog{completions: []models.Suggestion{{Text: "desk lamp", Score: 1}}}
	rc := &fakeCache{data: map[string][]byte{}}
	s := NewSuggester(cat, newFakeAnalytics(), nil, rc, 20, time.Minute)

	first := s.Suggestions(context.Background(), SuggestionInput{Query: "Desk"}, "")
	second := s.Suggestions(context.Background(), SuggestionInput{Query: "desk"}, "")

	assert.Len(t, cat.complLimits, 1, "second call served from cache")
	assert.Equal(t, "Desk", first.OriginalQuery)
	assert.Equal(t, "desk", second.OriginalQuery)
	assert.Equal(t, first.Suggestions, second.Suggestions)
}

type fakePurger struct {
	prefixes []string
	err      error
}

func (f *fakePurger) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	f.prefixes = append(f.prefixes, prefix)
	return 3, f.err
}

func TestClearCache(t *testing.T) {
	p := &fakePurger{}
	require.NoError(t, ClearCache(p)(context.Background()))
	assert.Equal(t, []string{CacheKeyPrefix}, p.prefixes)

	p.err = errors.New("redis down")
	assert.ErrorContains(t, ClearCache(p)(context.Background()), "redis down")
}

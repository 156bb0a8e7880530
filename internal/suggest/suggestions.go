package suggest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"marketplace-search/internal/cache"
	"marketplace-search/internal/metrics"
	"marketplace-search/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	minQueryLength = 2

	// Popular suggestions are drawn from the top popularPoolSize queries
	// of the last popularWindowDays days.
	popularWindowDays = 7
	popularPoolSize   = 20

	eventSuggestionImpression = "suggestion_impression"
)

// SuggestionInput is a search-box suggestion request.
type SuggestionInput struct {
	Query               string
	Limit               int
	IncludePopular      bool
	IncludePersonalized bool
}

type SuggestionsResponse struct {
	Suggestions    []models.Suggestion `json:"suggestions"`
	Total          int                 `json:"total"`
	IsPersonalized bool                `json:"isPersonalized"`
	OriginalQuery  string              `json:"originalQuery"`
}

// Suggester merges prefix completions, popular queries and personalized
// suggestions. Personalized candidates take priority on score ties, then
// popular, then prefix.
type Suggester struct {
	catalog   Catalog
	analytics Analytics
	personal  Personalizer
	cache     ResponseCache

	maxLimit int
	cacheTTL time.Duration
}

// NewSuggester builds a Suggester. cache may be nil to disable response
// caching; maxLimit caps the per-request limit.
func NewSuggester(c Catalog, a Analytics, p Personalizer, rc ResponseCache, maxLimit int, cacheTTL time.Duration) *Suggester {
	if maxLimit <= 0 {
		maxLimit = 20
	}
	return &Suggester{
		catalog:   c,
		analytics: a,
		personal:  p,
		cache:     rc,
		maxLimit:  maxLimit,
		cacheTTL:  cacheTTL,
	}
}

// Suggestions never fails: sources that error are treated as empty and the
// caller always gets a well-formed (possibly empty) response.
func (s *Suggester) Suggestions(ctx context.Context, in SuggestionInput, userID string) SuggestionsResponse {
	ctx, span := tracer.Start(ctx, "suggest.Suggestions", trace.WithAttributes(
		attribute.String("query", in.Query),
		attribute.Bool("authenticated", userID != ""),
	))
	defer span.End()

	empty := SuggestionsResponse{Suggestions: []models.Suggestion{}, OriginalQuery: in.Query}

	if utf8.RuneCountInString(strings.TrimSpace(in.Query)) < minQueryLength {
		slog.Debug("query too short, returning empty results", "component", "suggest")
		return empty
	}
	if in.Limit <= 0 {
		in.Limit = defaultLimit
	}
	if in.Limit > s.maxLimit {
		in.Limit = s.maxLimit
	}

	personalized := in.IncludePersonalized && userID != "" && s.personal != nil

	// Only anonymous results are shared between callers.
	key := ""
	if !personalized && s.cache != nil {
		key = cacheKey(in)
		var cached SuggestionsResponse
		err := s.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			// The key folds case and whitespace; echo this caller's query.
			cached.OriginalQuery = in.Query
			metrics.SuggestionsServed.WithLabelValues("suggestions", "false").Inc()
			return cached
		}
		if !errors.Is(err, cache.ErrNotFound) {
			slog.Warn("suggestion cache read failed", "component", "suggest", "error", err)
		}
	}

	var prefix, popular, personal []models.Suggestion
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		out, err := s.catalog.CompletionSuggestions(gctx, in.Query, in.Limit)
		if err != nil {
			slog.Error("prefix suggestions failed", "component", "suggest", "query", in.Query, "error", err)
			return nil
		}
		prefix = out
		return nil
	})
	if in.IncludePopular {
		g.Go(func() error {
			out, err := s.popularSuggestions(gctx, in.Query, in.Limit)
			if err != nil {
				slog.Error("popular suggestions failed", "component", "suggest", "query", in.Query, "error", err)
				return nil
			}
			popular = out
			return nil
		})
	}
	if personalized {
		g.Go(func() error {
			out, err := s.personal.Suggestions(gctx, in.Query, userID, in.Limit, nil)
			if err != nil {
				slog.Error("personalized suggestions failed", "component", "suggest", "user_id", userID, "error", err)
				return nil
			}
			for i := range out {
				out[i].IsPersonalized = true
				out[i].IsPopular = false
			}
			personal = out
			return nil
		})
	}
	_ = g.Wait() // sources never return errors

	ranked := Rank(in.Limit, personal, popular, prefix)
	resp := SuggestionsResponse{
		Suggestions:    ranked,
		Total:          len(ranked),
		IsPersonalized: len(personal) > 0,
		OriginalQuery:  in.Query,
	}

	if len(ranked) > 0 {
		detach(ctx, eventSuggestionImpression, func(ctx context.Context) error {
			return s.analytics.TrackEvent(ctx, eventSuggestionImpression, models.SearchEvent{
				Query:          in.Query,
				ResultCount:    len(ranked),
				IsPersonalized: resp.IsPersonalized,
				UserID:         userID,
			})
		})
	}

	if key != "" {
		if err := s.cache.SetJSON(ctx, key, resp, s.cacheTTL); err != nil {
			slog.Warn("suggestion cache write failed", "component", "suggest", "error", err)
		}
	}

	metrics.SuggestionsServed.WithLabelValues("suggestions", fmt.Sprint(resp.IsPersonalized)).Inc()
	return resp
}

// popularSuggestions keeps the recent popular queries that contain query.
func (s *Suggester) popularSuggestions(ctx context.Context, query string, limit int) ([]models.Suggestion, error) {
	pool, err := s.analytics.PopularQueries(ctx, popularWindowDays, popularPoolSize)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var out []models.Suggestion
	for _, item := range pool {
		if !strings.Contains(strings.ToLower(item.Query), q) {
			continue
		}
		out = append(out, models.Suggestion{
			Text:      item.Query,
			Type:      models.SuggestionSearch,
			Category:  CategoryFromQuery(item.Query),
			Score:     PopularityScore(item.Count),
			IsPopular: true,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CacheKeyPrefix starts every cached anonymous suggestion response key.
const CacheKeyPrefix = "suggestions:"

// CachePurger deletes cache entries by key prefix.
type CachePurger interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ClearCache returns a hook that drops every cached anonymous suggestion
// response. Popular suggestions are read from query stats, so it runs after
// each stats refresh.
func ClearCache(c CachePurger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := c.DeletePrefix(ctx, CacheKeyPrefix)
		if err != nil {
			return fmt.Errorf("suggest: clear cache: %w", err)
		}
		slog.Info("suggestion cache cleared", "component", "suggest", "keys", n)
		return nil
	}
}

func cacheKey(in SuggestionInput) string {
	return fmt.Sprintf(CacheKeyPrefix+"%s:%d:%t", strings.ToLower(strings.TrimSpace(in.Query)), in.Limit, in.IncludePopular)
}

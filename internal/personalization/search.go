package personalization

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"marketplace-search/internal/models"
	"marketplace-search/internal/search"
)

// Searcher is the Elasticsearch side of personalized search; *search.Client
// implements it.
type Searcher interface {
	SearchProducts(ctx context.Context, q search.ProductQuery) (models.ProductPage, error)
	TrendingProducts(ctx context.Context, categories []string, limit int) ([]models.Product, error)
	NewProducts(ctx context.Context, limit int) ([]models.Product, error)
	RelatedProducts(ctx context.Context, productID string, limit int) ([]models.Product, error)
	ProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// Discovery sources tagged onto feed items.
const (
	SourcePersonalized = "personalized"
	SourceTrending     = "trending"
	SourceNew          = "new"
)

const (
	defaultFeedLimit    = 20
	defaultRecommendLim = 10
)

// SearchService runs product searches and feeds shaped by a user's profile.
type SearchService struct {
	personal *Service
	search   Searcher
}

func NewSearchService(p *Service, s Searcher) *SearchService {
	return &SearchService{personal: p, search: s}
}

// SearchOptions are the caller-controlled parts of a product search.
type SearchOptions struct {
	Filters   search.Filters
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

type SearchMetadata struct {
	OriginalQuery       string                  `json:"originalQuery"`
	Personalized        bool                    `json:"personalized"`
	PersonalizedFilters *search.Filters         `json:"personalizedFilters,omitempty"`
	PersonalizedBoosts  *search.Boosts          `json:"personalizedBoosts,omitempty"`
	UserPreferences     *models.UserPreferences `json:"userPreferences,omitempty"`
}

type SearchResult struct {
	models.ProductPage
	FilterCount int            `json:"filterCount"`
	Metadata    SearchMetadata `json:"metadata"`
}

// Search runs a product search for userID. Known users get their filters and
// boosts applied and the query recorded as a search behavior. If
// personalization fails the plain search result is returned instead.
func (s *SearchService) Search(ctx context.Context, userID, query string, opts SearchOptions) (SearchResult, error) {
	plain := func() (SearchResult, error) {
		page, err := s.search.SearchProducts(ctx, productQuery(query, opts.Filters, search.Boosts{}, opts))
		if err != nil {
			return SearchResult{}, fmt.Errorf("personalization: search: %w", err)
		}
		return SearchResult{
			ProductPage: page,
			FilterCount: opts.Filters.Count(),
			Metadata:    SearchMetadata{OriginalQuery: query},
		}, nil
	}
	if userID == "" {
		return plain()
	}

	enh, err := s.personal.Enhance(ctx, userID, query, opts.Filters)
	if err != nil {
		slog.Error("personalization failed, using plain search", "component", "personalization", "user_id", userID, "error", err)
		return plain()
	}
	page, err := s.search.SearchProducts(ctx, productQuery(enh.Query, enh.Filters, enh.Boosts, opts))
	if err != nil {
		slog.Error("personalized search failed, using plain search", "component", "personalization", "user_id", userID, "error", err)
		return plain()
	}

	if query != "" {
		err := s.personal.TrackInteraction(ctx, Interaction{
			UserID:     userID,
			Type:       models.BehaviorSearch,
			EntityID:   query,
			EntityType: models.EntitySearch,
			Metadata:   query,
		})
		if err != nil {
			slog.Error("track search failed", "component", "personalization", "user_id", userID, "error", err)
		}
	}

	return SearchResult{
		ProductPage: page,
		FilterCount: enh.Filters.Count(),
		Metadata: SearchMetadata{
			OriginalQuery:       query,
			Personalized:        true,
			PersonalizedFilters: &enh.Filters,
			PersonalizedBoosts:  &enh.Boosts,
			UserPreferences:     &enh.Preferences,
		},
	}, nil
}

func productQuery(text string, f search.Filters, b search.Boosts, opts SearchOptions) search.ProductQuery {
	return search.ProductQuery{
		Text:      text,
		Filters:   f,
		Boosts:    b,
		Page:      opts.Page,
		Limit:     opts.Limit,
		SortBy:    opts.SortBy,
		SortOrder: opts.SortOrder,
	}
}

// Recommendations returns the user's recommended products, or trending
// products when there is nothing to recommend.
func (s *SearchService) Recommendations(ctx context.Context, userID string, limit int) (models.ProductPage, error) {
	if limit <= 0 {
		limit = defaultRecommendLim
	}
	items, err := s.recommended(ctx, userID, limit)
	if err != nil {
		slog.Error("recommendations failed, using trending", "component", "personalization", "user_id", userID, "error", err)
	}
	if len(items) == 0 {
		if items, err = s.search.TrendingProducts(ctx, nil, limit); err != nil {
			return models.ProductPage{}, fmt.Errorf("personalization: trending: %w", err)
		}
	}
	return models.ProductPage{Items: items, Total: len(items), Page: 1, Limit: limit}, nil
}

func (s *SearchService) recommended(ctx context.Context, userID string, limit int) ([]models.Product, error) {
	if userID == "" || limit <= 0 {
		return nil, nil
	}
	ids, err := s.personal.Recommendations(ctx, userID, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return s.search.ProductsByIDs(ctx, ids)
}

type FeedCounts struct {
	Personalized int `json:"personalized"`
	Trending     int `json:"trending"`
	New          int `json:"new"`
}

type DiscoveryFeed struct {
	models.ProductPage
	Metadata FeedCounts `json:"metadata"`
}

// DiscoveryFeed mixes up to 60% personalized and 20% trending products,
// filling the rest with new arrivals. Each product appears once, tagged with
// the first source that supplied it. A failing source contributes nothing;
// the feed fails only if every source does.
func (s *SearchService) DiscoveryFeed(ctx context.Context, userID string, limit int) (DiscoveryFeed, error) {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	personalLimit := limit * 6 / 10
	trendingLimit := limit * 2 / 10

	var (
		errs                      []error
		err                       error
		personal, trending, fresh []models.Product
	)
	attempted := 1
	if userID != "" && personalLimit > 0 {
		attempted++
		if personal, err = s.recommended(ctx, userID, personalLimit); err != nil {
			errs = append(errs, fmt.Errorf("personalized: %w", err))
		}
	}
	if trendingLimit > 0 {
		attempted++
		if trending, err = s.search.TrendingProducts(ctx, nil, trendingLimit); err != nil {
			errs = append(errs, fmt.Errorf("trending: %w", err))
		}
	}
	if fresh, err = s.search.NewProducts(ctx, limit); err != nil {
		errs = append(errs, fmt.Errorf("new: %w", err))
	}
	if len(errs) == attempted {
		return DiscoveryFeed{}, fmt.Errorf("personalization: discovery feed: %w", errors.Join(errs...))
	}
	for _, e := range errs {
		slog.Warn("discovery source failed", "component", "personalization", "error", e)
	}

	seen := map[string]bool{}
	items := make([]models.Product, 0, limit)
	add := func(ps []models.Product, source string) {
		for _, p := range ps {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			p.DiscoverySource = source
			items = append(items, p)
		}
	}
	add(personal, SourcePersonalized)
	add(trending, SourceTrending)
	add(fresh, SourceNew)

	total := len(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return DiscoveryFeed{
		ProductPage: models.ProductPage{Items: items, Total: total, Page: 1, Limit: limit},
		Metadata:    FeedCounts{Personalized: len(personal), Trending: len(trending), New: len(fresh)},
	}, nil
}

// SimilarProducts returns products related to productID. For a known user
// they are reordered by the product of the boosts each one matches; equal
// boosts keep the search engine's order. The bool reports whether the
// reordering happened.
func (s *SearchService) SimilarProducts(ctx context.Context, productID, userID string, limit int) ([]models.Product, bool, error) {
	if limit <= 0 {
		limit = defaultRecommendLim
	}
	related, err := s.search.RelatedProducts(ctx, productID, limit)
	if err != nil {
		return nil, false, fmt.Errorf("personalization: related products: %w", err)
	}
	if userID == "" || len(related) < 2 {
		return related, false, nil
	}

	boosts, err := s.personal.Boosts(ctx, userID)
	if err != nil {
		slog.Error("boosts failed, keeping related order", "component", "personalization", "user_id", userID, "error", err)
		return related, false, nil
	}

	type scored struct {
		p      models.Product
		factor float64
	}
	ranked := make([]scored, len(related))
	for i, p := range related {
		ranked[i] = scored{p: p, factor: boostFactor(p, boosts)}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.factor, a.factor) })

	out := make([]models.Product, len(ranked))
	for i, r := range ranked {
		out[i] = r.p
	}
	return out, true, nil
}

func boostFactor(p models.Product, b search.Boosts) float64 {
	f := 1.0
	for _, c := range p.Categories {
		if w, ok := b.Categories[c]; ok {
			f *= w
		}
	}
	if w, ok := b.Brands[p.BrandName]; ok {
		f *= w
	}
	if w, ok := b.Products[p.ID]; ok {
		f *= w
	}
	return f
}

// Package personalization turns a user's stored preferences and behavior
// counters into search filters, score boosts, recommendations and
// suggestions, and learns from new interactions.
package personalization

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"marketplace-search/internal/models"
	"marketplace-search/internal/search"
)

// Store is the persistence the service needs; *database.DB implements it.
type Store interface {
	UpsertBehavior(ctx context.Context, b models.UserBehavior) (int, error)
	BehaviorsByType(ctx context.Context, userID string, typ models.BehaviorType, limit int) ([]models.UserBehavior, error)
	Preferences(ctx context.Context, userID string) (models.UserPreferences, error)
	SavePreferences(ctx context.Context, p models.UserPreferences) error
	AddFavorite(ctx context.Context, userID, kind, value string) error
}

const (
	favoriteBoost    = 1.5
	sustainableBoost = 2.0
	ethicalBoost     = 2.0
	localBoost       = 1.8
	viewedBoostStep  = 0.2
	favBoostStep     = 0.5

	// A category or brand viewed this often becomes a favorite.
	favoriteThreshold = 5

	searchRelevanceFactor = 10
	viewRelevanceFactor   = 5
)

// Values a product can carry that map to preference flags.
const (
	ValueSustainable = "sustainable"
	ValueEthical     = "ethical"
	ValueLocal       = "local"
)

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Profile is everything known about a user, as returned by the profile endpoint.
type Profile struct {
	Preferences    models.UserPreferences `json:"preferences"`
	RecentViews    []models.UserBehavior  `json:"recentlyViewed"`
	RecentSearches []models.UserBehavior  `json:"recentSearches"`
	Favorites      []models.UserBehavior  `json:"favorites"`
	Purchases      []models.UserBehavior  `json:"purchases"`
}

// Profile loads preferences (creating defaults) and the latest behaviors.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	prefs, err := s.store.Preferences(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("personalization: preferences: %w", err)
	}
	p := Profile{Preferences: prefs}

	for _, q := range []struct {
		typ   models.BehaviorType
		limit int
		dst   *[]models.UserBehavior
	}{
		{models.BehaviorView, 20, &p.RecentViews},
		{models.BehaviorSearch, 10, &p.RecentSearches},
		{models.BehaviorFavorite, 10, &p.Favorites},
		{models.BehaviorPurchase, 10, &p.Purchases},
	} {
		bs, err := s.store.BehaviorsByType(ctx, userID, q.typ, q.limit)
		if err != nil {
			return Profile{}, fmt.Errorf("personalization: %s behaviors: %w", q.typ, err)
		}
		*q.dst = bs
	}
	return p, nil
}

// RecentSearches returns the user's latest distinct search queries.
func (s *Service) RecentSearches(ctx context.Context, userID string, limit int) ([]string, error) {
	if userID == "" || limit <= 0 {
		return nil, nil
	}
	bs, err := s.store.BehaviorsByType(ctx, userID, models.BehaviorSearch, limit)
	if err != nil {
		return nil, fmt.Errorf("personalization: recent searches: %w", err)
	}
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		if q := searchText(b); q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}

func searchText(b models.UserBehavior) string {
	if b.Metadata != "" {
		return b.Metadata
	}
	return b.EntityID
}

// entityMeta is the JSON metadata stored with view behaviors.
type entityMeta struct {
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Categories []string `json:"categories"`
	BrandName  string   `json:"brandName"`
	Values     []string `json:"values"`
}

func parseMeta(raw string) (entityMeta, bool) {
	if raw == "" {
		return entityMeta{}, false
	}
	var m entityMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return entityMeta{}, false
	}
	return m, true
}

func (m entityMeta) displayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Title
}

// Suggestions returns the user's own history matching query: past searches
// starting with it (scored count*10) and viewed entities whose name contains
// it (scored count*5). When categories is non-empty only views in one of
// those categories are considered. Ties go to the more recent interaction.
func (s *Service) Suggestions(ctx context.Context, query, userID string, limit int, categories []string) ([]models.Suggestion, error) {
	if userID == "" || limit <= 0 {
		return nil, nil
	}
	q := strings.ToLower(query)

	searches, err := s.store.BehaviorsByType(ctx, userID, models.BehaviorSearch, 20)
	if err != nil {
		return nil, fmt.Errorf("personalization: search behaviors: %w", err)
	}
	views, err := s.store.BehaviorsByType(ctx, userID, models.BehaviorView, 50)
	if err != nil {
		return nil, fmt.Errorf("personalization: view behaviors: %w", err)
	}

	type candidate struct {
		s  models.Suggestion
		at int64
	}
	var cands []candidate

	for _, b := range searches {
		text := searchText(b)
		if text == "" || !strings.HasPrefix(strings.ToLower(text), q) {
			continue
		}
		cands = append(cands, candidate{
			s: models.Suggestion{
				Text:           text,
				Type:           models.SuggestionSearch,
				Score:          float64(b.Count * searchRelevanceFactor),
				IsPersonalized: true,
			},
			at: b.LastInteractionAt.UnixNano(),
		})
	}

	for _, b := range views {
		meta, ok := parseMeta(b.Metadata)
		if !ok {
			continue
		}
		if len(categories) > 0 && !overlaps(meta.Categories, categories) {
			continue
		}
		name := meta.displayName()
		if name == "" || !strings.Contains(strings.ToLower(name), q) {
			continue
		}
		sug := models.Suggestion{
			Text:           name,
			Type:           b.EntityType,
			Score:          float64(b.Count * viewRelevanceFactor),
			IsPersonalized: true,
		}
		if len(meta.Categories) > 0 {
			sug.Category = meta.Categories[0]
		}
		cands = append(cands, candidate{s: sug, at: b.LastInteractionAt.UnixNano()})
	}

	slices.SortStableFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.s.Score, a.s.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.at, a.at)
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]models.Suggestion, len(cands))
	for i, c := range cands {
		out[i] = c.s
	}
	return out, nil
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// Filters derives search filters from explicit preferences.
func (s *Service) Filters(ctx context.Context, userID string) (search.Filters, error) {
	prefs, err := s.store.Preferences(ctx, userID)
	if err != nil {
		return search.Filters{}, fmt.Errorf("personalization: preferences: %w", err)
	}
	return filtersFrom(prefs), nil
}

func filtersFrom(p models.UserPreferences) search.Filters {
	var f search.Filters
	if len(p.FavoriteCategories) > 0 {
		f.Categories = slices.Clone(p.FavoriteCategories)
	}
	if len(p.FavoriteBrands) > 0 {
		f.Brands = slices.Clone(p.FavoriteBrands)
	}
	if p.PreferSustainable {
		f.Values = append(f.Values, ValueSustainable)
	}
	if p.PreferEthical {
		f.Values = append(f.Values, ValueEthical)
	}
	if p.PreferLocalBrands {
		f.Values = append(f.Values, ValueLocal)
	}
	return f
}

// Boosts derives score multipliers: favorite categories and brands, preferred
// values, and products the user viewed (+0.2) or favorited (+0.5).
func (s *Service) Boosts(ctx context.Context, userID string) (search.Boosts, error) {
	prefs, err := s.store.Preferences(ctx, userID)
	if err != nil {
		return search.Boosts{}, fmt.Errorf("personalization: preferences: %w", err)
	}
	return s.boosts(ctx, userID, prefs)
}

func (s *Service) boosts(ctx context.Context, userID string, prefs models.UserPreferences) (search.Boosts, error) {
	views, err := s.store.BehaviorsByType(ctx, userID, models.BehaviorView, 50)
	if err != nil {
		return search.Boosts{}, fmt.Errorf("personalization: view behaviors: %w", err)
	}
	favs, err := s.store.BehaviorsByType(ctx, userID, models.BehaviorFavorite, 20)
	if err != nil {
		return search.Boosts{}, fmt.Errorf("personalization: favorite behaviors: %w", err)
	}
	return boostsFrom(prefs, products(views), products(favs)), nil
}

func boostsFrom(p models.UserPreferences, viewed, favorited []string) search.Boosts {
	b := search.Boosts{
		Categories: map[string]float64{},
		Brands:     map[string]float64{},
		Values:     map[string]float64{},
		Products:   map[string]float64{},
	}
	for _, c := range p.FavoriteCategories {
		b.Categories[c] = favoriteBoost
	}
	for _, br := range p.FavoriteBrands {
		b.Brands[br] = favoriteBoost
	}
	if p.PreferSustainable {
		b.Values[ValueSustainable] = sustainableBoost
	}
	if p.PreferEthical {
		b.Values[ValueEthical] = ethicalBoost
	}
	if p.PreferLocalBrands {
		b.Values[ValueLocal] = localBoost
	}
	bump := func(id string, step float64) {
		if w, ok := b.Products[id]; ok {
			b.Products[id] = w + step
			return
		}
		b.Products[id] = 1 + step
	}
	for _, id := range viewed {
		bump(id, viewedBoostStep)
	}
	for _, id := range favorited {
		bump(id, favBoostStep)
	}
	return b
}

// products keeps the entity IDs of product behaviors.
func products(bs []models.UserBehavior) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		if b.EntityType == models.EntityProduct {
			out = append(out, b.EntityID)
		}
	}
	return out
}

// Recommendations ranks product IDs the user purchased (3), favorited (2)
// or viewed (1), each product counted once at its highest weight.
func (s *Service) Recommendations(ctx context.Context, userID string, limit int) ([]string, error) {
	if userID == "" || limit <= 0 {
		return nil, nil
	}
	sources := []struct {
		typ    models.BehaviorType
		limit  int
		weight int
	}{
		{models.BehaviorPurchase, 10, 3},
		{models.BehaviorFavorite, 10, 2},
		{models.BehaviorView, 20, 1},
	}

	type ranked struct {
		id     string
		weight int
	}
	var order []ranked
	seen := map[string]int{}
	for _, src := range sources {
		bs, err := s.store.BehaviorsByType(ctx, userID, src.typ, src.limit)
		if err != nil {
			return nil, fmt.Errorf("personalization: %s behaviors: %w", src.typ, err)
		}
		for _, id := range products(bs) {
			if i, ok := seen[id]; ok {
				order[i].weight = max(order[i].weight, src.weight)
				continue
			}
			seen[id] = len(order)
			order = append(order, ranked{id: id, weight: src.weight})
		}
	}

	slices.SortStableFunc(order, func(a, b ranked) int { return cmp.Compare(b.weight, a.weight) })
	if len(order) > limit {
		order = order[:limit]
	}
	ids := make([]string, len(order))
	for i, r := range order {
		ids[i] = r.id
	}
	return ids, nil
}

// Enhanced is a product query rewritten for one user.
type Enhanced struct {
	Query       string                 `json:"query"`
	Filters     search.Filters         `json:"filters"`
	Boosts      search.Boosts          `json:"boosts"`
	Preferences models.UserPreferences `json:"preferences"`
}

// Enhance merges personalized filters into the caller's filters and attaches
// boosts. A dimension the caller filtered on is left as the caller set it.
func (s *Service) Enhance(ctx context.Context, userID, query string, filters search.Filters) (Enhanced, error) {
	prefs, err := s.store.Preferences(ctx, userID)
	if err != nil {
		return Enhanced{}, fmt.Errorf("personalization: preferences: %w", err)
	}
	boosts, err := s.boosts(ctx, userID, prefs)
	if err != nil {
		return Enhanced{}, err
	}
	return Enhanced{
		Query:       query,
		Filters:     mergeFilters(filters, filtersFrom(prefs)),
		Boosts:      boosts,
		Preferences: prefs,
	}, nil
}

func mergeFilters(explicit, personal search.Filters) search.Filters {
	out := explicit
	if len(out.Categories) == 0 {
		out.Categories = personal.Categories
	}
	if len(out.Brands) == 0 {
		out.Brands = personal.Brands
	}
	if len(out.Values) == 0 {
		out.Values = personal.Values
	}
	return out
}

// ErrInvalidInteraction is returned for an interaction missing its user or
// entity, or with an unknown behavior type.
var ErrInvalidInteraction = errors.New("personalization: invalid interaction")

// Interaction is one user action to learn from.
type Interaction struct {
	UserID     string              `json:"userId"`
	Type       models.BehaviorType `json:"type"`
	EntityID   string              `json:"entityId"`
	EntityType string              `json:"entityType"`
	Metadata   string              `json:"metadata,omitempty"`
}

// TrackInteraction records the behavior, promotes a category or brand viewed
// often enough to a favorite, and feeds the learned interest weights.
func (s *Service) TrackInteraction(ctx context.Context, in Interaction) error {
	if in.UserID == "" || in.EntityID == "" {
		return fmt.Errorf("%w: user and entity required", ErrInvalidInteraction)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown behavior type %q", ErrInvalidInteraction, in.Type)
	}

	count, err := s.store.UpsertBehavior(ctx, models.UserBehavior{
		UserID:     in.UserID,
		EntityID:   in.EntityID,
		EntityType: in.EntityType,
		Type:       in.Type,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return fmt.Errorf("personalization: track behavior: %w", err)
	}

	if in.Type == models.BehaviorView && count >= favoriteThreshold &&
		(in.EntityType == models.EntityCategory || in.EntityType == models.EntityBrand) {
		if err := s.store.AddFavorite(ctx, in.UserID, in.EntityType, in.EntityID); err != nil {
			return fmt.Errorf("personalization: add favorite: %w", err)
		}
		slog.Info("favorite learned", "component", "personalization",
			"user_id", in.UserID, "kind", in.EntityType, "value", in.EntityID)
	}

	if err := s.learn(ctx, in); err != nil {
		// The behavior is already stored; weights catch up on the next interaction.
		slog.Warn("weight update failed", "component", "personalization", "user_id", in.UserID, "error", err)
	}
	return nil
}

// interestWeight is how much one interaction raises learned weights.
func interestWeight(t models.BehaviorType) float64 {
	switch t {
	case models.BehaviorPurchase:
		return 3
	case models.BehaviorFavorite, models.BehaviorAddToCart:
		return 2
	case models.BehaviorView:
		return 1
	}
	return 0
}

func (s *Service) learn(ctx context.Context, in Interaction) error {
	w := interestWeight(in.Type)
	if w == 0 {
		return nil
	}

	var cats, brands, values []string
	switch in.EntityType {
	case models.EntityCategory:
		cats = []string{in.EntityID}
	case models.EntityBrand:
		brands = []string{in.EntityID}
	default:
		meta, ok := parseMeta(in.Metadata)
		if !ok {
			return nil
		}
		cats, values = meta.Categories, meta.Values
		if meta.BrandName != "" {
			brands = []string{meta.BrandName}
		}
	}
	if len(cats)+len(brands)+len(values) == 0 {
		return nil
	}

	prefs, err := s.store.Preferences(ctx, in.UserID)
	if err != nil {
		return err
	}
	prefs.CategoryWeights = addWeights(prefs.CategoryWeights, cats, w)
	prefs.BrandWeights = addWeights(prefs.BrandWeights, brands, w)
	prefs.ValueWeights = addWeights(prefs.ValueWeights, values, w)
	return s.store.SavePreferences(ctx, prefs)
}

func addWeights(m map[string]float64, keys []string, w float64) map[string]float64 {
	if m == nil {
		m = map[string]float64{}
	}
	for _, k := range keys {
		m[k] += w
	}
	return m
}

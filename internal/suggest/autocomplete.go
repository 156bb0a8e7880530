package suggest

import (
	"context"
	"fmt"
	"log/slog"

	"marketplace-search/internal/metrics"
	"marketplace-search/internal/models"
	"marketplace-search/internal/search"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLimit = 10

	eventAutocompleteImpression = "autocomplete_impression"
	eventAutocompleteSelection  = "autocomplete_selection"
	interactionSuggestionsSeen  = "suggestions_viewed"

	// trendingPeriodDays is the window trending queries are counted over.
	trendingPeriodDays = 30
)

// AutocompleteRequest describes one keystroke-level autocomplete call.
// The Include flags are opt-in; the HTTP layer defaults them to true.
type AutocompleteRequest struct {
	Query     string
	UserID    string
	SessionID string
	Limit     int

	IncludeCategories bool
	IncludeBrands     bool
	IncludeValues     bool
	IncludeTrending   bool
}

// SourceCounts reports how many raw candidates each source contributed.
type SourceCounts struct {
	Products     int `json:"productSuggestions"`
	Categories   int `json:"categorySuggestions"`
	Brands       int `json:"brandSuggestions"`
	Values       int `json:"valueSuggestions"`
	Trending     int `json:"trendingSuggestions"`
	Personalized int `json:"personalizedSuggestions"`
}

type AutocompleteResponse struct {
	Suggestions []models.Suggestion `json:"suggestions"`
	Metadata    *SourceCounts       `json:"metadata,omitempty"`
	// VariantID and AssignmentID are set when an experiment variant shaped
	// the weights. Clients report outcomes against the assignment.
	VariantID    string `json:"variantId,omitempty"`
	AssignmentID string `json:"assignmentId,omitempty"`
}

// Autocomplete blends catalog, trending and personal sources into one list.
type Autocomplete struct {
	catalog     Catalog
	analytics   Analytics
	personal    Personalizer
	experiments Experiments
}

func NewAutocomplete(c Catalog, a Analytics, p Personalizer, e Experiments) *Autocomplete {
	return &Autocomplete{catalog: c, analytics: a, personal: p, experiments: e}
}

// Suggest returns ranked autocomplete suggestions for req.
//
// Each source fails independently: a broken source contributes nothing and
// the rest still rank. Only when the fan-out itself cannot complete (the
// request was cancelled) does Suggest fall back to plain product-title
// suggestions, and only if that fails too is an error returned.
func (a *Autocomplete) Suggest(ctx context.Context, req AutocompleteRequest) (*AutocompleteResponse, error) {
	ctx, span := tracer.Start(ctx, "suggest.Autocomplete", trace.WithAttributes(
		attribute.String("query", req.Query),
		attribute.Bool("authenticated", req.UserID != ""),
	))
	defer span.End()

	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	weights := DefaultWeights()
	variant := a.resolveVariant(ctx, req)
	if variant != nil {
		merged, err := weights.Merge(variant.Configuration)
		if err != nil {
			slog.Warn("ignoring variant configuration",
				"component", "suggest",
				"variant_id", variant.VariantID,
				"error", err,
			)
		} else {
			weights = merged
		}
		if err := a.experiments.TrackImpression(ctx, variant.AssignmentID); err != nil {
			slog.Error("experiment impression failed", "component", "suggest", "assignment_id", variant.AssignmentID, "error", err)
		}
	}

	src, err := a.fetchSources(ctx, req, weights)
	if err != nil {
		slog.Error("autocomplete fan-out failed, falling back", "component", "suggest", "query", req.Query, "error", err)
		return a.fallback(ctx, req)
	}

	suggestions := Blend(req.Query, src, weights, req.Limit)

	texts := make([]string, len(suggestions))
	for i, s := range suggestions {
		texts[i] = s.Text
	}
	detach(ctx, eventAutocompleteImpression, func(ctx context.Context) error {
		return a.analytics.TrackEvent(ctx, eventAutocompleteImpression, models.SearchEvent{
			Query:          req.Query,
			ResultCount:    len(suggestions),
			IsPersonalized: len(src.Personalized) > 0,
			UserID:         req.UserID,
			SessionID:      req.SessionID,
			Metadata:       map[string]any{"suggestions": texts},
		})
	})

	resp := &AutocompleteResponse{
		Suggestions: suggestions,
		Metadata: &SourceCounts{
			Products:     len(src.Products),
			Categories:   len(src.Categories),
			Brands:       len(src.Brands),
			Values:       len(src.Values),
			Trending:     len(src.Trending),
			Personalized: len(src.Personalized),
		},
	}

	if variant != nil {
		resp.VariantID = variant.VariantID
		resp.AssignmentID = variant.AssignmentID
		err := a.experiments.TrackInteraction(ctx, variant.AssignmentID, interactionSuggestionsSeen, map[string]any{
			"query":           req.Query,
			"suggestionCount": len(suggestions),
		})
		if err != nil {
			slog.Error("experiment interaction failed", "component", "suggest", "assignment_id", variant.AssignmentID, "error", err)
		}
	}

	metrics.SuggestionsServed.WithLabelValues("autocomplete", fmt.Sprint(len(src.Personalized) > 0)).Inc()
	return resp, nil
}

// resolveVariant returns the first running search-algorithm experiment the
// caller is enrolled in, or nil. Anonymous callers without a session are
// never enrolled.
func (a *Autocomplete) resolveVariant(ctx context.Context, req AutocompleteRequest) *models.VariantConfig {
	if a.experiments == nil || (req.UserID == "" && req.SessionID == "") {
		return nil
	}
	configs, err := a.experiments.VariantConfiguration(ctx, models.ExperimentSearchAlgorithm, req.UserID, req.SessionID)
	if err != nil {
		slog.Error("variant lookup failed", "component", "suggest", "error", err)
		return nil
	}
	if len(configs) == 0 {
		return nil
	}
	return &configs[0]
}

func (a *Autocomplete) fetchSources(ctx context.Context, req AutocompleteRequest, w Weights) (Sources, error) {
	var src Sources
	half := (req.Limit + 1) / 2
	fuzz := w.Fuzziness()

	g, gctx := errgroup.WithContext(ctx)

	// Every source swallows its own error; a failing source is empty.
	fetch := func(name string, dst *[]string, fn func(ctx context.Context) ([]string, error)) {
		g.Go(func() error {
			out, err := fn(gctx)
			if err != nil {
				slog.Error("autocomplete source failed", "component", "suggest", "source", name, "query", req.Query, "error", err)
				return nil
			}
			*dst = out
			return nil
		})
	}

	fetch("products", &src.Products, func(ctx context.Context) ([]string, error) {
		return a.catalog.TermSuggestions(ctx, search.FieldTitle, req.Query, req.Limit, fuzz)
	})
	if req.IncludeCategories {
		fetch("categories", &src.Categories, func(ctx context.Context) ([]string, error) {
			return a.catalog.TermSuggestions(ctx, search.FieldCategories, req.Query, half, fuzz)
		})
	}
	if req.IncludeBrands {
		fetch("brands", &src.Brands, func(ctx context.Context) ([]string, error) {
			return a.catalog.TermSuggestions(ctx, search.FieldBrand, req.Query, half, fuzz)
		})
	}
	if req.IncludeValues {
		fetch("values", &src.Values, func(ctx context.Context) ([]string, error) {
			return a.catalog.TermSuggestions(ctx, search.FieldValues, req.Query, half, fuzz)
		})
	}
	if req.IncludeTrending {
		fetch("trending", &src.Trending, func(ctx context.Context) ([]string, error) {
			top, err := a.analytics.TopQueries(ctx, half, trendingPeriodDays)
			if err != nil {
				return nil, err
			}
			out := make([]string, len(top))
			for i, q := range top {
				out[i] = q.Query
			}
			return out, nil
		})
	}
	if req.UserID != "" && a.personal != nil {
		fetch("personalized", &src.Personalized, func(ctx context.Context) ([]string, error) {
			return a.personal.RecentSearches(ctx, req.UserID, half)
		})
	}

	if err := g.Wait(); err != nil {
		return Sources{}, err
	}
	if err := ctx.Err(); err != nil {
		return Sources{}, err
	}
	return src, nil
}

func (a *Autocomplete) fallback(ctx context.Context, req AutocompleteRequest) (*AutocompleteResponse, error) {
	// The request context may be the thing that failed; give the fallback
	// its own short budget.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackTimeout)
	defer cancel()

	texts, err := a.catalog.ProductSuggestions(fctx, req.Query, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("suggest: autocomplete fallback: %w", err)
	}
	out := make([]models.Suggestion, len(texts))
	for i, t := range texts {
		out[i] = models.Suggestion{Text: t, Type: models.SuggestionProduct}
	}
	return &AutocompleteResponse{Suggestions: out}, nil
}

// TrackSelection records that the user picked a suggestion.
func (a *Autocomplete) TrackSelection(ctx context.Context, query, selected, suggestionType, userID, sessionID string) error {
	err := a.analytics.TrackEvent(ctx, eventAutocompleteSelection, models.SearchEvent{
		Query:     query,
		UserID:    userID,
		SessionID: sessionID,
		Metadata: map[string]any{
			"selectedSuggestion": selected,
			"suggestionType":     suggestionType,
		},
	})
	if err != nil {
		return fmt.Errorf("suggest: track selection: %w", err)
	}
	return nil
}

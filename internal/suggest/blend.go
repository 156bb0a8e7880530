package suggest

import "marketplace-search/internal/models"

// Fixed base scores for sources that are not matched against the query text.
const (
	trendingBaseScore     = 0.5
	personalizedBaseScore = 0.7
)

// Sources holds the raw texts each autocomplete source produced.
type Sources struct {
	Products     []string
	Categories   []string
	Brands       []string
	Values       []string
	Trending     []string
	Personalized []string
}

// Blend scores every source with w, ranks the union and, when enabled,
// highlights the query inside each surviving suggestion.
func Blend(query string, src Sources, w Weights, limit int) []models.Suggestion {
	matched := func(texts []string, typ, prefix string, weight float64) []models.Suggestion {
		out := make([]models.Suggestion, 0, len(texts))
		for _, t := range texts {
			out = append(out, models.Suggestion{
				Text:   t,
				Type:   typ,
				Prefix: prefix,
				Score:  RelevanceScore(query, t) * weight,
			})
		}
		return out
	}
	fixed := func(texts []string, typ, prefix string, base, weight float64, personalized bool) []models.Suggestion {
		out := make([]models.Suggestion, 0, len(texts))
		for _, t := range texts {
			out = append(out, models.Suggestion{
				Text:           t,
				Type:           typ,
				Prefix:         prefix,
				Score:          base * weight,
				IsPopular:      typ == models.SuggestionTrending,
				IsPersonalized: personalized,
			})
		}
		return out
	}

	ranked := Rank(limit,
		matched(src.Products, models.SuggestionProduct, "", w.ProductWeight),
		matched(src.Categories, models.SuggestionCategory, "Category: ", w.CategoryWeight),
		matched(src.Brands, models.SuggestionBrand, "Brand: ", w.BrandWeight),
		matched(src.Values, models.SuggestionValue, "Value: ", w.ValueWeight),
		fixed(src.Trending, models.SuggestionTrending, "Trending: ", trendingBaseScore, w.TrendingWeight, false),
		fixed(src.Personalized, models.SuggestionPersonalized, "For you: ", personalizedBaseScore, w.PersonalizedWeight, true),
	)

	if w.HighlightMatches {
		for i := range ranked {
			ranked[i].Highlighted = Highlight(query, ranked[i].Text)
		}
	}
	return ranked
}

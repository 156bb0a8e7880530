package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marketplace-search/internal/models"
)

// Product fields autocomplete aggregates over. Each has a .keyword sub-field.
const (
	FieldTitle      = "title"
	FieldCategories = "categories"
	FieldBrand      = "brandName"
	FieldValues     = "values"
)

const completionFuzziness = 1

// TermSuggestions returns the most common values of field among active
// products matching query. Titles use match_bool_prefix so the last word
// may be partial; other fields use a plain match.
func (c *Client) TermSuggestions(ctx context.Context, field, query string, limit int, fuzziness string) ([]string, error) {
	body := termSuggestionQuery(field, query, limit, fuzziness)

	res, err := c.doSearch(ctx, "term_suggestions", []string{ProductsIndex}, body)
	if err != nil {
		return nil, err
	}

	agg, ok := res.Aggregations["suggestions"]
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		out = append(out, b.Key)
	}
	return out, nil
}

func termSuggestionQuery(field, query string, limit int, fuzziness string) map[string]any {
	if fuzziness == "" {
		fuzziness = "AUTO"
	}
	matchType := "match"
	if field == FieldTitle {
		matchType = "match_bool_prefix"
	}
	return map[string]any{
		"size": 0,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						matchType: map[string]any{
							field: map[string]any{
								"query":     query,
								"fuzziness": fuzziness,
							},
						},
					},
					map[string]any{"term": map[string]any{"isActive": true}},
				},
			},
		},
		"aggs": map[string]any{
			"suggestions": map[string]any{
				"terms": map[string]any{
					"field": field + ".keyword",
					"size":  limit,
					"order": map[string]any{"_count": "desc"},
				},
			},
		},
	}
}

// ProductSuggestions is the plain title-completion used when autocomplete
// cannot assemble its blended sources.
func (c *Client) ProductSuggestions(ctx context.Context, query string, limit int) ([]string, error) {
	opts, err := c.completion(ctx, []string{ProductsIndex}, FieldTitle+".completion", query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, o.Text)
	}
	return out, nil
}

// CompletionSuggestions reads the suggestion index and, when it yields fewer
// than limit options, tops up from product titles and then merchant and
// brand names.
func (c *Client) CompletionSuggestions(ctx context.Context, query string, limit int) ([]models.Suggestion, error) {
	opts, err := c.completion(ctx, []string{c.suggestionIndex}, "text.completion", query, limit)
	if err != nil {
		return nil, err
	}

	if len(opts) < limit {
		more, err := c.completion(ctx, []string{ProductsIndex}, FieldTitle+".completion", query, limit-len(opts))
		if err != nil {
			return nil, err
		}
		opts = append(opts, more...)
	}
	if len(opts) < limit {
		more, err := c.completion(ctx, []string{MerchantsIndex, BrandsIndex}, "name.completion", query, limit-len(opts))
		if err != nil {
			return nil, err
		}
		opts = append(opts, more...)
	}

	out := make([]models.Suggestion, 0, len(opts))
	for _, o := range opts {
		out = append(out, optionToSuggestion(o))
	}
	return out, nil
}

func (c *Client) completion(ctx context.Context, indices []string, field, prefix string, size int) ([]suggestOption, error) {
	if size <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"_source": []string{"text", "name", "title", "score", "popularity", "category", "categories", "type"},
		"suggest": map[string]any{
			"completion": map[string]any{
				"prefix": prefix,
				"completion": map[string]any{
					"field":           field,
					"size":            size,
					"skip_duplicates": true,
					"fuzzy":           map[string]any{"fuzziness": completionFuzziness},
				},
			},
		},
	}

	res, err := c.doSearch(ctx, "completion", indices, body)
	if err != nil {
		return nil, err
	}
	entries := res.Suggest["completion"]
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0].Options, nil
}

type suggestionSource struct {
	Text       string   `json:"text"`
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Score      float64  `json:"score"`
	Popularity float64  `json:"popularity"`
	Category   string   `json:"category"`
	Categories []string `json:"categories"`
	Type       string   `json:"type"`
}

// optionToSuggestion maps a completion option from any index onto a
// Suggestion. Entity indices have no type field, so the type is the
// singular of the index name.
func optionToSuggestion(o suggestOption) models.Suggestion {
	var src suggestionSource
	_ = json.Unmarshal(o.Source, &src)

	text := firstNonEmpty(src.Text, src.Name, src.Title, o.Text)
	score := src.Score
	if score == 0 {
		score = src.Popularity
	}
	if score == 0 {
		score = 1.0
	}
	category := src.Category
	if category == "" && len(src.Categories) > 0 {
		category = src.Categories[0]
	}
	typ := src.Type
	if typ == "" {
		typ = strings.TrimSuffix(o.Index, "s")
	}
	return models.Suggestion{
		Text:     text,
		Type:     typ,
		Category: category,
		Score:    score,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// seedSuggestions are the common searches the completion index starts with.
var seedSuggestions = []struct {
	Text     string
	Category string
	Score    float64
}{
	{"sustainable clothing", "clothing", 10.0},
	{"eco-friendly products", "home", 9.5},
	{"organic cotton", "clothing", 9.0},
	{"vegan leather", "accessories", 8.5},
	{"recycled materials", "home", 8.0},
	{"fair trade coffee", "food", 7.5},
	{"zero waste products", "home", 7.0},
	{"biodegradable packaging", "home", 6.5},
	{"solar powered", "electronics", 6.0},
	{"ethical fashion", "clothing", 5.5},
	{"reusable bags", "home", 5.0},
	{"bamboo products", "home", 4.5},
	{"natural skincare", "beauty", 4.0},
	{"cruelty-free cosmetics", "beauty", 3.5},
	{"local artisans", "home", 3.0},
}

// SeedSuggestions bulk-loads the common search terms into the suggestion
// index. Document IDs are derived from the text so reseeding is idempotent.
func (c *Client) SeedSuggestions(ctx context.Context) (int, error) {
	docs := make([]bulkDoc, 0, len(seedSuggestions))
	for _, s := range seedSuggestions {
		id := "search_" + strings.ReplaceAll(s.Text, " ", "_")
		docs = append(docs, bulkDoc{ID: id, Doc: map[string]any{
			"text":           s.Text,
			"type":           models.SuggestionSearch,
			"category":       s.Category,
			"score":          s.Score,
			"popularity":     s.Score,
			"isPersonalized": false,
			"metadata":       map[string]any{"source": "seed"},
		}})
	}
	if err := c.bulkIndex(ctx, c.suggestionIndex, docs); err != nil {
		return 0, fmt.Errorf("search: seed suggestions: %w", err)
	}
	return len(docs), nil
}

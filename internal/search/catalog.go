package search

import (
	"context"
	"encoding/json"
	"fmt"

	"marketplace-search/internal/models"
)

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

func (c *Client) IndexProduct(ctx context.Context, p models.Product) error {
	return c.indexDoc(ctx, ProductsIndex, p.ID, p)
}

func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	return c.deleteDoc(ctx, ProductsIndex, id)
}

func (c *Client) BulkIndexProducts(ctx context.Context, products []models.Product) error {
	docs := make([]bulkDoc, 0, len(products))
	for _, p := range products {
		docs = append(docs, bulkDoc{ID: p.ID, Doc: p})
	}
	return c.bulkIndex(ctx, ProductsIndex, docs)
}

func (c *Client) IndexMerchant(ctx context.Context, m models.Merchant) error {
	return c.indexDoc(ctx, MerchantsIndex, m.ID, m)
}

func (c *Client) DeleteMerchant(ctx context.Context, id string) error {
	return c.deleteDoc(ctx, MerchantsIndex, id)
}

func (c *Client) BulkIndexMerchants(ctx context.Context, merchants []models.Merchant) error {
	docs := make([]bulkDoc, 0, len(merchants))
	for _, m := range merchants {
		docs = append(docs, bulkDoc{ID: m.ID, Doc: m})
	}
	return c.bulkIndex(ctx, MerchantsIndex, docs)
}

func (c *Client) IndexBrand(ctx context.Context, b models.Brand) error {
	return c.indexDoc(ctx, BrandsIndex, b.ID, b)
}

func (c *Client) DeleteBrand(ctx context.Context, id string) error {
	return c.deleteDoc(ctx, BrandsIndex, id)
}

func (c *Client) BulkIndexBrands(ctx context.Context, brands []models.Brand) error {
	docs := make([]bulkDoc, 0, len(brands))
	for _, b := range brands {
		docs = append(docs, bulkDoc{ID: b.ID, Doc: b})
	}
	return c.bulkIndex(ctx, BrandsIndex, docs)
}

// ---------------------------------------------------------------------------
// Product queries
// ---------------------------------------------------------------------------

// Filters narrow a product search. Empty slices and nil bounds are ignored.
type Filters struct {
	Categories []string `json:"categories,omitempty"`
	Brands     []string `json:"brands,omitempty"`
	Values     []string `json:"values,omitempty"`
	MinPrice   *float64 `json:"minPrice,omitempty"`
	MaxPrice   *float64 `json:"maxPrice,omitempty"`
}

// Count returns how many filter dimensions are active.
func (f Filters) Count() int {
	n := 0
	if len(f.Categories) > 0 {
		n++
	}
	if len(f.Brands) > 0 {
		n++
	}
	if len(f.Values) > 0 {
		n++
	}
	if f.MinPrice != nil || f.MaxPrice != nil {
		n++
	}
	return n
}

// Boosts multiply the score of products matching a category, brand or value,
// or of individual products by ID. Weights are expected to be >= 1.
type Boosts struct {
	Categories map[string]float64 `json:"categories,omitempty"`
	Brands     map[string]float64 `json:"brands,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
	Products   map[string]float64 `json:"products,omitempty"`
}

func (b Boosts) empty() bool {
	return len(b.Categories) == 0 && len(b.Brands) == 0 && len(b.Values) == 0 && len(b.Products) == 0
}

// ProductQuery is a paged full-text product search.
type ProductQuery struct {
	Text      string
	Filters   Filters
	Boosts    Boosts
	Page      int
	Limit     int
	SortBy    string // relevance (default), price, rating, popularity, newest
	SortOrder string // asc or desc
	Fuzziness string
}

// SearchProducts runs a full-text search over active products.
func (c *Client) SearchProducts(ctx context.Context, q ProductQuery) (models.ProductPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	res, err := c.doSearch(ctx, "search_products", []string{ProductsIndex}, productQueryBody(q))
	if err != nil {
		return models.ProductPage{}, err
	}

	items, err := decodeProducts(res.Hits.Hits)
	if err != nil {
		return models.ProductPage{}, err
	}
	return models.ProductPage{
		Items: items,
		Total: res.Hits.Total.Value,
		Page:  q.Page,
		Limit: q.Limit,
	}, nil
}

func productQueryBody(q ProductQuery) map[string]any {
	fuzziness := q.Fuzziness
	if fuzziness == "" {
		fuzziness = "AUTO"
	}

	var must []any
	if q.Text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":     q.Text,
				"fields":    []string{"title^3", "brandName^2", "categories^2", "values", "tags", "description"},
				"fuzziness": fuzziness,
			},
		})
	} else {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	}

	filter := []any{map[string]any{"term": map[string]any{"isActive": true}}}
	if len(q.Filters.Categories) > 0 {
		filter = append(filter, terms("categories.keyword", q.Filters.Categories))
	}
	if len(q.Filters.Brands) > 0 {
		filter = append(filter, terms("brandName.keyword", q.Filters.Brands))
	}
	if len(q.Filters.Values) > 0 {
		filter = append(filter, terms("values.keyword", q.Filters.Values))
	}
	if q.Filters.MinPrice != nil || q.Filters.MaxPrice != nil {
		rng := map[string]any{}
		if q.Filters.MinPrice != nil {
			rng["gte"] = *q.Filters.MinPrice
		}
		if q.Filters.MaxPrice != nil {
			rng["lte"] = *q.Filters.MaxPrice
		}
		filter = append(filter, map[string]any{"range": map[string]any{"price": rng}})
	}

	var query any = map[string]any{"bool": map[string]any{"must": must, "filter": filter}}
	if !q.Boosts.empty() {
		query = map[string]any{
			"function_score": map[string]any{
				"query":      query,
				"functions":  boostFunctions(q.Boosts),
				"score_mode": "multiply",
				"boost_mode": "multiply",
			},
		}
	}

	body := map[string]any{
		"from":  (q.Page - 1) * q.Limit,
		"size":  q.Limit,
		"query": query,
	}
	if s := sortClause(q.SortBy, q.SortOrder); s != nil {
		body["sort"] = s
	}
	return body
}

func terms(field string, vals []string) map[string]any {
	return map[string]any{"terms": map[string]any{field: vals}}
}

func boostFunctions(b Boosts) []any {
	var fns []any
	add := func(field string, weights map[string]float64) {
		for val, w := range weights {
			fns = append(fns, map[string]any{
				"filter": map[string]any{"term": map[string]any{field: val}},
				"weight": w,
			})
		}
	}
	add("categories.keyword", b.Categories)
	add("brandName.keyword", b.Brands)
	add("values.keyword", b.Values)
	add("_id", b.Products)
	return fns
}

func sortClause(by, order string) []any {
	if order != "asc" {
		order = "desc"
	}
	var field string
	switch by {
	case "price":
		field = "price"
	case "rating":
		field = "rating"
	case "popularity":
		field = "popularity"
	case "newest":
		field, order = "createdAt", "desc"
	default:
		return nil
	}
	return []any{
		map[string]any{field: map[string]any{"order": order}},
		"_score",
	}
}

// TrendingProducts returns the most popular active products, optionally
// restricted to categories.
func (c *Client) TrendingProducts(ctx context.Context, categories []string, limit int) ([]models.Product, error) {
	filter := []any{map[string]any{"term": map[string]any{"isActive": true}}}
	if len(categories) > 0 {
		filter = append(filter, terms("categories.keyword", categories))
	}
	body := map[string]any{
		"size":  limit,
		"query": map[string]any{"bool": map[string]any{"filter": filter}},
		"sort": []any{
			map[string]any{"popularity": map[string]any{"order": "desc"}},
			map[string]any{"rating": map[string]any{"order": "desc"}},
		},
	}

	res, err := c.doSearch(ctx, "trending_products", []string{ProductsIndex}, body)
	if err != nil {
		return nil, err
	}
	return decodeProducts(res.Hits.Hits)
}

// NewProducts returns the most recently created active products.
func (c *Client) NewProducts(ctx context.Context, limit int) ([]models.Product, error) {
	body := map[string]any{
		"size":  limit,
		"query": map[string]any{"bool": map[string]any{"filter": []any{map[string]any{"term": map[string]any{"isActive": true}}}}},
		"sort":  []any{map[string]any{"createdAt": map[string]any{"order": "desc"}}},
	}

	res, err := c.doSearch(ctx, "new_products", []string{ProductsIndex}, body)
	if err != nil {
		return nil, err
	}
	return decodeProducts(res.Hits.Hits)
}

// RelatedProducts finds products similar to productID by title, description
// and categories. The source product itself is excluded.
func (c *Client) RelatedProducts(ctx context.Context, productID string, limit int) ([]models.Product, error) {
	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"more_like_this": map[string]any{
							"fields":          []string{"title", "description", "categories", "values", "brandName"},
							"like":            []any{map[string]any{"_index": ProductsIndex, "_id": productID}},
							"min_term_freq":   1,
							"min_doc_freq":    1,
							"max_query_terms": 25,
						},
					},
				},
				"filter": []any{map[string]any{"term": map[string]any{"isActive": true}}},
			},
		},
	}

	res, err := c.doSearch(ctx, "related_products", []string{ProductsIndex}, body)
	if err != nil {
		return nil, err
	}
	return decodeProducts(res.Hits.Hits)
}

// ProductsByIDs fetches products and returns them in the order of ids.
// Unknown IDs are skipped.
func (c *Client) ProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}
	body := map[string]any{
		"size":  len(ids),
		"query": map[string]any{"ids": map[string]any{"values": ids}},
	}

	res, err := c.doSearch(ctx, "products_by_ids", []string{ProductsIndex}, body)
	if err != nil {
		return nil, err
	}
	found, err := decodeProducts(res.Hits.Hits)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Product, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func decodeProducts(hits []hit) ([]models.Product, error) {
	out := make([]models.Product, 0, len(hits))
	for _, h := range hits {
		var p models.Product
		if err := json.Unmarshal(h.Source, &p); err != nil {
			return nil, fmt.Errorf("search: decode product %s: %w", h.ID, err)
		}
		if p.ID == "" {
			p.ID = h.ID
		}
		out = append(out, p)
	}
	return out, nil
}

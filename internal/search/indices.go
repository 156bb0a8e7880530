package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// textWithKeyword is a text field with an exact-match sub-field used by
// terms aggregations.
func textWithKeyword() map[string]any {
	return map[string]any{
		"type": "text",
		"fields": map[string]any{
			"keyword": map[string]any{"type": "keyword", "ignore_above": 256},
		},
	}
}

// textWithCompletion adds a completion sub-field on top of textWithKeyword.
func textWithCompletion() map[string]any {
	f := textWithKeyword()
	f["fields"].(map[string]any)["completion"] = map[string]any{"type": "completion"}
	return f
}

func productMapping() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"id":          map[string]any{"type": "keyword"},
			"title":       textWithCompletion(),
			"description": map[string]any{"type": "text"},
			"price":       map[string]any{"type": "float"},
			"salePrice":   map[string]any{"type": "float"},
			"currency":    map[string]any{"type": "keyword"},
			"categories":  textWithKeyword(),
			"tags":        textWithKeyword(),
			"values":      textWithKeyword(),
			"brandName":   textWithKeyword(),
			"merchantId":  map[string]any{"type": "keyword"},
			"images":      map[string]any{"type": "keyword", "index": false},
			"rating":      map[string]any{"type": "float"},
			"reviewCount": map[string]any{"type": "integer"},
			"popularity":  map[string]any{"type": "float"},
			"isActive":    map[string]any{"type": "boolean"},
			"createdAt":   map[string]any{"type": "date"},
			"updatedAt":   map[string]any{"type": "date"},
		},
	}
}

// entityMapping covers merchants and brands, which share a name-centric shape.
func entityMapping() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"id":          map[string]any{"type": "keyword"},
			"name":        textWithCompletion(),
			"description": map[string]any{"type": "text"},
			"categories":  textWithKeyword(),
			"values":      textWithKeyword(),
			"location":    map[string]any{"type": "keyword"},
			"rating":      map[string]any{"type": "float"},
			"popularity":  map[string]any{"type": "float"},
			"isActive":    map[string]any{"type": "boolean"},
			"createdAt":   map[string]any{"type": "date"},
			"updatedAt":   map[string]any{"type": "date"},
		},
	}
}

func suggestionMapping() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"text": map[string]any{
				"type": "text",
				"fields": map[string]any{
					"completion": map[string]any{"type": "completion"},
					"keyword":    map[string]any{"type": "keyword"},
				},
			},
			"type":           map[string]any{"type": "keyword"},
			"category":       map[string]any{"type": "keyword"},
			"score":          map[string]any{"type": "float"},
			"popularity":     map[string]any{"type": "float"},
			"isPersonalized": map[string]any{"type": "boolean"},
			"userId":         map[string]any{"type": "keyword"},
			"metadata":       map[string]any{"type": "object", "enabled": false},
		},
	}
}

// Mappings returns the index name to mapping table EnsureIndices applies.
func (c *Client) Mappings() map[string]map[string]any {
	return map[string]map[string]any{
		ProductsIndex:     productMapping(),
		MerchantsIndex:    entityMapping(),
		BrandsIndex:       entityMapping(),
		c.suggestionIndex: suggestionMapping(),
	}
}

// EnsureIndices creates any missing index with its mapping. Existing indices
// are left untouched; mapping changes need a reindex.
func (c *Client) EnsureIndices(ctx context.Context) error {
	for name, mapping := range c.Mappings() {
		exists, err := c.indexExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			slog.Info("index exists", "component", "search", "index", name)
			continue
		}
		if err := c.createIndex(ctx, name, mapping); err != nil {
			return err
		}
		slog.Info("index created", "component", "search", "index", name)
	}
	return nil
}

func (c *Client) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{name}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("search: index exists %s: %w", name, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError("index exists", res)
	}
}

func (c *Client) createIndex(ctx context.Context, name string, mapping map[string]any) error {
	buf, err := encode(map[string]any{"mappings": mapping})
	if err != nil {
		return err
	}
	res, err := c.es.Indices.Create(
		name,
		c.es.Indices.Create.WithBody(buf),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: create index %s: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("create index", res)
	}
	return nil
}

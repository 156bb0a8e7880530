// Package search provides an Elasticsearch client for the marketplace indices:
// products, merchants, brands and the search_suggestions completion index.
//
// searchctl and cmd/worker create the indices with EnsureIndices. The worker
// keeps them in step with the Postgres catalog; the API only reads.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"marketplace-search/internal/metrics"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ProductsIndex  = "products"
	MerchantsIndex = "merchants"
	BrandsIndex    = "brands"

	defaultSuggestionIndex = "search_suggestions"
)

// Client runs suggestion, product and indexing requests.
type Client struct {
	es              *elasticsearch.Client
	suggestionIndex string
}

type Option func(*Client)

// WithSuggestionIndex overrides the completion index name.
func WithSuggestionIndex(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.suggestionIndex = name
		}
	}
}

func New(url string, opts ...Option) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{url}})
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	c := &Client{es: es, suggestionIndex: defaultSuggestionIndex}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SuggestionIndex returns the name of the completion index.
func (c *Client) SuggestionIndex() string { return c.suggestionIndex }

// Ping verifies the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("search: ping error [%s]", res.Status())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Response shapes
// ---------------------------------------------------------------------------

type hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type bucket struct {
	Key      string `json:"key"`
	DocCount int    `json:"doc_count"`
}

type suggestOption struct {
	Text   string          `json:"text"`
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []bucket `json:"buckets"`
	} `json:"aggregations"`
	Suggest map[string][]struct {
		Options []suggestOption `json:"options"`
	} `json:"suggest"`
}

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

func encode(body any) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	return &buf, nil
}

// doSearch runs a _search against indices and decodes the response.
// op labels the request in search_request_duration_seconds.
func (c *Client) doSearch(ctx context.Context, op string, indices []string, body any) (*searchResponse, error) {
	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	buf, err := encode(body)
	if err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(indices...),
		c.es.Search.WithBody(buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %s request: %w", op, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(op, res)
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("search: %s decode: %w", op, err)
	}
	return &out, nil
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	return fmt.Errorf("search: %s error [%s]: %s", op, res.Status(), body)
}

// indexDoc upserts a document. Using the entity ID as the document ID makes
// this idempotent: re-indexing on a worker retry will not create duplicates.
func (c *Client) indexDoc(ctx context.Context, index, id string, doc any) error {
	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("index"))
	defer timer.ObserveDuration()

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	res, err := c.es.Index(
		index,
		bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("index", res)
	}
	return nil
}

// deleteDoc removes a document. A missing document is not an error, so
// replaying a delete event is safe.
func (c *Client) deleteDoc(ctx context.Context, index, id string) error {
	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	res, err := c.es.Delete(index, id, c.es.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: delete request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError("delete", res)
	}
	return nil
}

type bulkDoc struct {
	ID  string
	Doc any
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// bulkIndex writes docs in one _bulk request. Partial failures are reported
// as an error naming the first failed document, so the whole event is retried;
// the writes are idempotent by document ID.
func (c *Client) bulkIndex(ctx context.Context, index string, docs []bulkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("bulk"))
	defer timer.ObserveDuration()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]any{"index": map[string]any{"_index": index, "_id": d.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(d.Doc); err != nil {
			return err
		}
	}

	res, err := c.es.Bulk(&buf, c.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError("bulk", res)
	}

	var out bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("search: bulk decode: %w", err)
	}
	if !out.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range out.Items {
		for _, r := range item {
			if r.Error == nil {
				continue
			}
			failed++
			if first == "" {
				first = fmt.Sprintf("%s: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
			}
		}
	}
	return fmt.Errorf("search: bulk: %d of %d documents failed, first: %s", failed, len(docs), first)
}

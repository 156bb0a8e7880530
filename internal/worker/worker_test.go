package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"marketplace-search/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIndex records calls and fails the first failFor calls of each method.
type fakeIndex struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor int
	bulk    [][]string
}

func newFakeIndex(failFor int) *fakeIndex {
	return &fakeIndex{calls: map[string]int{}, failFor: failFor}
}

func (f *fakeIndex) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.calls[method] <= f.failFor {
		return fmt.Errorf("%s: es unavailable", method)
	}
	return nil
}

func (f *fakeIndex) IndexProduct(ctx context.Context, p models.Product) error {
	return f.record("IndexProduct")
}
func (f *fakeIndex) DeleteProduct(ctx context.Context, id string) error {
	return f.record("DeleteProduct:" + id)
}
func (f *fakeIndex) BulkIndexProducts(ctx context.Context, products []models.Product) error {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	f.mu.Lock()
	f.bulk = append(f.bulk, ids)
	f.mu.Unlock()
	return f.record("BulkIndexProducts")
}
func (f *fakeIndex) IndexMerchant(ctx context.Context, m models.Merchant) error {
	return f.record("IndexMerchant")
}
func (f *fakeIndex) DeleteMerchant(ctx context.Context, id string) error {
	return f.record("DeleteMerchant")
}
func (f *fakeIndex) BulkIndexMerchants(ctx context.Context, merchants []models.Merchant) error {
	return f.record("BulkIndexMerchants")
}
func (f *fakeIndex) IndexBrand(ctx context.Context, b models.Brand) error {
	return f.record("IndexBrand")
}
func (f *fakeIndex) DeleteBrand(ctx context.Context, id string) error {
	return f.record("DeleteBrand")
}
func (f *fakeIndex) BulkIndexBrands(ctx context.Context, brands []models.Brand) error {
	return f.record("BulkIndexBrands")
}

func (f *fakeIndex) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

type fakeCatalog struct {
	products []models.Product
	pages    []string // "after" values ProductsPage was called with
	err      error
}

func (c *fakeCatalog) ProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	return c.products, c.err
}
func (c *fakeCatalog) MerchantsByIDs(ctx context.Context, ids []string) ([]models.Merchant, error) {
	return nil, c.err
}
func (c *fakeCatalog) BrandsByIDs(ctx context.Context, ids []string) ([]models.Brand, error) {
	return nil, c.err
}
func (c *fakeCatalog) ProductsPage(ctx context.Context, after string, limit int) ([]models.Product, error) {
	c.pages = append(c.pages, after)
	start := 0
	if after != "" {
		for i, p := range c.products {
			if p.ID == after {
				start = i + 1
			}
		}
	}
	end := min(start+limit, len(c.products))
	return c.products[start:end], nil
}
func (c *fakeCatalog) MerchantsPage(ctx context.Context, after string, limit int) ([]models.Merchant, error) {
	return nil, nil
}
func (c *fakeCatalog) BrandsPage(ctx context.Context, after string, limit int) ([]models.Brand, error) {
	return nil, nil
}

type fakeMessage struct{ acked, nacked, discarded int }

func (m *fakeMessage) Ack() error     { m.acked++; return nil }
func (m *fakeMessage) Nack() error    { m.nacked++; return nil }
func (m *fakeMessage) Discard() error { m.discarded++; return nil }

func newTestWorker(idx *fakeIndex, cat *fakeCatalog, retries int) *Worker {
	return New(idx, cat, nil, retries, time.Millisecond)
}

func TestProcess_ProductCreatedAcks(t *testing.T) {
	idx := newFakeIndex(0)
	w := newTestWorker(idx, &fakeCatalog{}, 3)
	msg := &fakeMessage{}

	w.process(context.Background(), models.IndexEvent{
		Name:     models.EventProductCreated,
		Products: []models.Product{{ID: "p-1"}},
	}, msg)

	assert.Equal(t, 1, idx.count("IndexProduct"))
	assert.Equal(t, 1, msg.acked)
}

func TestProcess_RetriesThenSucceeds(t *testing.T) {
	idx := newFakeIndex(2)
	w := newTestWorker(idx, &fakeCatalog{}, 3)
	msg := &fakeMessage{}

	w.process(context.Background(), models.IndexEvent{
		Name:     models.EventProductUpdated,
		Products: []models.Product{{ID: "p-1"}},
	}, msg)

	assert.Equal(t, 3, idx.count("IndexProduct"))
	assert.Equal(t, 1, msg.acked)
}

func TestProcess_RetriesExhaustedDiscards(t *testing.T) {
	idx := newFakeIndex(100)
	w := newTestWorker(idx, &fakeCatalog{}, 2)
	msg := &fakeMessage{}

	w.process(context.Background(), models.IndexEvent{
		Name: models.EventBrandDeleted,
		IDs:  []string{"b-1"},
	}, msg)

	assert.Equal(t, 3, idx.count("DeleteBrand"), "first attempt plus two retries")
	assert.Equal(t, 0, msg.acked)
	assert.Equal(t, 1, msg.discarded)
}

func TestProcess_UnknownEventDiscarded(t *testing.T) {
	w := newTestWorker(newFakeIndex(0), &fakeCatalog{}, 3)
	msg := &fakeMessage{}

	w.process(context.Background(), models.IndexEvent{Name: "order.created"}, msg)

	assert.Equal(t, 1, msg.discarded)
	assert.Equal(t, 0, msg.acked)
}

func TestHandle_InvalidPayloads(t *testing.T) {
	w := newTestWorker(newFakeIndex(0), &fakeCatalog{}, 0)

	for _, ev := range []models.IndexEvent{
		{Name: models.EventProductCreated},
		{Name: models.EventMerchantUpdated},
		{Name: models.EventBrandCreated},
		{Name: models.EventProductDeleted},
		{Name: models.EventReindexAll, EntityType: "orders"},
	} {
		err := w.handle(context.Background(), ev)
		assert.ErrorIs(t, err, ErrInvalidEvent, ev.Name)
	}
}

func TestHandle_DeleteUsesFirstID(t *testing.T) {
	idx := newFakeIndex(0)
	w := newTestWorker(idx, &fakeCatalog{}, 0)

	require.NoError(t, w.handle(context.Background(), models.IndexEvent{
		Name: models.EventProductDeleted,
		IDs:  []string{"p-9"},
	}))
	assert.Equal(t, 1, idx.count("DeleteProduct:p-9"))
}

func TestHandle_BulkIndexWithNoRowsIsNoop(t *testing.T) {
	idx := newFakeIndex(0)
	w := newTestWorker(idx, &fakeCatalog{}, 0)

	err := w.handle(context.Background(), models.IndexEvent{
		Name: models.EventProductsBulkIndex,
		IDs:  []string{"gone"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.count("BulkIndexProducts"))
}

func TestHandle_BulkIndexLoadFailure(t *testing.T) {
	w := newTestWorker(newFakeIndex(0), &fakeCatalog{err: errors.New("pg down")}, 0)

	err := w.handle(context.Background(), models.IndexEvent{
		Name: models.EventMerchantsBulkIndex,
		IDs:  []string{"m-1"},
	})
	assert.ErrorContains(t, err, "pg down")
}

func TestHandle_ReindexPagesThroughProducts(t *testing.T) {
	products := make([]models.Product, reindexBatchSize+3)
	for i := range products {
		products[i] = models.Product{ID: fmt.Sprintf("p-%04d", i)}
	}
	idx := newFakeIndex(0)
	cat := &fakeCatalog{products: products}
	w := newTestWorker(idx, cat, 0)

	require.NoError(t, w.handle(context.Background(), models.IndexEvent{
		Name:       models.EventReindexAll,
		EntityType: "products",
	}))

	require.Len(t, idx.bulk, 2)
	assert.Len(t, idx.bulk[0], reindexBatchSize)
	assert.Len(t, idx.bulk[1], 3)
	assert.Equal(t, []string{"", products[reindexBatchSize-1].ID}, cat.pages)
	assert.Equal(t, 0, idx.count("BulkIndexMerchants"), "merchants were not requested")
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	w := New(newFakeIndex(0), &fakeCatalog{}, nil, 5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errc := make(chan error, 1)
	go func() {
		errc <- w.withRetry(ctx, "test", func(context.Context) error {
			calls++
			return errors.New("fail")
		})
	}()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("withRetry did not observe cancellation")
	}
	assert.Equal(t, 1, calls)
}

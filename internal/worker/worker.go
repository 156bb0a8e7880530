package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace-search/internal/metrics"
	"marketplace-search/internal/models"
	"marketplace-search/internal/queue"
)

// perMessageTimeout caps how long a single event may take, retries included.
// If Elasticsearch stalls beyond this, the event is given up rather than
// blocking the goroutine indefinitely. Full reindexes get their own budget.
const (
	perMessageTimeout = 30 * time.Second
	reindexTimeout    = 30 * time.Minute
	reindexBatchSize  = 500
)

var (
	// ErrUnknownEvent marks an event name the worker does not handle.
	ErrUnknownEvent = errors.New("worker: unknown event")
	// ErrInvalidEvent marks an event whose payload does not match its name.
	ErrInvalidEvent = errors.New("worker: invalid event payload")
)

// Indexer is the Elasticsearch side of the worker.
type Indexer interface {
	IndexProduct(ctx context.Context, p models.Product) error
	DeleteProduct(ctx context.Context, id string) error
	BulkIndexProducts(ctx context.Context, products []models.Product) error
	IndexMerchant(ctx context.Context, m models.Merchant) error
	DeleteMerchant(ctx context.Context, id string) error
	BulkIndexMerchants(ctx context.Context, merchants []models.Merchant) error
	IndexBrand(ctx context.Context, b models.Brand) error
	DeleteBrand(ctx context.Context, id string) error
	BulkIndexBrands(ctx context.Context, brands []models.Brand) error
}

// Catalog loads entities from Postgres for ID-only and reindex events.
type Catalog interface {
	ProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	MerchantsByIDs(ctx context.Context, ids []string) ([]models.Merchant, error)
	BrandsByIDs(ctx context.Context, ids []string) ([]models.Brand, error)
	ProductsPage(ctx context.Context, after string, limit int) ([]models.Product, error)
	MerchantsPage(ctx context.Context, after string, limit int) ([]models.Merchant, error)
	BrandsPage(ctx context.Context, after string, limit int) ([]models.Brand, error)
}

// Message is the ack surface of a queue delivery.
type Message interface {
	Ack() error
	Nack() error
	Discard() error
}

// Worker consumes index events from RabbitMQ and applies them to Elasticsearch.
type Worker struct {
	index      Indexer
	catalog    Catalog
	consumer   *queue.Consumer
	maxRetries int
	retryDelay time.Duration
}

// New constructs a Worker. All dependencies are injected, no globals.
// maxRetries is the number of retries after the first attempt.
func New(index Indexer, catalog Catalog, c *queue.Consumer, maxRetries int, retryDelay time.Duration) *Worker {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Worker{index: index, catalog: catalog, consumer: c, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Run starts consuming messages and blocks until ctx is cancelled.
// On cancellation it finishes the in-flight message before returning,
// so the caller's deferred Close() calls happen after the loop is clean.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.consumer.Consume()
	if err != nil {
		return err
	}

	slog.Info("worker started", "component", "worker")

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down", "component", "worker")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				slog.Warn("delivery channel closed", "component", "worker")
				return nil
			}
			w.process(ctx, delivery.Event, &delivery)
		}
	}
}

// process applies one event and settles the message:
//   - success: Ack
//   - unknown or malformed event: Discard, it will never succeed
//   - shutdown mid-event: Nack so another worker picks it up
//   - retries exhausted: Discard and count it as failed
func (w *Worker) process(ctx context.Context, ev models.IndexEvent, m Message) {
	timeout := perMessageTimeout
	if ev.Name == models.EventReindexAll {
		timeout = reindexTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := slog.With("component", "worker", "event", ev.Name, "event_id", ev.ID)

	err := w.handle(ctx, ev)
	switch {
	case err == nil:
		if err := m.Ack(); err != nil {
			log.Error("ack failed", "error", err)
			return
		}
		metrics.IndexEvents.WithLabelValues(ev.Name, "ok").Inc()
		log.Info("event processed")

	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrInvalidEvent):
		log.Warn("discarding event", "error", err)
		metrics.IndexEvents.WithLabelValues(ev.Name, "discarded").Inc()
		m.Discard()

	case errors.Is(err, context.Canceled):
		log.Warn("event interrupted, requeueing", "error", err)
		m.Nack()

	default:
		log.Error("event failed after retries", "error", err)
		metrics.IndexEvents.WithLabelValues(ev.Name, "failed").Inc()
		m.Discard()
	}
}

// handle dispatches an event to the matching index operation.
func (w *Worker) handle(ctx context.Context, ev models.IndexEvent) error {
	switch ev.Name {
	case models.EventProductCreated, models.EventProductUpdated:
		if len(ev.Products) == 0 {
			return fmt.Errorf("%w: %s without product", ErrInvalidEvent, ev.Name)
		}
		p := ev.Products[0]
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.IndexProduct(ctx, p) })

	case models.EventProductDeleted:
		id, err := singleID(ev)
		if err != nil {
			return err
		}
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.DeleteProduct(ctx, id) })

	case models.EventProductsBulkCreated, models.EventProductsBulkUpdated:
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.BulkIndexProducts(ctx, ev.Products) })

	case models.EventProductsBulkIndex:
		products, err := w.catalog.ProductsByIDs(ctx, ev.IDs)
		if err != nil {
			return fmt.Errorf("worker: load products: %w", err)
		}
		if len(products) == 0 {
			slog.Warn("no products found for bulk index", "component", "worker", "ids", len(ev.IDs))
			return nil
		}
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.BulkIndexProducts(ctx, products) })

	case models.EventMerchantCreated, models.EventMerchantUpdated:
		if len(ev.Merchants) == 0 {
			return fmt.Errorf("%w: %s without merchant", ErrInvalidEvent, ev.Name)
		}
		m := ev.Merchants[0]
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.IndexMerchant(ctx, m) })

	case models.EventMerchantDeleted:
		id, err := singleID(ev)
		if err != nil {
			return err
		}
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.DeleteMerchant(ctx, id) })

	case models.EventMerchantsBulkCreated:
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.BulkIndexMerchants(ctx, ev.Merchants) })

	case models.EventMerchantsBulkIndex:
		merchants, err := w.catalog.MerchantsByIDs(ctx, ev.IDs)
		if err != nil {
			return fmt.Errorf("worker: load merchants: %w", err)
		}
		if len(merchants) == 0 {
			slog.Warn("no merchants found for bulk index", "component", "worker", "ids", len(ev.IDs))
			return nil
		}
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.BulkIndexMerchants(ctx, merchants) })

	case models.EventBrandCreated, models.EventBrandUpdated:
		if len(ev.Brands) == 0 {
			return fmt.Errorf("%w: %s without brand", ErrInvalidEvent, ev.Name)
		}
		b := ev.Brands[0]
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.IndexBrand(ctx, b) })

	case models.EventBrandDeleted:
		id, err := singleID(ev)
		if err != nil {
			return err
		}
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.DeleteBrand(ctx, id) })

	case models.EventBrandsBulkCreated:
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.BulkIndexBrands(ctx, ev.Brands) })

	case models.EventBrandsBulkIndex:
		brands, err := w.catalog.BrandsByIDs(ctx, ev.IDs)
		if err != nil {
			return fmt.Errorf("worker: load brands: %w", err)
		}
		if len(brands) == 0 {
			slog.Warn("no brands found for bulk index", "component", "worker", "ids", len(ev.IDs))
			return nil
		}
		return w.withRetry(ctx, ev.Name, func(ctx context.Context) error { return w.index.BulkIndexBrands(ctx, brands) })

	case models.EventReindexAll:
		return w.reindex(ctx, ev.EntityType)
	}

	return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
}

func singleID(ev models.IndexEvent) (string, error) {
	if len(ev.IDs) == 0 || ev.IDs[0] == "" {
		return "", fmt.Errorf("%w: %s without id", ErrInvalidEvent, ev.Name)
	}
	return ev.IDs[0], nil
}

// withRetry runs fn up to maxRetries+1 times with a fixed delay between
// attempts. The last error is returned.
func (w *Worker) withRetry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.IndexRetries.WithLabelValues(name).Inc()
			slog.Warn("retrying index operation",
				"component", "worker",
				"event", name,
				"attempt", attempt,
				"max_retries", w.maxRetries,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

// reindex pages every entity of the given type out of Postgres into
// Elasticsearch. entityType is "products", "merchants", "brands" or "all"
// (empty means all).
func (w *Worker) reindex(ctx context.Context, entityType string) error {
	var kinds []string
	switch entityType {
	case "", "all":
		kinds = []string{"products", "merchants", "brands"}
	case "products", "merchants", "brands":
		kinds = []string{entityType}
	default:
		return fmt.Errorf("%w: reindex of %q", ErrInvalidEvent, entityType)
	}

	for _, kind := range kinds {
		var (
			n   int
			err error
		)
		switch kind {
		case "products":
			n, err = reindexPages(ctx, w, kind, w.catalog.ProductsPage, w.index.BulkIndexProducts, func(p models.Product) string { return p.ID })
		case "merchants":
			n, err = reindexPages(ctx, w, kind, w.catalog.MerchantsPage, w.index.BulkIndexMerchants, func(m models.Merchant) string { return m.ID })
		case "brands":
			n, err = reindexPages(ctx, w, kind, w.catalog.BrandsPage, w.index.BulkIndexBrands, func(b models.Brand) string { return b.ID })
		}
		if err != nil {
			return err
		}
		slog.Info("reindex complete", "component", "worker", "entity", kind, "documents", n)
	}
	return nil
}

func reindexPages[T any](
	ctx context.Context,
	w *Worker,
	kind string,
	page func(ctx context.Context, after string, limit int) ([]T, error),
	bulk func(ctx context.Context, items []T) error,
	id func(T) string,
) (int, error) {
	total := 0
	after := ""
	for {
		items, err := page(ctx, after, reindexBatchSize)
		if err != nil {
			return total, fmt.Errorf("worker: load %s page: %w", kind, err)
		}
		if len(items) == 0 {
			return total, nil
		}
		if err := w.withRetry(ctx, models.EventReindexAll, func(ctx context.Context) error { return bulk(ctx, items) }); err != nil {
			return total, err
		}
		total += len(items)
		if len(items) < reindexBatchSize {
			return total, nil
		}
		after = id(items[len(items)-1])
	}
}

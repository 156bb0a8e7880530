package database

import (
	"context"
	"database/sql"
	"log/slog"

	"marketplace-search/internal/models"

	"github.com/lib/pq"
)

// Catalog reads feed the search-index worker: *_bulk_index events carry only
// IDs, and a full reindex walks each table in ID order.

const productColumns = `id, title, description, price, sale_price, currency, categories, tags, core_values,
	brand_name, COALESCE(merchant_id::text, ''), images, rating, review_count, popularity, is_active, created_at, updated_at`

func scanProduct(row rowScanner) (models.Product, error) {
	var (
		p    models.Product
		sale sql.NullFloat64
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &sale, &p.Currency,
		pq.Array(&p.Categories), pq.Array(&p.Tags), pq.Array(&p.Values),
		&p.BrandName, &p.MerchantID, pq.Array(&p.Images), &p.Rating, &p.ReviewCount, &p.Popularity,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Product{}, err
	}
	if sale.Valid {
		v := sale.Float64
		p.SalePrice = &v
	}
	return p, nil
}

const merchantColumns = `id, name, description, categories, core_values, location, rating, popularity, is_active, created_at, updated_at`

func scanMerchant(row rowScanner) (models.Merchant, error) {
	var m models.Merchant
	err := row.Scan(&m.ID, &m.Name, &m.Description, pq.Array(&m.Categories), pq.Array(&m.Values),
		&m.Location, &m.Rating, &m.Popularity, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

const brandColumns = `id, name, description, categories, core_values, popularity, is_active, created_at, updated_at`

func scanBrand(row rowScanner) (models.Brand, error) {
	var b models.Brand
	err := row.Scan(&b.ID, &b.Name, &b.Description, pq.Array(&b.Categories), pq.Array(&b.Values),
		&b.Popularity, &b.IsActive, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// collect runs a query and scans every row with scan. Rows that fail to scan
// are logged and skipped, matching the other list reads.
func collect[T any](ctx context.Context, db *DB, op string, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe(op)
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			slog.Error("scan failed", "op", op, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (db *DB) ProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	return collect(ctx, db, "products_by_ids", scanProduct,
		`SELECT `+productColumns+` FROM products WHERE id::text = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (db *DB) MerchantsByIDs(ctx context.Context, ids []string) ([]models.Merchant, error) {
	return collect(ctx, db, "merchants_by_ids", scanMerchant,
		`SELECT `+merchantColumns+` FROM merchants WHERE id::text = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (db *DB) BrandsByIDs(ctx context.Context, ids []string) ([]models.Brand, error) {
	return collect(ctx, db, "brands_by_ids", scanBrand,
		`SELECT `+brandColumns+` FROM brands WHERE id::text = ANY($1) ORDER BY id`, pq.Array(ids))
}

// ProductsPage returns up to limit products with id > after in ID order.
// Pass "" to start from the beginning.
func (db *DB) ProductsPage(ctx context.Context, after string, limit int) ([]models.Product, error) {
	return collect(ctx, db, "products_page", scanProduct,
		`SELECT `+productColumns+` FROM products WHERE id::text > $1 ORDER BY id::text LIMIT $2`, after, limit)
}

func (db *DB) MerchantsPage(ctx context.Context, after string, limit int) ([]models.Merchant, error) {
	return collect(ctx, db, "merchants_page", scanMerchant,
		`SELECT `+merchantColumns+` FROM merchants WHERE id::text > $1 ORDER BY id::text LIMIT $2`, after, limit)
}

func (db *DB) BrandsPage(ctx context.Context, after string, limit int) ([]models.Brand, error) {
	return collect(ctx, db, "brands_page", scanBrand,
		`SELECT `+brandColumns+` FROM brands WHERE id::text > $1 ORDER BY id::text LIMIT $2`, after, limit)
}

package models

import "time"

// Index event names published by the catalog and consumed by the worker.
const (
	EventProductCreated      = "product.created"
	EventProductUpdated      = "product.updated"
	EventProductDeleted      = "product.deleted"
	EventProductsBulkCreated = "products.bulk_created"
	EventProductsBulkUpdated = "products.bulk_updated"
	EventProductsBulkIndex   = "products.bulk_index"

	EventMerchantCreated      = "merchant.created"
	EventMerchantUpdated      = "merchant.updated"
	EventMerchantDeleted      = "merchant.deleted"
	EventMerchantsBulkCreated = "merchants.bulk_created"
	EventMerchantsBulkIndex   = "merchants.bulk_index"

	EventBrandCreated      = "brand.created"
	EventBrandUpdated      = "brand.updated"
	EventBrandDeleted      = "brand.deleted"
	EventBrandsBulkCreated = "brands.bulk_created"
	EventBrandsBulkIndex   = "brands.bulk_index"

	EventReindexAll = "search.reindex_all"
)

// IndexEvent carries a catalog change to the search-index worker.
// Which payload field is set depends on Name: single-entity events use
// the first element of the slice, *.deleted and *.bulk_index use IDs,
// search.reindex_all uses EntityType ("products", "merchants", "brands" or "all").
type IndexEvent struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Products   []Product  `json:"products,omitempty"`
	Merchants  []Merchant `json:"merchants,omitempty"`
	Brands     []Brand    `json:"brands,omitempty"`
	IDs        []string   `json:"ids,omitempty"`
	EntityType string     `json:"entityType,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

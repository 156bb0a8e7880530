package models

import "time"

// Product is the search projection of a catalog product. Postgres remains
// the source of truth; this is the shape indexed into Elasticsearch.
type Product struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	SalePrice   *float64  `json:"salePrice,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Values      []string  `json:"values,omitempty"`
	BrandName   string    `json:"brandName,omitempty"`
	MerchantID  string    `json:"merchantId,omitempty"`
	Images      []string  `json:"images,omitempty"`
	Rating      float64   `json:"rating"`
	ReviewCount int       `json:"reviewCount"`
	Popularity  float64   `json:"popularity"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// DiscoverySource is set only on discovery feed items.
	DiscoverySource string `json:"discoverySource,omitempty"`
}

type Merchant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Values      []string  `json:"values,omitempty"`
	Location    string    `json:"location,omitempty"`
	Rating      float64   `json:"rating"`
	Popularity  float64   `json:"popularity"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Brand struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Values      []string  `json:"values,omitempty"`
	Popularity  float64   `json:"popularity"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProductPage is one page of product search results.
type ProductPage struct {
	Items []Product `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}

package models

import "time"

type BehaviorType string

const (
	BehaviorView      BehaviorType = "view"
	BehaviorSearch    BehaviorType = "search"
	BehaviorFavorite  BehaviorType = "favorite"
	BehaviorPurchase  BehaviorType = "purchase"
	BehaviorAddToCart BehaviorType = "add_to_cart"
)

// Valid reports whether b is a known behavior type.
func (b BehaviorType) Valid() bool {
	switch b {
	case BehaviorView, BehaviorSearch, BehaviorFavorite, BehaviorPurchase, BehaviorAddToCart:
		return true
	}
	return false
}

// Entity types a behavior can refer to.
const (
	EntityProduct  = "product"
	EntityCategory = "category"
	EntityBrand    = "brand"
	EntityMerchant = "merchant"
	EntitySearch   = "search"
)

// UserBehavior is one aggregated (user, entity, type) interaction counter.
// For searches EntityID is the query and Metadata holds the query text; for
// views Metadata is a JSON object with name/title/categories.
type UserBehavior struct {
	ID                string       `json:"id"`
	UserID            string       `json:"userId"`
	EntityID          string       `json:"entityId"`
	EntityType        string       `json:"entityType"`
	Type              BehaviorType `json:"type"`
	Count             int          `json:"count"`
	Metadata          string       `json:"metadata,omitempty"`
	LastInteractionAt time.Time    `json:"lastInteractionAt"`
}

type UserPreferences struct {
	UserID             string   `json:"userId"`
	FavoriteCategories []string `json:"favoriteCategories"`
	FavoriteBrands     []string `json:"favoriteBrands"`
	FavoriteValues     []string `json:"favoriteValues"`
	PriceSensitivity   string   `json:"priceSensitivity"`
	PreferSustainable  bool     `json:"preferSustainable"`
	PreferEthical      bool     `json:"preferEthical"`
	PreferLocalBrands  bool     `json:"preferLocalBrands"`
	PreferredSizes     []string `json:"preferredSizes"`
	PreferredColors    []string `json:"preferredColors"`
	PreferredMaterials []string `json:"preferredMaterials"`

	// Learned interest weights; decayed over time.
	CategoryWeights map[string]float64 `json:"categoryWeights"`
	BrandWeights    map[string]float64 `json:"brandWeights"`
	ValueWeights    map[string]float64 `json:"valueWeights"`

	LastDecayAt *time.Time `json:"lastDecayAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

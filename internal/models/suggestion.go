package models

// Suggestion types. Prefix suggestions carry the entity type of the index
// they came from (product, merchant, brand) or the stored type of the
// suggestion document.
const (
	SuggestionProduct      = "product"
	SuggestionCategory     = "category"
	SuggestionBrand        = "brand"
	SuggestionValue        = "value"
	SuggestionTrending     = "trending"
	SuggestionPersonalized = "personalized"
	SuggestionSearch       = "search"
)

// Suggestion is a single ranked search suggestion.
type Suggestion struct {
	Text           string  `json:"text"`
	Type           string  `json:"type"`
	Prefix         string  `json:"prefix,omitempty"`
	Category       string  `json:"category,omitempty"`
	Score          float64 `json:"score"`
	Highlighted    string  `json:"highlighted,omitempty"`
	IsPopular      bool    `json:"isPopular"`
	IsPersonalized bool    `json:"isPersonalized"`
}

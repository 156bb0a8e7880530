package suggest

import (
	"encoding/json"
	"fmt"
)

// Weights tune how autocomplete sources are scored against each other.
// The JSON names match the keys experiment variants use in their
// configuration, so a variant can override any subset.
type Weights struct {
	ProductWeight      float64 `json:"productWeight"`
	CategoryWeight     float64 `json:"categoryWeight"`
	BrandWeight        float64 `json:"brandWeight"`
	ValueWeight        float64 `json:"valueWeight"`
	TrendingWeight     float64 `json:"trendingWeight"`
	PersonalizedWeight float64 `json:"personalizedWeight"`
	FuzzyMatching      bool    `json:"fuzzyMatching"`
	MaxFuzzyDistance   int     `json:"maxFuzzyDistance"`
	HighlightMatches   bool    `json:"highlightMatches"`
}

func DefaultWeights() Weights {
	return Weights{
		ProductWeight:      1.0,
		CategoryWeight:     0.8,
		BrandWeight:        0.7,
		ValueWeight:        0.9,
		TrendingWeight:     0.8,
		PersonalizedWeight: 1.2,
		FuzzyMatching:      true,
		MaxFuzzyDistance:   2,
		HighlightMatches:   true,
	}
}

// Merge overlays a variant configuration onto w. Keys absent from the
// configuration keep their current value; unknown keys are ignored.
func (w Weights) Merge(configuration json.RawMessage) (Weights, error) {
	if len(configuration) == 0 {
		return w, nil
	}
	merged := w
	if err := json.Unmarshal(configuration, &merged); err != nil {
		return w, fmt.Errorf("suggest: merge weights: %w", err)
	}
	return merged, nil
}

// Fuzziness returns the Elasticsearch fuzziness setting for these weights.
func (w Weights) Fuzziness() string {
	if !w.FuzzyMatching {
		return "0"
	}
	return "AUTO"
}

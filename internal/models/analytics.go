package models

import "time"

// SearchEvent is one row of search analytics.
type SearchEvent struct {
	ID              string         `json:"id"`
	Query           string         `json:"query"`
	ResultCount     int            `json:"resultCount"`
	IsNLPEnhanced   bool           `json:"isNlpEnhanced"`
	IsPersonalized  bool           `json:"isPersonalized"`
	FilterCount     int            `json:"filterCount"`
	UserID          string         `json:"userId,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	UserAgent       string         `json:"userAgent,omitempty"`
	ExperimentID    string         `json:"experimentId,omitempty"`
	ClickCount      int            `json:"clickCount"`
	ConversionCount int            `json:"conversionCount"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// RateSummary aggregates searches, clicks and conversions over a window.
type RateSummary struct {
	Searches       int     `json:"searches"`
	Clicks         int     `json:"clicks"`
	Conversions    int     `json:"conversions"`
	ClickThrough   float64 `json:"clickThroughRate"`
	ConversionRate float64 `json:"conversionRate"`
}

// NewRateSummary derives the rates; a window without searches has zero rates.
func NewRateSummary(searches, clicks, conversions int) RateSummary {
	s := RateSummary{Searches: searches, Clicks: clicks, Conversions: conversions}
	if searches > 0 {
		s.ClickThrough = float64(clicks) / float64(searches)
		s.ConversionRate = float64(conversions) / float64(searches)
	}
	return s
}

type TimeBucket struct {
	Period      string `json:"period"`
	Searches    int    `json:"searches"`
	Clicks      int    `json:"clicks"`
	Conversions int    `json:"conversions"`
}

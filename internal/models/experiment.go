package models

import (
	"encoding/json"
	"time"
)

type ExperimentType string

const (
	ExperimentSearchAlgorithm ExperimentType = "search_algorithm"
	ExperimentRecommendation  ExperimentType = "recommendation"
	ExperimentUI              ExperimentType = "ui"
)

type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

type Experiment struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Type   ExperimentType   `json:"type"`
	Status ExperimentStatus `json:"status"`
	// AudiencePercentage in [0,100]; nil means everybody is enrolled.
	AudiencePercentage *float64  `json:"audiencePercentage,omitempty"`
	Variants           []Variant `json:"variants"`
	CreatedAt          time.Time `json:"createdAt"`
}

type Variant struct {
	ID            string          `json:"id"`
	ExperimentID  string          `json:"experimentId"`
	Name          string          `json:"name"`
	IsControl     bool            `json:"isControl"`
	Weight        int             `json:"weight"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

type Assignment struct {
	ID            string    `json:"id"`
	ExperimentID  string    `json:"experimentId"`
	VariantID     string    `json:"variantId"`
	UserID        string    `json:"userId,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	HasImpression bool      `json:"hasImpression"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ResultType string

const (
	ResultImpression  ResultType = "impression"
	ResultInteraction ResultType = "interaction"
	ResultClick       ResultType = "click"
	ResultConversion  ResultType = "conversion"
)

type ExperimentResult struct {
	ID         string          `json:"id"`
	VariantID  string          `json:"variantId"`
	UserID     string          `json:"userId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	ResultType ResultType      `json:"resultType"`
	Name       string          `json:"name,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// VariantConfig is what a caller gets back for one running experiment.
type VariantConfig struct {
	ExperimentID  string          `json:"experimentId"`
	VariantID     string          `json:"variantId"`
	IsControl     bool            `json:"isControl"`
	AssignmentID  string          `json:"assignmentId"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// VariantMetrics are per-variant totals used to pick an A/B winner.
type VariantMetrics struct {
	VariantID      string  `json:"variantId"`
	VariantName    string  `json:"variantName"`
	Impressions    int     `json:"impressions"`
	Clicks         int     `json:"clicks"`
	Conversions    int     `json:"conversions"`
	ClickThrough   float64 `json:"clickThroughRate"`
	ConversionRate float64 `json:"conversionRate"`
}

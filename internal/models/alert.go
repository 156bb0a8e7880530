package models

import "time"

type AlertType string

const (
	AlertPersonalizationDrop AlertType = "personalization_drop"
	AlertUnusualPattern      AlertType = "unusual_pattern"
	AlertABTestResult        AlertType = "ab_test_result"
)

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertActive, AlertAcknowledged, AlertResolved, AlertDismissed:
		return true
	}
	return false
}

type Alert struct {
	ID          string        `json:"id"`
	Type        AlertType     `json:"type"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Severity    AlertSeverity `json:"severity"`
	Status      AlertStatus   `json:"status"`
	Metrics     []AlertMetric `json:"metrics"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type AlertMetric struct {
	Name             string  `json:"name"`
	Value            float64 `json:"value"`
	PreviousValue    float64 `json:"previousValue"`
	ChangePercentage float64 `json:"changePercentage"`
	Threshold        float64 `json:"threshold"`
}

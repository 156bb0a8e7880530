package analytics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"marketplace-search/internal/config"
	"marketplace-search/internal/metrics"
	"marketplace-search/internal/models"

	"github.com/google/uuid"
)

var ErrInvalidStatus = errors.New("analytics: invalid alert status")

type AlertStore interface {
	InsertAlert(ctx context.Context, a models.Alert) error
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error
}

// Experiments is the part of *experiment.Service the A/B check reads.
type Experiments interface {
	Running(ctx context.Context, typ models.ExperimentType) ([]models.Experiment, error)
	VariantMetrics(ctx context.Context, experimentID string) ([]models.VariantMetrics, error)
}

// Alerter compares recent search metrics against a trailing baseline and
// raises an alert when a drop or an A/B lead crosses its threshold. An
// alert whose title matches one that is still active is not raised again.
type Alerter struct {
	rates       Store
	alerts      AlertStore
	experiments Experiments
	thresholds  config.AlertThresholds
	now         func() time.Time
}

func NewAlerter(rates Store, alerts AlertStore, exps Experiments, th config.AlertThresholds) *Alerter {
	return &Alerter{rates: rates, alerts: alerts, experiments: exps, thresholds: th, now: time.Now}
}

const activeAlertScan = 200

// CheckPersonalizationDrops compares the last day against the daily average
// of the seven days before it: personalized click-through and conversion
// rates, and overall search volume.
func (a *Alerter) CheckPersonalizationDrops(ctx context.Context) ([]models.Alert, error) {
	now := a.now()
	dayAgo := now.Add(-24 * time.Hour)
	weekBefore := dayAgo.AddDate(0, 0, -7)
	yes := true

	cur, err := a.rates.RateTotals(ctx, dayAgo, now, &yes)
	if err != nil {
		return nil, fmt.Errorf("analytics: current personalized rates: %w", err)
	}
	prev, err := a.rates.RateTotals(ctx, weekBefore, dayAgo, &yes)
	if err != nil {
		return nil, fmt.Errorf("analytics: previous personalized rates: %w", err)
	}
	curAll, err := a.rates.RateTotals(ctx, dayAgo, now, nil)
	if err != nil {
		return nil, fmt.Errorf("analytics: current search volume: %w", err)
	}
	prevAll, err := a.rates.RateTotals(ctx, weekBefore, dayAgo, nil)
	if err != nil {
		return nil, fmt.Errorf("analytics: previous search volume: %w", err)
	}

	var candidates []models.Alert
	if m, ok := drop("click_through_rate", cur.ClickThrough, prev.ClickThrough, a.thresholds.CTRDrop); ok {
		candidates = append(candidates, models.Alert{
			Type:        models.AlertPersonalizationDrop,
			Title:       "Personalized click-through rate dropped",
			Description: fmt.Sprintf("Personalized CTR fell %.1f%% against the previous 7 days.", -m.ChangePercentage),
			Severity:    models.SeverityHigh,
			Metrics:     []models.AlertMetric{m},
		})
	}
	if m, ok := drop("conversion_rate", cur.ConversionRate, prev.ConversionRate, a.thresholds.ConversionDrop); ok {
		candidates = append(candidates, models.Alert{
			Type:        models.AlertPersonalizationDrop,
			Title:       "Personalized conversion rate dropped",
			Description: fmt.Sprintf("Personalized conversion rate fell %.1f%% against the previous 7 days.", -m.ChangePercentage),
			Severity:    models.SeverityHigh,
			Metrics:     []models.AlertMetric{m},
		})
	}
	dailyAvg := float64(prevAll.Searches) / 7
	if m, ok := drop("daily_searches", float64(curAll.Searches), dailyAvg, a.thresholds.SearchVolumeDrop); ok {
		candidates = append(candidates, models.Alert{
			Type:        models.AlertUnusualPattern,
			Title:       "Search volume dropped",
			Description: fmt.Sprintf("Searches in the last day are %.1f%% below the 7-day daily average.", -m.ChangePercentage),
			Severity:    models.SeverityMedium,
			Metrics:     []models.AlertMetric{m},
		})
	}
	return a.raise(ctx, candidates)
}

// drop reports a metric whose change from prev is below -threshold percent.
// Without a baseline there is nothing to compare.
func drop(name string, cur, prev, threshold float64) (models.AlertMetric, bool) {
	if prev <= 0 {
		return models.AlertMetric{}, false
	}
	change := changePercent(cur, prev)
	if change >= -threshold {
		return models.AlertMetric{}, false
	}
	return models.AlertMetric{
		Name:             name,
		Value:            cur,
		PreviousValue:    prev,
		ChangePercentage: change,
		Threshold:        threshold,
	}, true
}

// CheckABTestResults raises an alert for each running experiment where one
// variant leads both click-through and conversion rate by more than the
// improvement threshold.
func (a *Alerter) CheckABTestResults(ctx context.Context) ([]models.Alert, error) {
	exps, err := a.experiments.Running(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("analytics: running experiments: %w", err)
	}

	var candidates []models.Alert
	for _, exp := range exps {
		vm, err := a.experiments.VariantMetrics(ctx, exp.ID)
		if err != nil {
			slog.Error("variant metrics failed", "component", "alerts", "experiment_id", exp.ID, "error", err)
			continue
		}
		if al, ok := abWinner(exp, vm, a.thresholds.ABTestImprovement); ok {
			candidates = append(candidates, al)
		}
	}
	return a.raise(ctx, candidates)
}

func abWinner(exp models.Experiment, vm []models.VariantMetrics, threshold float64) (models.Alert, bool) {
	if len(vm) < 2 {
		return models.Alert{}, false
	}
	byCTR := slices.Clone(vm)
	slices.SortStableFunc(byCTR, func(x, y models.VariantMetrics) int { return cmp.Compare(y.ClickThrough, x.ClickThrough) })
	byConv := slices.Clone(vm)
	slices.SortStableFunc(byConv, func(x, y models.VariantMetrics) int { return cmp.Compare(y.ConversionRate, x.ConversionRate) })

	winner := byCTR[0]
	if byConv[0].VariantID != winner.VariantID {
		return models.Alert{}, false
	}
	ctrRunner, convRunner := byCTR[1], byConv[1]
	if ctrRunner.ClickThrough == 0 || convRunner.ConversionRate == 0 {
		return models.Alert{}, false
	}
	ctrLift := changePercent(winner.ClickThrough, ctrRunner.ClickThrough)
	convLift := changePercent(winner.ConversionRate, convRunner.ConversionRate)
	if ctrLift <= threshold || convLift <= threshold {
		return models.Alert{}, false
	}

	return models.Alert{
		Type:  models.AlertABTestResult,
		Title: fmt.Sprintf("A/B test %q has a clear winner", exp.Name),
		Description: fmt.Sprintf("Variant %q leads click-through by %.1f%% and conversion by %.1f%%.",
			winner.VariantName, ctrLift, convLift),
		Severity: models.SeverityLow,
		Metrics: []models.AlertMetric{
			{Name: "click_through_rate", Value: winner.ClickThrough, PreviousValue: ctrRunner.ClickThrough, ChangePercentage: ctrLift, Threshold: threshold},
			{Name: "conversion_rate", Value: winner.ConversionRate, PreviousValue: convRunner.ConversionRate, ChangePercentage: convLift, Threshold: threshold},
		},
	}, true
}

// raise stores candidates not already open under the same title.
func (a *Alerter) raise(ctx context.Context, candidates []models.Alert) ([]models.Alert, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	open, err := a.alerts.ListAlerts(ctx, models.AlertActive, activeAlertScan)
	if err != nil {
		return nil, fmt.Errorf("analytics: list active alerts: %w", err)
	}
	active := make(map[string]bool, len(open))
	for _, al := range open {
		active[al.Title] = true
	}

	var raised []models.Alert
	for _, c := range candidates {
		if active[c.Title] {
			continue
		}
		al, err := a.CreateAlert(ctx, c)
		if err != nil {
			return raised, err
		}
		raised = append(raised, al)
	}
	return raised, nil
}

// CreateAlert stores al as a new active alert.
func (a *Alerter) CreateAlert(ctx context.Context, al models.Alert) (models.Alert, error) {
	now := a.now()
	al.ID = uuid.NewString()
	al.Status = models.AlertActive
	al.CreatedAt, al.UpdatedAt = now, now
	if al.Metrics == nil {
		al.Metrics = []models.AlertMetric{}
	}
	if err := a.alerts.InsertAlert(ctx, al); err != nil {
		return models.Alert{}, fmt.Errorf("analytics: create alert: %w", err)
	}
	metrics.AlertsRaised.WithLabelValues(string(al.Type)).Inc()
	slog.Warn("alert raised", "component", "alerts", "type", al.Type, "severity", al.Severity, "title", al.Title)
	return al, nil
}

func (a *Alerter) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = 50
	}
	out, err := a.alerts.ListAlerts(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: list alerts: %w", err)
	}
	return out, nil
}

func (a *Alerter) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := a.alerts.UpdateAlertStatus(ctx, id, status); err != nil {
		return fmt.Errorf("analytics: update alert %s: %w", id, err)
	}
	return nil
}

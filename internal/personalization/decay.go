package personalization

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"marketplace-search/internal/config"
	"marketplace-search/internal/models"
)

// DecayStore pages through preferences and writes back decayed weights.
type DecayStore interface {
	PreferencesPage(ctx context.Context, after string, limit int) ([]models.UserPreferences, error)
	SaveWeights(ctx context.Context, userID string, categories, brands, values map[string]float64, decayedAt time.Time) error
}

// minWeight is the smallest learned weight worth keeping after decay.
const minWeight = 0.1

// defaultDecayInterval is assumed for rows that have never been decayed.
const defaultDecayInterval = 24 * time.Hour

// Decayer fades learned interest weights so recent interests outrank old ones.
type Decayer struct {
	store DecayStore
	cfg   config.DecayConfig
	now   func() time.Time
}

func NewDecayer(store DecayStore, cfg config.DecayConfig) *Decayer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Decayer{store: store, cfg: cfg, now: time.Now}
}

// Decay returns p's weights decayed to now. Each family halves once per its
// configured half-life; weights that fall below 0.1 are dropped.
func (d *Decayer) Decay(p models.UserPreferences, now time.Time) models.UserPreferences {
	elapsed := defaultDecayInterval
	if p.LastDecayAt != nil {
		elapsed = now.Sub(*p.LastDecayAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	days := elapsed.Hours() / 24

	p.CategoryWeights = decayWeights(p.CategoryWeights, d.cfg.CategoriesHalfLife, days)
	p.BrandWeights = decayWeights(p.BrandWeights, d.cfg.BrandsHalfLife, days)
	p.ValueWeights = decayWeights(p.ValueWeights, d.cfg.ValuesHalfLife, days)
	p.LastDecayAt = &now
	return p
}

func decayWeights(m map[string]float64, halfLifeDays, days float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	factor := 1.0
	if halfLifeDays > 0 {
		factor = math.Pow(0.5, days/halfLifeDays)
	}
	for k, w := range m {
		if v := w * factor; v >= minWeight {
			out[k] = v
		}
	}
	return out
}

// Run decays every user's weights in batches and returns how many users
// were updated. A failure on one user is logged and skipped.
func (d *Decayer) Run(ctx context.Context) (int, error) {
	if !d.cfg.Enabled {
		slog.Info("preference decay disabled", "component", "personalization")
		return 0, nil
	}

	now := d.now()
	updated, after := 0, ""
	for {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		page, err := d.store.PreferencesPage(ctx, after, d.cfg.BatchSize)
		if err != nil {
			return updated, fmt.Errorf("personalization: preferences page after %q: %w", after, err)
		}
		for _, p := range page {
			dp := d.Decay(p, now)
			if err := d.store.SaveWeights(ctx, p.UserID, dp.CategoryWeights, dp.BrandWeights, dp.ValueWeights, now); err != nil {
				slog.Error("decay save failed", "component", "personalization", "user_id", p.UserID, "error", err)
				continue
			}
			updated++
		}
		if len(page) < d.cfg.BatchSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	slog.Info("preference decay complete", "component", "personalization", "users", updated)
	return updated, nil
}

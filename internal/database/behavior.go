package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"marketplace-search/internal/models"

	"github.com/lib/pq"
)

// UpsertBehavior increments the (user, entity, type) counter, creating it on
// first use, and returns the new count. Metadata is overwritten only when the
// caller supplies some.
func (db *DB) UpsertBehavior(ctx context.Context, b models.UserBehavior) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("upsert_behavior")
	defer timer.ObserveDuration()

	var count int
	err := db.Conn.QueryRowContext(ctx,
		`INSERT INTO user_behaviors (user_id, entity_id, entity_type, behavior_type, count, metadata, last_interaction_at)
		 VALUES ($1, $2, $3, $4, 1, $5, NOW())
		 ON CONFLICT (user_id, entity_id, entity_type, behavior_type) DO UPDATE
		   SET count = user_behaviors.count + 1,
		       metadata = CASE WHEN EXCLUDED.metadata = '' THEN user_behaviors.metadata ELSE EXCLUDED.metadata END,
		       last_interaction_at = NOW()
		 RETURNING count`,
		b.UserID, b.EntityID, b.EntityType, string(b.Type), b.Metadata,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// BehaviorsByType returns a user's behaviors of one type, most recent first.
func (db *DB) BehaviorsByType(ctx context.Context, userID string, typ models.BehaviorType, limit int) ([]models.UserBehavior, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("behaviors_by_type")
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT id, user_id, entity_id, entity_type, behavior_type, count, metadata, last_interaction_at
		 FROM user_behaviors
		 WHERE user_id = $1 AND behavior_type = $2
		 ORDER BY last_interaction_at DESC
		 LIMIT $3`,
		userID, string(typ), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.UserBehavior{}
	for rows.Next() {
		var (
			b  models.UserBehavior
			bt string
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.EntityID, &b.EntityType, &bt, &b.Count, &b.Metadata, &b.LastInteractionAt); err != nil {
			slog.Error("scan failed", "op", "behaviors_by_type", "error", err)
			continue
		}
		b.Type = models.BehaviorType(bt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Preferences
// ---------------------------------------------------------------------------

const preferenceColumns = `user_id, favorite_categories, favorite_brands, favorite_values,
	price_sensitivity, prefer_sustainable, prefer_ethical, prefer_local_brands,
	preferred_sizes, preferred_colors, preferred_materials,
	category_weights, brand_weights, value_weights, last_decay_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreferences(row rowScanner) (models.UserPreferences, error) {
	var (
		p                  models.UserPreferences
		catW, brandW, valW []byte
		lastDecay          sql.NullTime
	)
	err := row.Scan(
		&p.UserID,
		pq.Array(&p.FavoriteCategories), pq.Array(&p.FavoriteBrands), pq.Array(&p.FavoriteValues),
		&p.PriceSensitivity, &p.PreferSustainable, &p.PreferEthical, &p.PreferLocalBrands,
		pq.Array(&p.PreferredSizes), pq.Array(&p.PreferredColors), pq.Array(&p.PreferredMaterials),
		&catW, &brandW, &valW, &lastDecay, &p.UpdatedAt,
	)
	if err != nil {
		return models.UserPreferences{}, err
	}
	if p.CategoryWeights, err = decodeWeights(catW); err != nil {
		return models.UserPreferences{}, err
	}
	if p.BrandWeights, err = decodeWeights(brandW); err != nil {
		return models.UserPreferences{}, err
	}
	if p.ValueWeights, err = decodeWeights(valW); err != nil {
		return models.UserPreferences{}, err
	}
	if lastDecay.Valid {
		t := lastDecay.Time
		p.LastDecayAt = &t
	}
	return p, nil
}

func decodeWeights(raw []byte) (map[string]float64, error) {
	m := map[string]float64{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeWeights(m map[string]float64) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Preferences returns a user's preferences, creating the default row on
// first access.
func (db *DB) Preferences(ctx context.Context, userID string) (models.UserPreferences, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("preferences")
	defer timer.ObserveDuration()

	// The no-op DO UPDATE makes RETURNING yield the existing row too.
	row := db.Conn.QueryRowContext(ctx,
		`INSERT INTO user_preferences (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING `+preferenceColumns,
		userID,
	)
	return scanPreferences(row)
}

// SavePreferences writes the full preference row.
func (db *DB) SavePreferences(ctx context.Context, p models.UserPreferences) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("save_preferences")
	defer timer.ObserveDuration()

	catW, err := encodeWeights(p.CategoryWeights)
	if err != nil {
		return err
	}
	brandW, err := encodeWeights(p.BrandWeights)
	if err != nil {
		return err
	}
	valW, err := encodeWeights(p.ValueWeights)
	if err != nil {
		return err
	}
	var lastDecay sql.NullTime
	if p.LastDecayAt != nil {
		lastDecay = sql.NullTime{Time: *p.LastDecayAt, Valid: true}
	}

	_, err = db.Conn.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, favorite_categories, favorite_brands, favorite_values,
		   price_sensitivity, prefer_sustainable, prefer_ethical, prefer_local_brands,
		   preferred_sizes, preferred_colors, preferred_materials,
		   category_weights, brand_weights, value_weights, last_decay_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   favorite_categories = EXCLUDED.favorite_categories,
		   favorite_brands = EXCLUDED.favorite_brands,
		   favorite_values = EXCLUDED.favorite_values,
		   price_sensitivity = EXCLUDED.price_sensitivity,
		   prefer_sustainable = EXCLUDED.prefer_sustainable,
		   prefer_ethical = EXCLUDED.prefer_ethical,
		   prefer_local_brands = EXCLUDED.prefer_local_brands,
		   preferred_sizes = EXCLUDED.preferred_sizes,
		   preferred_colors = EXCLUDED.preferred_colors,
		   preferred_materials = EXCLUDED.preferred_materials,
		   category_weights = EXCLUDED.category_weights,
		   brand_weights = EXCLUDED.brand_weights,
		   value_weights = EXCLUDED.value_weights,
		   last_decay_at = EXCLUDED.last_decay_at,
		   updated_at = NOW()`,
		p.UserID, pq.Array(nonNil(p.FavoriteCategories)), pq.Array(nonNil(p.FavoriteBrands)), pq.Array(nonNil(p.FavoriteValues)),
		defaultString(p.PriceSensitivity, "medium"), p.PreferSustainable, p.PreferEthical, p.PreferLocalBrands,
		pq.Array(nonNil(p.PreferredSizes)), pq.Array(nonNil(p.PreferredColors)), pq.Array(nonNil(p.PreferredMaterials)),
		catW, brandW, valW, lastDecay,
	)
	return err
}

// AddFavorite appends value to one of the favorite_* arrays unless it is
// already present. kind is "category" or "brand".
func (db *DB) AddFavorite(ctx context.Context, userID, kind, value string) error {
	var column string
	switch kind {
	case models.EntityCategory:
		column = "favorite_categories"
	case models.EntityBrand:
		column = "favorite_brands"
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("add_favorite")
	defer timer.ObserveDuration()

	_, err := db.Conn.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, `+column+`) VALUES ($1, ARRAY[$2::text])
		 ON CONFLICT (user_id) DO UPDATE
		   SET `+column+` = CASE
		         WHEN $2 = ANY(user_preferences.`+column+`) THEN user_preferences.`+column+`
		         ELSE array_append(user_preferences.`+column+`, $2)
		       END,
		       updated_at = NOW()`,
		userID, value,
	)
	return err
}

// PreferencesPage returns up to limit preference rows with user_id > after,
// ordered by user_id. Used by the decay job to walk every user in batches.
func (db *DB) PreferencesPage(ctx context.Context, after string, limit int) ([]models.UserPreferences, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("preferences_page")
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT `+preferenceColumns+`
		 FROM user_preferences
		 WHERE user_id > $1
		 ORDER BY user_id
		 LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.UserPreferences{}
	for rows.Next() {
		p, err := scanPreferences(rows)
		if err != nil {
			slog.Error("scan failed", "op", "preferences_page", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveWeights persists decayed weights and stamps last_decay_at.
func (db *DB) SaveWeights(ctx context.Context, userID string, categories, brands, values map[string]float64, decayedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("save_weights")
	defer timer.ObserveDuration()

	catW, err := encodeWeights(categories)
	if err != nil {
		return err
	}
	brandW, err := encodeWeights(brands)
	if err != nil {
		return err
	}
	valW, err := encodeWeights(values)
	if err != nil {
		return err
	}

	res, err := db.Conn.ExecContext(ctx,
		`UPDATE user_preferences
		 SET category_weights = $2, brand_weights = $3, value_weights = $4, last_decay_at = $5, updated_at = NOW()
		 WHERE user_id = $1`,
		userID, catW, brandW, valW, decayedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-search/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		conn.Close()
	})
	return &DB{Conn: conn}, mock
}

func TestIncrementClicks_UnknownSearch(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE search_analytics SET click_count").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.IncrementClicks(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementConversions(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE search_analytics SET conversion_count").
		WithArgs("s-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, db.IncrementConversions(context.Background(), "s-1"))
}

func TestRateTotals(t *testing.T) {
	db, mock := newMockDB(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	personalized := true

	mock.ExpectQuery("FROM search_analytics").
		WithArgs(from, to, true).
		WillReturnRows(sqlmock.NewRows([]string{"count", "clicks", "conversions"}).AddRow(10, 3, 1))

	got, err := db.RateTotals(context.Background(), from, to, &personalized)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Searches)
	assert.InDelta(t, 0.3, got.ClickThrough, 1e-9)
	assert.InDelta(t, 0.1, got.ConversionRate, 1e-9)
}

func TestTimeSeries_RejectsUnknownInterval(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := db.TimeSeries(context.Background(), time.Now().Add(-time.Hour), time.Now(), "hour")
	assert.Error(t, err)
}

func TestPopularQueries(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM search_query_stats_mv").
		WithArgs(7, 20).
		WillReturnRows(sqlmock.NewRows([]string{"query", "n"}).
			AddRow("organic cotton", 12).
			AddRow("bamboo", 4))

	got, err := db.PopularQueries(context.Background(), 7, 20)
	require.NoError(t, err)
	assert.Equal(t, []models.QueryCount{{Query: "organic cotton", Count: 12}, {Query: "bamboo", Count: 4}}, got)
}

func TestUpsertBehavior_ReturnsCount(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO user_behaviors").
		WithArgs("u-1", "clothing", models.EntityCategory, "view", "").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	n, err := db.UpsertBehavior(context.Background(), models.UserBehavior{
		UserID: "u-1", EntityID: "clothing", EntityType: models.EntityCategory, Type: models.BehaviorView,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPreferences_DecodesArraysAndWeights(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	cols := []string{"user_id", "favorite_categories", "favorite_brands", "favorite_values",
		"price_sensitivity", "prefer_sustainable", "prefer_ethical", "prefer_local_brands",
		"preferred_sizes", "preferred_colors", "preferred_materials",
		"category_weights", "brand_weights", "value_weights", "last_decay_at", "updated_at"}
	mock.ExpectQuery("INSERT INTO user_preferences").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"u-1", "{clothing,home}", "{}", "{vegan}",
			"low", true, false, true,
			"{}", "{}", "{}",
			[]byte(`{"clothing":2.5}`), []byte(`{}`), nil, nil, now,
		))

	p, err := db.Preferences(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"clothing", "home"}, p.FavoriteCategories)
	assert.Equal(t, []string{"vegan"}, p.FavoriteValues)
	assert.True(t, p.PreferSustainable)
	assert.Equal(t, map[string]float64{"clothing": 2.5}, p.CategoryWeights)
	assert.Empty(t, p.ValueWeights)
	assert.NotNil(t, p.ValueWeights)
	assert.Nil(t, p.LastDecayAt)
}

func TestAddFavorite_IgnoresUnknownKind(t *testing.T) {
	db, _ := newMockDB(t)
	assert.NoError(t, db.AddFavorite(context.Background(), "u-1", models.EntityProduct, "p-1"))
}

func TestRunningExperiments_GroupsVariants(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	cols := []string{"id", "name", "type", "status", "audience_percentage", "created_at",
		"vid", "vname", "is_control", "weight", "configuration"}
	mock.ExpectQuery("FROM experiments e").
		WithArgs("search_algorithm").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e-1", "weights", "search_algorithm", "running", nil, now, "v-1", "control", true, 50, []byte(`{}`)).
			AddRow("e-1", "weights", "search_algorithm", "running", nil, now, "v-2", "brand-heavy", false, 50, []byte(`{"brandWeight":1.5}`)).
			AddRow("e-2", "fuzzy", "search_algorithm", "running", 25.0, now, "v-3", "control", true, 1, []byte(`{}`)))

	got, err := db.RunningExperiments(context.Background(), models.ExperimentSearchAlgorithm)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Len(t, got[0].Variants, 2)
	assert.Nil(t, got[0].AudiencePercentage)
	assert.JSONEq(t, `{"brandWeight":1.5}`, string(got[0].Variants[1].Configuration))
	assert.Equal(t, "e-1", got[0].Variants[1].ExperimentID)

	require.NotNil(t, got[1].AudiencePercentage)
	assert.Equal(t, 25.0, *got[1].AudiencePercentage)
}

func TestCreateAssignment_LosesRace(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	cols := []string{"id", "experiment_id", "variant_id", "user_id", "session_id", "has_impression", "created_at"}

	mock.ExpectQuery("INSERT INTO experiment_assignments").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("FROM experiment_assignments WHERE experiment_id").
		WithArgs("e-1", "u-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a-winner", "e-1", "v-2", "u-1", "", false, now))

	got, err := db.CreateAssignment(context.Background(), models.Assignment{
		ID: "a-loser", ExperimentID: "e-1", VariantID: "v-1", UserID: "u-1", SessionID: "s-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "a-winner", got.ID)
	assert.Equal(t, "v-2", got.VariantID)
}

func TestAssignmentByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM experiment_assignments WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := db.AssignmentByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkImpression_OnlyOnce(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE experiment_assignments SET has_impression").
		WithArgs("a-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE experiment_assignments SET has_impression").
		WithArgs("a-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := db.MarkImpression(context.Background(), "a-1")
	require.NoError(t, err)
	second, err := db.MarkImpression(context.Background(), "a-1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestInsertAlert_CommitsAlertWithMetrics(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO alert_metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO alert_metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.InsertAlert(context.Background(), models.Alert{
		ID: "al-1", Type: models.AlertPersonalizationDrop, Severity: models.SeverityHigh, Status: models.AlertActive,
		Metrics:   []models.AlertMetric{{Name: "ctr"}, {Name: "conversion_rate"}},
		CreatedAt: time.Now(),
	})
	assert.NoError(t, err)
}

func TestInsertAlert_RollsBackOnMetricFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO alert_metrics").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := db.InsertAlert(context.Background(), models.Alert{
		ID: "al-1", Type: models.AlertPersonalizationDrop, Severity: models.SeverityHigh, Status: models.AlertActive,
		Metrics: []models.AlertMetric{{Name: "ctr"}},
	})
	assert.EqualError(t, err, "boom")
}

func TestListAlerts_AttachesMetrics(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	cols := []string{"id", "type", "title", "description", "severity", "status", "created_at", "updated_at",
		"name", "value", "previous_value", "change_percentage", "threshold"}
	mock.ExpectQuery("FROM alerts").
		WithArgs("active", 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("al-1", "personalization_drop", "CTR drop", "", "high", "active", now, now, "ctr", 0.1, 0.2, -50.0, 10.0).
			AddRow("al-1", "personalization_drop", "CTR drop", "", "high", "active", now, now, "conversion_rate", 0.05, 0.05, 0.0, 15.0).
			AddRow("al-2", "ab_test_result", "Winner", "", "medium", "active", now, now, nil, nil, nil, nil, nil))

	got, err := db.ListAlerts(context.Background(), models.AlertActive, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Len(t, got[0].Metrics, 2)
	assert.Equal(t, -50.0, got[0].Metrics[0].ChangePercentage)
	assert.Equal(t, models.SeverityHigh, got[0].Severity)
	assert.Empty(t, got[1].Metrics)
}

func TestUpdateAlertStatus_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("UPDATE alerts SET status").
		WithArgs("al-x", "resolved").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.UpdateAlertStatus(context.Background(), "al-x", models.AlertResolved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProductsPage(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	cols := []string{"id", "title", "description", "price", "sale_price", "currency", "categories", "tags", "core_values",
		"brand_name", "merchant_id", "images", "rating", "review_count", "popularity", "is_active", "created_at", "updated_at"}
	mock.ExpectQuery("FROM products WHERE id::text >").
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p-1", "Hemp Tote", "", 25.0, 19.5, "USD", "{bags}", "{}", "{vegan}", "Terra", "m-1", "{}", 4.5, 10, 3.0, true, now, now).
			AddRow("p-2", "Soap", "", 5.0, nil, "USD", "{}", "{}", "{}", "", "", "{}", 0.0, 0, 0.0, true, now, now))

	got, err := db.ProductsPage(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NotNil(t, got[0].SalePrice)
	assert.Equal(t, 19.5, *got[0].SalePrice)
	assert.Equal(t, []string{"bags"}, got[0].Categories)
	assert.Nil(t, got[1].SalePrice)
}

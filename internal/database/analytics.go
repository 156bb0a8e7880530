package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"marketplace-search/internal/models"
)

// InsertSearchEvent records one search. The ID and timestamp are assigned
// by the caller so the event can be referenced by later clicks/conversions.
func (db *DB) InsertSearchEvent(ctx context.Context, ev models.SearchEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("insert_search_event")
	defer timer.ObserveDuration()

	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	if ev.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = db.Conn.ExecContext(ctx,
		`INSERT INTO search_analytics
		   (id, query, result_count, is_nlp_enhanced, is_personalized, filter_count,
		    user_id, session_id, user_agent, experiment_id, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Query, ev.ResultCount, ev.IsNLPEnhanced, ev.IsPersonalized, ev.FilterCount,
		nullString(ev.UserID), nullString(ev.SessionID), nullString(ev.UserAgent), nullString(ev.ExperimentID),
		meta, ev.Timestamp,
	)
	return err
}

// IncrementClicks bumps click_count on a search. Returns ErrNotFound for an
// unknown search ID.
func (db *DB) IncrementClicks(ctx context.Context, searchID string) error {
	return db.increment(ctx, "increment_clicks", "click_count", searchID)
}

// IncrementConversions bumps conversion_count on a search.
func (db *DB) IncrementConversions(ctx context.Context, searchID string) error {
	return db.increment(ctx, "increment_conversions", "conversion_count", searchID)
}

func (db *DB) increment(ctx context.Context, op, column, searchID string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe(op)
	defer timer.ObserveDuration()

	// column is one of two constants above, never user input.
	res, err := db.Conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE search_analytics SET %[1]s = %[1]s + 1 WHERE id = $1", column),
		searchID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TopQueries returns the most frequent queries since `since`.
func (db *DB) TopQueries(ctx context.Context, since time.Time, limit int) ([]models.QueryCount, error) {
	return db.queryCounts(ctx, "top_queries",
		`SELECT lower(trim(query)) AS q, COUNT(*) AS n
		 FROM search_analytics
		 WHERE timestamp >= $1 AND trim(query) <> ''
		 GROUP BY q
		 ORDER BY n DESC, q
		 LIMIT $2`,
		since, limit,
	)
}

// ZeroResultQueries returns the most frequent queries that found nothing.
func (db *DB) ZeroResultQueries(ctx context.Context, since time.Time, limit int) ([]models.QueryCount, error) {
	return db.queryCounts(ctx, "zero_result_queries",
		`SELECT lower(trim(query)) AS q, COUNT(*) AS n
		 FROM search_analytics
		 WHERE timestamp >= $1 AND result_count = 0 AND trim(query) <> ''
		 GROUP BY q
		 ORDER BY n DESC, q
		 LIMIT $2`,
		since, limit,
	)
}

// PopularQueries reads the precomputed daily stats for the last `days` days.
func (db *DB) PopularQueries(ctx context.Context, days, limit int) ([]models.QueryCount, error) {
	return db.queryCounts(ctx, "popular_queries",
		`SELECT query, SUM(searches)::int AS n
		 FROM search_query_stats_mv
		 WHERE day >= current_date - $1::int
		 GROUP BY query
		 ORDER BY n DESC, query
		 LIMIT $2`,
		days, limit,
	)
}

func (db *DB) queryCounts(ctx context.Context, op, query string, args ...any) ([]models.QueryCount, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe(op)
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.QueryCount{}
	for rows.Next() {
		var qc models.QueryCount
		if err := rows.Scan(&qc.Query, &qc.Count); err != nil {
			slog.Error("scan failed", "op", op, "error", err)
			continue
		}
		out = append(out, qc)
	}
	return out, rows.Err()
}

// RateTotals sums searches, clicks and conversions in [from, to). A non-nil
// personalized restricts the window to personalized or regular searches.
func (db *DB) RateTotals(ctx context.Context, from, to time.Time, personalized *bool) (models.RateSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("rate_totals")
	defer timer.ObserveDuration()

	var p sql.NullBool
	if personalized != nil {
		p = sql.NullBool{Bool: *personalized, Valid: true}
	}

	var searches, clicks, conversions int
	err := db.Conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(click_count), 0), COALESCE(SUM(conversion_count), 0)
		 FROM search_analytics
		 WHERE timestamp >= $1 AND timestamp < $2
		   AND ($3::boolean IS NULL OR is_personalized = $3)`,
		from, to, p,
	).Scan(&searches, &clicks, &conversions)
	if err != nil {
		return models.RateSummary{}, err
	}
	return models.NewRateSummary(searches, clicks, conversions), nil
}

// TimeSeries buckets searches by interval (day, week or month) in [from, to).
func (db *DB) TimeSeries(ctx context.Context, from, to time.Time, interval string) ([]models.TimeBucket, error) {
	switch interval {
	case "day", "week", "month":
	default:
		return nil, fmt.Errorf("database: unsupported interval %q", interval)
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("time_series")
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT to_char(date_trunc($3, timestamp), 'YYYY-MM-DD') AS period,
		        COUNT(*), COALESCE(SUM(click_count), 0), COALESCE(SUM(conversion_count), 0)
		 FROM search_analytics
		 WHERE timestamp >= $1 AND timestamp < $2
		 GROUP BY period
		 ORDER BY period`,
		from, to, interval,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.TimeBucket{}
	for rows.Next() {
		var b models.TimeBucket
		if err := rows.Scan(&b.Period, &b.Searches, &b.Clicks, &b.Conversions); err != nil {
			slog.Error("scan failed", "op", "time_series", "error", err)
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RefreshQueryStats triggers REFRESH MATERIALIZED VIEW CONCURRENTLY.
// CONCURRENTLY means reads are not blocked, but a unique index is required.
// This operation can be slow on large tables; it gets its own long timeout,
// separate from the HTTP request context, so an admin trigger does not race
// against the server's WriteTimeout.
func (db *DB) RefreshQueryStats(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	timer := observe("refresh_query_stats")
	defer timer.ObserveDuration()

	_, err := db.Conn.ExecContext(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY search_query_stats_mv")
	return err
}

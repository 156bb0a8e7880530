package database

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"marketplace-search/internal/models"
)

// RunningExperiments returns running experiments with their variants, oldest
// first. An empty typ returns every type.
func (db *DB) RunningExperiments(ctx context.Context, typ models.ExperimentType) ([]models.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("running_experiments")
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT e.id, e.name, e.type, e.status, e.audience_percentage, e.created_at,
		        v.id, v.name, v.is_control, v.weight, v.configuration
		 FROM experiments e
		 JOIN experiment_variants v ON v.experiment_id = e.id
		 WHERE e.status = 'running' AND ($1 = '' OR e.type = $1)
		 ORDER BY e.created_at, e.id, v.position, v.id`,
		string(typ),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Experiment{}
	for rows.Next() {
		var (
			e        models.Experiment
			v        models.Variant
			etype    string
			status   string
			audience sql.NullFloat64
			config   []byte
		)
		if err := rows.Scan(&e.ID, &e.Name, &etype, &status, &audience, &e.CreatedAt,
			&v.ID, &v.Name, &v.IsControl, &v.Weight, &config); err != nil {
			slog.Error("scan failed", "op", "running_experiments", "error", err)
			continue
		}
		v.ExperimentID = e.ID
		v.Configuration = append([]byte(nil), config...)

		// Rows arrive grouped by experiment.
		if n := len(out); n > 0 && out[n-1].ID == e.ID {
			out[n-1].Variants = append(out[n-1].Variants, v)
			continue
		}
		e.Type = models.ExperimentType(etype)
		e.Status = models.ExperimentStatus(status)
		if audience.Valid {
			pct := audience.Float64
			e.AudiencePercentage = &pct
		}
		e.Variants = []models.Variant{v}
		out = append(out, e)
	}
	return out, rows.Err()
}

const assignmentColumns = `id, experiment_id, variant_id, COALESCE(user_id, ''), COALESCE(session_id, ''), has_impression, created_at`

func scanAssignment(row rowScanner) (models.Assignment, error) {
	var a models.Assignment
	err := row.Scan(&a.ID, &a.ExperimentID, &a.VariantID, &a.UserID, &a.SessionID, &a.HasImpression, &a.CreatedAt)
	return a, notFound(err)
}

// FindAssignment looks up the subject's assignment in an experiment. A user
// ID takes precedence over the session ID.
func (db *DB) FindAssignment(ctx context.Context, experimentID, userID, sessionID string) (models.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("find_assignment")
	defer timer.ObserveDuration()

	var row *sql.Row
	if userID != "" {
		row = db.Conn.QueryRowContext(ctx,
			`SELECT `+assignmentColumns+` FROM experiment_assignments WHERE experiment_id = $1 AND user_id = $2`,
			experimentID, userID)
	} else {
		row = db.Conn.QueryRowContext(ctx,
			`SELECT `+assignmentColumns+` FROM experiment_assignments WHERE experiment_id = $1 AND user_id IS NULL AND session_id = $2`,
			experimentID, sessionID)
	}
	return scanAssignment(row)
}

// CreateAssignment inserts a new assignment. When a concurrent request won
// the race the existing assignment is returned instead.
func (db *DB) CreateAssignment(ctx context.Context, a models.Assignment) (models.Assignment, error) {
	ictx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("create_assignment")
	defer timer.ObserveDuration()

	// A user assignment does not store the session so the session index
	// never collides with it.
	sessionID := a.SessionID
	if a.UserID != "" {
		sessionID = ""
	}

	row := db.Conn.QueryRowContext(ictx,
		`INSERT INTO experiment_assignments (id, experiment_id, variant_id, user_id, session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT DO NOTHING
		 RETURNING `+assignmentColumns,
		a.ID, a.ExperimentID, a.VariantID, nullString(a.UserID), nullString(sessionID),
	)
	created, err := scanAssignment(row)
	if errors.Is(err, ErrNotFound) {
		return db.FindAssignment(ctx, a.ExperimentID, a.UserID, a.SessionID)
	}
	return created, err
}

// AssignmentByID returns ErrNotFound for an unknown ID.
func (db *DB) AssignmentByID(ctx context.Context, id string) (models.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("assignment_by_id")
	defer timer.ObserveDuration()

	row := db.Conn.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM experiment_assignments WHERE id = $1`, id)
	return scanAssignment(row)
}

// MarkImpression flags the assignment as seen. It reports whether this call
// made the change, so the caller records the impression result only once.
func (db *DB) MarkImpression(ctx context.Context, assignmentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("mark_impression")
	defer timer.ObserveDuration()

	res, err := db.Conn.ExecContext(ctx,
		`UPDATE experiment_assignments SET has_impression = TRUE WHERE id = $1 AND NOT has_impression`,
		assignmentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertResult records an impression, interaction, click or conversion.
func (db *DB) InsertResult(ctx context.Context, r models.ExperimentResult) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("insert_experiment_result")
	defer timer.ObserveDuration()

	data := []byte(r.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := db.Conn.ExecContext(ctx,
		`INSERT INTO experiment_results (id, variant_id, user_id, session_id, result_type, name, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		r.ID, r.VariantID, nullString(r.UserID), nullString(r.SessionID), string(r.ResultType), r.Name, data,
	)
	return err
}

// VariantMetrics totals impressions, clicks and conversions per variant.
func (db *DB) VariantMetrics(ctx context.Context, experimentID string) ([]models.VariantMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("variant_metrics")
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT v.id, v.name,
		        COUNT(r.id) FILTER (WHERE r.result_type = 'impression'),
		        COUNT(r.id) FILTER (WHERE r.result_type = 'click'),
		        COUNT(r.id) FILTER (WHERE r.result_type = 'conversion')
		 FROM experiment_variants v
		 LEFT JOIN experiment_results r ON r.variant_id = v.id
		 WHERE v.experiment_id = $1
		 GROUP BY v.id, v.name, v.position
		 ORDER BY v.position, v.id`,
		experimentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.VariantMetrics{}
	for rows.Next() {
		var m models.VariantMetrics
		if err := rows.Scan(&m.VariantID, &m.VariantName, &m.Impressions, &m.Clicks, &m.Conversions); err != nil {
			slog.Error("scan failed", "op", "variant_metrics", "error", err)
			continue
		}
		if m.Impressions > 0 {
			m.ClickThrough = float64(m.Clicks) / float64(m.Impressions)
			m.ConversionRate = float64(m.Conversions) / float64(m.Impressions)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

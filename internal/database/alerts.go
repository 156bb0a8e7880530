package database

import (
	"context"
	"log/slog"

	"marketplace-search/internal/models"

	"github.com/google/uuid"
)

// InsertAlert stores an alert and its metrics inside a single transaction,
// so an alert is never visible without the numbers that raised it.
// The deferred Rollback is a no-op after a successful Commit.
func (db *DB) InsertAlert(ctx context.Context, a models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("insert_alert")
	defer timer.ObserveDuration()

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO alerts (id, type, title, description, severity, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		a.ID, string(a.Type), a.Title, a.Description, string(a.Severity), string(a.Status), a.CreatedAt,
	); err != nil {
		return err
	}

	for _, m := range a.Metrics {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO alert_metrics (id, alert_id, name, value, previous_value, change_percentage, threshold)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), a.ID, m.Name, m.Value, m.PreviousValue, m.ChangePercentage, m.Threshold,
		); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	slog.Info("alert stored", "id", a.ID, "type", a.Type, "metrics", len(a.Metrics))
	return nil
}

// ListAlerts returns alerts newest first, with metrics attached. An empty
// status lists every status.
func (db *DB) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	timer := observe("list_alerts")
	defer timer.ObserveDuration()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT a.id, a.type, a.title, a.description, a.severity, a.status, a.created_at, a.updated_at,
		        m.name, m.value, m.previous_value, m.change_percentage, m.threshold
		 FROM (SELECT * FROM alerts
		       WHERE ($1 = '' OR status = $1)
		       ORDER BY created_at DESC
		       LIMIT $2) a
		 LEFT JOIN alert_metrics m ON m.alert_id = a.id
		 ORDER BY a.created_at DESC, a.id, m.name`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Alert{}
	for rows.Next() {
		var (
			a                   models.Alert
			typ, sev, st        string
			name                *string
			val, prev, chg, thr *float64
		)
		if err := rows.Scan(&a.ID, &typ, &a.Title, &a.Description, &sev, &st, &a.CreatedAt, &a.UpdatedAt,
			&name, &val, &prev, &chg, &thr); err != nil {
			slog.Error("scan failed", "op", "list_alerts", "error", err)
			continue
		}

		if n := len(out); n == 0 || out[n-1].ID != a.ID {
			a.Type = models.AlertType(typ)
			a.Severity = models.AlertSeverity(sev)
			a.Status = models.AlertStatus(st)
			a.Metrics = []models.AlertMetric{}
			out = append(out, a)
		}
		if name != nil {
			last := &out[len(out)-1]
			last.Metrics = append(last.Metrics, models.AlertMetric{
				Name:             *name,
				Value:            deref(val),
				PreviousValue:    deref(prev),
				ChangePercentage: deref(chg),
				Threshold:        deref(thr),
			})
		}
	}
	return out, rows.Err()
}

// UpdateAlertStatus returns ErrNotFound for an unknown alert.
func (db *DB) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := observe("update_alert_status")
	defer timer.ObserveDuration()

	res, err := db.Conn.ExecContext(ctx,
		`UPDATE alerts SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
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

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

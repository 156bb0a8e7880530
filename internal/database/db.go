package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace-search/internal/metrics"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

// Per-call budgets. Request-path calls stay under the API server's
// WriteTimeout; the query stats refresh runs from cron.
const (
	readTimeout    = 5 * time.Second
	writeTimeout   = 5 * time.Second
	refreshTimeout = 5 * time.Minute
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("database: not found")

//go:embed schema.sql
var schema string

// DB holds the analytics, personalization, experiment and catalog tables.
type DB struct {
	Conn *sql.DB
}

// Connect opens the pool for dsn and pings it once.
func Connect(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	slog.Info("postgres connected", "component", "database")
	return &DB{Conn: conn}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// Ping reports whether Postgres is reachable.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return db.Conn.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues("migrate"))
	defer timer.ObserveDuration()

	if _, err := db.Conn.ExecContext(ctx, schema); err != nil {
		return err
	}
	slog.Info("schema applied")
	return nil
}

// notFound maps sql.ErrNoRows onto ErrNotFound so callers outside this
// package never need to import database/sql.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func observe(op string) *prometheus.Timer {
	return prometheus.NewTimer(metrics.DBQueryDuration.WithLabelValues(op))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

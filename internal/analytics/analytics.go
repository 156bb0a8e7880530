// Package analytics records searches and search-adjacent events and reports
// on them: top and zero-result queries, click-through and conversion rates,
// and time series. alerts.go watches the same numbers for regressions.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"marketplace-search/internal/models"

	"github.com/google/uuid"
)

// Store is the search_analytics side of *database.DB.
type Store interface {
	InsertSearchEvent(ctx context.Context, ev models.SearchEvent) error
	IncrementClicks(ctx context.Context, searchID string) error
	IncrementConversions(ctx context.Context, searchID string) error
	TopQueries(ctx context.Context, since time.Time, limit int) ([]models.QueryCount, error)
	ZeroResultQueries(ctx context.Context, since time.Time, limit int) ([]models.QueryCount, error)
	PopularQueries(ctx context.Context, days, limit int) ([]models.QueryCount, error)
	RateTotals(ctx context.Context, from, to time.Time, personalized *bool) (models.RateSummary, error)
	TimeSeries(ctx context.Context, from, to time.Time, interval string) ([]models.TimeBucket, error)
	RefreshQueryStats(ctx context.Context) error
}

const (
	DefaultPeriodDays = 30
	DefaultLimit      = 10
)

type Service struct {
	store        Store
	now          func() time.Time
	afterRefresh []func(context.Context) error
}

type Option func(*Service)

// OnStatsRefresh registers fn to run after every successful query stats
// refresh, e.g. to drop responses built from the old stats.
func OnStatsRefresh(fn func(context.Context) error) Option {
	return func(s *Service) {
		if fn != nil {
			s.afterRefresh = append(s.afterRefresh, fn)
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrackSearch stores a search and returns its ID, which later clicks and
// conversions refer to.
func (s *Service) TrackSearch(ctx context.Context, ev models.SearchEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	if err := s.store.InsertSearchEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("analytics: track search: %w", err)
	}
	return ev.ID, nil
}

// TrackEvent stores a named search-adjacent event (an autocomplete
// impression, a suggestion selection) as a search row tagged with
// metadata.eventType.
func (s *Service) TrackEvent(ctx context.Context, name string, ev models.SearchEvent) error {
	meta := make(map[string]any, len(ev.Metadata)+1)
	maps.Copy(meta, ev.Metadata)
	meta["eventType"] = name
	ev.Metadata = meta

	if _, err := s.TrackSearch(ctx, ev); err != nil {
		return fmt.Errorf("analytics: track %s: %w", name, err)
	}
	slog.Debug("event tracked", "component", "analytics", "event", name, "query", ev.Query)
	return nil
}

// TrackClick counts a result click against searchID.
func (s *Service) TrackClick(ctx context.Context, searchID string) error {
	if err := s.store.IncrementClicks(ctx, searchID); err != nil {
		return fmt.Errorf("analytics: click %s: %w", searchID, err)
	}
	return nil
}

// TrackConversion counts a conversion against searchID.
func (s *Service) TrackConversion(ctx context.Context, searchID string) error {
	if err := s.store.IncrementConversions(ctx, searchID); err != nil {
		return fmt.Errorf("analytics: conversion %s: %w", searchID, err)
	}
	return nil
}

func (s *Service) since(periodDays int) time.Time {
	if periodDays <= 0 {
		periodDays = DefaultPeriodDays
	}
	return s.now().AddDate(0, 0, -periodDays)
}

func limitOr(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// TopQueries returns the most searched queries in the last periodDays.
func (s *Service) TopQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error) {
	out, err := s.store.TopQueries(ctx, s.since(periodDays), limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("analytics: top queries: %w", err)
	}
	return out, nil
}

// ZeroResultQueries returns the most searched queries that found nothing.
func (s *Service) ZeroResultQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error) {
	out, err := s.store.ZeroResultQueries(ctx, s.since(periodDays), limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("analytics: zero result queries: %w", err)
	}
	return out, nil
}

// PopularQueries reads precomputed daily stats, so it lags real traffic by up
// to one refresh interval.
func (s *Service) PopularQueries(ctx context.Context, days, limit int) ([]models.QueryCount, error) {
	if days <= 0 {
		days = 7
	}
	out, err := s.store.PopularQueries(ctx, days, limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("analytics: popular queries: %w", err)
	}
	return out, nil
}

// Rates sums searches, clicks and conversions over the last periodDays.
func (s *Service) Rates(ctx context.Context, periodDays int) (models.RateSummary, error) {
	out, err := s.store.RateTotals(ctx, s.since(periodDays), s.now(), nil)
	if err != nil {
		return models.RateSummary{}, fmt.Errorf("analytics: rates: %w", err)
	}
	return out, nil
}

// ClickThroughRate is clicks per search over the last periodDays.
func (s *Service) ClickThroughRate(ctx context.Context, periodDays int) (float64, error) {
	r, err := s.Rates(ctx, periodDays)
	return r.ClickThrough, err
}

// ConversionRate is conversions per search over the last periodDays.
func (s *Service) ConversionRate(ctx context.Context, periodDays int) (float64, error) {
	r, err := s.Rates(ctx, periodDays)
	return r.ConversionRate, err
}

// Comparison contrasts personalized with regular searches. Lifts are
// percentage differences of the personalized rate over the regular one and
// are zero when the regular rate is zero.
type Comparison struct {
	Personalized   models.RateSummary `json:"personalized"`
	Regular        models.RateSummary `json:"regular"`
	CTRLift        float64            `json:"clickThroughRateLift"`
	ConversionLift float64            `json:"conversionRateLift"`
}

func (s *Service) PersonalizedVsRegular(ctx context.Context, periodDays int) (Comparison, error) {
	from, to := s.since(periodDays), s.now()
	yes, no := true, false

	p, err := s.store.RateTotals(ctx, from, to, &yes)
	if err != nil {
		return Comparison{}, fmt.Errorf("analytics: personalized rates: %w", err)
	}
	r, err := s.store.RateTotals(ctx, from, to, &no)
	if err != nil {
		return Comparison{}, fmt.Errorf("analytics: regular rates: %w", err)
	}
	return Comparison{
		Personalized:   p,
		Regular:        r,
		CTRLift:        changePercent(p.ClickThrough, r.ClickThrough),
		ConversionLift: changePercent(p.ConversionRate, r.ConversionRate),
	}, nil
}

// TimeSeries buckets the last periodDays by interval: day, week or month.
func (s *Service) TimeSeries(ctx context.Context, periodDays int, interval string) ([]models.TimeBucket, error) {
	if interval == "" {
		interval = "day"
	}
	out, err := s.store.TimeSeries(ctx, s.since(periodDays), s.now(), interval)
	if err != nil {
		return nil, fmt.Errorf("analytics: time series: %w", err)
	}
	return out, nil
}

// RefreshQueryStats rebuilds the daily query stats behind PopularQueries.
func (s *Service) RefreshQueryStats(ctx context.Context) error {
	start := time.Now()
	if err := s.store.RefreshQueryStats(ctx); err != nil {
		return fmt.Errorf("analytics: refresh query stats: %w", err)
	}
	slog.Info("query stats refreshed", "component", "analytics", "duration", time.Since(start))
	for _, fn := range s.afterRefresh {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("analytics: after query stats refresh: %w", err)
		}
	}
	return nil
}

// changePercent is the change from prev to cur in percent of prev, or 0
// when prev is 0.
func changePercent(cur, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}

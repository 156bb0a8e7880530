// Package experiment assigns users and sessions to A/B test variants and
// records what they saw and did.
//
// Assignment is sticky: the first lookup for a subject persists an
// assignment row and every later lookup returns it. New assignments are
// deterministic too, bucketing by an FNV hash of experiment and subject, so
// two concurrent first requests agree on the variant.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"marketplace-search/internal/database"
	"marketplace-search/internal/models"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("marketplace-search/internal/experiment")

var (
	// ErrNoSubject is returned when neither a user ID nor a session ID is known.
	ErrNoSubject = errors.New("experiment: user or session id required")
	// ErrNotRunning is returned when assigning into an experiment that is not running.
	ErrNotRunning = errors.New("experiment: not running")
)

// Store is the persistence the service needs; *database.DB implements it.
type Store interface {
	RunningExperiments(ctx context.Context, typ models.ExperimentType) ([]models.Experiment, error)
	FindAssignment(ctx context.Context, experimentID, userID, sessionID string) (models.Assignment, error)
	CreateAssignment(ctx context.Context, a models.Assignment) (models.Assignment, error)
	AssignmentByID(ctx context.Context, id string) (models.Assignment, error)
	MarkImpression(ctx context.Context, assignmentID string) (bool, error)
	InsertResult(ctx context.Context, r models.ExperimentResult) error
	VariantMetrics(ctx context.Context, experimentID string) ([]models.VariantMetrics, error)
}

const (
	activeCacheSize = 16
	// DefaultActiveTTL bounds how long a started or stopped experiment takes
	// to be noticed by a running API process.
	DefaultActiveTTL = time.Minute
)

type Service struct {
	store  Store
	active *expirable.LRU[models.ExperimentType, []models.Experiment]
}

// New creates a Service caching running experiments per type for ttl.
func New(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultActiveTTL
	}
	return &Service{
		store:  store,
		active: expirable.NewLRU[models.ExperimentType, []models.Experiment](activeCacheSize, nil, ttl),
	}
}

// Invalidate drops cached experiment lists, e.g. after an admin change.
func (s *Service) Invalidate() {
	s.active.Purge()
}

// Running returns running experiments of typ, served from cache when fresh.
func (s *Service) Running(ctx context.Context, typ models.ExperimentType) ([]models.Experiment, error) {
	if exps, ok := s.active.Get(typ); ok {
		return exps, nil
	}
	exps, err := s.store.RunningExperiments(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("experiment: running %s: %w", typ, err)
	}
	s.active.Add(typ, exps)
	return exps, nil
}

// VariantConfiguration resolves (assigning on first use) the subject's
// variant in every running experiment of typ. Experiments whose assignment
// fails are skipped and logged; the rest are returned in experiment order.
func (s *Service) VariantConfiguration(ctx context.Context, typ models.ExperimentType, userID, sessionID string) ([]models.VariantConfig, error) {
	ctx, span := tracer.Start(ctx, "experiment.VariantConfiguration")
	defer span.End()
	span.SetAttributes(attribute.String("experiment.type", string(typ)))

	if userID == "" && sessionID == "" {
		return nil, ErrNoSubject
	}

	exps, err := s.Running(ctx, typ)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]models.VariantConfig, 0, len(exps))
	for _, exp := range exps {
		a, err := s.Assign(ctx, exp, userID, sessionID)
		if err != nil {
			slog.Error("assignment failed", "component", "experiment", "experiment_id", exp.ID, "error", err)
			continue
		}
		v, ok := variantByID(exp, a.VariantID)
		if !ok {
			slog.Warn("assigned variant no longer exists", "component", "experiment",
				"experiment_id", exp.ID, "variant_id", a.VariantID)
			continue
		}
		out = append(out, models.VariantConfig{
			ExperimentID:  exp.ID,
			VariantID:     v.ID,
			IsControl:     v.IsControl,
			AssignmentID:  a.ID,
			Configuration: v.Configuration,
		})
	}
	span.SetAttributes(attribute.Int("experiment.count", len(out)))
	return out, nil
}

// Assign returns the subject's existing assignment in exp or creates one.
func (s *Service) Assign(ctx context.Context, exp models.Experiment, userID, sessionID string) (models.Assignment, error) {
	if userID == "" && sessionID == "" {
		return models.Assignment{}, ErrNoSubject
	}
	if exp.Status != models.ExperimentRunning {
		return models.Assignment{}, fmt.Errorf("%w: %s is %s", ErrNotRunning, exp.ID, exp.Status)
	}
	if len(exp.Variants) == 0 {
		return models.Assignment{}, fmt.Errorf("experiment: %s has no variants", exp.ID)
	}

	existing, err := s.store.FindAssignment(ctx, exp.ID, userID, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return models.Assignment{}, fmt.Errorf("experiment: find assignment: %w", err)
	}

	v := PickVariant(exp, subjectKey(userID, sessionID))
	created, err := s.store.CreateAssignment(ctx, models.Assignment{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		VariantID:    v.ID,
		UserID:       userID,
		SessionID:    sessionID,
	})
	if err != nil {
		return models.Assignment{}, fmt.Errorf("experiment: create assignment: %w", err)
	}
	slog.Debug("subject assigned", "component", "experiment",
		"experiment_id", exp.ID, "variant_id", created.VariantID)
	return created, nil
}

func subjectKey(userID, sessionID string) string {
	if userID != "" {
		return "u:" + userID
	}
	return "s:" + sessionID
}

// PickVariant chooses a variant for subject. Subjects outside the audience
// percentage get the control variant; the rest are bucketed by weight.
// Variants with a non-positive weight are never picked unless every weight
// is non-positive, in which case the control is used.
func PickVariant(exp models.Experiment, subject string) models.Variant {
	if exp.AudiencePercentage != nil {
		// Two decimal places of resolution.
		bucket := float64(hash(exp.ID+"|audience|"+subject)%10000) / 100
		if bucket >= *exp.AudiencePercentage {
			return control(exp)
		}
	}

	total := 0
	for _, v := range exp.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total == 0 {
		return control(exp)
	}

	point := int(hash(exp.ID+"|variant|"+subject) % uint64(total))
	for _, v := range exp.Variants {
		if v.Weight <= 0 {
			continue
		}
		if point < v.Weight {
			return v
		}
		point -= v.Weight
	}
	return control(exp)
}

func control(exp models.Experiment) models.Variant {
	for _, v := range exp.Variants {
		if v.IsControl {
			return v
		}
	}
	return exp.Variants[0]
}

// hash is FNV-1a followed by the murmur3 finalizer, which spreads nearby
// inputs such as "u:41" and "u:42" across the whole range.
func hash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func variantByID(exp models.Experiment, id string) (models.Variant, bool) {
	for _, v := range exp.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return models.Variant{}, false
}

// TrackImpression records the first impression of an assignment. Repeat
// impressions are ignored.
func (s *Service) TrackImpression(ctx context.Context, assignmentID string) error {
	a, err := s.store.AssignmentByID(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("experiment: impression %s: %w", assignmentID, err)
	}
	first, err := s.store.MarkImpression(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("experiment: mark impression: %w", err)
	}
	if !first {
		return nil
	}
	return s.record(ctx, a, models.ResultImpression, "", nil)
}

// TrackInteraction records a passive interaction named name, such as a
// suggestion list being shown. It does not count towards click-through.
func (s *Service) TrackInteraction(ctx context.Context, assignmentID, name string, data map[string]any) error {
	a, err := s.store.AssignmentByID(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("experiment: interaction %s: %w", assignmentID, err)
	}
	return s.record(ctx, a, models.ResultInteraction, name, data)
}

// TrackClick records a user click named name.
func (s *Service) TrackClick(ctx context.Context, assignmentID, name string, data map[string]any) error {
	a, err := s.store.AssignmentByID(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("experiment: click %s: %w", assignmentID, err)
	}
	return s.record(ctx, a, models.ResultClick, name, data)
}

// TrackConversion records a conversion, e.g. a purchase after a search.
func (s *Service) TrackConversion(ctx context.Context, assignmentID, name string, data map[string]any) error {
	a, err := s.store.AssignmentByID(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("experiment: conversion %s: %w", assignmentID, err)
	}
	return s.record(ctx, a, models.ResultConversion, name, data)
}

func (s *Service) record(ctx context.Context, a models.Assignment, typ models.ResultType, name string, data map[string]any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	return s.store.InsertResult(ctx, models.ExperimentResult{
		ID:         uuid.NewString(),
		VariantID:  a.VariantID,
		UserID:     a.UserID,
		SessionID:  a.SessionID,
		ResultType: typ,
		Name:       name,
		Data:       raw,
	})
}

// VariantMetrics returns per-variant totals for an experiment.
func (s *Service) VariantMetrics(ctx context.Context, experimentID string) ([]models.VariantMetrics, error) {
	return s.store.VariantMetrics(ctx, experimentID)
}

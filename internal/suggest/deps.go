package suggest

import (
	"context"
	"log/slog"
	"time"

	"marketplace-search/internal/models"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("marketplace-search/internal/suggest")

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// main wires the real Elasticsearch, analytics, personalization and
// experiment services; tests inject fakes.
// ---------------------------------------------------------------------------

// Catalog is the Elasticsearch side of suggestions.
type Catalog interface {
	TermSuggestions(ctx context.Context, field, query string, limit int, fuzziness string) ([]string, error)
	ProductSuggestions(ctx context.Context, query string, limit int) ([]string, error)
	CompletionSuggestions(ctx context.Context, query string, limit int) ([]models.Suggestion, error)
}

// Analytics provides query popularity and records suggestion events.
type Analytics interface {
	TopQueries(ctx context.Context, limit, periodDays int) ([]models.QueryCount, error)
	PopularQueries(ctx context.Context, days, limit int) ([]models.QueryCount, error)
	TrackEvent(ctx context.Context, name string, ev models.SearchEvent) error
}

// Personalizer provides per-user suggestion sources.
type Personalizer interface {
	RecentSearches(ctx context.Context, userID string, limit int) ([]string, error)
	Suggestions(ctx context.Context, query, userID string, limit int, categories []string) ([]models.Suggestion, error)
}

// Experiments resolves A/B variant configuration.
type Experiments interface {
	VariantConfiguration(ctx context.Context, typ models.ExperimentType, userID, sessionID string) ([]models.VariantConfig, error)
	TrackImpression(ctx context.Context, assignmentID string) error
	TrackInteraction(ctx context.Context, assignmentID, name string, data map[string]any) error
}

// ResponseCache stores serialised responses for anonymous requests.
type ResponseCache interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// trackTimeout bounds fire-and-forget tracking writes.
const trackTimeout = 5 * time.Second

// detach runs fn after the request has returned. The request context's
// values are kept but its cancellation is not, so a client disconnect does
// not drop the analytics write.
func detach(ctx context.Context, what string, fn func(ctx context.Context) error) {
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, trackTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Error("tracking failed", "component", "suggest", "what", what, "error", err)
		}
	}()
}

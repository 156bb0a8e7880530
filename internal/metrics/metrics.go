package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DBQueryDuration measures how long our database queries take.
// The 'operation' label separates hot reads (top_queries, behaviors_by_type)
// from background work (refresh_query_stats, decay_batch).
var DBQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "db_query_duration_seconds",
		Help: "Duration of database queries in seconds",
		// Buckets tailored for fast reads and potentially slower background refreshes
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)

// SearchRequestDuration measures Elasticsearch round trips by operation
// (term_suggestions, completion, search_products, bulk, ...).
var SearchRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "search_request_duration_seconds",
		Help:    "Duration of Elasticsearch requests in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	},
	[]string{"operation"},
)

// SuggestionsServed counts suggestion responses by endpoint and whether
// personalized suggestions made it into the result.
var SuggestionsServed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "suggestions_served_total",
		Help: "Suggestion responses served",
	},
	[]string{"endpoint", "personalized"},
)

// IndexEvents counts processed index events by name and outcome (ok, failed, discarded).
var IndexEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_events_total",
		Help: "Search index events processed by the worker",
	},
	[]string{"event", "outcome"},
)

// IndexRetries counts retry attempts made while applying an index event.
var IndexRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_retries_total",
		Help: "Retries performed while applying search index events",
	},
	[]string{"event"},
)

var AlertsRaised = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alerts_raised_total",
		Help: "Analytics alerts raised by type",
	},
	[]string{"type"},
)

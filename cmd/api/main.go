package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-search/internal/analytics"
	"marketplace-search/internal/api"
	"marketplace-search/internal/cache"
	"marketplace-search/internal/config"
	"marketplace-search/internal/database"
	"marketplace-search/internal/experiment"
	"marketplace-search/internal/personalization"
	"marketplace-search/internal/queue"
	"marketplace-search/internal/search"
	"marketplace-search/internal/suggest"
	"marketplace-search/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr)
	if err != nil {
		slog.Error("redis connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "api", "error", err)
		os.Exit(1)
	}

	searchClient, err := search.New(cfg.ElasticsearchURL, search.WithSuggestionIndex(cfg.SuggestionIndex))
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "api", "error", err)
		os.Exit(1)
	}

	// ── Services ───────────────────────────────────────────────────────────────

	experiments := experiment.New(db, experiment.DefaultActiveTTL)
	searchAnalytics := analytics.New(db, analytics.OnStatsRefresh(suggest.ClearCache(redisClient)))
	alerter := analytics.NewAlerter(db, db, experiments, cfg.Alerts)
	personal := personalization.New(db)
	decayer := personalization.NewDecayer(db, cfg.Decay)

	// ── Background cron ────────────────────────────────────────────────────────

	cronScheduler, err := worker.StartCronJobs(
		worker.Job{
			Name:     "refresh_query_stats",
			Schedule: cfg.QueryStatsRefreshSchedule,
			Timeout:  5 * time.Minute,
			Run:      searchAnalytics.RefreshQueryStats,
		},
		worker.Job{
			Name:     "check_personalization_drops",
			Schedule: cfg.AlertCheckSchedule,
			Run: func(ctx context.Context) error {
				_, err := alerter.CheckPersonalizationDrops(ctx)
				return err
			},
		},
		worker.Job{
			Name:     "check_ab_tests",
			Schedule: cfg.ABTestCheckSchedule,
			Run: func(ctx context.Context) error {
				_, err := alerter.CheckABTestResults(ctx)
				return err
			},
		},
		worker.Job{
			Name:     "decay_preferences",
			Schedule: cfg.PreferenceDecaySchedule,
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := decayer.Run(ctx)
				return err
			},
		},
	)
	if err != nil {
		slog.Error("invalid cron schedule", "component", "api", "error", err)
		os.Exit(1)
	}

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		Autocompleter: suggest.NewAutocomplete(searchClient, searchAnalytics, personal, experiments),
		Suggester:     suggest.NewSuggester(searchClient, searchAnalytics, personal, redisClient, cfg.MaxSuggestions, cfg.SuggestionCacheTTL),
		Products:      personalization.NewSearchService(personal, searchClient),
		Interactions:  personal,
		Analytics:     searchAnalytics,
		Alerts:        alerter,
		Publisher:     publisher,
		Experiments:   experiments,
		Health: map[string]api.HealthCheck{
			"postgres":      db.Ping,
			"redis":         redisClient.Ping,
			"elasticsearch": searchClient.Ping,
		},
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Shutdown order matters:
	//  1. Stop accepting new HTTP requests (srv.Shutdown); in-flight requests finish.
	//  2. Stop the cron scheduler; waits for a running job so db.Close() does
	//     not yank the connection mid-query.
	//  3. Close infrastructure clients in reverse init order.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received", "component", "api")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	<-cronScheduler.Stop().Done()
	slog.Info("cron stopped", "component", "api")

	publisher.Close()
	redisClient.Close()
	db.Close()

	slog.Info("shutdown complete", "component", "api")
}

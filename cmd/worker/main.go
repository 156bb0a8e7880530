package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketplace-search/internal/config"
	"marketplace-search/internal/database"
	"marketplace-search/internal/queue"
	"marketplace-search/internal/search"
	"marketplace-search/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	searchClient, err := search.New(cfg.ElasticsearchURL, search.WithSuggestionIndex(cfg.SuggestionIndex))
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Indices must exist before the first event is applied.
	if err := searchClient.EnsureIndices(ctx); err != nil {
		slog.Error("ensure indices failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// ── Run ────────────────────────────────────────────────────────────────────
	//
	// ctx is cancelled on SIGINT/SIGTERM. Run lets the in-flight event finish
	// or requeues it, then returns before connections are closed.

	w := worker.New(searchClient, db, consumer, cfg.IndexMaxRetries, cfg.IndexRetryDelay)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "component", "worker", "error", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────

	consumer.Close()
	db.Close()

	slog.Info("worker stopped", "component", "worker")
}

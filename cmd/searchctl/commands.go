package main

import (
	"fmt"

	"marketplace-search/internal/analytics"
	"marketplace-search/internal/cache"
	"marketplace-search/internal/database"
	"marketplace-search/internal/experiment"
	"marketplace-search/internal/models"
	"marketplace-search/internal/personalization"
	"marketplace-search/internal/queue"
	"marketplace-search/internal/search"
	"marketplace-search/internal/suggest"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var initIndicesCmd = &cobra.Command{
	Use:   "init-indices",
	Short: "Create missing Elasticsearch indices with their mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		es, err := newSearchClient()
		if err != nil {
			return err
		}
		if err := es.EnsureIndices(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "indices ready")
		return nil
	},
}

var seedSuggestionsCmd = &cobra.Command{
	Use:   "seed-suggestions",
	Short: "Load the built-in common search queries into the suggestion index",
	RunE: func(cmd *cobra.Command, args []string) error {
		es, err := newSearchClient()
		if err != nil {
			return err
		}
		if err := es.EnsureIndices(cmd.Context()); err != nil {
			return err
		}
		n, err := es.SeedSuggestions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d suggestions into %s\n", n, es.SuggestionIndex())
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:       "reindex [all|products|merchants|brands]",
	Short:     "Queue a full reindex for the search-index worker",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"all", "products", "merchants", "brands"},
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "all"
		if len(args) == 1 {
			target = args[0]
		}
		pub, err := queue.NewPublisher(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		defer pub.Close()

		ev := models.IndexEvent{Name: models.EventReindexAll, EntityType: target}
		queue.Stamp(&ev)
		if err := pub.PublishEvent(cmd.Context(), ev); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s (event %s)\n", ev.Name, target, ev.ID)
		return nil
	},
}

var refreshStatsCmd = &cobra.Command{
	Use:   "refresh-stats",
	Short: "Rebuild the daily query stats behind popular suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		rc, err := cache.New(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rc.Close()

		svc := analytics.New(db, analytics.OnStatsRefresh(suggest.ClearCache(rc)))
		if err := svc.RefreshQueryStats(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "query stats refreshed, suggestion cache cleared")
		return nil
	},
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one pass of preference weight decay",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := personalization.NewDecayer(db, cfg.Decay).Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "decayed preferences for %d users\n", n)
		return nil
	},
}

var checkAlertsCmd = &cobra.Command{
	Use:   "check-alerts",
	Short: "Run the personalization and A/B test alert checks now",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		alerter := analytics.NewAlerter(db, db, experiment.New(db, 0), cfg.Alerts)
		drops, err := alerter.CheckPersonalizationDrops(cmd.Context())
		if err != nil {
			return err
		}
		ab, err := alerter.CheckABTestResults(cmd.Context())
		if err != nil {
			return err
		}
		for _, a := range append(drops, ab...) {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", a.Severity, a.Title, a.Description)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d new alerts\n", len(drops)+len(ab))
		return nil
	},
}

func newSearchClient() (*search.Client, error) {
	return search.New(cfg.ElasticsearchURL, search.WithSuggestionIndex(cfg.SuggestionIndex))
}

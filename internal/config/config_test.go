package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "search_suggestions", cfg.SuggestionIndex)
	assert.Equal(t, 3, cfg.IndexMaxRetries)
	assert.Equal(t, time.Second, cfg.IndexRetryDelay)
	assert.Equal(t, 20, cfg.MaxSuggestions)
	assert.Equal(t, "@hourly", cfg.QueryStatsRefreshSchedule)
	assert.Equal(t, 10.0, cfg.Alerts.CTRDrop)
	assert.Equal(t, 15.0, cfg.Alerts.ConversionDrop)
	assert.True(t, cfg.Decay.Enabled)
	assert.Equal(t, 45.0, cfg.Decay.BrandsHalfLife)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MAX_SUGGESTIONS", "7")
	t.Setenv("ELASTICSEARCH_RETRY_DELAY_MS", "250")
	t.Setenv("ALERT_THRESHOLD_CTR_DROP", "12.5")
	t.Setenv("PREFERENCE_DECAY_ENABLED", "false")
	t.Setenv("SUGGESTION_CACHE_TTL", "90s")

	cfg := Load()

	assert.Equal(t, 7, cfg.MaxSuggestions)
	assert.Equal(t, 250*time.Millisecond, cfg.IndexRetryDelay)
	assert.Equal(t, 12.5, cfg.Alerts.CTRDrop)
	assert.False(t, cfg.Decay.Enabled)
	assert.Equal(t, 90*time.Second, cfg.SuggestionCacheTTL)
}

func TestLoad_MalformedFallsBack(t *testing.T) {
	t.Setenv("MAX_SUGGESTIONS", "lots")
	t.Setenv("PREFERENCE_DECAY_ENABLED", "maybe")
	t.Setenv("SUGGESTION_CACHE_TTL", "soon")

	cfg := Load()

	assert.Equal(t, 20, cfg.MaxSuggestions)
	assert.True(t, cfg.Decay.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.SuggestionCacheTTL)
}

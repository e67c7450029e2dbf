package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/hexclaw/orchestrator/config"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	require.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	require.Equal(t, 86400*time.Second, cfg.CacheExactTTL)
	require.Equal(t, 0.92, cfg.CacheSemanticThresh)
	require.Equal(t, 3, cfg.MaxConcurrentJobs)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("CACHE_SEMANTIC_THRESHOLD", "0.8")
	os.Setenv("MAX_CONCURRENT_JOBS", "7")
	os.Setenv("MONITOR_FEEDS", "https://a.example/feed, https://b.example/feed")
	defer func() {
		os.Unsetenv("CACHE_SEMANTIC_THRESHOLD")
		os.Unsetenv("MAX_CONCURRENT_JOBS")
		os.Unsetenv("MONITOR_FEEDS")
	}()

	cfg := config.Load()
	require.Equal(t, 0.8, cfg.CacheSemanticThresh)
	require.Equal(t, 7, cfg.MaxConcurrentJobs)
	require.Equal(t, []string{"https://a.example/feed", "https://b.example/feed"}, cfg.MonitorFeeds)
}

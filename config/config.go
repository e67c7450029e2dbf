package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-keyed value the orchestrator reads at
// startup. There is no dynamic reconfiguration — a restart is required
// to pick up a changed value.
type Config struct {
	Env string

	// Redis backs the inference cache (exact + semantic tiers) and the
	// monitor's dedup set. Both degrade to a no-op when unset or
	// unreachable.
	RedisURL string

	// SQLite-backed local stores: token ledger, artifact store, job queue.
	LedgerDBPath   string
	ArtifactDBRoot string
	QueueDBPath    string

	// Cache tuning, mirrors the original env surface exactly.
	CacheExactTTL         time.Duration
	CacheSemanticTTL      time.Duration
	CacheSemanticThresh   float64
	CacheSemanticMaxEntry int
	CacheEmbedDim         int

	// Inference router tuning.
	MaxRetries       int
	RetryBackoffBase time.Duration

	// Daemon tuning.
	HeartbeatInterval time.Duration
	MaxConcurrentJobs int

	// External tool-execution server.
	ToolServerBaseURL string
	ToolServerTimeout time.Duration

	// Operator channel (Telegram).
	TelegramBotToken     string
	TelegramChatID       string
	TelegramAllowedUsers []string

	// Threat monitor.
	MonitorFeeds       []string
	MonitorPollEvery   time.Duration
	MonitorMinSeverity string

	// Skill dispatcher.
	SkillsDir string

	// Admin HTTP surface.
	AdminAddr string
}

// Load reads configuration from the environment and an optional .env
// file in the working directory. There are no required values — an
// operator can start the daemon with zero environment variables and get
// a fully degraded but non-crashing instance: no Redis, no Telegram, no
// reachable tool server.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:      getEnv("ENV", "development"),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		LedgerDBPath:   getEnv("LEDGER_DB_PATH", "./data/ledger.db"),
		ArtifactDBRoot: getEnv("ARTIFACT_DB_ROOT", "./data/artifacts"),
		QueueDBPath:    getEnv("QUEUE_DB_PATH", "./data/queue.db"),

		CacheExactTTL:         time.Duration(getEnvInt("CACHE_EXACT_TTL_SEC", 86400)) * time.Second,
		CacheSemanticTTL:      time.Duration(getEnvInt("CACHE_SEMANTIC_TTL_SEC", 604800)) * time.Second,
		CacheSemanticThresh:   getEnvFloat("CACHE_SEMANTIC_THRESHOLD", 0.92),
		CacheSemanticMaxEntry: getEnvInt("CACHE_SEMANTIC_MAX_ENTRIES", 2000),
		CacheEmbedDim:         getEnvInt("CACHE_EMBED_DIM", 256),

		MaxRetries:       getEnvInt("INFERENCE_MAX_RETRIES", 3),
		RetryBackoffBase: time.Duration(getEnvFloat("INFERENCE_RETRY_BACKOFF_BASE_SEC", 1.5) * float64(time.Second)),

		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_SEC", 5)) * time.Second,
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),

		ToolServerBaseURL: getEnv("TOOL_SERVER_URL", "http://localhost:8888"),
		ToolServerTimeout: time.Duration(getEnvInt("TOOL_SERVER_TIMEOUT_SEC", 300)) * time.Second,

		TelegramBotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:       getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramAllowedUsers: splitCSV(getEnv("TELEGRAM_ALLOWED_USERS", "")),

		MonitorFeeds:       splitCSV(getEnv("MONITOR_FEEDS", "")),
		MonitorPollEvery:   time.Duration(getEnvInt("MONITOR_POLL_SEC", 900)) * time.Second,
		MonitorMinSeverity: getEnv("MONITOR_MIN_SEVERITY", "medium"),

		SkillsDir: getEnv("SKILLS_DIR", "./skills"),
		AdminAddr: getEnv("ADMIN_ADDR", ":8090"),
	}
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingDiscordToken = errors.New("DISCORD_TOKEN is required")
	ErrMissingOllamaURL    = errors.New("OLLAMA_URL is required")
)

// DefaultSystemPrompt seeds channels that have no prompt configured. The
// process-wide value is injected into the engine at startup; there is no
// ambient lookup inside it.
const DefaultSystemPrompt = "You are a helpful assistant."

type Config struct {
	DiscordToken  string
	OllamaURL     string
	DefaultPrompt string
	CommandPrefix string
	DebugMode     bool

	Redis RedisConfig
	DB    DBConfig
	Chat  ChatConfig
	HTTP  HTTPConfig
	Log   LogConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DBConfig points at the moderation audit database. An empty DSN disables
// the audit log entirely.
type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type ChatConfig struct {
	MaxHistory      int
	ChunkSize       int
	Timeout         time.Duration
	CatalogRefresh  time.Duration
	ImageFetchLimit int64
}

type HTTPConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		DiscordToken:  mustEnv("DISCORD_TOKEN", ""),
		OllamaURL:     mustEnv("OLLAMA_URL", "http://127.0.0.1:11434"),
		DefaultPrompt: mustEnv("DEFAULT_PROMPT", DefaultSystemPrompt),
		CommandPrefix: mustEnv("COMMAND_PREFIX", "!"),
		DebugMode:     mustBool("DEBUG_MODE", false),
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 1),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Chat: ChatConfig{
			MaxHistory:      mustInt("MAX_HISTORY", 20),
			ChunkSize:       mustInt("CHUNK_SIZE", 2000),
			Timeout:         mustDuration("CHAT_TIMEOUT", 120*time.Second),
			CatalogRefresh:  mustDuration("CATALOG_REFRESH", 10*time.Minute),
			ImageFetchLimit: int64(mustInt("IMAGE_FETCH_LIMIT_MB", 8)) << 20,
		},
		HTTP: HTTPConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DiscordToken == "" {
		return nil, ErrMissingDiscordToken
	}
	if cfg.OllamaURL == "" {
		return nil, ErrMissingOllamaURL
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

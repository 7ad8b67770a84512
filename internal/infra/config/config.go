package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	NotifierTelegram = "telegram"
	NotifierWebhook  = "webhook"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	StoreBackend    string
	DatabaseURL     string
	WorkspaceID     string
	TelegramToken   string
	AdminTelegramID int64
	Notifier        string
	WebhookURL      string
	LogLevel        string
	Environment     string

	TickInterval        time.Duration
	DispatchTimeout     time.Duration
	DispatchConcurrency int
	MaxAttemptsPerLevel int
	ClaimTTL            time.Duration
	CandidatePageSize   int

	SnoozeMaxMinutes     int
	OriginalMarkerPolicy string
	ConfirmReplyPolicy   string

	RedisURL string // optional, enables the cross-replica tick lock
	HTTPAddr string
	SeedFile string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.StoreBackend = strings.ToLower(envOr("STORE_BACKEND", StoreBackendPostgres))
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is not set")
		}
	case StoreBackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: want postgres or memory", cfg.StoreBackend)
	}

	cfg.WorkspaceID = envOr("WORKSPACE_ID", "default")

	cfg.Notifier = strings.ToLower(envOr("NOTIFIER", NotifierTelegram))
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	switch cfg.Notifier {
	case NotifierTelegram:
		if cfg.TelegramToken == "" {
			return nil, fmt.Errorf("TELEGRAM_TOKEN is not set")
		}
	case NotifierWebhook:
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is not set")
		}
	default:
		return nil, fmt.Errorf("invalid NOTIFIER %q: want telegram or webhook", cfg.Notifier)
	}

	if adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID"); adminIDStr != "" {
		cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
		}
	} else if cfg.Notifier == NotifierTelegram {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}

	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(envOr("ENVIRONMENT", "development"))

	if cfg.TickInterval, err = durationEnv("TICK_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout, err = durationEnv("DISPATCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClaimTTL, err = durationEnv("CLAIM_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DispatchConcurrency, err = intEnv("DISPATCH_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.MaxAttemptsPerLevel, err = intEnv("MAX_ATTEMPTS_PER_LEVEL", 1); err != nil {
		return nil, err
	}
	if cfg.SnoozeMaxMinutes, err = intEnv("SNOOZE_MAX_MINUTES", 7*24*60); err != nil {
		return nil, err
	}
	if cfg.CandidatePageSize, err = intEnv("CANDIDATE_PAGE_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.ClaimTTL <= cfg.DispatchTimeout {
		return nil, fmt.Errorf("CLAIM_TTL (%s) must be longer than DISPATCH_TIMEOUT (%s)", cfg.ClaimTTL, cfg.DispatchTimeout)
	}

	cfg.OriginalMarkerPolicy = strings.ToLower(envOr("ORIGINAL_MARKER_POLICY", "anyone"))
	cfg.ConfirmReplyPolicy = strings.ToLower(envOr("CONFIRM_REPLY_POLICY", "asker_only"))
	for name, v := range map[string]string{
		"ORIGINAL_MARKER_POLICY": cfg.OriginalMarkerPolicy,
		"CONFIRM_REPLY_POLICY":   cfg.ConfirmReplyPolicy,
	} {
		if v != "anyone" && v != "asker_only" {
			return nil, fmt.Errorf("invalid %s %q: want anyone or asker_only", name, v)
		}
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.SeedFile = os.Getenv("SEED_FILE")

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

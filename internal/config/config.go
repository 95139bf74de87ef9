package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv          string
	LogLevel        string
	DatabaseURL     string
	HTTPAddr        string
	PollInterval    int // seconds
	MaxRetries      int
	ShutdownTimeout int // seconds
	Workers         int

	SyncInterval       time.Duration
	SyncPassTimeout    time.Duration
	WindowPastDays     int
	WindowFutureDays   int
	LockBackend        string
	RedisURL           string
	VaultMasterKey     string
	VaultWrappedKey    string
	VaultKeyTTL        time.Duration
	MTMClientID        string
	MTMClientSecret    string
	MTMBaseURL         string
	MTMRedirectURL     string
	MTMPageSize        int
	GoogleClientID     string
	GoogleClientSecret string
	GeocodingAPIKey    string
	VenuesFile         string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	vaultKey := os.Getenv("VAULT_MASTER_KEY")
	if vaultKey == "" {
		return nil, fmt.Errorf("VAULT_MASTER_KEY is required")
	}

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "dev"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        dbURL,
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		PollInterval:       getEnvInt("POLL_INTERVAL", 10), // poll every 10 seconds
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),
		ShutdownTimeout:    getEnvInt("SHUTDOWN_TIMEOUT", 30),
		Workers:            getEnvInt("WORKERS", 4),
		SyncInterval:       getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncPassTimeout:    getEnvDuration("SYNC_PASS_TIMEOUT", 2*time.Minute),
		WindowPastDays:     getEnvInt("SYNC_WINDOW_PAST_DAYS", 7),
		WindowFutureDays:   getEnvInt("SYNC_WINDOW_FUTURE_DAYS", 30),
		LockBackend:        strings.ToLower(getEnv("LOCK_BACKEND", "memory")),
		RedisURL:           os.Getenv("REDIS_URL"),
		VaultMasterKey:     vaultKey,
		VaultWrappedKey:    os.Getenv("VAULT_WRAPPED_DATA_KEY"),
		VaultKeyTTL:        getEnvDuration("VAULT_KEY_TTL", 10*time.Minute),
		MTMClientID:        os.Getenv("MTM_CLIENT_ID"),
		MTMClientSecret:    os.Getenv("MTM_CLIENT_SECRET"),
		MTMBaseURL:         strings.TrimRight(os.Getenv("MTM_BASE_URL"), "/"),
		MTMRedirectURL:     os.Getenv("MTM_REDIRECT_URL"),
		MTMPageSize:        getEnvInt("MTM_PAGE_SIZE", 50),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GeocodingAPIKey:    os.Getenv("GEOCODING_API_KEY"),
		VenuesFile:         os.Getenv("VENUES_FILE"),
	}

	if cfg.LockBackend != "memory" && cfg.LockBackend != "redis" {
		return nil, fmt.Errorf("LOCK_BACKEND must be memory or redis, got %q", cfg.LockBackend)
	}
	if cfg.LockBackend == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=redis")
	}

	return cfg, nil
}

// Warnings lists optional integrations that are not configured. Missing
// credentials disable a feature instead of failing startup.
func (c *Config) Warnings() []string {
	var out []string
	if c.MTMClientID == "" || c.MTMClientSecret == "" || c.MTMBaseURL == "" {
		out = append(out, "MTM_CLIENT_ID, MTM_CLIENT_SECRET or MTM_BASE_URL not set, MTM connections will not work")
	}
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		out = append(out, "GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Google Calendar source and mirror will not work")
	}
	if c.GeocodingAPIKey == "" {
		out = append(out, "GEOCODING_API_KEY not set, meeting locations will not be geocoded")
	}
	return out
}

// SyncWindow returns the [from, to] range a pass started at now covers.
func (c *Config) SyncWindow(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -c.WindowPastDays), now.AddDate(0, 0, c.WindowFutureDays)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

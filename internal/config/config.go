// Package config loads coordinator configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all coordinator configuration values.
type Config struct {
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	FirebaseProjectID string
	RedisURL          string

	WakeHostURL            string
	DispatcherWebhookURL   string
	DispatcherWebhookSecret string
	InternalAPIKey         string

	IdentityTokenSecret   string
	IdentityTokenJWKSURL  string

	SessionIDMode string // "lenient" or "strict"

	// MCPAllowedHosts, when non-empty, is the Host-header allow-list for
	// the MCP transport (DNS-rebinding protection).
	MCPAllowedHosts []string

	InteractiveTimeout    time.Duration
	ReconciliationTimeout time.Duration

	MaxBodyBytes int64
	LogLevel     string

	EnableInProcessCron bool
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("COORDINATOR_GRACEFUL_TIMEOUT_SEC", 15)
	interactiveSec := getEnvInt("COORDINATOR_INTERACTIVE_TIMEOUT_SEC", 30)
	reconcileSec := getEnvInt("COORDINATOR_RECONCILE_TIMEOUT_SEC", 120)

	return &Config{
		Addr:            getEnv("COORDINATOR_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		FirebaseProjectID: getEnv("FIREBASE_PROJECT_ID", ""),
		RedisURL:          getEnv("REDIS_URL", "redis://redis:6379"),

		WakeHostURL:             getEnv("WAKE_HOST_URL", ""),
		DispatcherWebhookURL:    getEnv("DISPATCHER_WEBHOOK_URL", ""),
		DispatcherWebhookSecret: getEnv("DISPATCHER_WEBHOOK_SECRET", ""),
		InternalAPIKey:          getEnv("INTERNAL_API_KEY", ""),

		IdentityTokenSecret:  getEnv("IDENTITY_TOKEN_SECRET", ""),
		IdentityTokenJWKSURL: getEnv("IDENTITY_TOKEN_JWKS_URL", ""),

		SessionIDMode: getEnv("SESSION_ID_MODE", "lenient"),

		MCPAllowedHosts: getEnvList("MCP_ALLOWED_HOSTS"),

		InteractiveTimeout:    time.Duration(interactiveSec) * time.Second,
		ReconciliationTimeout: time.Duration(reconcileSec) * time.Second,

		MaxBodyBytes: int64(getEnvInt("COORDINATOR_MAX_BODY_BYTES", 1*1024*1024)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		EnableInProcessCron: getEnvBool("COORDINATOR_ENABLE_CRON", false),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StrictSessionIDs reports whether session-id format violations are
// rejected (strict) or accepted (lenient).
func (c *Config) StrictSessionIDs() bool {
	return c.SessionIDMode == "strict"
}

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

func getEnvList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

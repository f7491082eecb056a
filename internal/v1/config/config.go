package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port              string
	RedisAddr         string
	AuthServiceURL    string
	BackendServiceURL string
	InternalAPIKey    string
	MediaWorkerPath   string
	AllowedOrigins    string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisPassword string
	RedisDB       int
	RedisEventsDB int

	// Worker pool
	MediaWorkerCount      int
	MediaWorkerBackoffMax time.Duration

	// Rooms
	RoomSeatCount  int
	RoomCloseGrace time.Duration

	// Gift buffer
	GiftFlushInterval time.Duration
	GiftFlushMax      int
	GiftBufferCap     int

	// Rate limits (ulule formatted, e.g. "60-M")
	ChatRateLimit string
	GiftRateLimit string

	// Dev / observability
	SkipAuth        bool
	DevelopmentMode bool
	TracingEnabled  bool
	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Required: REDIS_ADDR (format: host:port)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = parseIntInRange("REDIS_DB", 0, 0, 15, &errors)
	cfg.RedisEventsDB = parseIntInRange("REDIS_EVENTS_DB", 3, 0, 15, &errors)

	// Required: AUTH_SERVICE_URL and BACKEND_SERVICE_URL (absolute http(s) URLs)
	cfg.AuthServiceURL = os.Getenv("AUTH_SERVICE_URL")
	if cfg.AuthServiceURL == "" {
		errors = append(errors, "AUTH_SERVICE_URL is required")
	} else if !isValidBaseURL(cfg.AuthServiceURL) {
		errors = append(errors, fmt.Sprintf("AUTH_SERVICE_URL must be an absolute http(s) URL (got '%s')", cfg.AuthServiceURL))
	}
	cfg.BackendServiceURL = os.Getenv("BACKEND_SERVICE_URL")
	if cfg.BackendServiceURL == "" {
		errors = append(errors, "BACKEND_SERVICE_URL is required")
	} else if !isValidBaseURL(cfg.BackendServiceURL) {
		errors = append(errors, fmt.Sprintf("BACKEND_SERVICE_URL must be an absolute http(s) URL (got '%s')", cfg.BackendServiceURL))
	}

	// Required: INTERNAL_API_KEY (minimum 16 characters)
	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")
	if cfg.InternalAPIKey == "" {
		errors = append(errors, "INTERNAL_API_KEY is required")
	} else if len(cfg.InternalAPIKey) < 16 {
		errors = append(errors, fmt.Sprintf("INTERNAL_API_KEY must be at least 16 characters (got %d)", len(cfg.InternalAPIKey)))
	}

	// Required: MEDIA_WORKER_PATH (worker binary)
	cfg.MediaWorkerPath = os.Getenv("MEDIA_WORKER_PATH")
	if cfg.MediaWorkerPath == "" {
		errors = append(errors, "MEDIA_WORKER_PATH is required")
	}

	// Required: ALLOWED_ORIGINS
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	if cfg.AllowedOrigins == "" {
		errors = append(errors, "ALLOWED_ORIGINS is required (comma-separated origins)")
	}

	// Optional: GO_ENV (defaults to "development")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "development")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Worker pool sizing
	cfg.MediaWorkerCount = parseIntInRange("MEDIA_WORKER_COUNT", runtime.NumCPU(), 1, 128, &errors)
	cfg.MediaWorkerBackoffMax = parseDuration("MEDIA_WORKER_BACKOFF_MAX", 30*time.Second, &errors)

	// Rooms
	cfg.RoomSeatCount = parseIntInRange("ROOM_SEAT_COUNT", 15, 1, 15, &errors)
	cfg.RoomCloseGrace = parseDuration("ROOM_CLOSE_GRACE", 30*time.Second, &errors)

	// Gift buffer
	cfg.GiftFlushInterval = parseDuration("GIFT_FLUSH_INTERVAL", 500*time.Millisecond, &errors)
	cfg.GiftFlushMax = parseIntInRange("GIFT_FLUSH_MAX", 50, 1, 1000, &errors)
	cfg.GiftBufferCap = parseIntInRange("GIFT_BUFFER_CAP", 1000, 1, 100000, &errors)

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.ChatRateLimit = getEnvOrDefault("CHAT_RATE_LIMIT", "60-M")
	cfg.GiftRateLimit = getEnvOrDefault("GIFT_RATE_LIMIT", "330-M")

	// Dev / observability
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTLPEndpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	cfg.ShutdownTimeout = parseDuration("SHUTDOWN_TIMEOUT", 30*time.Second, &errors)

	// SKIP_AUTH must never survive into production
	if cfg.SkipAuth && cfg.GoEnv == "production" {
		errors = append(errors, "SKIP_AUTH=true is not allowed when GO_ENV=production")
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// isValidBaseURL checks the value parses as an absolute http or https URL.
func isValidBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// parseIntInRange reads an integer env var with a default and bounds check.
func parseIntInRange(key string, def, min, max int, errors *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		*errors = append(*errors, fmt.Sprintf("%s must be an integer between %d and %d (got '%s')", key, min, max, raw))
		return def
	}
	return v
}

// parseDuration reads a duration env var ("500ms", "30s") with a default.
func parseDuration(key string, def time.Duration, errors *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errors = append(*errors, fmt.Sprintf("%s must be a positive duration like '500ms' or '30s' (got '%s')", key, raw))
		return def
	}
	return d
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"redis_events_db", cfg.RedisEventsDB,
		"auth_service_url", cfg.AuthServiceURL,
		"backend_service_url", cfg.BackendServiceURL,
		"internal_api_key", redactSecret(cfg.InternalAPIKey),
		"media_worker_path", cfg.MediaWorkerPath,
		"media_worker_count", cfg.MediaWorkerCount,
		"room_seat_count", cfg.RoomSeatCount,
		"room_close_grace", cfg.RoomCloseGrace,
		"gift_flush_interval", cfg.GiftFlushInterval,
		"chat_rate_limit", cfg.ChatRateLimit,
		"gift_rate_limit", cfg.GiftRateLimit,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"skip_auth", cfg.SkipAuth,
		"tracing_enabled", cfg.TracingEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

// OriginList splits the configured ALLOWED_ORIGINS into a slice.
func (c *Config) OriginList() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var managedVars = []string{
	"PORT", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_EVENTS_DB",
	"AUTH_SERVICE_URL", "BACKEND_SERVICE_URL", "INTERNAL_API_KEY",
	"MEDIA_WORKER_PATH", "MEDIA_WORKER_COUNT", "MEDIA_WORKER_BACKOFF_MAX",
	"ALLOWED_ORIGINS", "GO_ENV", "LOG_LEVEL", "ROOM_SEAT_COUNT",
	"ROOM_CLOSE_GRACE", "GIFT_FLUSH_INTERVAL", "GIFT_FLUSH_MAX",
	"GIFT_BUFFER_CAP", "CHAT_RATE_LIMIT", "GIFT_RATE_LIMIT", "SKIP_AUTH",
	"DEVELOPMENT_MODE", "TRACING_ENABLED", "SHUTDOWN_TIMEOUT",
}

// setupTestEnv clears managed environment variables and returns a cleanup
// function restoring the originals.
func setupTestEnv(t *testing.T) func() {
	t.Helper()
	origVars := make(map[string]string, len(managedVars))
	for _, key := range managedVars {
		origVars[key] = os.Getenv(key)
		os.Unsetenv(key)
	}

	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

// setRequiredEnv sets the minimum set of variables ValidateEnv demands.
func setRequiredEnv() {
	os.Setenv("REDIS_ADDR", "localhost:6379")
	os.Setenv("AUTH_SERVICE_URL", "http://auth.internal:9000")
	os.Setenv("BACKEND_SERVICE_URL", "http://backend.internal:9100")
	os.Setenv("INTERNAL_API_KEY", "a-sufficiently-long-internal-key")
	os.Setenv("MEDIA_WORKER_PATH", "/usr/local/bin/media-worker")
	os.Setenv("ALLOWED_ORIGINS", "http://localhost:3000")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("PORT", "9090")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected PORT to be '9090', got '%s'", cfg.Port)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR to be set correctly, got '%s'", cfg.RedisAddr)
	}
	if cfg.GoEnv != "development" {
		t.Errorf("Expected GO_ENV to default to 'development', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.RedisEventsDB != 3 {
		t.Errorf("Expected REDIS_EVENTS_DB to default to 3, got %d", cfg.RedisEventsDB)
	}
	if cfg.RoomSeatCount != 15 {
		t.Errorf("Expected ROOM_SEAT_COUNT to default to 15, got %d", cfg.RoomSeatCount)
	}
	if cfg.RoomCloseGrace != 30*time.Second {
		t.Errorf("Expected ROOM_CLOSE_GRACE to default to 30s, got %v", cfg.RoomCloseGrace)
	}
	if cfg.GiftFlushInterval != 500*time.Millisecond {
		t.Errorf("Expected GIFT_FLUSH_INTERVAL to default to 500ms, got %v", cfg.GiftFlushInterval)
	}
	if cfg.ChatRateLimit != "60-M" || cfg.GiftRateLimit != "330-M" {
		t.Errorf("Expected default rate limits 60-M / 330-M, got %s / %s", cfg.ChatRateLimit, cfg.GiftRateLimit)
	}
}

func TestValidateEnv_MissingRequired(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing required variables, got nil")
	}
	for _, want := range []string{
		"REDIS_ADDR is required",
		"AUTH_SERVICE_URL is required",
		"BACKEND_SERVICE_URL is required",
		"INTERNAL_API_KEY is required",
		"MEDIA_WORKER_PATH is required",
		"ALLOWED_ORIGINS is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("Expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_InvalidServiceURL(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("AUTH_SERVICE_URL", "not-a-url")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid AUTH_SERVICE_URL, got nil")
	}
	if !strings.Contains(err.Error(), "AUTH_SERVICE_URL must be an absolute http(s) URL") {
		t.Errorf("Expected error message about AUTH_SERVICE_URL, got: %v", err)
	}
}

func TestValidateEnv_ShortInternalKey(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("INTERNAL_API_KEY", "short")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for short INTERNAL_API_KEY, got nil")
	}
	if !strings.Contains(err.Error(), "must be at least 16 characters") {
		t.Errorf("Expected error message about INTERNAL_API_KEY length, got: %v", err)
	}
}

func TestValidateEnv_SeatCountBounds(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("ROOM_SEAT_COUNT", "16")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for out-of-range ROOM_SEAT_COUNT, got nil")
	}
	if !strings.Contains(err.Error(), "ROOM_SEAT_COUNT must be an integer between 1 and 15") {
		t.Errorf("Expected error message about ROOM_SEAT_COUNT, got: %v", err)
	}
}

func TestValidateEnv_SkipAuthInProduction(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("SKIP_AUTH", "true")
	os.Setenv("GO_ENV", "production")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for SKIP_AUTH in production, got nil")
	}
	if !strings.Contains(err.Error(), "SKIP_AUTH=true is not allowed when GO_ENV=production") {
		t.Errorf("Expected error message about SKIP_AUTH, got: %v", err)
	}
}

func TestValidateEnv_DurationParsing(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("ROOM_CLOSE_GRACE", "10s")
	os.Setenv("GIFT_FLUSH_INTERVAL", "250ms")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.RoomCloseGrace != 10*time.Second {
		t.Errorf("Expected ROOM_CLOSE_GRACE 10s, got %v", cfg.RoomCloseGrace)
	}
	if cfg.GiftFlushInterval != 250*time.Millisecond {
		t.Errorf("Expected GIFT_FLUSH_INTERVAL 250ms, got %v", cfg.GiftFlushInterval)
	}
}

func TestValidateEnv_InvalidDuration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequiredEnv()
	os.Setenv("ROOM_CLOSE_GRACE", "soon")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid ROOM_CLOSE_GRACE, got nil")
	}
	if !strings.Contains(err.Error(), "ROOM_CLOSE_GRACE must be a positive duration") {
		t.Errorf("Expected error message about ROOM_CLOSE_GRACE, got: %v", err)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:6379", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "redis.internal:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":6379", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:6379:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}

func TestOriginList(t *testing.T) {
	cfg := &Config{AllowedOrigins: "http://localhost:3000, https://app.flylive.io ,"}
	got := cfg.OriginList()
	if len(got) != 2 {
		t.Fatalf("Expected 2 origins, got %d: %v", len(got), got)
	}
	if got[0] != "http://localhost:3000" || got[1] != "https://app.flylive.io" {
		t.Errorf("Unexpected origins: %v", got)
	}
}

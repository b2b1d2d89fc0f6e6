// Package config defines runtime defaults, environment parsing and validation
// for the roomchat service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for message rate limiting. WebSocket
// connections get a token bucket of Burst tokens refilled over RefillInterval;
// the HTTP send endpoint allows Burst sends per RefillInterval per client.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	LogFile        string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	NATSURL     string

	SubscriberBuffer  int
	KeepAliveInterval time.Duration
	UnreadPolicy      string

	OTLPEndpoint string
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:     ":8080",
		Env:      "development",
		LogLevel: "info",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		StoreDriver:       "memory",
		SQLitePath:        "./data/roomchat.db",
		SubscriberBuffer:  256,
		KeepAliveInterval: 15 * time.Second,
		UnreadPolicy:      "all",
	}
}

// Sanitize replaces unusable values with defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.StoreDriver == "" {
		c.StoreDriver = def.StoreDriver
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.UnreadPolicy != "others" {
		c.UnreadPolicy = def.UnreadPolicy
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads a .env file when present and then builds the configuration from
// the environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv creates a Config from environment variables.
// Falls back to default values if environment variables are not set.
func FromEnv() Config {
	cfg := Default()

	cfg.Port = getEnv("SERVER_PORT", cfg.Port)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = os.Getenv("LOG_FILE")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	if buffer := os.Getenv("SUBSCRIBER_BUFFER"); buffer != "" {
		cfg.SubscriberBuffer = parseIntValue(buffer, cfg.SubscriberBuffer)
	}
	if keepAlive := os.Getenv("KEEPALIVE_INTERVAL"); keepAlive != "" {
		cfg.KeepAliveInterval = parseSeconds(keepAlive, cfg.KeepAliveInterval)
	}
	cfg.UnreadPolicy = getEnv("UNREAD_POLICY", cfg.UnreadPolicy)
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg.Sanitize()
}

// StoreDSN returns the connection string for the configured store driver.
func (c Config) StoreDSN() string {
	switch c.StoreDriver {
	case "postgres":
		return c.DatabaseURL
	case "sqlite":
		return c.SQLitePath
	default:
		return ""
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

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
	// Environment
	GoEnv string `env:"GO_ENV" default:"development"`

	// Service Ports
	BrokerHost string `env:"BROKER_HOST" default:"127.0.0.1"`
	BrokerPort int    `env:"BROKER_PORT" default:"8090"`
	EchoPort   int    `env:"ECHO_PORT" default:"8091"`

	// Upstream endpoint shared by every client context
	UpstreamURL    string        `env:"UPSTREAM_URL" default:"ws://127.0.0.1:8091/ws"`
	UpstreamToken  string        `env:"UPSTREAM_TOKEN"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" default:"3s"`

	// Client side
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" default:"5s"`

	// Router bookkeeping for in-flight composite ids
	PendingMax int           `env:"PENDING_MAX" default:"10000"`
	PendingTTL time.Duration `env:"PENDING_TTL" default:"2m"`

	// Per client inbound rate limit
	ClientRateLimit float64 `env:"CLIENT_RATE_LIMIT" default:"10"`
	ClientRateBurst int     `env:"CLIENT_RATE_BURST" default:"20"`

	// Client auth, empty = /ws is open
	JWTSecret string `env:"JWT_SECRET"`

	// Response cache
	CacheBackend  string `env:"CACHE_BACKEND" default:"memory"`
	RedisURL      string `env:"REDIS_URL" default:"redis://localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" default:"0"`

	// Development
	LogLevel    string   `env:"LOG_LEVEL" default:"info"`
	LogFormat   string   `env:"LOG_FORMAT" default:"text"`
	CORSOrigins []string `env:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:8090"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, system env vars still apply without it
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	config := &Config{}

	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}

	// Ports
	if err := loadEnvString(&config.BrokerHost, "BROKER_HOST", "127.0.0.1"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.BrokerPort, "BROKER_PORT", 8090); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.EchoPort, "ECHO_PORT", 8091); err != nil {
		return nil, err
	}

	// Upstream
	if err := loadEnvString(&config.UpstreamURL, "UPSTREAM_URL", "ws://127.0.0.1:8091/ws"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.UpstreamToken, "UPSTREAM_TOKEN", ""); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.ReconnectDelay, "RECONNECT_DELAY", 3*time.Second); err != nil {
		return nil, err
	}

	// Client
	if err := loadEnvDuration(&config.RequestTimeout, "REQUEST_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	// Router
	if err := loadEnvInt(&config.PendingMax, "PENDING_MAX", 10000); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.PendingTTL, "PENDING_TTL", 2*time.Minute); err != nil {
		return nil, err
	}

	// Rate limit
	if err := loadEnvFloat(&config.ClientRateLimit, "CLIENT_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.ClientRateBurst, "CLIENT_RATE_BURST", 20); err != nil {
		return nil, err
	}

	// Client auth
	if err := loadEnvString(&config.JWTSecret, "JWT_SECRET", ""); err != nil {
		return nil, err
	}

	// Cache
	if err := loadEnvString(&config.CacheBackend, "CACHE_BACKEND", "memory"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", "redis://localhost:6379"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", ""); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RedisDB, "REDIS_DB", 0); err != nil {
		return nil, err
	}

	// Development
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", "text"); err != nil {
		return nil, err
	}
	if err := loadEnvStringSlice(&config.CORSOrigins, "CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:8090"}); err != nil {
		return nil, err
	}

	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string, defaultValue []string) error {
	if value := os.Getenv(key); value != "" {
		*target = strings.Split(value, ",")
		// Trim whitespace from each element
		for i, v := range *target {
			(*target)[i] = strings.TrimSpace(v)
		}
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate ports are in valid range
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		errors = append(errors, "BROKER_PORT must be between 1 and 65535")
	}
	if c.EchoPort < 1 || c.EchoPort > 65535 {
		errors = append(errors, "ECHO_PORT must be between 1 and 65535")
	}

	if !strings.HasPrefix(c.UpstreamURL, "ws://") && !strings.HasPrefix(c.UpstreamURL, "wss://") {
		errors = append(errors, "UPSTREAM_URL must use the ws:// or wss:// scheme")
	}
	if c.ReconnectDelay <= 0 {
		errors = append(errors, "RECONNECT_DELAY must be positive")
	}
	if c.RequestTimeout <= 0 {
		errors = append(errors, "REQUEST_TIMEOUT must be positive")
	}
	if c.PendingMax < 1 {
		errors = append(errors, "PENDING_MAX must be at least 1")
	}
	if c.PendingTTL <= 0 {
		errors = append(errors, "PENDING_TTL must be positive")
	}
	if c.ClientRateLimit <= 0 || c.ClientRateBurst < 1 {
		errors = append(errors, "CLIENT_RATE_LIMIT and CLIENT_RATE_BURST must be positive")
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT_SECRET must be at least 32 characters")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required in production")
	}

	validBackends := []string{"memory", "redis"}
	if !contains(validBackends, c.CacheBackend) {
		errors = append(errors, fmt.Sprintf("CACHE_BACKEND must be one of: %s", strings.Join(validBackends, ", ")))
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	// Validate log format
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// BrokerAddr is the listen address of the broker HTTP server
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}

// RedisAddr strips the scheme from REDIS_URL
func (c *Config) RedisAddr() string {
	addr := strings.TrimPrefix(c.RedisURL, "redis://")
	return strings.TrimPrefix(addr, "rediss://")
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

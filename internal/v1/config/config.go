package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	ReconnectTokenSecret string
	Port                 string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	DevelopmentMode bool
	AllowedOrigins  string

	// Comma-separated list of puzzle sources the download proxy (§6.4) is
	// permitted to fetch from. A request's source must equal an entry
	// exactly; it is also the base URL of the upstream fetch.
	PuzzleSourceWhitelist string

	// Rate limits
	RateLimitPuzzleFetch    string
	RateLimitSignalingIP    string
	RateLimitVisitorPublish string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: RECONNECT_TOKEN_SECRET (minimum 32 characters), used to
	// HMAC-sign the visitor reconnect token the broker hands every
	// connection in its welcome frame (§4.3.2).
	cfg.ReconnectTokenSecret = os.Getenv("RECONNECT_TOKEN_SECRET")
	if cfg.ReconnectTokenSecret == "" {
		errors = append(errors, "RECONNECT_TOKEN_SECRET is required")
	} else if len(cfg.ReconnectTokenSecret) < 32 {
		errors = append(errors, fmt.Sprintf("RECONNECT_TOKEN_SECRET must be at least 32 characters (got %d)", len(cfg.ReconnectTokenSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (read only if REDIS_ENABLED=true; defaults to
	// localhost:6379 when unset)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.PuzzleSourceWhitelist = getEnvOrDefault("PUZZLE_SOURCE_WHITELIST", "")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitPuzzleFetch = getEnvOrDefault("RATE_LIMIT_PUZZLE_FETCH", "100-M")
	cfg.RateLimitSignalingIP = getEnvOrDefault("RATE_LIMIT_SIGNALING_IP", "30-M")
	cfg.RateLimitVisitorPublish = getEnvOrDefault("RATE_LIMIT_VISITOR_PUBLISH", "600-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("Configuration",
		"reconnect_token_secret", redactSecret(cfg.ReconnectTokenSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_puzzle_fetch", cfg.RateLimitPuzzleFetch,
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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// App environment: dev | test | production. dev/test relax WS auth.
	AppEnv string

	LogLevel       string
	AllowedOrigins string

	// Redis (optional; in-memory backends are used when disabled)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Postgres (optional; persistence hooks become no-ops when empty)
	DatabaseURL string

	// Optional JWKS validation instead of the shared-secret validator
	JWKSDomain   string
	JWKSAudience string

	// Voice capture / ASR
	VoiceCaptureEnabled bool
	VoiceMaxTotalMB     int
	VoiceASRModel       string

	// AI summaries
	AISummaryEnabled              bool
	AISummaryMinChars             int
	AISummaryParticipantBreakdown bool
	AISummaryMaxMessages          int
	AIModelProvider               string
	AIModelFallback               string
	OpenAIAPIKey                  string

	// Call invites
	CallInvitesBackend string // memory | redis
	CallInviteTTLMem   time.Duration
	CallInviteTTLRedis time.Duration

	// Fixed-window limit for non-WS endpoints, "<count>/<seconds>"
	RateLimit string

	// Tracing (optional)
	OTelCollectorAddr string
}

// IsDev reports whether WS endpoints may accept guests without a token.
func (c *Config) IsDev() bool {
	return c.AppEnv == "dev" || c.AppEnv == "test"
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.AppEnv = getEnvOrDefault("APP_ENV", "dev")
	switch cfg.AppEnv {
	case "dev", "test", "production":
	default:
		errs = append(errs, fmt.Sprintf("APP_ENV must be one of dev, test, production (got '%s')", cfg.AppEnv))
	}

	// Required: JWT_SECRET in production (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if cfg.AppEnv == "production" {
			errs = append(errs, "JWT_SECRET is required in production")
		}
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("PORT", "8000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.JWKSDomain = os.Getenv("AUTH_JWKS_DOMAIN")
	cfg.JWKSAudience = os.Getenv("AUTH_JWKS_AUDIENCE")

	cfg.VoiceCaptureEnabled = os.Getenv("VOICE_CAPTURE_ENABLED") == "true"
	cfg.VoiceMaxTotalMB = getEnvIntOrDefault("VOICE_MAX_TOTAL_MB", 30, &errs)
	cfg.VoiceASRModel = getEnvOrDefault("VOICE_ASR_MODEL", "whisper-1")

	cfg.AISummaryEnabled = os.Getenv("AI_SUMMARY_ENABLED") == "true"
	cfg.AISummaryMinChars = getEnvIntOrDefault("AI_SUMMARY_MIN_CHARS", 0, &errs)
	cfg.AISummaryParticipantBreakdown = os.Getenv("AI_SUMMARY_PARTICIPANT_BREAKDOWN") == "true"
	cfg.AISummaryMaxMessages = getEnvIntOrDefault("AI_SUMMARY_MAX_MESSAGES", 4000, &errs)
	cfg.AIModelProvider = os.Getenv("AI_MODEL_PROVIDER")
	cfg.AIModelFallback = os.Getenv("AI_MODEL_FALLBACK")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	cfg.CallInvitesBackend = getEnvOrDefault("CALL_INVITES_BACKEND", "memory")
	if cfg.CallInvitesBackend != "memory" && cfg.CallInvitesBackend != "redis" {
		errs = append(errs, fmt.Sprintf("CALL_INVITES_BACKEND must be 'memory' or 'redis' (got '%s')", cfg.CallInvitesBackend))
	}
	cfg.CallInviteTTLMem = getEnvDurationOrDefault("CALL_INVITE_TTL_MEMORY", 30*time.Second, &errs)
	cfg.CallInviteTTLRedis = getEnvDurationOrDefault("CALL_INVITE_TTL_REDIS", 15*time.Minute, &errs)

	cfg.RateLimit = os.Getenv("RATE_LIMIT")
	if cfg.RateLimit != "" {
		if _, _, err := ParseRateLimit(cfg.RateLimit); err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ParseRateLimit parses the "<count>/<seconds>" fixed-window form.
func ParseRateLimit(s string) (count int, window time.Duration, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("RATE_LIMIT must be in format '<count>/<seconds>' (got '%s')", s)
	}
	count, err = strconv.Atoi(parts[0])
	if err != nil || count < 1 {
		return 0, 0, fmt.Errorf("RATE_LIMIT count must be a positive integer (got '%s')", parts[0])
	}
	secs, err := strconv.Atoi(parts[1])
	if err != nil || secs < 1 {
		return 0, 0, fmt.Errorf("RATE_LIMIT window must be a positive number of seconds (got '%s')", parts[1])
	}
	return count, time.Duration(secs) * time.Second, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"app_env", cfg.AppEnv,
		"port", cfg.Port,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"database", cfg.DatabaseURL != "",
		"voice_capture", cfg.VoiceCaptureEnabled,
		"ai_summary", cfg.AISummaryEnabled,
		"call_invites_backend", cfg.CallInvitesBackend,
		"rate_limit", cfg.RateLimit,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration like '30s' or '15m' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

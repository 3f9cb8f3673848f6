package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Durable store backends.
const (
	DurableBackendFile   = "file"
	DurableBackendRedis  = "redis"
	DurableBackendSQLite = "sqlite"
)

// Teardown dispatch modes.
const (
	DispatchModeBeacon = "beacon"
	DispatchModeStream = "stream"
	DispatchModeNone   = "none"
)

// Config holds all application configuration. The client binary and the
// development backend read the same environment; each uses its own subset.
type Config struct {
	LogLevel  string
	LogFormat string

	// ─── Exam client ───────────────────────────────────────────────────
	APIBaseURL         string
	WSURL              string
	AuthToken          string
	DevStudentID       int
	SubjectID          string
	DurableBackend     string
	StateDir           string
	RedisURL           string
	DispatchMode       string
	DispatchTimeout    time.Duration
	RequestTimeout     time.Duration
	SubmitMaxAttempts  int
	SubmitRetryBackoff time.Duration

	// ─── Development backend ───────────────────────────────────────────
	ServerPort      string
	GinMode         string
	JWTSecret       string
	JWTExpiry       time.Duration
	AttemptDuration time.Duration
	// TokenRateLimit is the sustained token-issuance rate per client IP, per minute.
	TokenRateLimit int
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // .env is optional

	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "pretty"),

		APIBaseURL:         strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/"),
		WSURL:              getEnv("WS_URL", "ws://localhost:8080/ws/v1/student/stream"),
		AuthToken:          getEnv("AUTH_TOKEN", ""),
		DevStudentID:       getEnvInt("DEV_STUDENT_ID", 0),
		SubjectID:          getEnv("SUBJECT_ID", ""),
		DurableBackend:     getEnv("DURABLE_BACKEND", DurableBackendFile),
		StateDir:           getEnv("STATE_DIR", defaultStateDir()),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DispatchMode:       getEnv("DISPATCH_MODE", DispatchModeBeacon),
		DispatchTimeout:    getEnvMillis("DISPATCH_TIMEOUT_MS", 3000),
		RequestTimeout:     getEnvMillis("REQUEST_TIMEOUT_MS", 10000),
		SubmitMaxAttempts:  getEnvInt("SUBMIT_MAX_ATTEMPTS", 3),
		SubmitRetryBackoff: getEnvMillis("SUBMIT_RETRY_BACKOFF_MS", 500),

		ServerPort:      getEnv("SERVER_PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		JWTSecret:       getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		JWTExpiry:       time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,
		AttemptDuration: time.Duration(getEnvInt("ATTEMPT_DURATION_MINUTES", 60)) * time.Minute,
		TokenRateLimit:  getEnvInt("TOKEN_RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:  parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
	}
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
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

// defaultStateDir places durable state under the user's config directory,
// falling back to the working directory when that cannot be resolved.
func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".exstem"
	}
	return dir + string(os.PathSeparator) + "exstem"
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

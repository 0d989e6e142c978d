// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Env selects the log format: EnvDevelopment gives console output.
	Env string

	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	NATSMaxReconnects   int
	NATSReconnectWait   time.Duration
	NATSReconnectBuffer int

	// Storage
	StoreBackend string
	RedisURL     string
	FlagFile     string

	// JWT settings
	JWTSecret string

	// Moderation
	ModerationPolicy    string
	ModerationTermsFile string
	OpenAIAPIKey        string
	OpenAIBaseURL       string

	// Send pipeline
	SendMaxRetries     uint64
	SendRetryInitial   time.Duration
	SendRetryMax       time.Duration
	SendAttemptTimeout time.Duration
	SendRetryWindow    time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// SSE
	HeartbeatInterval time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Env: getEnv("ENV", EnvProduction),

		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSOrigins:        getListEnv("CORS_ORIGINS", []string{"*"}),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// A negative value reconnects forever.
		NATSMaxReconnects:   getIntEnv("NATS_MAX_RECONNECTS", -1),
		NATSReconnectWait:   getDurationEnv("NATS_RECONNECT_WAIT", 2*time.Second),
		NATSReconnectBuffer: getIntEnv("NATS_RECONNECT_BUFFER", 8*1024*1024),

		// Storage
		StoreBackend: getEnv("STORE_BACKEND", BackendRedis),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		FlagFile:     getEnv("FLAG_FILE", "data/flags.json"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Moderation
		ModerationPolicy:    getEnv("MODERATION_POLICY", "warn_once"),
		ModerationTermsFile: getEnv("MODERATION_TERMS_FILE", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),

		// Send pipeline
		SendMaxRetries:     uint64(getIntEnv("SEND_MAX_RETRIES", 4)),
		SendRetryInitial:   getDurationEnv("SEND_RETRY_INITIAL", 250*time.Millisecond),
		SendRetryMax:       getDurationEnv("SEND_RETRY_MAX", 5*time.Second),
		SendAttemptTimeout: getDurationEnv("SEND_ATTEMPT_TIMEOUT", 10*time.Second),
		SendRetryWindow:    getDurationEnv("SEND_RETRY_WINDOW", 30*time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// SSE
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.StoreBackend == BackendMemory && c.FlagFile == "" {
		return fmt.Errorf("FLAG_FILE is required with the memory backend")
	}
	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

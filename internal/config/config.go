package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the notes gateway daemon
type Config struct {
	// Admin HTTP server (health, readiness, metrics)
	Port string `envconfig:"PORT" default:"8081"`

	// Summarization backend endpoints.
	// BackendOrigin is used for the synchronous HTTP fallback (POST /summarize);
	// StreamURL is the websocket endpoint for the streaming path.
	BackendOrigin string `envconfig:"BACKEND_ORIGIN" default:"http://localhost:5001"`
	StreamURL     string `envconfig:"STREAM_URL" default:"ws://localhost:5001/stream"`

	// Hosted auth platform. When SessionToken is set the daemon runs with a
	// fixed bearer token and never talks to the auth service (dev/test mode).
	AuthURL      string `envconfig:"AUTH_URL" default:""`
	AuthAPIKey   string `envconfig:"AUTH_API_KEY" default:""`
	SessionToken string `envconfig:"SESSION_TOKEN" default:""`

	// Deepgram STT API configuration (recognizer provider)
	DeepgramAPIKey     string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel      string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage   string `envconfig:"DEEPGRAM_LANGUAGE" default:"id"` // Language code (id, en, ...)
	DeepgramSampleRate int    `envconfig:"DEEPGRAM_SAMPLE_RATE" default:"16000"`
	DeepgramEncoding   string `envconfig:"DEEPGRAM_ENCODING" default:"linear16"`

	// Streaming summarization tunables
	WatchdogMs          int `envconfig:"WATCHDOG_MS" default:"3000"`           // No-first-token watchdog before HTTP fallback
	AuthTimeoutMs       int `envconfig:"AUTH_TIMEOUT_MS" default:"2000"`       // Bound on the authenticate handshake
	ConnectRetryDelayMs int `envconfig:"CONNECT_RETRY_DELAY_MS" default:"500"` // Single retry delay when socket not ready
	FallbackTimeoutMs   int `envconfig:"FALLBACK_TIMEOUT_MS" default:"15000"`  // HTTP fallback request timeout
	DebounceMs          int `envconfig:"DEBOUNCE_MS" default:"1200"`           // Auto-summarize debounce
	MinTranscriptChars  int `envconfig:"MIN_TRANSCRIPT_CHARS" default:"10"`    // Below this no auto-summarize fires
	HighlightDecayMs    int `envconfig:"HIGHLIGHT_DECAY_MS" default:"2500"`    // Added-span highlight lifetime

	// Local note history store
	HistoryDBPath string `envconfig:"HISTORY_DB_PATH" default:"notes.sqlite"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.SessionToken == "" && cfg.AuthURL == "" {
		return nil, fmt.Errorf("either SESSION_TOKEN or AUTH_URL is required")
	}
	if cfg.WatchdogMs <= 0 {
		return nil, fmt.Errorf("WATCHDOG_MS must be positive")
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string

	// Inference providers
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string

	// Speech synthesis
	ElevenLabsAPIKey string
	VoiceConfigPath  string // yaml profile, hot-reloaded when set

	// Per-identity admission control
	RateLimit       int
	RateLimitWindow time.Duration

	// Conversation context handed to the provider
	HistoryWindow int

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "24h"))
	if err != nil {
		jwtExpiry = 24 * time.Hour
	}
	window, err := time.ParseDuration(getenv("RATE_LIMIT_WINDOW", "1m"))
	if err != nil || window <= 0 {
		window = time.Minute
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		OpenAIAPIKey:    getenv("OPENAI_API_KEY", ""),
		OpenAIModel:     getenv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicAPIKey: getenv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getenv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),

		ElevenLabsAPIKey: getenv("ELEVENLABS_API_KEY", ""),
		VoiceConfigPath:  getenv("VOICE_CONFIG_PATH", ""),

		RateLimit:       getenvInt("RATE_LIMIT", 30, 1, 10000),
		RateLimitWindow: window,
		HistoryWindow:   getenvInt("HISTORY_WINDOW", 20, 1, 200),

		JWTSecret: os.Getenv("JWT_SECRET"), // Required in production - no fallback for security
		JWTExpiry: jwtExpiry,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvInt reads an integer env var clamped to [min, max]; malformed or
// missing values fall back to def.
func getenvInt(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

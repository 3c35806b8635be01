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
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	TokenExpiry time.Duration

	// Comma separated list of origins allowed by CORS.
	FrontendURLs []string

	LogLevel string
	Env      string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Inbound websocket frames per connection.
	WSMessagesPerSecond float64
	WSBurst             int
	// A websocket peer silent for WSPongWait is dropped. Pings go out every WSPingPeriod.
	WSPongWait   time.Duration
	WSPingPeriod time.Duration

	MaxImageBytes int64

	TracingEnabled  bool
	TracingEndpoint string
}

// Load reads an optional .env file and the process environment.
// cliMode relaxes the checks for commands that only talk to the admin API.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load(".env")

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "168h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	cfg := &Config{
		DBFile:      getEnv("DUET_DB", "duet.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath: getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: tokenExpiry,

		FrontendURLs: splitList(getEnv("FRONTEND_URL", "http://localhost:5173")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Env:      getEnv("DUET_ENV", "production"),

		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 300),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		WSMessagesPerSecond: getFloatEnv("WS_MESSAGES_PER_SECOND", 10),
		WSBurst:             getIntEnv("WS_BURST", 20),
		WSPongWait:          getDurationEnv("WS_PONG_WAIT", 60*time.Second),
		WSPingPeriod:        getDurationEnv("WS_PING_PERIOD", 54*time.Second),

		MaxImageBytes: int64(getIntEnv("MAX_IMAGE_BYTES", 5<<20)),

		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be greater than 0")
	}

	if c.WSMessagesPerSecond <= 0 || c.WSBurst <= 0 {
		return fmt.Errorf("WS_MESSAGES_PER_SECOND and WS_BURST must be greater than 0")
	}
	if c.WSPongWait <= 0 || c.WSPingPeriod <= 0 || c.WSPingPeriod >= c.WSPongWait {
		return fmt.Errorf("WS_PING_PERIOD must be positive and shorter than WS_PONG_WAIT")
	}

	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

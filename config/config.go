package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"position-tracker/internal/logger"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	LogLevel slog.Level

	// Infrastructure
	SQLitePath     string
	SQLiteRetain   time.Duration // closed positions older than this are pruned; 0 keeps them
	RedisAddr      string        // empty disables Redis
	RedisPassword  string
	RedisDB        int
	MetricsAddr    string
	APIAddr        string // empty disables the HTTP gateway
	SignalChannel  string
	EventChannel   string
	EventBufferMax int

	// Reconciliation
	ScanSchedule     string
	PriceSource      string // paper | angel
	PriceCacheTTL    time.Duration
	TolerancePct     float64
	SkipForwardPct   float64
	SkipForwardShort bool
	MaxActive        int
	PaperSeed        int64

	// Notification gate and delivery
	MinUpdateInterval    time.Duration
	MinStrengthDelta     int
	FreshExecutionWindow time.Duration
	DispatchShards       int
	DispatchQueue        int
	NotifyRetries        int
	TelegramToken        string
	TelegramChatID       string
	WebhookURL           string

	// Market session
	MarketHoursOnly bool
	MarketTZ        string
	MarketOpen      string
	MarketClose     string
	MarketHolidays  []string

	// Angel One SmartAPI (PRICE_SOURCE=angel only)
	AngelAPIKey     string
	AngelClientCode string
	AngelPIN        string
	AngelTOTPSecret string
	AngelRootURL    string
	AngelSymbols    string // SYMBOL=EXCHANGE:token, comma separated
	AngelRate       float64
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is read first; it never
// overrides variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	var missing []string
	mustEnv := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	c := &Config{
		LogLevel: logger.ParseLevel(getEnv("LOG_LEVEL", "info")),

		SQLitePath:     getEnv("SQLITE_PATH", "data/positions.db"),
		SQLiteRetain:   getEnvDuration("SQLITE_RETAIN", 30*24*time.Hour),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		SignalChannel:  getEnv("SIGNAL_CHANNEL", "signals"),
		EventChannel:   getEnv("EVENT_CHANNEL", "executions"),
		EventBufferMax: getEnvInt("EVENT_BUFFER_MAX", 10000),

		ScanSchedule:     getEnv("SCAN_SCHEDULE", "@every 5m"),
		PriceSource:      strings.ToLower(getEnv("PRICE_SOURCE", "paper")),
		PriceCacheTTL:    getEnvDuration("PRICE_CACHE_TTL", 30*time.Second),
		TolerancePct:     getEnvFloat("TOLERANCE_PCT", 0.1),
		SkipForwardPct:   getEnvFloat("SKIP_FORWARD_PCT", 1.0),
		SkipForwardShort: getEnvBool("SKIP_FORWARD_SHORT", false),
		MaxActive:        getEnvInt("MAX_ACTIVE_POSITIONS", 0),
		PaperSeed:        int64(getEnvInt("PAPER_SEED", 1)),

		MinUpdateInterval:    getEnvDuration("MIN_UPDATE_INTERVAL", 30*time.Minute),
		MinStrengthDelta:     getEnvInt("MIN_STRENGTH_DELTA", 10),
		FreshExecutionWindow: getEnvDuration("FRESH_EXECUTION_WINDOW", 5*time.Minute),
		DispatchShards:       getEnvInt("DISPATCH_SHARDS", 4),
		DispatchQueue:        getEnvInt("DISPATCH_QUEUE", 64),
		NotifyRetries:        getEnvInt("NOTIFY_RETRIES", 3),
		TelegramToken:        getEnv("TELEGRAM_TOKEN", ""),
		TelegramChatID:       getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:           getEnv("WEBHOOK_URL", ""),

		MarketHoursOnly: getEnvBool("MARKET_HOURS_ONLY", false),
		MarketTZ:        getEnv("MARKET_TZ", "IST"),
		MarketOpen:      getEnv("MARKET_OPEN", "09:15"),
		MarketClose:     getEnv("MARKET_CLOSE", "15:30"),
		MarketHolidays:  splitList(getEnv("MARKET_HOLIDAYS", "")),

		AngelRootURL: getEnv("ANGEL_ROOT_URL", ""),
		AngelRate:    getEnvFloat("ANGEL_RATE", 5),
	}

	switch c.PriceSource {
	case "paper":
	case "angel":
		c.AngelAPIKey = mustEnv("ANGEL_API_KEY")
		c.AngelClientCode = mustEnv("ANGEL_CLIENT_CODE")
		c.AngelPIN = mustEnv("ANGEL_PASSWORD")
		c.AngelTOTPSecret = mustEnv("ANGEL_TOTP_SECRET")
		c.AngelSymbols = mustEnv("ANGEL_SYMBOLS")
	default:
		return nil, fmt.Errorf("config: PRICE_SOURCE %q: want paper or angel", c.PriceSource)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required env vars not set: %s", strings.Join(missing, ", "))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		return nil, fmt.Errorf("config: TELEGRAM_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("config: invalid integer, using default", "key", key, "value", v)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("config: invalid number, using default", "key", key, "value", v)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("config: invalid boolean, using default", "key", key, "value", v)
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "30m") and bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	slog.Warn("config: invalid duration, using default", "key", key, "value", v)
	return fallback
}

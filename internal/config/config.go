package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Booking system types
const (
	EventSystemBMAC   = "bmac"
	EventSystemVATCAN = "vatcan"
)

const defaultDatafeedURL = "https://data.vatsim.net/v3/vatsim-data.json"

// Config holds the application configuration
type Config struct {
	DBConnStr string
	RedisAddr string
	NATSURL   string

	DatafeedURL string

	EventSystemType   string
	EventURL          string
	EventPullInterval time.Duration
	EventPrio         int

	OptimizeInterval time.Duration

	LogLevel string
	LogDir   string
}

// Load loads the configuration from environment variables and .env file
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	dbConnStr := os.Getenv("DB_CONN_STR")
	if dbConnStr == "" {
		return nil, fmt.Errorf("DB_CONN_STR environment variable is required")
	}

	cfg := &Config{
		DBConnStr:       dbConnStr,
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		DatafeedURL:     getEnv("DATAFEED_URL", defaultDatafeedURL),
		EventSystemType: strings.ToLower(getEnv("EVENT_SYSTEM_TYPE", EventSystemBMAC)),
		EventURL:        os.Getenv("EVENT_URL"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogDir:          os.Getenv("LOG_DIR"),
	}

	switch cfg.EventSystemType {
	case EventSystemBMAC, EventSystemVATCAN:
	default:
		return nil, fmt.Errorf("unsupported EVENT_SYSTEM_TYPE %q", cfg.EventSystemType)
	}

	pullMinutes, err := getInt("EVENT_PULL_INTERVAL", 2)
	if err != nil {
		return nil, err
	}
	if pullMinutes <= 0 {
		return nil, fmt.Errorf("EVENT_PULL_INTERVAL must be positive")
	}
	cfg.EventPullInterval = time.Duration(pullMinutes) * time.Minute

	if cfg.EventPrio, err = getInt("EVENT_PRIO", 10); err != nil {
		return nil, err
	}

	cfg.OptimizeInterval = time.Minute
	if v := os.Getenv("OPTIMIZE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OPTIMIZE_INTERVAL: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("OPTIMIZE_INTERVAL must be positive")
		}
		cfg.OptimizeInterval = d
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

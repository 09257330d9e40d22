// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration the engine's entry point needs.
type Config struct {
	// RefreshIntervalMS is the upstream snapshot cadence. Observational
	// only; the engine does not consume it to drive any timer.
	RefreshIntervalMS int

	// RabbitURL is the outbound bus connection string. Despite the name
	// (kept for backwards compatibility with existing deployments) it
	// dials the NATS cluster internal/bus connects to.
	RabbitURL string

	// RedisURL is the TTL store connection string.
	RedisURL string

	// LogLevel selects the logger's verbosity (debug, info, warn, error).
	LogLevel string

	// MetricsAddr is the listen address for the health/readiness/metrics
	// HTTP surface (internal/healthhttp).
	MetricsAddr string
}

// Tunables fixed at compile time.
const (
	FlightPlanTTL            = 600 * time.Second
	ControllerInactiveTTL    = 60 * time.Second
	ControllerSweepInterval  = 30 * time.Second
	WarmupBatchThreshold     = 2
)

// Load reads configuration from the environment, loading an optional
// .env file first (silently ignored when absent).
func Load() *Config {
	_ = godotenv.Load()

	rabbit := getEnv("RABBIT_URL", "")
	if rabbit == "" {
		rabbit = getEnv("NATS_URL", "nats://localhost:4222")
	}

	return &Config{
		RefreshIntervalMS: getEnvAsInt("REFRESH_INTERVAL_MS", 15000),
		RabbitURL:         rabbit,
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		MetricsAddr:       getEnv("METRICS_ADDR", ":9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return i
}

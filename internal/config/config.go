// Package config loads client configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the client core.
type Config struct {
	// ServerURL is the base URL of the HTTP API.
	ServerURL string

	// GatewayURL is the websocket gateway URL.
	GatewayURL string

	// DatabasePath is the local sqlite database file.
	DatabasePath string

	// ChunkSize is the attachment chunk threshold in bytes.
	ChunkSize int64

	// RequestTimeout bounds each HTTP round trip.
	RequestTimeout time.Duration

	// MetricsAddr, when non-empty, exposes prometheus metrics there.
	MetricsAddr string
}

// loadEnvFiles loads environment files in the correct order.
func loadEnvFiles() {
	// Base .env file (ignore error - file may not exist)
	_ = godotenv.Load()

	if env := os.Getenv("OBSCURA_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}

	// Local overrides
	_ = godotenv.Load(".env.local")
}

// Load reads configuration from environment variables.
func Load() *Config {
	loadEnvFiles()

	return &Config{
		ServerURL:      getEnv("OBSCURA_SERVER_URL", "https://localhost:8443"),
		GatewayURL:     getEnv("OBSCURA_GATEWAY_URL", "wss://localhost:8443/v1/gateway"),
		DatabasePath:   getEnv("OBSCURA_DB_PATH", "obscura.db"),
		ChunkSize:      getEnvInt64("OBSCURA_CHUNK_SIZE", 950*1024),
		RequestTimeout: time.Duration(getEnvInt64("OBSCURA_REQUEST_TIMEOUT_SEC", 30)) * time.Second,
		MetricsAddr:    getEnv("OBSCURA_METRICS_ADDR", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

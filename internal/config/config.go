package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for both the server and worker processes.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Worker tuning.
	WorkerConcurrency int
	DelayBetweenMs    int
	HourlyLimit       int
	ReconcileSpec     string

	// SMTP transport.
	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
}

// Load reads configuration from the environment. A .env file is loaded first
// if present (local development convenience).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),
		DelayBetweenMs:    getEnvInt("DELAY_BETWEEN_EMAILS_MS", 2000),
		HourlyLimit:       getEnvInt("MAX_EMAILS_PER_HOUR_PER_SENDER", 100),
		ReconcileSpec:     getEnv("RECONCILE_CRON", "@every 5m"),
		SMTPHost:          getEnv("SMTP_HOST", "smtp.ethereal.email"),
		SMTPPort:          getEnv("SMTP_PORT", "587"),
		SMTPUser:          getEnv("SMTP_USER", ""),
		SMTPPass:          getEnv("SMTP_PASS", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

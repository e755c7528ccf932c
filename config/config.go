// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all service configuration.
type Config struct {
	Port   int
	DBPath string

	// SecretKey signs receipts and audit entries.
	SecretKey string

	// Reconciliation thresholds.
	ThresholdPercent float64
	ThresholdLiters  float64

	// SweepInterval is how often the scheduler reconciles every station.
	SweepInterval time.Duration

	// AnomalyCooldown suppresses duplicate (rule, tank) raises.
	AnomalyCooldown time.Duration

	// HeartbeatFreshness is how recent a pump heartbeat must be to count
	// the pump as online.
	HeartbeatFreshness time.Duration

	LogLevel string

	CORSOrigins []string
}

// Load reads configuration from the environment. A missing .env file is
// fine; real environments set variables directly.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &Config{
		Port:               getEnvIntWithDefault("PORT", 8080),
		DBPath:             getEnvWithDefault("DB_PATH", "./data/fuelguard.db"),
		SecretKey:          getEnvWithDefault("SECRET_KEY", "dev-secret-change-me"),
		ThresholdPercent:   getEnvFloatWithDefault("RECON_THRESHOLD_PERCENT", 2.0),
		ThresholdLiters:    getEnvFloatWithDefault("RECON_THRESHOLD_LITERS", 50),
		SweepInterval:      getEnvDurationWithDefault("SWEEP_INTERVAL", 5*time.Minute),
		AnomalyCooldown:    getEnvDurationWithDefault("ANOMALY_COOLDOWN", 30*time.Minute),
		HeartbeatFreshness: getEnvDurationWithDefault("HEARTBEAT_FRESHNESS", 120*time.Second),
		LogLevel:           getEnvWithDefault("LOG_LEVEL", "info"),
		CORSOrigins:        getEnvListWithDefault("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}
	return cfg, nil
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvListWithDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

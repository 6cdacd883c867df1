package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource        string
	RedisAddr       string
	ProviderBaseURL string
	ProviderAPIKey  string
	Currency        string
	Port            string
	Env             string
}

func Load() (*Config, error) {
	// Local development reads a .env file; in deployed environments the
	// variables are already set and the file is absent.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	providerURL := os.Getenv("PROVIDER_BASE_URL")
	if providerURL == "" {
		return nil, fmt.Errorf("PROVIDER_BASE_URL environment variable is required")
	}

	return &Config{
		DBSource:        dbSource,
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		ProviderBaseURL: providerURL,
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		Currency:        getEnv("SETTLEMENT_CURRENCY", "NGN"),
		Port:            getEnv("SERVER_PORT", "8080"),
		Env:             getEnv("ENVIRONMENT", "development"),
	}, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

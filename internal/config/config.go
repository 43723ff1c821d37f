package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the process consumes from the environment. The
// core engine receives these as plain parameters; nothing below reads the
// environment after startup.
type Config struct {
	ServerHost string
	ServerPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWTSecret signs and verifies identity tokens. Required.
	JWTSecret string
	// TokenTTL bounds how long an issued token stays valid.
	TokenTTL time.Duration

	// SeedText is the initial content of a document created on first access.
	SeedText string

	// RedisAddr enables the cross-instance broadcast relay when non-empty.
	RedisAddr string

	// CommitRetries bounds transparent retries after a snapshot version
	// conflict before the edit is surfaced as a transient failure.
	CommitRetries int

	// StoreTimeout bounds individual store operations.
	StoreTimeout time.Duration

	JaegerEndpoint string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "8000"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_engine"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getEnvDuration("TOKEN_TTL", time.Hour),

		SeedText:  getEnv("DOC_SEED_TEXT", ""),
		RedisAddr: getEnv("REDIS_ADDR", ""),

		CommitRetries: getEnvInt("COMMIT_RETRIES", 3),
		StoreTimeout:  getEnvDuration("STORE_TIMEOUT", 5*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// DatabaseURL renders the Postgres DSN.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ServerAddr renders the HTTP listen address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3/log"
	"github.com/joho/godotenv"
)

// Config holds the service configuration
type Config struct {
	Port             string
	AppEnv           string
	APIBaseURL       string
	SocketURL        string
	AuthToken        string // backend session token, the identity is read from its claims
	JWTSecret        string // signs local API tokens
	RequestTimeout   time.Duration
	ReadMarkDebounce time.Duration
	LogLevel         string
	ArchiveEnabled   bool
	DatabaseURL      string
	DatabaseConfig   DatabaseConfig
}

// DatabaseConfig holds the snapshot archive connection settings
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ErrMissingRequired is returned when a mandatory variable is not set
var ErrMissingRequired = errors.New("required environment variables are not set")

// Load reads the configuration from .env and the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info("⚠️ .env file not found, using environment variables")
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("PGHOST", "localhost"),
		Port:     getEnv("PGPORT", "5432"),
		User:     getEnv("PGUSER", "aski_chat"),
		Password: getEnv("PGPASSWORD", "aski_chat"),
		Name:     getEnv("PGDATABASE", "aski_chat"),
		SSLMode:  getEnv("PGSSLMODE", "disable"),
	}

	// Build the archive connection string
	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name, dbConfig.SSLMode)

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		AppEnv:           getEnv("APP_ENV", "production"),
		APIBaseURL:       getEnv("ASKI_API_URL", "http://localhost:5000/api"),
		SocketURL:        getEnv("ASKI_SOCKET_URL", "ws://localhost:5000/ws"),
		AuthToken:        getEnv("ASKI_AUTH_TOKEN", ""),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		RequestTimeout:   getDuration("REQUEST_TIMEOUT", 15*time.Second),
		ReadMarkDebounce: getDuration("READ_MARK_DEBOUNCE", 1500*time.Millisecond),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ArchiveEnabled:   getBool("ARCHIVE_ENABLED", false),
		DatabaseURL:      dbURL,
		DatabaseConfig:   dbConfig,
	}

	if cfg.AuthToken == "" || cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: ASKI_AUTH_TOKEN, JWT_SECRET", ErrMissingRequired)
	}

	return cfg, nil
}

// LoadConfig loads the configuration and exits when it is incomplete
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	return cfg
}

// IsDevelopment reports whether the service runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// getEnv returns the variable value or the default
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warnf("⚠️ Invalid duration in %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

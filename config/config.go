// Package config loads the tracker's configuration: a JSON file as
// the base, environment variables as overrides, defaults last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"options-trade-tracker/internal/api"
	"options-trade-tracker/internal/brokerage"
	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/detector"
	"options-trade-tracker/internal/journal"
	"options-trade-tracker/internal/learning"
	"options-trade-tracker/internal/lossmonitor"
	"options-trade-tracker/internal/matcher"
)

// Config is the tracker's full configuration tree. Component sections
// reuse the owning package's config types so defaults live in one
// place.
type Config struct {
	Database    database.Config    `json:"database"`
	Redis       RedisConfig        `json:"redis"`
	Brokerage   brokerage.Config   `json:"brokerage"`
	Accounts    []string           `json:"accounts"` // empty means discover via the API
	Detector    detector.Config    `json:"detector"`
	Journal     journal.Config     `json:"journal"`
	Matcher     matcher.Config     `json:"matcher"`
	LossMonitor lossmonitor.Config `json:"loss_monitor"`
	Learning    learning.Config    `json:"learning"`
	Server      api.Config         `json:"server"`
	Logging     LoggingConfig      `json:"logging"`
}

// RedisConfig holds the optional Redis connection used for run locks
// and mark caching. Disabled falls back to in-process state.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load reads config.json when present, applies environment overrides,
// then fills remaining zero values with defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = "config.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	if os.Getenv("REDIS_ADDRESS") != "" {
		cfg.Redis.Enabled = true
	}
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Brokerage.BaseURL = getEnvOrDefault("TASTYTRADE_BASE_URL", cfg.Brokerage.BaseURL)
	cfg.Brokerage.ClientSecret = getEnvOrDefault("TASTYTRADE_CLIENT_SECRET", cfg.Brokerage.ClientSecret)
	cfg.Brokerage.RefreshToken = getEnvOrDefault("TASTYTRADE_REFRESH_TOKEN", cfg.Brokerage.RefreshToken)

	if account := os.Getenv("TASTYTRADE_ACCOUNT"); account != "" {
		cfg.Accounts = []string{account}
	}

	cfg.Server.Port = getEnvIntOrDefault("API_PORT", cfg.Server.Port)
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvOrDefault("LOG_PRETTY", boolString(cfg.Logging.Pretty)) == "true"
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.Database == "" {
		cfg.Database.Database = "trade_tracker"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}

	if cfg.Detector == (detector.Config{}) {
		cfg.Detector = detector.DefaultConfig()
	}
	if cfg.Journal == (journal.Config{}) {
		cfg.Journal = journal.DefaultConfig()
	}
	if cfg.Matcher == (matcher.Config{}) {
		cfg.Matcher = matcher.DefaultConfig()
	}
	if cfg.LossMonitor == (lossmonitor.Config{}) {
		cfg.LossMonitor = lossmonitor.DefaultConfig()
	}
	if cfg.Learning == (learning.Config{}) {
		cfg.Learning = learning.DefaultConfig()
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.Brokerage.ClientSecret == "" || c.Brokerage.RefreshToken == "" {
		return fmt.Errorf("brokerage credentials missing: set TASTYTRADE_CLIENT_SECRET and TASTYTRADE_REFRESH_TOKEN")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("database password missing: set DB_PASSWORD")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

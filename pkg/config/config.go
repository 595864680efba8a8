package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultTokenTTL = 7 * 24 * time.Hour

type ServerConfig struct {
	ServiceName string `yaml:"service_name"`
	Port        int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ScheduleConfig struct {
	// ExactTotal moves the cent rounding remainder onto the last installment.
	ExactTotal bool `yaml:"exact_total"`
}

type VerificationConfig struct {
	TokenTTL      time.Duration `yaml:"token_ttl"`
	PublicBaseURL string        `yaml:"public_base_url"`
}

type JobsConfig struct {
	OverdueCron string `yaml:"overdue_cron"`
}

// AppConfig is the main config struct that holds all configs.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LogConfig          `yaml:"logging"`
	Timezone     string             `yaml:"timezone"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Verification VerificationConfig `yaml:"verification"`
	Jobs         JobsConfig         `yaml:"jobs"`

	Location *time.Location `yaml:"-"`
}

// Load reads an optional .env file, then the YAML file at path (skipped when
// path is empty), then applies environment overrides and defaults.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg AppConfig
	if path != "" {
		// #nosec G304: path comes from the operator's command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	assignDefaultConfigValues(&cfg)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if cfg.Verification.TokenTTL <= 0 {
		return nil, fmt.Errorf("verification token ttl must be positive, got %s", cfg.Verification.TokenTTL)
	}
	return &cfg, nil
}

func assignDefaultConfigValues(cfg *AppConfig) {
	cfg.Server.ServiceName = GetEnvOrDefaultAsString("SERVICE_NAME", orString(cfg.Server.ServiceName, "loanbook"))
	cfg.Server.Port = GetEnvOrDefaultAsInt("SERVER_PORT", orInt(cfg.Server.Port, 8080))

	cfg.Database.Path = GetEnvOrDefaultAsString("DATABASE_PATH", orString(cfg.Database.Path, "./data/loanbook.db"))
	cfg.Logging.Level = GetEnvOrDefaultAsString("LOG_LEVEL", orString(cfg.Logging.Level, "info"))
	cfg.Timezone = GetEnvOrDefaultAsString("TIMEZONE", orString(cfg.Timezone, "UTC"))

	cfg.Schedule.ExactTotal = GetEnvOrDefaultAsBool("SCHEDULE_EXACT_TOTAL", cfg.Schedule.ExactTotal)

	ttl := cfg.Verification.TokenTTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	cfg.Verification.TokenTTL = GetEnvOrDefaultAsDuration("VERIFICATION_TOKEN_TTL", ttl)
	cfg.Verification.PublicBaseURL = GetEnvOrDefaultAsString("PUBLIC_BASE_URL", orString(cfg.Verification.PublicBaseURL, "http://localhost:8080"))

	cfg.Jobs.OverdueCron = GetEnvOrDefaultAsString("OVERDUE_CRON", orString(cfg.Jobs.OverdueCron, "0 8 * * *"))
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func GetEnvOrDefaultAsString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

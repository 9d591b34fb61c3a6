// Package config loads server settings from the environment.
//
// Values come from environment variables, optionally seeded from a .env file
// in the working directory. Command-line flags in cmd/server take precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the tuition server.
type Config struct {
	Port               int    `mapstructure:"PORT"`
	DatabaseDriver     string `mapstructure:"DATABASE_DRIVER"`
	DatabasePath       string `mapstructure:"DATABASE_PATH"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	AMQPURL            string `mapstructure:"AMQP_URL"`
	LateFeeJobEnabled  bool   `mapstructure:"LATE_FEE_JOB_ENABLED"`
	LateFeeJobSchedule string `mapstructure:"LATE_FEE_JOB_SCHEDULE"`
	IncludeDropped     bool   `mapstructure:"BILLING_INCLUDE_DROPPED"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"PORT",
	"DATABASE_DRIVER",
	"DATABASE_PATH",
	"DATABASE_URL",
	"AMQP_URL",
	"LATE_FEE_JOB_ENABLED",
	"LATE_FEE_JOB_SCHEDULE",
	"BILLING_INCLUDE_DROPPED",
	"CORS_ALLOWED_ORIGINS",
	"LOG_LEVEL",
}

// LoadDotEnv loads .env into the process environment when present.
// Variables already set are not overridden. Reports whether a file was read.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("DATABASE_DRIVER", DriverSQLite)
	viper.SetDefault("DATABASE_PATH", "tuition.db")
	viper.SetDefault("LATE_FEE_JOB_ENABLED", true)
	viper.SetDefault("LATE_FEE_JOB_SCHEDULE", "0 1 * * *") // Daily at 01:00
	viper.SetDefault("BILLING_INCLUDE_DROPPED", false)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.AutomaticEnv()

	// Bind environment variables explicitly so they appear in Unmarshal
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.DatabaseDriver = strings.ToLower(strings.TrimSpace(config.DatabaseDriver))
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q (want sqlite or postgres)", c.DatabaseDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

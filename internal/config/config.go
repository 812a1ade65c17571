// Package config loads service configuration from environment variables and
// an optional .env file using viper. The platform fee rate is validated here
// once, at load time; downstream code treats it as trusted.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/dienstmarkt/escrow-api/internal/fees"
)

// Config holds all runtime settings for the escrow engine.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabasePath   string `mapstructure:"DATABASE_PATH"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AMQPURL        string `mapstructure:"AMQP_URL"`
	PlatformFee    string `mapstructure:"PLATFORM_FEE_RATE"`    // decimal fraction, e.g. "0.045"
	ClearingDays   int    `mapstructure:"CLEARING_PERIOD_DAYS"` // 0 = immediate release (trusted providers)
	SweepInterval  string `mapstructure:"SWEEP_INTERVAL"`       // Go duration string
	HourlyRateCaps int64  `mapstructure:"MAX_HOURLY_RATE_CENTS"`

	// Parsed forms, populated by LoadConfig.
	FeeRate       decimal.Decimal `mapstructure:"-"`
	ClearingHold  time.Duration   `mapstructure:"-"`
	SweepEvery    time.Duration   `mapstructure:"-"`
}

// LoadConfig reads configuration from the environment and an optional .env
// file in path. Missing values fall back to development defaults.
func LoadConfig(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_PATH", "escrow.db")
	viper.SetDefault("JWT_SECRET", "dev-secret-change-me")
	viper.SetDefault("PLATFORM_FEE_RATE", "0.045")
	viper.SetDefault("CLEARING_PERIOD_DAYS", 14)
	viper.SetDefault("SWEEP_INTERVAL", "5m")
	viper.SetDefault("MAX_HOURLY_RATE_CENTS", 50000)

	for _, key := range []string{
		"SERVER_PORT", "DATABASE_PATH", "JWT_SECRET", "AMQP_URL",
		"PLATFORM_FEE_RATE", "CLEARING_PERIOD_DAYS", "SWEEP_INTERVAL",
		"MAX_HOURLY_RATE_CENTS",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing .env file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.PlatformFee))
	if err != nil {
		return Config{}, fmt.Errorf("invalid PLATFORM_FEE_RATE %q: %w", cfg.PlatformFee, err)
	}
	if !fees.ValidRate(rate) {
		return Config{}, fmt.Errorf("PLATFORM_FEE_RATE %s outside allowed range [0, 0.20]", rate)
	}
	cfg.FeeRate = rate

	if cfg.ClearingDays < 0 {
		return Config{}, fmt.Errorf("CLEARING_PERIOD_DAYS must not be negative, got %d", cfg.ClearingDays)
	}
	cfg.ClearingHold = time.Duration(cfg.ClearingDays) * 24 * time.Hour

	sweep, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SWEEP_INTERVAL %q: %w", cfg.SweepInterval, err)
	}
	if sweep <= 0 {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", sweep)
	}
	cfg.SweepEvery = sweep

	return cfg, nil
}

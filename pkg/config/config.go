// Package config loads flags-client configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bucketco/flagcore/pkg/client"
)

// Config is the file/env representation of the client options.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Fallback FallbackConfig `mapstructure:"fallback"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig holds the flag endpoint settings.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// CacheConfig holds the freshness and back-off settings.
type CacheConfig struct {
	StaleTTL             time.Duration `mapstructure:"stale_ttl"`
	ExpireTTL            time.Duration `mapstructure:"expire_ttl"`
	StaleWhileRevalidate bool          `mapstructure:"stale_while_revalidate"`
	NegativeAttempts     int           `mapstructure:"negative_attempts"`
	Strategy             string        `mapstructure:"strategy"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
}

// FallbackConfig points at the optional fallback flags document.
type FallbackConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads flagcore.yaml (working directory or ./config) and FLAGCORE_*
// environment variables, env taking precedence.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLAGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("flagcore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Unmarshal does not pick up env-only values for keys without defaults.
	if config.API.BaseURL == "" {
		config.API.BaseURL = v.GetString("api.base_url")
	}
	if config.API.SecretKey == "" {
		config.API.SecretKey = v.GetString("api.secret_key")
	}
	if config.Fallback.File == "" {
		config.Fallback.File = v.GetString("fallback.file")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout", "5s")

	v.SetDefault("cache.stale_ttl", "60s")
	v.SetDefault("cache.expire_ttl", "168h")
	v.SetDefault("cache.stale_while_revalidate", true)
	v.SetDefault("cache.negative_attempts", 3)
	v.SetDefault("cache.strategy", "periodic")
	v.SetDefault("cache.refresh_interval", "0s")

	v.SetDefault("logging.level", "info")
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	switch client.Strategy(c.Cache.Strategy) {
	case client.StrategyPeriodic, client.StrategyInRequest:
	default:
		return fmt.Errorf("unknown cache.strategy %q", c.Cache.Strategy)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	return nil
}

// Logger builds the zerolog logger the loaded configuration describes:
// structured JSON on stderr at the configured level.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// ClientConfig converts the loaded values into a client configuration.
func (c *Config) ClientConfig() *client.Config {
	cfg := client.DefaultConfig()
	cfg.APIBaseURL = c.API.BaseURL
	cfg.SecretKey = c.API.SecretKey
	cfg.Timeout = c.API.Timeout
	cfg.StaleTTL = c.Cache.StaleTTL
	cfg.ExpireTTL = c.Cache.ExpireTTL
	cfg.StaleWhileRevalidate = c.Cache.StaleWhileRevalidate
	cfg.CacheNegativeAttempts = c.Cache.NegativeAttempts
	cfg.Strategy = client.Strategy(c.Cache.Strategy)
	cfg.RefreshInterval = c.Cache.RefreshInterval
	cfg.FallbackFile = c.Fallback.File
	cfg.Logger = c.Logger()
	return cfg
}

// Package config loads reader-sync configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for reader-sync.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Layout  LayoutConfig  `mapstructure:"layout"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// RemoteConfig selects and configures the remote content API.
type RemoteConfig struct {
	Kind      string        `mapstructure:"kind" validate:"oneof=feed wpcom"`
	BaseURL   string        `mapstructure:"base_url" validate:"required_if=Kind wpcom,omitempty,url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gt=0"` // requests per second
	Burst     int           `mapstructure:"burst" validate:"gte=1"`
}

// SyncConfig tunes the stream engine.
type SyncConfig struct {
	RefreshInterval   time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	LoadMoreThreshold int           `mapstructure:"load_more_threshold" validate:"gte=1"`
	PageSize          int           `mapstructure:"page_size" validate:"gte=1,lte=100"`
	BackfillPages     int           `mapstructure:"backfill_pages" validate:"gte=1"`
}

// LayoutConfig holds row sizing defaults.
type LayoutConfig struct {
	EstimatedRowHeight float64 `mapstructure:"estimated_row_height" validate:"gt=0"`
	BlockedRowHeight   float64 `mapstructure:"blocked_row_height" validate:"gt=0"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// Load reads configuration. Priority: env vars (READER_SYNC_*) > config file > defaults.
// An empty path searches ./config.yaml and the user config directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	setDefaults(v)

	v.SetEnvPrefix("READER_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are plain scalars; decoding cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// DefaultDir returns the directory holding the config file and database.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "reader-sync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", filepath.Join(DefaultDir(), "reader-sync.db"))

	v.SetDefault("remote.kind", "feed")
	v.SetDefault("remote.base_url", "https://public-api.wordpress.com/rest/v1.2")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.rate_limit", 5.0)
	v.SetDefault("remote.burst", 5)

	v.SetDefault("sync.refresh_interval", "300s")
	v.SetDefault("sync.load_more_threshold", 4)
	v.SetDefault("sync.page_size", 20)
	v.SetDefault("sync.backfill_pages", 5)

	v.SetDefault("layout.estimated_row_height", 100.0)
	v.SetDefault("layout.blocked_row_height", 66.0)

	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			messages := make([]string, 0, len(verrs))
			for _, e := range verrs {
				messages = append(messages, formatFieldError(e))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
		}
		return err
	}
	return nil
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, e.Param(), e.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed validation for %s", field, e.Tag())
	}
}

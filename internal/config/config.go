package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Storage paths
	DBPath   string `mapstructure:"db-path"`
	FilesDir string `mapstructure:"files-dir"`
	NotesDir string `mapstructure:"notes-dir"`
	WorkDir  string `mapstructure:"work-dir"`

	// Primary transport
	BotAPIBase string `mapstructure:"bot-api-base"`
	BotToken   string `mapstructure:"bot-token"`

	// Secondary transport
	TDLBinary string `mapstructure:"tdl-binary"`

	// Retrieval policy
	SizeThreshold int64         `mapstructure:"size-threshold"`
	MaxAttempts   int           `mapstructure:"max-attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff-base"`
	BackoffCap    time.Duration `mapstructure:"backoff-cap"`

	// Worker
	PollInterval time.Duration `mapstructure:"poll-interval"`
	StaleAfter   time.Duration `mapstructure:"stale-after"`

	// Mirror (optional S3 off-site copy)
	MirrorEnabled bool   `mapstructure:"mirror-enabled"`
	MirrorBucket  string `mapstructure:"mirror-bucket"`
	MirrorRegion  string `mapstructure:"mirror-region"`
	MirrorPrefix  string `mapstructure:"mirror-prefix"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("db-path", "data/archive.db")
	viper.SetDefault("files-dir", "data/files")
	viper.SetDefault("notes-dir", "data/notes")
	viper.SetDefault("work-dir", "data/tmp")
	viper.SetDefault("bot-api-base", "https://api.telegram.org")
	viper.SetDefault("tdl-binary", "tdl")
	viper.SetDefault("size-threshold", int64(20*1024*1024))
	viper.SetDefault("max-attempts", 8)
	viper.SetDefault("backoff-base", 30*time.Second)
	viper.SetDefault("backoff-cap", 6*time.Hour)
	viper.SetDefault("poll-interval", 5*time.Second)
	viper.SetDefault("stale-after", 30*time.Minute)
	viper.SetDefault("mirror-enabled", false)
	viper.SetDefault("mirror-region", "us-east-1")

	// Environment variables (will be TGVAULT_DB_PATH, etc.)
	viper.SetEnvPrefix("TGVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.tgvault")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FilesDir == "" {
		return fmt.Errorf("files-dir cannot be empty")
	}
	if c.SizeThreshold <= 0 {
		return fmt.Errorf("size-threshold must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max-attempts must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff-base must be positive and backoff-cap at least backoff-base")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale-after must be positive")
	}
	if c.MirrorEnabled && c.MirrorBucket == "" {
		return fmt.Errorf("mirror-bucket cannot be empty when mirroring is enabled")
	}
	return nil
}

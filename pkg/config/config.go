// Package config provides YAML-based configuration loading for meshbot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid marks configuration errors that are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the host application
	AppName string `mapstructure:"app_name"`

	// LocalNodeID is the mesh node id of this host; packets addressed to it
	// (or broadcast) are handed to command dispatch.
	LocalNodeID uint32 `mapstructure:"local_node_id"`

	// PrimaryNetwork receives outbound replies whose origin is unknown.
	PrimaryNetwork string `mapstructure:"primary_network"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Networks holds up to two radio network blocks.
	Networks []NetworkConfig `mapstructure:"networks"`

	// Health holds silence detection settings shared by TCP networks.
	Health HealthConfig `mapstructure:"health"`

	// Reconnect holds the retry/backoff settings for connection recovery.
	Reconnect ReconnectConfig `mapstructure:"reconnect"`

	// Store holds persistence settings.
	Store StoreConfig `mapstructure:"store"`

	// Ingest holds dedup/diagnostics settings for the inbound pipeline.
	Ingest IngestConfig `mapstructure:"ingest"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NetworkConfig describes one radio network link.
type NetworkConfig struct {
	// Name: "A" or "B"
	Name string `mapstructure:"name"`
	// Kind: tcp or serial
	Kind string `mapstructure:"kind"`
	// Address: host:port for tcp, device path for serial
	Address string `mapstructure:"address"`
	// Channel index used for outbound sends on this network
	Channel int32 `mapstructure:"channel"`
	// Enabled allows a block to stay in the file while disabled
	Enabled bool `mapstructure:"enabled"`
	// ForcedReconnectMinutes forces a periodic reconnect regardless of
	// apparent health; 0 disables it.
	ForcedReconnectMinutes int `mapstructure:"forced_reconnect_minutes"`
}

// HealthConfig defines the silence detection timer pair.
type HealthConfig struct {
	CheckIntervalSec  int `mapstructure:"check_interval_sec"`
	SilenceTimeoutSec int `mapstructure:"silence_timeout_sec"`
}

// ReconnectConfig defines retry and backoff behaviour.
type ReconnectConfig struct {
	ConnectRetries        int `mapstructure:"connect_retries"`
	BackoffStepSec        int `mapstructure:"backoff_step_sec"`
	BackoffCapSec         int `mapstructure:"backoff_cap_sec"`
	CleanupDelaySec       int `mapstructure:"cleanup_delay_sec"`
	StabilizationDelaySec int `mapstructure:"stabilization_delay_sec"`
}

// StoreConfig defines persistence settings.
type StoreConfig struct {
	Path                string `mapstructure:"path"`
	ShortRetentionHours int    `mapstructure:"short_retention_hours"`
	StatsRetentionHours int    `mapstructure:"stats_retention_hours"`
	CleanupIntervalMin  int    `mapstructure:"cleanup_interval_min"`
}

// IngestConfig defines dedup and rate accounting settings.
type IngestConfig struct {
	DedupWindowSec int `mapstructure:"dedup_window_sec"`
	RateWindowSize int `mapstructure:"rate_window_size"`
}

// CheckInterval returns the health check interval as a duration.
func (h HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalSec) * time.Second
}

// SilenceTimeout returns the silence timeout as a duration.
func (h HealthConfig) SilenceTimeout() time.Duration {
	return time.Duration(h.SilenceTimeoutSec) * time.Second
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:        "meshbot",
		PrimaryNetwork: "A",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/meshbot.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Networks: []NetworkConfig{
			{Name: "A", Kind: "tcp", Address: "127.0.0.1:4403", Enabled: true},
		},
		Health: HealthConfig{
			CheckIntervalSec:  30,
			SilenceTimeoutSec: 120,
		},
		Reconnect: ReconnectConfig{
			ConnectRetries:        3,
			BackoffStepSec:        5,
			BackoffCapSec:         30,
			CleanupDelaySec:       10,
			StabilizationDelaySec: 3,
		},
		Store: StoreConfig{
			Path:                "./data/meshbot.db",
			ShortRetentionHours: 48,
			StatsRetentionHours: 168,
			CleanupIntervalMin:  60,
		},
		Ingest: IngestConfig{
			DedupWindowSec: 60,
			RateWindowSize: 300,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHBOT and `.`/`-` are replaced with `_`.
// Example: MESHBOT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("local_node_id", cfg.LocalNodeID)
	v.SetDefault("primary_network", cfg.PrimaryNetwork)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("networks", cfg.Networks)
	v.SetDefault("health.check_interval_sec", cfg.Health.CheckIntervalSec)
	v.SetDefault("health.silence_timeout_sec", cfg.Health.SilenceTimeoutSec)
	v.SetDefault("reconnect.connect_retries", cfg.Reconnect.ConnectRetries)
	v.SetDefault("reconnect.backoff_step_sec", cfg.Reconnect.BackoffStepSec)
	v.SetDefault("reconnect.backoff_cap_sec", cfg.Reconnect.BackoffCapSec)
	v.SetDefault("reconnect.cleanup_delay_sec", cfg.Reconnect.CleanupDelaySec)
	v.SetDefault("reconnect.stabilization_delay_sec", cfg.Reconnect.StabilizationDelaySec)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.short_retention_hours", cfg.Store.ShortRetentionHours)
	v.SetDefault("store.stats_retention_hours", cfg.Store.StatsRetentionHours)
	v.SetDefault("store.cleanup_interval_min", cfg.Store.CleanupIntervalMin)
	v.SetDefault("ingest.dedup_window_sec", cfg.Ingest.DedupWindowSec)
	v.SetDefault("ingest.rate_window_size", cfg.Ingest.RateWindowSize)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("MESHBOT_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `meshbot`
		v.SetConfigName("meshbot")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshbot"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("%w: invalid log.level %q", ErrInvalid, c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if len(c.Networks) > 2 {
		return fmt.Errorf("%w: at most two networks are supported, got %d", ErrInvalid, len(c.Networks))
	}
	seenName := map[string]bool{}
	seenAddr := map[string]bool{}
	for i := range c.Networks {
		n := &c.Networks[i]
		n.Name = strings.ToUpper(strings.TrimSpace(n.Name))
		n.Kind = strings.ToLower(strings.TrimSpace(n.Kind))
		if !n.Enabled {
			continue
		}
		if n.Name != "A" && n.Name != "B" {
			return fmt.Errorf("%w: network name must be A or B, got %q", ErrInvalid, n.Name)
		}
		if seenName[n.Name] {
			return fmt.Errorf("%w: duplicate network %s", ErrInvalid, n.Name)
		}
		seenName[n.Name] = true
		switch n.Kind {
		case "tcp", "serial", "mem":
			// mem is only useful for tests but is not rejected
		default:
			return fmt.Errorf("%w: network %s: unknown transport kind %q", ErrInvalid, n.Name, n.Kind)
		}
		addr := strings.TrimSpace(n.Address)
		if addr == "" {
			return fmt.Errorf("%w: network %s: address is required", ErrInvalid, n.Name)
		}
		// Two networks sharing one physical port can never both connect;
		// refuse to start rather than fight over the device.
		if seenAddr[addr] {
			return fmt.Errorf("%w: networks share address %q", ErrInvalid, addr)
		}
		seenAddr[addr] = true
	}

	c.PrimaryNetwork = strings.ToUpper(strings.TrimSpace(c.PrimaryNetwork))
	if c.PrimaryNetwork != "A" && c.PrimaryNetwork != "B" {
		return fmt.Errorf("%w: primary_network must be A or B, got %q", ErrInvalid, c.PrimaryNetwork)
	}

	if c.Health.CheckIntervalSec <= 0 {
		c.Health.CheckIntervalSec = 30
	}
	if c.Health.SilenceTimeoutSec <= 0 {
		c.Health.SilenceTimeoutSec = 120
	}
	if c.Reconnect.ConnectRetries <= 0 {
		c.Reconnect.ConnectRetries = 3
	}
	if c.Reconnect.BackoffStepSec <= 0 {
		c.Reconnect.BackoffStepSec = 5
	}
	if c.Reconnect.BackoffCapSec < c.Reconnect.BackoffStepSec {
		c.Reconnect.BackoffCapSec = c.Reconnect.BackoffStepSec
	}
	if c.Store.ShortRetentionHours <= 0 {
		c.Store.ShortRetentionHours = 48
	}
	if c.Store.StatsRetentionHours <= 0 {
		c.Store.StatsRetentionHours = 168
	}
	if c.Ingest.DedupWindowSec <= 0 {
		c.Ingest.DedupWindowSec = 60
	}
	if c.Ingest.RateWindowSize <= 0 {
		c.Ingest.RateWindowSize = 300
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Package config loads fsdebounce-watch's configuration: a quiet
// delay, output mode, watch roots and their recursion/ignore rules, and
// logging options. Modeled on cdev/internal/config's viper +
// mapstructure pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fsnotify/fsdebounce"
)

// WatchConfig controls what gets watched and how raw events are
// coalesced.
type WatchConfig struct {
	Paths          []string      `mapstructure:"paths"`
	Recursive      bool          `mapstructure:"recursive"`
	Delay          time.Duration `mapstructure:"delay"`
	Mode           string        `mapstructure:"mode"`
	IgnorePatterns []string      `mapstructure:"ignore_patterns"`
}

// LoggingConfig controls the zerolog sink.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full, typed configuration tree.
type Config struct {
	Watch   WatchConfig   `mapstructure:"watch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load reads cfgFile (if non-empty) plus a conventional
// ./fsdebounce.yaml / ~/.config/fsdebounce/fsdebounce.yaml, applies
// FSDEBOUNCE_-prefixed environment overrides, and returns the merged,
// defaulted Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FSDEBOUNCE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("watch.recursive", true)
	v.SetDefault("watch.delay", 100*time.Millisecond)
	v.SetDefault("watch.mode", "debounced")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("fsdebounce")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fsdebounce")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate checks the invariants fsdebounce.Config.validate also
// enforces, plus the ones specific to having real watch roots.
func (c *Config) Validate() error {
	if c.Watch.Delay <= 0 {
		return fmt.Errorf("config: watch.delay must be > 0, got %s", c.Watch.Delay)
	}
	if len(c.Watch.Paths) == 0 {
		return fmt.Errorf("config: watch.paths must list at least one path")
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	return nil
}

// Mode translates the config's string mode into fsdebounce.Mode.
func (c *Config) Mode() (fsdebounce.Mode, error) {
	switch strings.ToLower(c.Watch.Mode) {
	case "", "debounced":
		return fsdebounce.ModeDebounced, nil
	case "raw":
		return fsdebounce.ModeRaw, nil
	case "debounced-tx", "debouncedtx":
		return fsdebounce.ModeDebouncedTx, nil
	default:
		return 0, fmt.Errorf("config: unknown watch.mode %q", c.Watch.Mode)
	}
}

// Ignored reports whether name matches one of the configured ignore
// patterns (shell glob syntax, as filepath.Match understands it).
func (c *Config) Ignored(name string) bool {
	for _, pat := range c.Watch.IgnorePatterns {
		if ok, _ := matchBase(pat, name); ok {
			return true
		}
	}
	return false
}

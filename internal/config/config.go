// Package config handles static configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the top-level static configuration, matching the
// `statsrelay:` root key in YAML/JSON.
type Config struct {
	Statsd      StatsdConfig      `mapstructure:"statsd"`
	DuplicateTo []DuplicateTarget `mapstructure:"duplicate_to"`
	Cardinality *CardinalityConfig `mapstructure:"cardinality"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Log         LogConfig         `mapstructure:"log"`
}

// StatsdConfig configures the statsd ingress listener and its primary
// (unnamed) duplication target.
type StatsdConfig struct {
	Bind     string   `mapstructure:"bind"`
	ShardMap []string `mapstructure:"shard_map"`
}

// DuplicateTarget configures one additional, named duplication target —
// every ingested PDU admitted by InputFilter/InputBlacklist is routed
// (via the shard ring) to one endpoint in ShardMap and also, separately,
// to the primary statsd.shard_map target.
type DuplicateTarget struct {
	Name string `mapstructure:"name"`

	ShardMap []string `mapstructure:"shard_map"`

	Prefix string `mapstructure:"prefix"`
	Suffix string `mapstructure:"suffix"`

	InputFilter    string `mapstructure:"input_filter"`
	InputBlacklist string `mapstructure:"input_blacklist"`
}

// CardinalityConfig configures the approximate-membership admission
// filter. Nil (absent from config) disables cardinality limiting
// entirely.
type CardinalityConfig struct {
	SizeLimit          int      `mapstructure:"size_limit"`
	RotateAfterSeconds int      `mapstructure:"rotate_after_seconds"`
	Buckets            int      `mapstructure:"buckets"`
	Route              []string `mapstructure:"route"`
}

// AdminConfig configures the Prometheus /metrics and /healthz server.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"` // "text" or "json"
	File   FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures lumberjack-backed file log rotation.
type FileOutputConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type configRoot struct {
	Statsrelay Config `mapstructure:"statsrelay"`
}

// Load reads configuration from path (YAML, JSON, or TOML — viper
// infers the format from the extension), applies environment overrides
// under the STATSRELAY_ prefix, fills defaults, and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("statsrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Decode the raw settings map ourselves with mapstructure, rather than
	// viper's bundled Unmarshal, so that a loosely-typed source value
	// (e.g. a YAML "60" where an int is expected) is coerced instead of
	// rejected — the same "load raw, decode typed" shape the duplicate_to
	// slice needs since its entries are free-form maps until decoded.
	var root configRoot
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         nil,
		Result:           &root,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Statsrelay

	// An explicit cardinality: block gets its own sub-field defaults;
	// an absent block stays nil, per CardinalityConfig's doc comment.
	if cfg.Cardinality != nil {
		if cfg.Cardinality.Buckets <= 0 {
			cfg.Cardinality.Buckets = 2
		}
		if cfg.Cardinality.RotateAfterSeconds <= 0 {
			cfg.Cardinality.RotateAfterSeconds = 60
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("statsrelay.admin.enabled", true)
	v.SetDefault("statsrelay.admin.listen", "127.0.0.1:9102")
	v.SetDefault("statsrelay.admin.path", "/metrics")

	v.SetDefault("statsrelay.log.level", "info")
	v.SetDefault("statsrelay.log.format", "text")
	v.SetDefault("statsrelay.log.file.max_size_mb", 100)
	v.SetDefault("statsrelay.log.file.max_age_days", 30)
	v.SetDefault("statsrelay.log.file.max_backups", 5)
	v.SetDefault("statsrelay.log.file.compress", true)

	// cardinality.* is deliberately NOT defaulted here: v.SetDefault would
	// put it in v.AllSettings() even for a config with no cardinality:
	// section at all, so mapstructure would always decode a non-nil
	// *CardinalityConfig and Validate would reject every config lacking
	// an explicit block. Sub-field defaults for a block that IS present
	// are filled in after decoding instead (see Load).
}

// Validate checks the loaded configuration for obviously-fatal problems:
// a missing bind address, duplicate target names, and malformed
// cardinality settings. Regex compilation errors in a duplicate target's
// filters surface later, from backend.NewTarget, since that's the one
// place the pattern is actually parsed.
func (cfg *Config) Validate() error {
	if cfg.Statsd.Bind == "" {
		return fmt.Errorf("statsd.bind is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	seen := make(map[string]bool, len(cfg.DuplicateTo))
	for _, d := range cfg.DuplicateTo {
		if d.Name == "" {
			return fmt.Errorf("duplicate_to entries must have a name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate_to name %q is configured more than once", d.Name)
		}
		seen[d.Name] = true
	}

	if cfg.Cardinality != nil {
		if cfg.Cardinality.SizeLimit <= 0 {
			return fmt.Errorf("cardinality.size_limit must be positive")
		}
		if cfg.Cardinality.Buckets <= 0 {
			return fmt.Errorf("cardinality.buckets must be positive")
		}
		if cfg.Cardinality.RotateAfterSeconds <= 0 {
			return fmt.Errorf("cardinality.rotate_after_seconds must be positive")
		}
	}

	return nil
}

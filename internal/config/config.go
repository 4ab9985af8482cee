// Package config loads MASC's runtime configuration with Viper (spec §9's
// ambient config-loading stack), grounded on
// teranos-QNTX/am/load.go's precedence merge: defaults, then system config,
// then user config, then project config, then environment variables,
// trimmed down from QNTX's plugin/UI-config machinery to the sections MASC
// actually has.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	masceerr "github.com/maschq/masc/internal/errors"
)

// StorageConfig selects and configures the Storage Backend (spec §4.1.1).
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // "file" or "sql"
	Path    string `mapstructure:"path"`
	Watch   bool   `mapstructure:"watch"` // loaded but not read by any component; no directory watch is started
}

// AuthConfig configures the Session & Auth Gate (spec §4.2).
type AuthConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	TokenTTLSecs int  `mapstructure:"token_ttl_seconds"`
}

// RateLimitConfig configures the per-(session,agent) token bucket (spec §4.2).
type RateLimitConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// SupervisorConfig configures the zombie/lock/cancel-token GC loops (spec §4.3).
type SupervisorConfig struct {
	CleanupIntervalSecs  int `mapstructure:"cleanup_interval_seconds"`
	ZombieThresholdSecs  int `mapstructure:"zombie_threshold_seconds"`
	CancelTokenMaxAgeSec int `mapstructure:"cancel_token_max_age_seconds"`
}

// WalphConfig configures per-agent Walph loop defaults (spec §4.4).
type WalphConfig struct {
	DefaultMaxIterations int    `mapstructure:"default_max_iterations"`
	DefaultPreset        string `mapstructure:"default_preset"`
}

// ServerConfig configures the transport adapters (spec §6).
type ServerConfig struct {
	BindAddress         string `mapstructure:"bind_address"`
	ShutdownTimeoutSecs int    `mapstructure:"shutdown_timeout_seconds"`
	MaxPendingSends     int    `mapstructure:"max_pending_sends"`
}

// Config is the root configuration tree.
type Config struct {
	BasePath   string           `mapstructure:"base_path"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Walph      WalphConfig      `mapstructure:"walph"`
	Server     ServerConfig     `mapstructure:"server"`
}

// setDefaults configures the baked-in defaults, mirroring the teacher's
// SetDefaults(v).
func setDefaults(v *viper.Viper) {
	v.SetDefault("base_path", ".masc")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", ".masc/room")
	v.SetDefault("storage.watch", true)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl_seconds", 86400)

	v.SetDefault("rate_limit.rate_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("supervisor.cleanup_interval_seconds", 60)
	v.SetDefault("supervisor.zombie_threshold_seconds", 300)
	v.SetDefault("supervisor.cancel_token_max_age_seconds", 3600)

	v.SetDefault("walph.default_max_iterations", 0) // 0 = unbounded, spec §4.4
	v.SetDefault("walph.default_preset", "default")

	v.SetDefault("server.bind_address", "127.0.0.1:8877")
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_pending_sends", 100)
}

// bindEnv explicitly binds configuration keys to MASC_-prefixed environment
// variables, mirroring BindSensitiveEnvVars for the few values an operator
// is likeliest to override at deploy time.
func bindEnv(v *viper.Viper) {
	v.BindEnv("storage.backend", "MASC_STORAGE_BACKEND")
	v.BindEnv("storage.path", "MASC_STORAGE_PATH")
	v.BindEnv("auth.enabled", "MASC_AUTH_ENABLED")
	v.BindEnv("server.bind_address", "MASC_BIND_ADDRESS")
}

// findProjectConfig walks up from the working directory looking for
// masc.toml, the way the teacher's findProjectConfig walks up looking for
// am.toml/config.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "masc.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges, in ascending precedence, system config, user
// config and the discovered project config, then lets AutomaticEnv take
// the final word (spec §9's ambient config-loading stack).
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	paths := []string{"/etc/masc/config.toml"}
	if homeDir != "" {
		paths = append(paths, filepath.Join(homeDir, ".masc", "config.toml"))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		layer := viper.New()
		layer.SetConfigFile(path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			continue
		}

		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			continue
		}
	}
}

// Load builds a fresh Viper instance, applies defaults, merges config
// files in precedence order, binds environment overrides, and unmarshals
// into a Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MASC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)
	mergeConfigFiles(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, masceerr.NewInternalError("unmarshal configuration", err)
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from exactly one TOML file, ignoring
// system/user/project discovery — used by tests and explicit --config flags.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, masceerr.NewIoError("read config file "+path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, masceerr.NewInternalError("unmarshal configuration", err)
	}
	return &cfg, nil
}

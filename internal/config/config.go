// Package config loads shiftsync settings with viper.
//
// Precedence, highest first: SHIFTSYNC_* environment variables (dots become
// underscores, e.g. SHIFTSYNC_STORE_URL), the config file, built-in defaults.
// The file is shiftsync.yaml (or .toml) in the working directory or
// ~/.shiftsync, unless a path is given explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shiftboard/shiftsync/internal/resolve"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "SHIFTSYNC"

// Config is the full set of settings.
type Config struct {
	Device    DeviceConfig   `mapstructure:"device"`
	Store     StoreConfig    `mapstructure:"store"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Queue     QueueConfig    `mapstructure:"queue"`
	Presence  PresenceConfig `mapstructure:"presence"`
	Reset     ResetConfig    `mapstructure:"reset"`
	Snapshot  SnapshotConfig `mapstructure:"snapshot"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Relay     RelayConfig    `mapstructure:"relay"`
	Log       LogConfig      `mapstructure:"log"`
	Conflicts []resolve.Rule `mapstructure:"conflicts"`
}

type DeviceConfig struct {
	// ID pins the device identity; empty means generated once and kept in the cache.
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	User        string `mapstructure:"user"`
}

type StoreConfig struct {
	URL          string        `mapstructure:"url"`
	AuthToken    string        `mapstructure:"auth_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Stream       bool          `mapstructure:"stream"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type SyncConfig struct {
	Prefix            string        `mapstructure:"prefix"`
	Debounce          time.Duration `mapstructure:"debounce"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	CASRetries        int           `mapstructure:"cas_retries"`

	// Fields the agent subscribes to and keeps loaded.
	Fields []string `mapstructure:"fields"`
}

type QueueConfig struct {
	MaxSize     int `mapstructure:"max_size"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

type PresenceConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// ResetField is one field cleared by the daily reset and the JSON it is reset to.
type ResetField struct {
	Field string `mapstructure:"field"`
	Value string `mapstructure:"value"`
}

type ResetConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	Fields        []ResetField  `mapstructure:"fields"`
}

type SnapshotConfig struct {
	CaptureAt      string `mapstructure:"capture_at"`
	Timezone       string `mapstructure:"timezone"`
	InventoryField string `mapstructure:"inventory_field"`
}

type CacheConfig struct {
	Path string `mapstructure:"path"`
}

type RelayConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
	DataPath  string `mapstructure:"data_path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultSettings returns the built-in defaults as the nested map written by
// `config init`. Durations are strings so the file stays readable.
func DefaultSettings() map[string]any {
	return map[string]any{
		"device": map[string]any{
			"id":           "",
			"display_name": "",
			"user":         "",
		},
		"store": map[string]any{
			"url":           "http://127.0.0.1:8787",
			"auth_token":    "",
			"timeout":       "15s",
			"stream":        true,
			"poll_interval": "5s",
		},
		"sync": map[string]any{
			"prefix":             "sync",
			"debounce":           "500ms",
			"retry_interval":     "5s",
			"reconnect_interval": "10s",
			"cas_retries":        5,
			"fields": []string{
				"employees", "completedTasks", "taskAssignments", "scheduledPreps",
				"inventory", "storeItems", "moods", "settings", "pointsLedger",
			},
		},
		"queue": map[string]any{
			"max_size":     500,
			"max_attempts": 10,
		},
		"presence": map[string]any{
			"ttl":                "120s",
			"heartbeat_interval": "60s",
			"poll_interval":      "30s",
		},
		"reset": map[string]any{
			"check_interval": "1m",
			"lock_ttl":       "2m",
			"fields": []map[string]any{
				{"field": "completedTasks", "value": "[]"},
			},
		},
		"snapshot": map[string]any{
			"capture_at":      "23:59",
			"timezone":        "Local",
			"inventory_field": "inventory",
		},
		"cache": map[string]any{
			"path": "",
		},
		"relay": map[string]any{
			"addr":       "127.0.0.1:8787",
			"auth_token": "",
			"data_path":  "",
		},
		"log": map[string]any{
			"level":        "info",
			"format":       "text",
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
		},
		"conflicts": []map[string]any{},
	}
}

// New returns a viper instance with defaults, env binding and the config file
// search path set up. path, when non-empty, names the config file explicitly.
func New(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v, "", DefaultSettings())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shiftsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".shiftsync"))
		}
	}
	return v
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads the config file if there is one and decodes the result. A missing
// file is not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || v.ConfigFileUsed() != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode converts the current viper state into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, err := time.Parse("15:04", c.Snapshot.CaptureAt); err != nil {
		return fmt.Errorf("snapshot.capture_at %q: want HH:MM", c.Snapshot.CaptureAt)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	for _, rf := range c.Reset.Fields {
		if rf.Field == "" {
			return fmt.Errorf("reset.fields: field name is required")
		}
	}
	// Parse the rules now so a typo fails at startup.
	if err := resolve.NewEmpty(nil).Load(c.Conflicts); err != nil {
		return err
	}
	return nil
}

// Location returns the snapshot and reset timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Snapshot.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Snapshot.Timezone)
	if err != nil {
		return nil, fmt.Errorf("snapshot.timezone %q: %w", c.Snapshot.Timezone, err)
	}
	return loc, nil
}

// Keys lists every known setting key, sorted, for `config show`.
func Keys(v *viper.Viper) []string {
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// Package config loads syncq settings from defaults, an optional config
// file and SYNCQ_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: queue.max_attempts is
// read from SYNCQ_QUEUE_MAX_ATTEMPTS.
const EnvPrefix = "SYNCQ"

// Config is the full syncq configuration.
type Config struct {
	// Online is the manual connectivity switch. When false the daemon
	// stays offline whatever the probe reports.
	Online bool `mapstructure:"online"`

	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Debounce  DebounceConfig  `mapstructure:"debounce"`
	Primary   PrimaryConfig   `mapstructure:"primary"`
	Export    ExportConfig    `mapstructure:"export"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig tunes the sync manager.
type QueueConfig struct {
	Concurrency    int             `mapstructure:"concurrency"`
	MaxAttempts    int             `mapstructure:"max_attempts"`
	RetryDelays    []time.Duration `mapstructure:"retry_delays"`
	AttemptTimeout time.Duration   `mapstructure:"attempt_timeout"`
}

// DebounceConfig sets coalescing windows.
type DebounceConfig struct {
	ExportWindow time.Duration `mapstructure:"export_window"`
}

// PrimaryConfig connects the relational primary destination.
type PrimaryConfig struct {
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

// ExportConfig places the CSV export. An empty Dir disables the export.
type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuthConfig supplies the bearer token for remote calls. TokenFile is
// re-read on refresh; Token alone is used as-is until it expires.
type AuthConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// DashboardConfig sets the observability listener. Empty Addr disables it.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var defaults = map[string]any{
	"online":                 true,
	"store.path":             "syncq.db",
	"queue.concurrency":      3,
	"queue.max_attempts":     3,
	"queue.retry_delays":     []string{"1s", "3s", "10s"},
	"queue.attempt_timeout":  "30s",
	"debounce.export_window": "2s",
	"primary.driver":         "sqlite",
	"primary.dsn":            "primary.db",
	"primary.probe_interval": "15s",
	"primary.fetch_timeout":  "30s",
	"export.dir":             "",
	"auth.token":             "",
	"auth.token_file":        "",
	"dashboard.addr":         "",
	"log.level":              "info",
	"log.format":             "text",
	"log.file":               "",
	"log.max_size_mb":        100,
	"log.max_backups":        3,
	"log.max_age_days":       28,
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("queue.concurrency must be >= 1, got %d", c.Queue.Concurrency))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts))
	}
	for _, d := range c.Queue.RetryDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("queue.retry_delays: negative delay %s", d))
			break
		}
	}
	if c.Debounce.ExportWindow < 0 {
		errs = append(errs, fmt.Errorf("debounce.export_window must not be negative"))
	}
	switch c.Primary.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("primary.driver must be sqlite or postgres, got %q", c.Primary.Driver))
	}
	return errors.Join(errs...)
}

// Loader reads configuration and watches the config file for changes.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for the file at path. An empty path uses
// defaults and the environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path, logger: slog.Default()}
}

// Load reads the file (if any) and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch calls fn with the new configuration each time the config file
// changes. Changes that fail to decode or validate are logged and
// skipped; the previous configuration stays current.
func (l *Loader) Watch(fn func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("config change ignored", "file", e.Name, "error", err)
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		l.logger.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

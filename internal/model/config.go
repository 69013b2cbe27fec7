package model

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the taskd configuration file. Keys are decoded by viper, so they
// can be overridden by TASKD_* environment variables and command line flags.
type Config struct {
	Listen    string    `mapstructure:"listen" yaml:"listen"`
	Verbose   bool      `mapstructure:"verbose" yaml:"verbose"`
	Catalog   string    `mapstructure:"catalog" yaml:"catalog,omitempty"` // empty => embedded catalog
	Runner    Runner    `mapstructure:"runner" yaml:"runner"`
	Retention Retention `mapstructure:"retention" yaml:"retention"`
	History   History   `mapstructure:"history" yaml:"history"`
	Tracing   Tracing   `mapstructure:"tracing" yaml:"tracing"`
}

// Runner configures how operation processes are executed.
type Runner struct {
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"` // used when the catalog does not set one
	Grace   time.Duration     `mapstructure:"grace" yaml:"grace"`     // SIGTERM -> SIGKILL escalation delay
	Path    string            `mapstructure:"path" yaml:"path"`       // PATH of the child environment
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
}

// Retention controls eviction of terminal tasks from memory.
type Retention struct {
	Keep     string `mapstructure:"keep" yaml:"keep"`         // 1h, PT1H or 1d
	Schedule string `mapstructure:"schedule" yaml:"schedule"` // cron expression or duration
	MaxTasks int    `mapstructure:"max_tasks" yaml:"max_tasks"`
}

// History configures the optional durable store of finished tasks.
// At most one backend may be configured.
type History struct {
	SQLite    string        `mapstructure:"sqlite" yaml:"sqlite,omitempty"`
	RedisAddr string        `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
}

// Tracing configures OpenTelemetry export. Empty endpoint disables it.
type Tracing struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Listen: "127.0.0.1:8085",
		Runner: Runner{
			Timeout: 30 * time.Minute,
			Grace:   10 * time.Second,
			Path:    "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
		Retention: Retention{
			Keep:     "1h",
			Schedule: "1m",
			MaxTasks: 1000,
		},
		History: History{
			TTL: 7 * 24 * time.Hour,
		},
	}
}

// SetDefaults registers DefaultConfig values in v, so missing keys in the
// configuration file fall back to them.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("runner.timeout", d.Runner.Timeout)
	v.SetDefault("runner.grace", d.Runner.Grace)
	v.SetDefault("runner.path", d.Runner.Path)
	v.SetDefault("retention.keep", d.Retention.Keep)
	v.SetDefault("retention.schedule", d.Retention.Schedule)
	v.SetDefault("retention.max_tasks", d.Retention.MaxTasks)
	v.SetDefault("history.ttl", d.History.TTL)
}

// LoadConfig decodes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	// viper lowercases map keys, environment names are case sensitive
	if len(cfg.Runner.Env) > 0 {
		env := make(map[string]string, len(cfg.Runner.Env))
		for k, v := range cfg.Runner.Env {
			env[strings.ToUpper(k)] = v
		}
		cfg.Runner.Env = env
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values which can't be expressed by types alone.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if c.Runner.Timeout <= 0 {
		errs = append(errs, errors.New("runner.timeout: must be positive"))
	}
	if c.Runner.Grace < 0 {
		errs = append(errs, errors.New("runner.grace: must not be negative"))
	}
	if _, err := ParseDuration(c.Retention.Keep); err != nil {
		errs = append(errs, fmt.Errorf("retention.keep: %w", err))
	}
	if IsCron(c.Retention.Schedule) {
		if _, err := ParseCron(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	} else if d, err := ParseDuration(c.Retention.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("retention.schedule: must be positive"))
	}
	if c.Retention.MaxTasks < 0 {
		errs = append(errs, errors.New("retention.max_tasks: must not be negative"))
	}
	if c.History.SQLite != "" && c.History.RedisAddr != "" {
		errs = append(errs, errors.New("history: sqlite and redis_addr are mutually exclusive"))
	}
	return errors.Join(errs...)
}

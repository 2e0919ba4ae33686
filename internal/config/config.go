// Package config loads jobsched settings from defaults, an optional config
// file and JOBSCHED_* environment variables, in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	httpaction "jobsched/internal/handlers/http"
	"jobsched/internal/scheduler"
)

const EnvPrefix = "JOBSCHED"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Actions   ActionsConfig   `mapstructure:"actions"`
	Retention RetentionConfig `mapstructure:"retention"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIToken        string        `mapstructure:"api_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	Timezone           string        `mapstructure:"timezone"`
	MaxInstancesPerJob int           `mapstructure:"max_instances_per_job"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	MaxSleep           time.Duration `mapstructure:"max_sleep"`
	RecoverDispatched  bool          `mapstructure:"recover_dispatched"`
}

type ActionsConfig struct {
	HTTP HTTPActionConfig `mapstructure:"http"`
}

type HTTPActionConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

type RetentionConfig struct {
	Keep          bool          `mapstructure:"keep"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8176")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.path", "jobsched.db")

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.max_instances_per_job", 1)
	v.SetDefault("scheduler.max_concurrent", 3)
	v.SetDefault("scheduler.max_sleep", time.Minute)
	v.SetDefault("scheduler.recover_dispatched", true)

	v.SetDefault("actions.http.default_timeout", httpaction.DefaultTimeout)
	v.SetDefault("actions.http.rate_per_second", 0.0) // 0 = unlimited
	v.SetDefault("actions.http.burst", 1)

	v.SetDefault("retention.keep", true)
	v.SetDefault("retention.max_age", 24*time.Hour)
	v.SetDefault("retention.purge_schedule", "@every 1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewViper builds a viper instance with defaults and environment binding.
// configFile may be empty.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}
	return v, nil
}

// Load reads and validates configuration.
func Load(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v. Flags bound
// to v with BindPFlag take precedence over everything else.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr cannot be empty")
	}
	if c.Server.APIToken == "" {
		return errors.Newf("server.api_token is required (set %s_SERVER_API_TOKEN)", EnvPrefix)
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.Newf("server.shutdown_timeout must be >= 0, got %s", c.Server.ShutdownTimeout)
	}
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return errors.Wrapf(err, "scheduler.timezone %q", c.Scheduler.Timezone)
	}
	if c.Scheduler.MaxInstancesPerJob < 1 {
		return errors.Newf("scheduler.max_instances_per_job must be >= 1, got %d", c.Scheduler.MaxInstancesPerJob)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return errors.Newf("scheduler.max_concurrent must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxSleep <= 0 {
		return errors.Newf("scheduler.max_sleep must be > 0, got %s", c.Scheduler.MaxSleep)
	}

	if c.Actions.HTTP.DefaultTimeout <= 0 {
		return errors.Newf("actions.http.default_timeout must be > 0, got %s", c.Actions.HTTP.DefaultTimeout)
	}
	if c.Actions.HTTP.RatePerSecond < 0 {
		return errors.Newf("actions.http.rate_per_second must be >= 0, got %f", c.Actions.HTTP.RatePerSecond)
	}
	if c.Actions.HTTP.Burst < 0 {
		return errors.Newf("actions.http.burst must be >= 0, got %d", c.Actions.HTTP.Burst)
	}

	if c.Retention.MaxAge < 0 {
		return errors.Newf("retention.max_age must be >= 0, got %s", c.Retention.MaxAge)
	}
	if err := scheduler.ValidateCronExpression(c.Retention.PurgeSchedule); err != nil {
		return errors.Wrapf(err, "retention.purge_schedule %q", c.Retention.PurgeSchedule)
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return errors.Newf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Location returns the configured scheduler timezone. Validate must have
// succeeded first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		PerJobCap:         c.Scheduler.MaxInstancesPerJob,
		MaxConcurrent:     c.Scheduler.MaxConcurrent,
		MaxSleep:          c.Scheduler.MaxSleep,
		Location:          c.Location(),
		RecoverDispatched: c.Scheduler.RecoverDispatched,
		Retention: scheduler.RetentionOptions{
			Keep:          c.Retention.Keep,
			MaxAge:        c.Retention.MaxAge,
			PurgeSchedule: c.Retention.PurgeSchedule,
		},
	}
}

func (c *Config) HTTPAction() httpaction.Config {
	return httpaction.Config{
		DefaultTimeout: c.Actions.HTTP.DefaultTimeout,
		RatePerSecond:  c.Actions.HTTP.RatePerSecond,
		Burst:          c.Actions.HTTP.Burst,
	}
}

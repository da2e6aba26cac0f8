// Package config loads runtime settings from an optional YAML file, a .env
// file and NOURISH_* environment variables, in increasing precedence.
package config

import (
	stderrors "errors"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. NOURISH_SYNC_BATCH_SIZE.
const EnvPrefix = "NOURISH"

// Config is the full runtime configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	Log     LogConfig    `mapstructure:"log" yaml:"log"`
	Sync    SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Remote  RemoteConfig `mapstructure:"remote" yaml:"remote"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
}

// SyncConfig holds the orchestrator and push/pull limits.
type SyncConfig struct {
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=1"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=1,lte=64"`
	PendingLimit      int           `mapstructure:"pending_limit" yaml:"pending_limit" validate:"gte=1"`
	PushTimeout       time.Duration `mapstructure:"push_timeout" yaml:"push_timeout" validate:"gt=0"`
	MinInterval       time.Duration `mapstructure:"min_interval" yaml:"min_interval" validate:"gte=0"`
	PeriodicInterval  time.Duration `mapstructure:"periodic_interval" yaml:"periodic_interval" validate:"gt=0"`
	ReconnectDebounce time.Duration `mapstructure:"reconnect_debounce" yaml:"reconnect_debounce" validate:"gt=0"`
	ConflictTolerance time.Duration `mapstructure:"conflict_tolerance" yaml:"conflict_tolerance" validate:"gt=0"`
	PullWindowDays    int           `mapstructure:"pull_window_days" yaml:"pull_window_days" validate:"gte=1"`
	FastFailPermanent bool          `mapstructure:"fast_fail_permanent" yaml:"fast_fail_permanent"`
}

// PullWindow returns PullWindowDays as a duration.
func (s SyncConfig) PullWindow() time.Duration {
	return time.Duration(s.PullWindowDays) * 24 * time.Hour
}

// RemoteConfig selects and addresses the remote backend.
type RemoteConfig struct {
	Kind        string `mapstructure:"kind" yaml:"kind" validate:"oneof=memory http redis"`
	URL         string `mapstructure:"url" yaml:"url,omitempty" validate:"required_if=Kind http"`
	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty" validate:"required_if=Kind redis"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix,omitempty"`
	UserID      string `mapstructure:"user_id" yaml:"user_id,omitempty"`
}

// Options locates the configuration sources.
type Options struct {
	// ConfigFile is an explicit YAML path; when empty nourish.yaml is looked
	// up in the working directory and $HOME/.nourish.
	ConfigFile string
	// EnvFile is loaded into the environment first; defaults to ".env".
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.pending_limit", 100)
	v.SetDefault("sync.push_timeout", 30*time.Second)
	v.SetDefault("sync.min_interval", 30*time.Second)
	v.SetDefault("sync.periodic_interval", 5*time.Minute)
	v.SetDefault("sync.reconnect_debounce", 500*time.Millisecond)
	v.SetDefault("sync.conflict_tolerance", time.Second)
	v.SetDefault("sync.pull_window_days", 90)
	v.SetDefault("sync.fast_fail_permanent", false)

	v.SetDefault("remote.kind", "memory")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.redis_addr", "")
	v.SetDefault("remote.redis_prefix", "nourish")
	v.SetDefault("remote.user_id", "")
}

// Load reads the configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to load "+envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read "+opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("nourish")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nourish")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config file", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Debug("Configuration loaded", map[string]interface{}{
		"config_file": v.ConfigFileUsed(),
		"data_dir":    cfg.DataDir,
		"remote":      cfg.Remote.Kind,
	})
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}
	return nil
}

// LogOptions converts the log section for logging.Init.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      logging.LogLevel(c.Log.Level),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

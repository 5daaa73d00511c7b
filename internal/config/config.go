// Package config loads measurecore settings from an optional YAML file with
// MEASURECORE_* environment overrides (MEASURECORE_STORAGE_DRIVER overrides
// storage.driver).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MEASURECORE"

// Config is the root configuration.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Lock     LockConfig     `mapstructure:"lock"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// StorageConfig selects the batch store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // memory, sqlite, postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// BlobConfig selects the verdict archive backend.
type BlobConfig struct {
	Driver string   `mapstructure:"driver"` // memory, fs, s3, or empty to disable
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 archive.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// LockConfig selects the per-batch lock.
type LockConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, redis
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
	Wait          time.Duration `mapstructure:"wait"`
}

// EngineConfig tunes evaluation.
type EngineConfig struct {
	// LegacyAverageFallback substitutes LegacyAverageValue for AVG references
	// that have no data instead of failing. Off by default.
	LegacyAverageFallback bool    `mapstructure:"legacy_average_fallback"`
	LegacyAverageValue    float64 `mapstructure:"legacy_average_value"`
}

// RegistryConfig points at the schema directory.
type RegistryConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string        `mapstructure:"level"`  // debug, info, warn, error
	Format string        `mapstructure:"format"` // text, json
	File   FileLogConfig `mapstructure:"file"`
}

// FileLogConfig enables a rotating log file.
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig selects the metrics recorder.
type MetricsConfig struct {
	Driver string `mapstructure:"driver"` // none, expvar, prometheus
	Path   string `mapstructure:"path"`   // prometheus textfile written on exit
}

// TracingConfig selects the tracer.
type TracingConfig struct {
	Driver string `mapstructure:"driver"` // none, json, otel
	Path   string `mapstructure:"path"`   // json trace file, stderr when empty
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "measurecore.db")
	v.SetDefault("blob.fs_root", "./archive")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 10*time.Second)
	v.SetDefault("registry.dir", "./schemas")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("metrics.driver", "none")
	v.SetDefault("tracing.driver", "none")
}

// Load reads path (optional; empty means defaults and environment only) and
// validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows; bind the ones
	// without defaults so Unmarshal sees them.
	for _, key := range []string{
		"storage.postgres_dsn", "blob.driver", "blob.s3.bucket", "blob.s3.endpoint",
		"blob.s3.access_key_id", "blob.s3.secret_access_key", "blob.s3.path_style",
		"lock.redis_addr", "lock.redis_password", "lock.redis_db",
		"engine.legacy_average_fallback", "engine.legacy_average_value",
		"logging.file.enabled", "logging.file.path", "logging.file.compress", "metrics.path", "tracing.path",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks driver names and the settings each driver needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite"))
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", "memory", "fs":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock driver %q", c.Lock.Driver))
	}
	switch c.Metrics.Driver {
	case "none", "expvar", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("unknown metrics driver %q", c.Metrics.Driver))
	}
	switch c.Tracing.Driver {
	case "none", "json", "otel":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing driver %q", c.Tracing.Driver))
	}
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Usage     UsageConfig     `mapstructure:"usage_tracking"`
	Shield    ShieldConfig    `mapstructure:"shield"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StorageConfig defines the shared-store backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
	Path  string      `mapstructure:"path"` // bolt shared file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines usage accumulation settings
type UsageConfig struct {
	ResolverCacheSize int `mapstructure:"resolver_cache_size"`
}

// ShieldConfig defines unlock handshake settings
type ShieldConfig struct {
	RequestStaleness     string `mapstructure:"request_staleness"`
	DefaultExtendMinutes int    `mapstructure:"default_extend_minutes"`
}

// SchedulerConfig defines the main process's cooperative timers
type SchedulerConfig struct {
	PollInterval  string `mapstructure:"poll_interval"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// MetricsConfig defines the metrics endpoint settings
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TIMEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/timegate/shared.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage defaults
	v.SetDefault("usage_tracking.resolver_cache_size", 256)

	// Shield defaults
	v.SetDefault("shield.request_staleness", "10m")
	v.SetDefault("shield.default_extend_minutes", 15)

	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.sweep_interval", "1m")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the bolt backend")
		}
		if dir := filepath.Dir(cfg.Storage.Path); dir == "" {
			return fmt.Errorf("invalid storage path: %s", cfg.Storage.Path)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	if cfg.Shield.DefaultExtendMinutes < 0 {
		return fmt.Errorf("default extend minutes must not be negative: %d", cfg.Shield.DefaultExtendMinutes)
	}

	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tradewell/abuseguard/domain/entity"
)

// Config represents the application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Protection  ProtectionConfig `mapstructure:"protection"`
	Detector    DetectorConfig   `mapstructure:"detector"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Monitoring  MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RedisConfig contains the connection parameters for the distributed
// counter store. Only consulted when protection.distributed is enabled.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	PoolSize     int           `mapstructure:"pool_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

// ProtectionConfig contains the abuse-protection policy
type ProtectionConfig struct {
	// Per-category ceilings. Categories absent from this map fall back to
	// Default, which is deliberately conservative rather than unlimited.
	Categories map[string]entity.CategoryThresholds `mapstructure:"categories"`
	Default    entity.CategoryThresholds            `mapstructure:"default"`

	// Counter placement: false keeps counters in process, true shares them
	// through Redis across instances. Decided once at startup.
	Distributed bool `mapstructure:"distributed"`

	// Blocking and cleanup policy.
	BlockDuration   time.Duration `mapstructure:"block_duration"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	EntryMaxAge     time.Duration `mapstructure:"entry_max_age"`
	MapMaxSize      int           `mapstructure:"map_max_size"`

	// Global ingress throttle applied ahead of per-identity accounting.
	GlobalRequestsPerSecond float64 `mapstructure:"global_requests_per_second"`
	GlobalBurst             int     `mapstructure:"global_burst"`
}

// DetectorConfig contains suspicious request detector tuning
type DetectorConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MaxDuplicateParams  int           `mapstructure:"max_duplicate_params"`
	FingerprintCacheLen int           `mapstructure:"fingerprint_cache_len"`
	FingerprintWindow   time.Duration `mapstructure:"fingerprint_window"`
	FingerprintMaxIPs   int           `mapstructure:"fingerprint_max_ips"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MonitoringConfig contains metrics endpoint configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// Load loads configuration from an optional YAML file and ABUSEGUARD_*
// environment variables. Missing config files are not an error; defaults
// plus environment cover the full surface.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("abuseguard")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("ABUSEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.call_timeout", "50ms")

	// Protection defaults. The default category ceiling applies to any
	// category not listed in protection.categories.
	v.SetDefault("protection.distributed", false)
	v.SetDefault("protection.block_duration", "15m")
	v.SetDefault("protection.cleanup_interval", "5m")
	v.SetDefault("protection.entry_max_age", "1h")
	v.SetDefault("protection.map_max_size", 10000)
	v.SetDefault("protection.global_requests_per_second", 1000.0)
	v.SetDefault("protection.global_burst", 200)
	v.SetDefault("protection.default.window_size", "1m")
	v.SetDefault("protection.default.normal_max", 60)
	v.SetDefault("protection.default.strict_max", 10)
	v.SetDefault("protection.default.block_threshold", 20)

	// Detector defaults
	v.SetDefault("detector.enabled", true)
	v.SetDefault("detector.max_duplicate_params", 10)
	v.SetDefault("detector.fingerprint_cache_len", 4096)
	v.SetDefault("detector.fingerprint_window", "1m")
	v.SetDefault("detector.fingerprint_max_ips", 20)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Protection.Distributed {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required when distributed mode is enabled")
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
		}
	}

	if c.Protection.MapMaxSize <= 0 {
		return fmt.Errorf("protection map_max_size must be positive")
	}
	if c.Protection.CleanupInterval <= 0 {
		return fmt.Errorf("protection cleanup_interval must be positive")
	}
	if c.Protection.EntryMaxAge <= 0 {
		return fmt.Errorf("protection entry_max_age must be positive")
	}
	if c.Protection.BlockDuration <= 0 {
		return fmt.Errorf("protection block_duration must be positive")
	}

	if err := validateThresholds("default", c.Protection.Default); err != nil {
		return err
	}
	for name, t := range c.Protection.Categories {
		if err := validateThresholds(name, t); err != nil {
			return err
		}
	}

	return nil
}

func validateThresholds(category string, t entity.CategoryThresholds) error {
	if t.WindowSize <= 0 {
		return fmt.Errorf("category %q: window_size must be positive", category)
	}
	if t.NormalMax <= 0 {
		return fmt.Errorf("category %q: normal_max must be positive", category)
	}
	if t.StrictMax <= 0 || t.StrictMax > t.NormalMax {
		return fmt.Errorf("category %q: strict_max must be in (0, normal_max]", category)
	}
	if t.BlockThreshold <= 0 {
		return fmt.Errorf("category %q: block_threshold must be positive", category)
	}
	return nil
}

// Thresholds returns the ceilings for a category, falling back to the
// conservative default for categories that were never configured.
func (c *ProtectionConfig) Thresholds(category string) entity.CategoryThresholds {
	if t, ok := c.Categories[category]; ok {
		return t
	}
	return c.Default
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

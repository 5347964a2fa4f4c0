// Package config loads the council service configuration from a YAML file
// with COUNCIL_* environment overrides, and hot-reloads the model catalog.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// GatewayConfig selects and shapes the model gateway.
type GatewayConfig struct {
	MockMode       bool          `mapstructure:"mock_mode"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// RetryConfig shapes the per-call retry loop.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BreakerConfig shapes the per-model circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	CooldownGrowth   float64       `mapstructure:"cooldown_growth"`
}

// RateLimitConfig shapes the per-user token buckets.
type RateLimitConfig struct {
	Capacity    int           `mapstructure:"capacity"`
	RefillRate  float64       `mapstructure:"refill_rate"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	FailFast    bool          `mapstructure:"fail_fast"`
}

// CacheConfig shapes the response cache.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"` // empty means in-memory
	RedisPassword string        `mapstructure:"redis_password"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TimeoutConfig layers the stage and overall deadlines, plus how long a
// finished deliberation stays queryable before its record and replay
// history are evicted.
type TimeoutConfig struct {
	Stage1    time.Duration `mapstructure:"stage1"`
	Stage2    time.Duration `mapstructure:"stage2"`
	Stage3    time.Duration `mapstructure:"stage3"`
	Overall   time.Duration `mapstructure:"overall"`
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Config is the root service configuration.
type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	Gateway      GatewayConfig   `mapstructure:"gateway"`
	Retry        RetryConfig     `mapstructure:"retry"`
	Breaker      BreakerConfig   `mapstructure:"breaker"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Cache        CacheConfig     `mapstructure:"cache"`
	Timeouts     TimeoutConfig   `mapstructure:"timeouts"`
	Logging      LoggingConfig   `mapstructure:"logging"`
	ModelsFile   string          `mapstructure:"models_file"`
	RingCapacity int             `mapstructure:"ring_capacity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("gateway.mock_mode", false)
	v.SetDefault("gateway.attempt_timeout", "30s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "200ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "10s")
	v.SetDefault("breaker.max_cooldown", "2m")
	v.SetDefault("breaker.cooldown_growth", 2.0)
	v.SetDefault("rate_limit.capacity", 10)
	v.SetDefault("rate_limit.refill_rate", 1.0)
	v.SetDefault("rate_limit.fail_fast", false)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("timeouts.stage1", "60s")
	v.SetDefault("timeouts.stage2", "30s")
	v.SetDefault("timeouts.stage3", "60s")
	v.SetDefault("timeouts.overall", "3m")
	v.SetDefault("timeouts.retention", "15m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("models_file", "config/models.yaml")
	v.SetDefault("ring_capacity", 256)
}

// Load reads council.yaml from CONFIG_PATH (or ./config/council.yaml) and
// applies COUNCIL_* environment overrides. A missing file is not an error;
// defaults plus environment carry a development setup.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COUNCIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/council.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be >= 1, got %d", c.RateLimit.Capacity)
	}
	if c.Breaker.CooldownGrowth < 1 {
		return fmt.Errorf("breaker.cooldown_growth must be >= 1, got %g", c.Breaker.CooldownGrowth)
	}
	if c.Timeouts.Overall < c.Timeouts.Stage1 {
		return fmt.Errorf("timeouts.overall (%s) must cover at least stage1 (%s)", c.Timeouts.Overall, c.Timeouts.Stage1)
	}
	if c.Timeouts.Retention < 0 {
		return fmt.Errorf("timeouts.retention must not be negative, got %s", c.Timeouts.Retention)
	}
	return nil
}

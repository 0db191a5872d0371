package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// System-wide key lifecycle constants. A token's maximum lifetime is
// PublicKeyTTL; retired public keys stay published for PublicKeyTTL plus
// GracePeriod past rotation so every token issued under them remains
// verifiable until it expires, with buffer for clock skew.
const (
	PublicKeyTTL = 30 * 24 * time.Hour
	GracePeriod  = 2 * 24 * time.Hour

	// MaxPayloadBytes caps the JSON-encoded claims accepted for signing.
	MaxPayloadBytes = 64 * 1024

	// DefaultRotationIntervalDays applies to policies created without an
	// explicit interval.
	DefaultRotationIntervalDays = 30

	// DefaultTokenTTL is applied when a sign request carries no exp claim.
	DefaultTokenTTL = time.Hour
)

// Scheduler retry bounds, enforced at set time.
const (
	MinRetryInterval = time.Minute
	MaxRetryInterval = time.Hour
	MinMaxRetries    = 1
	MaxMaxRetries    = 10

	DefaultRetryInterval = 5 * time.Minute
	DefaultMaxRetries    = 3
)

// RedisConfig addresses the shared cache / lock backend.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SchedulerConfig holds the rotation scheduler knobs.
type SchedulerConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	CronSpec      string        `yaml:"cron_spec"`
	JanitorSpec   string        `yaml:"janitor_spec"`
}

// Config is the full Keymaster configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Port    int    `yaml:"port"`

	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	LockTTL      time.Duration `yaml:"lock_ttl"`
	LockCapacity int           `yaml:"lock_capacity"`

	RegistryTTL time.Duration `yaml:"registry_ttl"`
	CacheSize   int           `yaml:"cache_size"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/keymaster",
		Port:    8080,
		Redis:   RedisConfig{Host: "127.0.0.1", Port: 6379},
		Scheduler: SchedulerConfig{
			RetryInterval: DefaultRetryInterval,
			MaxRetries:    DefaultMaxRetries,
			CronSpec:      "@hourly",
			JanitorSpec:   "@every 6h",
		},
		LockTTL:      5 * time.Minute,
		LockCapacity: 64,
		RegistryTTL:  time.Minute,
		CacheSize:    256,
		LogLevel:     "info",
	}
}

// LoadFromEnv layers recognized environment variables over the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT %q: %w", v, err)
		}
		cfg.Redis.Port = port
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, cfg.Validate()
}

// LoadFile merges a YAML configuration file into cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return c.Validate()
}

// Validate checks the bounded options.
func (c *Config) Validate() error {
	if err := ValidateRetryInterval(c.Scheduler.RetryInterval); err != nil {
		return err
	}
	if err := ValidateMaxRetries(c.Scheduler.MaxRetries); err != nil {
		return err
	}
	if c.LockCapacity < 1 {
		return fmt.Errorf("lock_capacity must be at least 1, got %d", c.LockCapacity)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be at least 1, got %d", c.CacheSize)
	}
	return nil
}

// ValidateRetryInterval enforces the scheduler retry interval bounds.
func ValidateRetryInterval(d time.Duration) error {
	if d < MinRetryInterval || d > MaxRetryInterval {
		return fmt.Errorf("retry interval %v out of range [%v, %v]", d, MinRetryInterval, MaxRetryInterval)
	}
	return nil
}

// ValidateMaxRetries enforces the scheduler retry count bounds.
func ValidateMaxRetries(n int) error {
	if n < MinMaxRetries || n > MaxMaxRetries {
		return fmt.Errorf("max retries %d out of range [%d, %d]", n, MinMaxRetries, MaxMaxRetries)
	}
	return nil
}

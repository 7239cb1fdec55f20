package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. REGISTRAR_WATCHER_URL.
const EnvPrefix = "REGISTRAR"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config is loaded once at startup and passed by value into constructors.
type Config struct {
	LogLevel     string       `mapstructure:"log_level"`
	Store        Store        `mapstructure:"store"`
	Watcher      Watcher      `mapstructure:"watcher"`
	Verification Verification `mapstructure:"verification"`
	Bus          Bus          `mapstructure:"bus"`
	Channels     Channels     `mapstructure:"channels"`
	DisplayName  DisplayName  `mapstructure:"display_name"`
	Ops          Ops          `mapstructure:"ops"`
}

type Store struct {
	Driver      string      `mapstructure:"driver"`
	PostgresDSN string      `mapstructure:"postgres_dsn"`
	Namespace   string      `mapstructure:"namespace"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig tunes the redis connection pool.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Watcher configures the chain watcher session. When Enabled is false the
// registrar runs on locally fed claims only.
type Watcher struct {
	URL             string        `mapstructure:"url"`
	Enabled         bool          `mapstructure:"enabled"`
	AuthSecret      string        `mapstructure:"auth_secret"`
	ConnectAttempts uint          `mapstructure:"connect_attempts"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
}

type Verification struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PersistAttempts uint          `mapstructure:"persist_attempts"`
	PersistInterval time.Duration `mapstructure:"persist_interval"`
}

type Bus struct {
	QueueSize int `mapstructure:"queue_size"`
}

// Channels selects which account types are relayed to external adapters.
type Channels struct {
	Brokers         []string      `mapstructure:"brokers"`
	TopicPrefix     string        `mapstructure:"topic_prefix"`
	Chat            bool          `mapstructure:"chat"`
	Email           bool          `mapstructure:"email"`
	Social          bool          `mapstructure:"social"`
	RestartInterval time.Duration `mapstructure:"restart_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
	ProduceTimeout  time.Duration `mapstructure:"produce_timeout"`
	SetupTimeout    time.Duration `mapstructure:"setup_timeout"`
}

type DisplayName struct {
	Enabled       bool    `mapstructure:"enabled"`
	Threshold     float64 `mapstructure:"threshold"`
	ViolationsCap int     `mapstructure:"violations_cap"`
}

type Ops struct {
	Addr            string `mapstructure:"addr"`
	DiagnosticsKeep int    `mapstructure:"diagnostics_keep"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.namespace", "registrar:")
	v.SetDefault("store.redis.url", "")
	v.SetDefault("store.redis.pool_size", 10)
	v.SetDefault("store.redis.min_idle_conns", 2)
	v.SetDefault("store.redis.dial_timeout", 5*time.Second)
	v.SetDefault("store.redis.read_timeout", 3*time.Second)
	v.SetDefault("store.redis.write_timeout", 3*time.Second)

	v.SetDefault("watcher.url", "ws://localhost:8000/api/account_status")
	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.auth_secret", "")
	v.SetDefault("watcher.connect_attempts", 3)
	v.SetDefault("watcher.retry_interval", 5*time.Second)
	v.SetDefault("watcher.queue_size", 256)

	v.SetDefault("verification.max_attempts", 5)
	v.SetDefault("verification.max_age", 72*time.Hour)
	v.SetDefault("verification.sweep_interval", time.Minute)
	v.SetDefault("verification.persist_attempts", 3)
	v.SetDefault("verification.persist_interval", 200*time.Millisecond)

	v.SetDefault("bus.queue_size", 64)

	v.SetDefault("channels.brokers", []string{})
	v.SetDefault("channels.topic_prefix", "registrar")
	v.SetDefault("channels.chat", false)
	v.SetDefault("channels.email", false)
	v.SetDefault("channels.social", false)
	v.SetDefault("channels.restart_interval", 5*time.Second)
	v.SetDefault("channels.queue_size", 256)
	v.SetDefault("channels.produce_timeout", 10*time.Second)
	v.SetDefault("channels.setup_timeout", 10*time.Second)

	v.SetDefault("display_name.enabled", true)
	v.SetDefault("display_name.threshold", 0.85)
	v.SetDefault("display_name.violations_cap", 5)

	v.SetDefault("ops.addr", ":8080")
	v.SetDefault("ops.diagnostics_keep", 100)
}

// Load reads the optional YAML file at path, applies REGISTRAR_ environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.Redis.URL == "" {
			errs = append(errs, errors.New("store.redis.url is required for the redis driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Watcher.Enabled && c.Watcher.URL == "" {
		errs = append(errs, errors.New("watcher.url is required when the watcher is enabled"))
	}
	if c.Watcher.ConnectAttempts == 0 {
		errs = append(errs, errors.New("watcher.connect_attempts must be positive"))
	}
	if c.Verification.MaxAttempts <= 0 {
		errs = append(errs, errors.New("verification.max_attempts must be positive"))
	}
	if c.Verification.MaxAge <= 0 || c.Verification.SweepInterval <= 0 {
		errs = append(errs, errors.New("verification.max_age and sweep_interval must be positive"))
	}
	if c.RelayEnabled() && len(c.Channels.Brokers) == 0 {
		errs = append(errs, errors.New("channels.brokers is required when a relayed channel is enabled"))
	}
	if c.DisplayName.Threshold <= 0 || c.DisplayName.Threshold > 1 {
		errs = append(errs, errors.New("display_name.threshold must be in (0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RelayEnabled reports whether any channel is relayed over Kafka.
func (c Config) RelayEnabled() bool {
	return c.Channels.Chat || c.Channels.Email || c.Channels.Social
}

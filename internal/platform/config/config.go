// Package config loads service configuration from defaults, an optional YAML
// file and STUDENTVC_ prefixed environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "STUDENTVC"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Issuer    IssuerConfig    `mapstructure:"issuer"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// TrustedProxies are the addresses or CIDRs whose X-Forwarded-For is
	// believed when resolving the client IP.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IssuerConfig selects where the issuer seed comes from. Exactly one of Seed
// and SeedFile should be set; SeedPassphrase turns SeedFile into an encrypted
// envelope.
type IssuerConfig struct {
	Name           string        `mapstructure:"name"`
	Seed           string        `mapstructure:"seed"`
	SeedFile       string        `mapstructure:"seed_file"`
	SeedPassphrase string        `mapstructure:"seed_passphrase"`
	ValidFor       time.Duration `mapstructure:"valid_for"`
	// RejectDuplicates refuses to issue for a subject that already has a
	// credential instead of replacing it.
	RejectDuplicates bool `mapstructure:"reject_duplicates"`
	StrictDates      bool `mapstructure:"strict_dates"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// Path is the database file of the sqlite backend.
	Path string `mapstructure:"path"`
}

// RedisConfig mirrors the go-redis pool options we override.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// KafkaConfig enables the Kafka audit sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	CreateTopic       bool     `mapstructure:"create_topic"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

type VerifyConfig struct {
	FailClosed     bool          `mapstructure:"fail_closed"`
	// TrustedIssuers replaces the default of trusting only this issuer.
	TrustedIssuers []string      `mapstructure:"trusted_issuers"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
}

// RateLimitConfig bounds per-IP request rates for each endpoint class. Backend
// is memory or redis; redis shares budgets across replicas. GlobalRPS of zero
// disables the global throttle.
type RateLimitConfig struct {
	Enabled     bool        `mapstructure:"enabled"`
	Backend     string      `mapstructure:"backend"`
	GlobalRPS   float64     `mapstructure:"global_rps"`
	GlobalBurst int         `mapstructure:"global_burst"`
	Allowlist   []string    `mapstructure:"allowlist"`
	Issue       LimitConfig `mapstructure:"issue"`
	Read        LimitConfig `mapstructure:"read"`
	Verify      LimitConfig `mapstructure:"verify"`
}

type LimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// SetDefaults registers every key so that environment overrides work for keys
// absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("issuer.name", "Student Credential Issuer")
	v.SetDefault("issuer.seed", "")
	v.SetDefault("issuer.seed_file", "")
	v.SetDefault("issuer.seed_passphrase", "")
	v.SetDefault("issuer.valid_for", 365*24*time.Hour)
	v.SetDefault("issuer.reject_duplicates", false)
	v.SetDefault("issuer.strict_dates", false)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dir", "./credentials")
	v.SetDefault("store.path", "./studentvc.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "studentvc.audit")
	v.SetDefault("kafka.create_topic", true)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("verify.fail_closed", false)
	v.SetDefault("verify.trusted_issuers", []string{})
	v.SetDefault("verify.resolve_timeout", 2*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", BackendMemory)
	v.SetDefault("rate_limit.global_rps", 0)
	v.SetDefault("rate_limit.global_burst", 0)
	v.SetDefault("rate_limit.allowlist", []string{})
	v.SetDefault("rate_limit.issue.requests", 30)
	v.SetDefault("rate_limit.issue.window", time.Minute)
	v.SetDefault("rate_limit.read.requests", 100)
	v.SetDefault("rate_limit.read.window", time.Minute)
	v.SetDefault("rate_limit.verify.requests", 300)
	v.SetDefault("rate_limit.verify.window", time.Minute)
}

// DefaultName is the config file base name looked up in the working
// directory when no file is given.
const DefaultName = "studentvc"

// Load reads configuration into v. file may be empty, in which case
// ./studentvc.yaml is used if present.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	return Read(v, file, DefaultName)
}

// Read layers the config file and the environment over whatever defaults v
// already holds. Callers that need different defaults than SetDefaults set
// them on v first. name is the file base name used when file is empty.
func Read(v *viper.Viper, file, name string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(name)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a Config from defaults and the environment so main stays lean.
func FromEnv() (*Config, error) {
	return Load(viper.New(), "")
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Dir == "" {
			return errors.New("config: store.dir is required for the file backend")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("config: redis.url is required for the redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("config: postgres.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}

	if c.Issuer.Seed != "" && c.Issuer.SeedFile != "" {
		return errors.New("config: set only one of issuer.seed and issuer.seed_file")
	}
	if c.Issuer.SeedPassphrase != "" && c.Issuer.SeedFile == "" {
		return errors.New("config: issuer.seed_passphrase requires issuer.seed_file")
	}
	if c.Issuer.ValidFor < 0 {
		return errors.New("config: issuer.valid_for must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when brokers are set")
	}
	return c.RateLimit.validate(c.Redis)
}

func (r RateLimitConfig) validate(redis RedisConfig) error {
	if !r.Enabled {
		return nil
	}
	switch r.Backend {
	case BackendMemory:
	case BackendRedis:
		if redis.URL == "" {
			return errors.New("config: redis.url is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("config: unknown rate_limit.backend %q", r.Backend)
	}
	for name, l := range map[string]LimitConfig{"issue": r.Issue, "read": r.Read, "verify": r.Verify} {
		if l.Requests <= 0 || l.Window <= 0 {
			return fmt.Errorf("config: rate_limit.%s needs positive requests and window", name)
		}
	}
	if r.GlobalRPS < 0 {
		return errors.New("config: rate_limit.global_rps must not be negative")
	}
	return nil
}

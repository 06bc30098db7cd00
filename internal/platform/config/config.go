// Package config loads process configuration from ODMFLUSH_* environment
// variables so main stays lean.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	pkgstrings "odmflush/pkg/platform/strings"
)

// Storage backends a server can write through.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full server configuration.
type Config struct {
	Backend  string `env:"ODMFLUSH_BACKEND" envDefault:"memory"`
	Server   Server
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Flush    FlushConfig
	Log      LogConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"ODMFLUSH_ADDR"             envDefault:":8080"`
	RequestTimeout  time.Duration `env:"ODMFLUSH_REQUEST_TIMEOUT"  envDefault:"5s"`
	ShutdownTimeout time.Duration `env:"ODMFLUSH_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// PostgresConfig selects the database/sql driver: "pgx" or "postgres" (lib/pq).
type PostgresConfig struct {
	DSN          string `env:"ODMFLUSH_POSTGRES_DSN"`
	Driver       string `env:"ODMFLUSH_POSTGRES_DRIVER"         envDefault:"pgx"`
	MaxOpenConns int    `env:"ODMFLUSH_POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns int    `env:"ODMFLUSH_POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
}

type RedisConfig struct {
	URL          string        `env:"ODMFLUSH_REDIS_URL"`
	PoolSize     int           `env:"ODMFLUSH_REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"ODMFLUSH_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"ODMFLUSH_REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"ODMFLUSH_REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"ODMFLUSH_REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
	// MaxRetries bounds optimistic transaction retries per write.
	MaxRetries int `env:"ODMFLUSH_REDIS_MAX_RETRIES" envDefault:"16"`
}

// KafkaConfig enables flush event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers []string `env:"ODMFLUSH_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"ODMFLUSH_KAFKA_TOPIC"   envDefault:"odmflush.flush-events"`
	// Buffer is how many events may wait for delivery before new ones are dropped.
	Buffer int `env:"ODMFLUSH_KAFKA_BUFFER" envDefault:"1024"`
	// PublishTimeout bounds delivery of one event.
	PublishTimeout time.Duration `env:"ODMFLUSH_KAFKA_PUBLISH_TIMEOUT" envDefault:"10s"`
}

type FlushConfig struct {
	MaxConcurrentWrites int  `env:"ODMFLUSH_MAX_CONCURRENT_WRITES" envDefault:"4"`
	ReloadOnReject      bool `env:"ODMFLUSH_RELOAD_ON_REJECT"      envDefault:"false"`
}

type LogConfig struct {
	Level  string `env:"ODMFLUSH_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"ODMFLUSH_LOG_FORMAT" envDefault:"json"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// FromEnv parses and validates the server configuration.
func FromEnv() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Kafka.Brokers = pkgstrings.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: ODMFLUSH_POSTGRES_DSN is required for the postgres backend")
		}
		if c.Postgres.Driver != "pgx" && c.Postgres.Driver != "postgres" {
			return fmt.Errorf("config: unknown postgres driver %q", c.Postgres.Driver)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("config: ODMFLUSH_REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Flush.MaxConcurrentWrites < 1 {
		return fmt.Errorf("config: ODMFLUSH_MAX_CONCURRENT_WRITES must be at least 1")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: ODMFLUSH_KAFKA_TOPIC is required when brokers are set")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/basket-checkout/internal/logger"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MySQL        MySQLConfig        `mapstructure:"mysql"`
	Inventory    InventoryConfig    `mapstructure:"inventory"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Session      SessionConfig      `mapstructure:"session"`
	Checkout     CheckoutConfig     `mapstructure:"checkout"`
	Compensation CompensationConfig `mapstructure:"compensation"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	Mode     string `mapstructure:"mode"` // debug / release
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
}

type MySQLConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxOpenConns           int    `mapstructure:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `mapstructure:"conn_max_lifetime_seconds"`
}

// InventoryConfig selects the stock oracle backend: memory, redis, mysql or grpc.
type InventoryConfig struct {
	Backend               string         `mapstructure:"backend"`
	SeedStock             int            `mapstructure:"seed_stock"`
	GRPCTarget            string         `mapstructure:"grpc_target"`
	GRPCTimeoutMS         int            `mapstructure:"grpc_timeout_ms"`
	InitialStock          map[string]int `mapstructure:"initial_stock"`
	ReservationTTLMinutes int            `mapstructure:"reservation_ttl_minutes"`
}

func (c InventoryConfig) GRPCTimeout() time.Duration {
	return time.Duration(c.GRPCTimeoutMS) * time.Millisecond
}

// ReservationTTL is how long the redis backend remembers a reservation token.
func (c InventoryConfig) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLMinutes) * time.Minute
}

// LedgerConfig selects the order ledger: memory, sqlite, postgres or mysql.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// SessionConfig selects where cart and wishlist snapshots live: memory or redis.
type SessionConfig struct {
	Store           string `mapstructure:"store"`
	DistributedLock bool   `mapstructure:"distributed_lock"`
	LockTTLSeconds  int    `mapstructure:"lock_ttl_seconds"`
	IdleTTLSeconds  int    `mapstructure:"idle_ttl_seconds"`
	MaxSessions     int    `mapstructure:"max_sessions"`
}

func (c SessionConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c SessionConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

type CheckoutConfig struct {
	ReserveAttempts  int `mapstructure:"reserve_attempts"`
	ReserveBackoffMS int `mapstructure:"reserve_backoff_ms"`
	LedgerAttempts   int `mapstructure:"ledger_attempts"`
	LedgerBackoffMS  int `mapstructure:"ledger_backoff_ms"`
	PersistTimeoutMS int `mapstructure:"persist_timeout_ms"`
	ReleaseTimeoutMS int `mapstructure:"release_timeout_ms"`
}

func (c CheckoutConfig) ReserveBackoff() time.Duration {
	return time.Duration(c.ReserveBackoffMS) * time.Millisecond
}

func (c CheckoutConfig) LedgerBackoff() time.Duration {
	return time.Duration(c.LedgerBackoffMS) * time.Millisecond
}

func (c CheckoutConfig) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutMS) * time.Millisecond
}

func (c CheckoutConfig) ReleaseTimeout() time.Duration {
	return time.Duration(c.ReleaseTimeoutMS) * time.Millisecond
}

type CompensationConfig struct {
	Workers     int `mapstructure:"workers"`
	QueueSize   int `mapstructure:"queue_size"`
	MaxAttempts int `mapstructure:"max_attempts"`
	BackoffMS   int `mapstructure:"backoff_ms"`
}

func (c CompensationConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

// Load reads config.yml from the given paths (or the default search paths),
// then applies environment overrides such as CHECKOUT_LEDGER_ATTEMPTS.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./etc", "../"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warnw("config_file_not_found", "fallback", "env_or_defaults")
	} else {
		logger.Infow("config_file_loaded", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.filename", "basket.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.prefix", "basket")
	v.SetDefault("mysql.dsn", "root:root@tcp(localhost:3306)/basket?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 25)
	v.SetDefault("mysql.conn_max_lifetime_seconds", 300)
	v.SetDefault("inventory.backend", "memory")
	v.SetDefault("inventory.seed_stock", 1)
	v.SetDefault("inventory.grpc_target", "localhost:50051")
	v.SetDefault("inventory.grpc_timeout_ms", 2000)
	v.SetDefault("inventory.initial_stock", map[string]int{})
	v.SetDefault("inventory.reservation_ttl_minutes", 1440)
	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.dsn", "./db/orders.db")
	v.SetDefault("session.store", "memory")
	v.SetDefault("session.distributed_lock", false)
	v.SetDefault("session.lock_ttl_seconds", 30)
	v.SetDefault("session.idle_ttl_seconds", 1800)
	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("checkout.reserve_attempts", 3)
	v.SetDefault("checkout.reserve_backoff_ms", 20)
	v.SetDefault("checkout.ledger_attempts", 3)
	v.SetDefault("checkout.ledger_backoff_ms", 50)
	v.SetDefault("checkout.persist_timeout_ms", 5000)
	v.SetDefault("checkout.release_timeout_ms", 5000)
	v.SetDefault("compensation.workers", 4)
	v.SetDefault("compensation.queue_size", 1000)
	v.SetDefault("compensation.max_attempts", 5)
	v.SetDefault("compensation.backoff_ms", 200)
}

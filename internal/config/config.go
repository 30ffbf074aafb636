// Package config loads application configuration from an optional YAML file
// and LOCALTX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"localtx/internal/core/tx"
)

const envPrefix = "LOCALTX"

// Config is the root configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	SQL         SQLConfig         `mapstructure:"sql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	HTTP        HTTPConfig        `mapstructure:"http"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLConfig configures the optional database/sql store.
type SQLConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TransactionConfig holds the defaults of every transaction manager.
type TransactionConfig struct {
	DefaultTimeout                       time.Duration `mapstructure:"default_timeout"`
	RollbackOnCommitFailure              bool          `mapstructure:"rollback_on_commit_failure"`
	NestedAllowed                        bool          `mapstructure:"nested_allowed"`
	Synchronization                      string        `mapstructure:"synchronization"`
	FailEarlyOnGlobalRollbackOnly        bool          `mapstructure:"fail_early_on_global_rollback_only"`
	GlobalRollbackOnParticipationFailure bool          `mapstructure:"global_rollback_on_participation_failure"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MetricsConfig toggles the Prometheus exporter served at /metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HTTPConfig is the listener for health, balance and metrics routes.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 25)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)

	v.SetDefault("sql.driver", "")
	v.SetDefault("sql.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("transaction.default_timeout", time.Duration(0))
	v.SetDefault("transaction.rollback_on_commit_failure", false)
	v.SetDefault("transaction.nested_allowed", true)
	v.SetDefault("transaction.synchronization", "always")
	v.SetDefault("transaction.fail_early_on_global_rollback_only", false)
	v.SetDefault("transaction.global_rollback_on_participation_failure", true)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.poll_interval", time.Second)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("http.addr", ":8080")
}

// Load reads path, if not empty, then applies environment overrides such as
// LOCALTX_POSTGRES_DSN or LOCALTX_TRANSACTION_DEFAULT_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		errs = append(errs, fmt.Errorf("postgres.min_conns (%d) exceeds max_conns (%d)", c.Postgres.MinConns, c.Postgres.MaxConns))
	}
	switch c.Logging.Encoding {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding))
	}
	switch c.SQL.Driver {
	case "", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("sql.driver must be sqlite or mysql, got %q", c.SQL.Driver))
	}
	if c.SQL.Driver != "" && c.SQL.DSN == "" {
		errs = append(errs, errors.New("sql.dsn is required when sql.driver is set"))
	}
	if c.Transaction.DefaultTimeout < 0 {
		errs = append(errs, fmt.Errorf("transaction.default_timeout must not be negative, got %s", c.Transaction.DefaultTimeout))
	}
	if _, err := tx.ParseSynchronizationPolicy(c.Transaction.Synchronization); err != nil {
		errs = append(errs, fmt.Errorf("transaction.synchronization: %w", err))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.MaxRetries <= 0 {
		errs = append(errs, errors.New("outbox.max_retries must be positive"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	return errors.Join(errs...)
}

// ManagerOptions maps the section to options shared by all managers.
func (t TransactionConfig) ManagerOptions() ([]tx.ManagerOption, error) {
	policy, err := tx.ParseSynchronizationPolicy(t.Synchronization)
	if err != nil {
		return nil, err
	}
	return []tx.ManagerOption{
		tx.WithDefaultTimeout(t.DefaultTimeout),
		tx.WithRollbackOnCommitFailure(t.RollbackOnCommitFailure),
		tx.WithNestedTransactionAllowed(t.NestedAllowed),
		tx.WithSynchronization(policy),
		tx.WithFailEarlyOnGlobalRollbackOnly(t.FailEarlyOnGlobalRollbackOnly),
		tx.WithGlobalRollbackOnParticipationFailure(t.GlobalRollbackOnParticipationFailure),
	}, nil
}

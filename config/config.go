/*
Package config loads circulation server configuration.

SOURCES (later wins):
  1. Built-in defaults
  2. Optional YAML file (--config)
  3. CIRCULATION_* environment variables, dots become underscores:
     CIRCULATION_DATABASE_DRIVER=postgres, CIRCULATION_AUTH_JWT_SECRET=...

EXAMPLE:
  server:
    addr: ":8080"
  database:
    driver: postgres
    dsn: postgres://library@localhost/library
  policy:
    pickup_window_days: 3
    daily_fine: "0.50"
  sweeper:
    interval: 5m
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/circulation-engine/circulation"
)

const envPrefix = "CIRCULATION"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrMissingSecret = errors.New("auth.jwt_secret is required")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Policy   circulation.Policy
	Sweeper  SweeperConfig
	Retry    circulation.RetryConfig
	Notify   NotifyConfig
	Auth     AuthConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Driver   string
	Path     string // sqlite
	DSN      string // postgres
	MaxConns int32
}

type SweeperConfig struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
}

// NotifyConfig selects the notifier: webhook when WebhookURL is set,
// log-only otherwise.
type NotifyConfig struct {
	WebhookURL  string
	Timeout     time.Duration
	MaxInFlight int
}

type AuthConfig struct {
	JWTSecret string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "circulation.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)

	v.SetDefault("policy.pickup_window_days", 3)
	v.SetDefault("policy.loan_period_days", 14)
	v.SetDefault("policy.overdue_grace", "0s")
	v.SetDefault("policy.daily_fine", "0.25")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.concurrency", 4)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "10ms")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.max_in_flight", 16)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from defaults, the optional file at path and
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	fine, err := decimal.NewFromString(v.GetString("policy.daily_fine"))
	if err != nil {
		return nil, fmt.Errorf("%w: policy.daily_fine: %v", ErrInvalidConfig, err)
	}

	const day = 24 * time.Hour
	cfg := &Config{
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("database.driver")),
			Path:     v.GetString("database.path"),
			DSN:      v.GetString("database.dsn"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Policy: circulation.Policy{
			PickupWindow: time.Duration(v.GetInt("policy.pickup_window_days")) * day,
			LoanPeriod:   time.Duration(v.GetInt("policy.loan_period_days")) * day,
			OverdueGrace: v.GetDuration("policy.overdue_grace"),
			DailyFine:    fine,
		},
		Sweeper: SweeperConfig{
			Enabled:     v.GetBool("sweeper.enabled"),
			Interval:    v.GetDuration("sweeper.interval"),
			Concurrency: v.GetInt("sweeper.concurrency"),
		},
		Retry: circulation.RetryConfig{
			MaxAttempts:  v.GetInt("retry.max_attempts"),
			BaseDelay:    v.GetDuration("retry.base_delay"),
			JitterFactor: circulation.DefaultRetryConfig().JitterFactor,
		},
		Notify: NotifyConfig{
			WebhookURL:  v.GetString("notify.webhook_url"),
			Timeout:     v.GetDuration("notify.timeout"),
			MaxInFlight: v.GetInt("notify.max_in_flight"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Logging: LoggingConfig{
			Level:  strings.ToLower(v.GetString("logging.level")),
			Format: strings.ToLower(v.GetString("logging.format")),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks everything except the JWT secret, which only serve needs.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("%w: database.path is required for sqlite", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", ErrInvalidConfig, c.Database.Driver)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("%w: sweeper.interval must be positive", ErrInvalidConfig)
	}
	if c.Sweeper.Concurrency < 1 {
		return fmt.Errorf("%w: sweeper.concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Notify.MaxInFlight < 1 {
		return fmt.Errorf("%w: notify.max_in_flight must be at least 1", ErrInvalidConfig)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// RequireSecret fails when no JWT secret is configured.
func (c *Config) RequireSecret() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	return level, nil
}

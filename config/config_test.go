package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 72*time.Hour, cfg.Policy.PickupWindow)
	assert.Equal(t, 14*24*time.Hour, cfg.Policy.LoanPeriod)
	assert.True(t, decimal.RequireFromString("0.25").Equal(cfg.Policy.DailyFine))
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.BaseDelay)
	assert.ErrorIs(t, cfg.RequireSecret(), ErrMissingSecret)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: a YAML file selecting postgres and a 5 day pickup window
	// WHEN: the environment overrides the pickup window and secret
	// THEN: the environment wins, the file fills the rest

	path := filepath.Join(t.TempDir(), "circulation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://library@localhost/library
policy:
  pickup_window_days: 5
  daily_fine: "1.10"
sweeper:
  interval: 30s
logging:
  format: json
`), 0o600))

	t.Setenv("CIRCULATION_POLICY_PICKUP_WINDOW_DAYS", "2")
	t.Setenv("CIRCULATION_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://library@localhost/library", cfg.Database.DSN)
	assert.Equal(t, 48*time.Hour, cfg.Policy.PickupWindow)
	assert.Equal(t, "1.1", cfg.Policy.DailyFine.String())
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.RequireSecret())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"CIRCULATION_DATABASE_DRIVER": "oracle"}},
		{"postgres without dsn", map[string]string{"CIRCULATION_DATABASE_DRIVER": "postgres"}},
		{"zero pickup window", map[string]string{"CIRCULATION_POLICY_PICKUP_WINDOW_DAYS": "0"}},
		{"bad fine", map[string]string{"CIRCULATION_POLICY_DAILY_FINE": "lots"}},
		{"zero retries", map[string]string{"CIRCULATION_RETRY_MAX_ATTEMPTS": "0"}},
		{"too many retries", map[string]string{"CIRCULATION_RETRY_MAX_ATTEMPTS": "100"}},
		{"bad level", map[string]string{"CIRCULATION_LOGGING_LEVEL": "loud"}},
		{"bad format", map[string]string{"CIRCULATION_LOGGING_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")

			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "warn"}.SlogLevel()

	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

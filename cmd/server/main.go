/*
main.go - Application entry point

PURPOSE:
  The circulation command. Loads configuration, opens the configured
  backend and runs one of the subcommands.

COMMANDS:
  serve            HTTP API plus the background sweeper
  sweep            One sweep pass, colored summary, then exit
  migrate-legacy   Rewrite legacy reservation statuses (one time)
  book             Add or update a catalog entry (sqlite/postgres books table)

CONFIGURATION:
  --config points at an optional YAML file. Every key can be overridden
  with CIRCULATION_* environment variables. See config/config.go.

EXAMPLES:
  # Serve with a file database
  CIRCULATION_AUTH_JWT_SECRET=dev ./circulation serve

  # Postgres
  CIRCULATION_DATABASE_DRIVER=postgres \
  CIRCULATION_DATABASE_DSN=postgres://library@localhost/library \
  ./circulation sweep

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/config"
	"github.com/warp/circulation-engine/store/postgres"
	"github.com/warp/circulation-engine/store/sqlite"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "circulation",
	Short:         "Library loan and reservation lifecycle engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(bookCmd)
}

// =============================================================================
// SETUP
// =============================================================================

// database is what every backend provides to the commands.
type database interface {
	circulation.TxStore
	circulation.Catalog
	Ping(ctx context.Context) error
	MigrateLegacyStatuses(ctx context.Context, now time.Time, pickupWindow time.Duration) (circulation.LegacyMigrationReport, error)
}

type backend struct {
	database
	close    func()
	saveBook func(ctx context.Context, id uuid.UUID, title string, copies int) error
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig) (*backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return &backend{
			database: store,
			close:    store.Close,
			saveBook: func(ctx context.Context, id uuid.UUID, title string, copies int) error {
				return store.SaveBook(ctx, postgres.Book{ID: id, Title: title, TotalCopies: copies})
			},
		}, nil

	default:
		store, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &backend{
			database: store,
			close:    func() { store.Close() },
			saveBook: func(ctx context.Context, id uuid.UUID, title string, copies int) error {
				return store.SaveBook(ctx, sqlite.Book{ID: id, Title: title, TotalCopies: copies})
			},
		}, nil
	}
}

func newService(cfg *config.Config, db *backend, logger *slog.Logger) (*circulation.Service, error) {
	var notifier circulation.Notifier = circulation.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = circulation.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	}

	return circulation.NewService(db, db,
		circulation.WithPolicy(cfg.Policy),
		circulation.WithRetry(cfg.Retry),
		circulation.WithSweepConcurrency(cfg.Sweeper.Concurrency),
		circulation.WithNotifier(notifier, cfg.Notify.MaxInFlight),
		circulation.WithLogger(logger.With("component", "circulation")),
	)
}

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// SWEEP
// =============================================================================

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiration sweep pass and print a summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openBackend(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.close()

		svc, err := newService(cfg, db, logger)
		if err != nil {
			return err
		}

		result, err := svc.Sweep(cmd.Context())
		svc.WaitForNotifications()
		printSweep(result)
		return err
	},
}

func printSweep(r circulation.SweepResult) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	cyan.Printf("sweep at %s (%s)\n", r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
	green.Printf("  promoted  %d\n", r.Promoted)
	green.Printf("  notified  %d\n", r.Notified)
	yellow.Printf("  expired   %d\n", r.Expired)
	yellow.Printf("  overdue   %d\n", r.Overdue)
	if r.Failed > 0 {
		red.Printf("  failed    %d (retried next pass)\n", r.Failed)
	}
}

// =============================================================================
// MIGRATE-LEGACY
// =============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate-legacy",
	Short: "Rewrite legacy reservation statuses to the canonical vocabulary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openBackend(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.close()

		report, err := db.MigrateLegacyStatuses(cmd.Context(), time.Now().UTC(), cfg.Policy.PickupWindow)
		if err != nil {
			return err
		}

		legacy := make([]string, 0, len(report.Rewritten))
		for k := range report.Rewritten {
			legacy = append(legacy, k)
		}
		sort.Strings(legacy)

		statuses := circulation.LegacyReservationStatuses()
		for _, k := range legacy {
			fmt.Printf("  %-12s -> %-16s %d\n", k, statuses[k], report.Rewritten[k])
		}
		color.Green("rewritten statuses: %d kinds, queue positions fixed: %d, holds dated: %d",
			len(report.Rewritten), report.Renumbered, report.HoldsDated)
		return nil
	},
}

// =============================================================================
// BOOK
// =============================================================================

var (
	bookID     string
	bookTitle  string
	bookCopies int
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Add a book to the catalog or change its copy count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		id := uuid.New()
		if bookID != "" {
			if id, err = uuid.Parse(bookID); err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
		}

		db, err := openBackend(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.close()

		if err := db.saveBook(cmd.Context(), id, bookTitle, bookCopies); err != nil {
			return err
		}
		color.Green("%s  %q  copies=%d", id, bookTitle, bookCopies)
		return nil
	},
}

func init() {
	bookCmd.Flags().StringVar(&bookID, "id", "", "book UUID (new one when empty)")
	bookCmd.Flags().StringVar(&bookTitle, "title", "", "title")
	bookCmd.Flags().IntVar(&bookCopies, "copies", 1, "total copies")
}

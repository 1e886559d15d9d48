package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/warp/circulation-engine/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireSecret(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.close()

	svc, err := newService(cfg, db, logger)
	if err != nil {
		return err
	}
	defer svc.WaitForNotifications()

	var scheduler *api.SweepScheduler
	if cfg.Sweeper.Enabled {
		scheduler = api.NewSweepScheduler(svc, cfg.Sweeper.Interval, logger)
		scheduler.Start()
		defer scheduler.Stop()
	}

	handler := api.NewHandler(svc, scheduler, db, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Verifier:       api.NewTokenVerifier([]byte(cfg.Auth.JWTSecret)),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		color.New(color.FgGreen).Printf("circulation listening on %s (%s)\n", cfg.Server.Addr, cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

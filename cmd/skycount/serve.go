package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"SkyCount/internal/api"
	"SkyCount/internal/job"
	"SkyCount/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	sweepInterval = time.Minute
	jobRetention  = 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload page and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	store, err := job.NewStore(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		logger.Error("Failed to open job store", zap.Error(err))
		return err
	}
	defer store.Close()

	jobManager := job.NewManager(store, logger)
	sessions := session.NewRegistry(time.Duration(a.cfg.Session.TTLMinutes)*time.Minute, logger)
	defer sessions.Close()

	go janitor(ctx, sessions, jobManager)

	server := api.NewServer(a.orchestrator, sessions, jobManager, a.cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

// janitor expires idle sessions and prunes old job records until ctx ends.
func janitor(ctx context.Context, sessions *session.Registry, jobs *job.Manager) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Sweep()
			_ = jobs.CleanupOldJobs(ctx, jobRetention)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/macjediwizard/tracsync/internal/activity"
	"github.com/macjediwizard/tracsync/internal/health"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/orgsync"
	"github.com/macjediwizard/tracsync/internal/scheduler"
	"github.com/macjediwizard/tracsync/internal/web"
	"github.com/spf13/cobra"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled org syncs and the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info().Str("environment", string(a.cfg.Server.Environment)).Msg("Starting tracsync")

	notifier, err := a.notifier()
	if err != nil {
		return err
	}
	defer notifier.Wait()
	if notifier.IsEnabled() {
		logger.Info().
			Bool("webhook", a.cfg.Alerts.WebhookURL != "").
			Bool("email", a.cfg.Alerts.EmailTo != "").
			Dur("cooldown", a.cfg.Alerts.Cooldown).
			Msg("Alert notifications enabled")
	}
	alerts := alerter(notifier)

	tracker := activity.NewTracker()
	runnerOpts := []orgsync.Option{orgsync.WithTracker(tracker)}
	if alerts != nil {
		runnerOpts = append(runnerOpts, orgsync.WithAlerter(alerts))
	}
	runner := orgsync.NewRunner(a.db, a.clients(), runnerOpts...)

	sched := scheduler.New(a.db, runner, alerts, scheduler.Config{
		DefaultInterval:  a.cfg.Sync.DefaultInterval,
		SyncTimeout:      a.cfg.Sync.Timeout,
		LogRetentionDays: a.cfg.Sync.LogRetentionDays,
		CleanupSchedule:  a.cfg.Sync.CleanupSchedule,
	})

	handlers := web.NewHandlers(
		a.db,
		sched,
		orgsync.NewStatusStore(a.db),
		tracker,
		health.NewChecker(a.db, sched),
	)
	router := web.NewRouter(a.cfg, handlers)

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		sched.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			sched.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info().Msg("Shutting down server...")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server stopped")
	return nil
}

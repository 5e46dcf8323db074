package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/macjediwizard/tracsync/internal/config"
	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/notify"
	"github.com/macjediwizard/tracsync/internal/orgsync"
	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/spf13/cobra"
)

// newRootCommand creates the tracsync command tree.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracsync",
		Short: "Mirror remote survey platform data into a local store",
		Long: `tracsync keeps a local mirror of the groups, boundaries, contacts,
polls and responses of one or more orgs on a remote messaging platform.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSyncCommand())
	cmd.AddCommand(newOrgsCommand())
	cmd.AddCommand(newCursorCommand())
	return cmd
}

// app holds what every command needs.
type app struct {
	cfg *config.Config
	db  *db.DB
}

// openApp loads configuration, initializes logging and opens the database.
func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Environment: string(cfg.Logger.Environment),
	})

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &app{cfg: cfg, db: database}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing database")
	}
}

// clients builds a rate limited remote client per org.
func (a *app) clients() orgsync.ClientFactory {
	rc := a.cfg.Remote
	return func(org *db.Org) (remote.API, error) {
		client, err := remote.NewClient(rc.BaseURL, org.APIToken,
			remote.WithRateLimit(rc.RPS, rc.Burst),
			remote.WithTimeout(rc.Timeout),
			remote.WithMaxRetries(rc.MaxRetries),
		)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// notifier builds the alert notifier from the alert configuration.
func (a *app) notifier() (*notify.Notifier, error) {
	ac := a.cfg.Alerts
	cfg := &notify.Config{
		WebhookURL:   ac.WebhookURL,
		SMTPHost:     ac.SMTPHost,
		SMTPPort:     ac.SMTPPort,
		SMTPUsername: ac.SMTPUsername,
		SMTPPassword: ac.SMTPPassword,
		SMTPFrom:     ac.SMTPFrom,
		SMTPTLS:      ac.SMTPPort == 465,
		Cooldown:     ac.Cooldown,
	}
	for _, to := range strings.Split(ac.EmailTo, ",") {
		if to = strings.TrimSpace(to); to != "" {
			cfg.SMTPTo = append(cfg.SMTPTo, to)
		}
	}

	if cfg.WebhookEnabled() || cfg.EmailEnabled() {
		if err := notify.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid alert configuration: %w", err)
		}
	}
	return notify.New(cfg), nil
}

// alerter returns n as an orgsync.Alerter, or nil when it has no channel.
func alerter(n *notify.Notifier) orgsync.Alerter {
	if !n.IsEnabled() {
		return nil
	}
	return n
}

// findOrg resolves an org by id or, failing that, by name.
func (a *app) findOrg(cmd *cobra.Command, ref string) (*db.Org, error) {
	ctx := cmd.Context()
	org, err := a.db.GetOrg(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		org, err = a.db.GetOrgByName(ctx, ref)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("org %q not found", ref)
	}
	return org, err
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/macjediwizard/tracsync/internal/orgsync"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/spf13/cobra"
)

type syncOptions struct {
	family string
	full   bool
}

func newSyncCommand() *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync <org>",
		Short: "Run one sync pass of an org in the foreground",
		Long: `Run one sync pass of an org, named by id or name, and print its report.

Without --family every family runs in dependency order. --full ignores the
family's cursor and refetches everything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.family, "family", "", "sync a single family (groups|boundaries|contacts|polls|responses)")
	cmd.Flags().BoolVar(&opts.full, "full", false, "ignore the family's cursor")
	return cmd
}

func runSync(cmd *cobra.Command, ref string, opts *syncOptions) error {
	var family reconcile.Family
	if opts.family != "" {
		f, err := reconcile.ParseFamily(opts.family)
		if err != nil {
			return err
		}
		family = f
	} else if opts.full {
		return errors.New("--full needs --family")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	org, err := a.findOrg(cmd, ref)
	if err != nil {
		return err
	}

	notifier, err := a.notifier()
	if err != nil {
		return err
	}
	defer notifier.Wait()

	var runnerOpts []orgsync.Option
	if alerts := alerter(notifier); alerts != nil {
		runnerOpts = append(runnerOpts, orgsync.WithAlerter(alerts))
	}
	runner := orgsync.NewRunner(a.db, a.clients(), runnerOpts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var result *orgsync.Result
	if family == "" {
		result = runner.SyncOrg(ctx, org)
	} else {
		result = runner.SyncFamily(ctx, org, family, opts.full)
	}

	printReports(cmd.OutOrStdout(), result.Reports)
	if result.Err != nil {
		return result.Err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s synced in %s\n", org.Name, result.Duration.Round(time.Millisecond))
	return nil
}

func printReports(w io.Writer, reports []*reconcile.SyncReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tCREATED\tUPDATED\tDELETED\tFAILED")
	for _, r := range reports {
		c := r.Counts()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Family, c.Created, c.Updated, c.Deleted, c.Failed)
	}
	tw.Flush()
}

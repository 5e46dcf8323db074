package main

import (
	"fmt"

	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/spf13/cobra"
)

func newCursorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect and reset family cursors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <org> <family>",
		Short: "Forget a family's cursor so its next pass fetches everything",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := reconcile.ParseFamily(args[1])
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			org, err := a.findOrg(cmd, args[0])
			if err != nil {
				return err
			}
			if err := a.db.UnsetSyncCursor(cmd.Context(), org.ID, string(family)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s cursor of %s\n", family, org.Name)
			return nil
		},
	})
	return cmd
}

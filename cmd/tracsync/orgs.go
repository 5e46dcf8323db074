package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/validator"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// orgFile is the YAML document accepted by "orgs import".
//
//	orgs:
//	  - name: Uganda
//	    api_token: ${UGANDA_TOKEN}
//	    timezone: Africa/Kampala
//	    sameday_mode: sum
//	    region_uuids: [...]
//	    sync_interval: 15m
type orgFile struct {
	Orgs []orgSpec `yaml:"orgs" validate:"required,min=1,dive"`
}

type orgSpec struct {
	Name         string        `yaml:"name" validate:"required"`
	APIToken     string        `yaml:"api_token" validate:"required"`
	Timezone     string        `yaml:"timezone" validate:"omitempty,timezone"`
	SamedayMode  string        `yaml:"sameday_mode" validate:"omitempty,oneof=use_last sum"`
	RegionUUIDs  []string      `yaml:"region_uuids"`
	GroupUUIDs   []string      `yaml:"group_uuids"`
	DataFields   []string      `yaml:"data_fields"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	Enabled      *bool         `yaml:"enabled"`
}

// parseOrgFile decodes and validates an org file. Tokens may reference
// environment variables as $VAR or ${VAR}.
func parseOrgFile(r io.Reader) ([]*db.Org, error) {
	var file orgFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse org file: %w", err)
	}

	for i := range file.Orgs {
		file.Orgs[i].APIToken = os.ExpandEnv(file.Orgs[i].APIToken)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(file.Orgs))
	orgs := make([]*db.Org, 0, len(file.Orgs))
	for _, spec := range file.Orgs {
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate org %q", spec.Name)
		}
		seen[spec.Name] = true

		if spec.SyncInterval != 0 && spec.SyncInterval < time.Minute {
			return nil, fmt.Errorf("org %q: sync_interval must be at least 1m", spec.Name)
		}

		org := &db.Org{
			Name:         spec.Name,
			APIToken:     spec.APIToken,
			Timezone:     spec.Timezone,
			SamedayMode:  db.SamedayMode(spec.SamedayMode),
			RegionUUIDs:  spec.RegionUUIDs,
			GroupUUIDs:   spec.GroupUUIDs,
			DataFields:   spec.DataFields,
			SyncInterval: int(spec.SyncInterval / time.Second),
			Enabled:      true,
		}
		if spec.Enabled != nil {
			org.Enabled = *spec.Enabled
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

// importOrgs creates new orgs and updates existing ones matched by name.
// An updated org keeps its id and auth state.
func importOrgs(ctx context.Context, store *db.DB, orgs []*db.Org) (created, updated int, err error) {
	err = store.InTx(ctx, func(q *db.Queries) error {
		for _, org := range orgs {
			existing, err := q.GetOrgByName(ctx, org.Name)
			if errors.Is(err, db.ErrNotFound) {
				if err := q.CreateOrg(ctx, org); err != nil {
					return err
				}
				created++
				continue
			}
			if err != nil {
				return err
			}

			org.ID = existing.ID
			org.AuthFailed = existing.AuthFailed
			org.CreatedAt = existing.CreatedAt
			if org.SamedayMode == "" {
				org.SamedayMode = existing.SamedayMode
			}
			if org.Timezone == "" {
				org.Timezone = existing.Timezone
			}
			if org.APIToken != existing.APIToken {
				org.AuthFailed = false
			}
			if err := q.UpdateOrg(ctx, org); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return created, updated, err
}

func newOrgsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "Manage synced orgs",
	}
	cmd.AddCommand(newOrgsImportCommand())
	cmd.AddCommand(newOrgsListCommand())
	return cmd
}

func newOrgsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or update orgs from a YAML file",
		Long: `Create or update orgs from a YAML file. Orgs are matched by name.

Replacing the API token of an org clears its auth failure so the scheduler
picks it up again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			orgs, err := parseOrgFile(f)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			created, updated, err := importOrgs(cmd.Context(), a.db, orgs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d orgs created, %d updated\n", created, updated)
			return nil
		},
	}
}

func newOrgsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orgs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			orgs, err := a.db.ListOrgs(cmd.Context())
			if err != nil {
				return err
			}
			printOrgs(cmd.OutOrStdout(), orgs)
			return nil
		},
	}
}

func printOrgs(w io.Writer, orgs []*db.Org) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTIMEZONE\tREGIONS\tSTATE")
	for _, o := range orgs {
		var state []string
		if !o.Enabled {
			state = append(state, "disabled")
		}
		if o.AuthFailed {
			state = append(state, "auth failed")
		}
		if len(state) == 0 {
			state = append(state, "ok")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", o.ID, o.Name, o.Timezone, len(o.RegionUUIDs), strings.Join(state, ", "))
	}
	tw.Flush()
}

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orgYAML = `
orgs:
  - name: Uganda
    api_token: ${TEST_UGANDA_TOKEN}
    timezone: Africa/Kampala
    sameday_mode: sum
    region_uuids: [R1, R2]
    group_uuids: [G1]
    sync_interval: 30m
  - name: Kenya
    api_token: plain-token
    enabled: false
`

func TestParseOrgFile(t *testing.T) {
	t.Setenv("TEST_UGANDA_TOKEN", "from-env")

	orgs, err := parseOrgFile(strings.NewReader(orgYAML))
	require.NoError(t, err)
	require.Len(t, orgs, 2)

	uganda := orgs[0]
	assert.Equal(t, "from-env", uganda.APIToken)
	assert.Equal(t, db.SamedaySum, uganda.SamedayMode)
	assert.Equal(t, []string{"R1", "R2"}, uganda.RegionUUIDs)
	assert.Equal(t, 1800, uganda.SyncInterval)
	assert.True(t, uganda.Enabled)

	kenya := orgs[1]
	assert.False(t, kenya.Enabled)
	assert.Empty(t, kenya.Timezone)
	assert.Zero(t, kenya.SyncInterval)
}

func TestParseOrgFileRejects(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		want error
	}{
		{"missing token", "orgs:\n  - name: A\n", validator.ErrInvalidRecord},
		{"bad timezone", "orgs:\n  - name: A\n    api_token: t\n    timezone: Mars/Olympus\n", validator.ErrInvalidRecord},
		{"bad sameday mode", "orgs:\n  - name: A\n    api_token: t\n    sameday_mode: avg\n", validator.ErrInvalidRecord},
		{"empty file", "orgs: []\n", validator.ErrInvalidRecord},
		{"unknown field", "orgs:\n  - name: A\n    api_token: t\n    colour: red\n", nil},
		{"duplicate name", "orgs:\n  - name: A\n    api_token: t\n  - name: A\n    api_token: u\n", nil},
		{"short interval", "orgs:\n  - name: A\n    api_token: t\n    sync_interval: 10s\n", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseOrgFile(strings.NewReader(tc.yaml))
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestImportOrgs(t *testing.T) {
	ctx := context.Background()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	t.Setenv("TEST_UGANDA_TOKEN", "first")
	orgs, err := parseOrgFile(strings.NewReader(orgYAML))
	require.NoError(t, err)

	created, updated, err := importOrgs(ctx, store, orgs)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Zero(t, updated)

	uganda, err := store.GetOrgByName(ctx, "Uganda")
	require.NoError(t, err)
	require.NoError(t, store.SetOrgAuthFailed(ctx, uganda.ID, true))
	require.NoError(t, store.SetSyncCursor(ctx, uganda.ID, string(reconcile.FamilyContacts), uganda.CreatedAt))

	t.Run("reimport with a new token keeps the id and clears the auth failure", func(t *testing.T) {
		t.Setenv("TEST_UGANDA_TOKEN", "second")
		orgs, err := parseOrgFile(strings.NewReader(orgYAML))
		require.NoError(t, err)

		created, updated, err := importOrgs(ctx, store, orgs)
		require.NoError(t, err)
		assert.Zero(t, created)
		assert.Equal(t, 2, updated)

		got, err := store.GetOrgByName(ctx, "Uganda")
		require.NoError(t, err)
		assert.Equal(t, uganda.ID, got.ID)
		assert.Equal(t, "second", got.APIToken)
		assert.False(t, got.AuthFailed)

		cursor, err := store.GetSyncCursor(ctx, got.ID, string(reconcile.FamilyContacts))
		require.NoError(t, err)
		assert.NotNil(t, cursor, "import leaves sync state alone")
	})

	t.Run("list", func(t *testing.T) {
		all, err := store.ListOrgs(ctx)
		require.NoError(t, err)

		var out bytes.Buffer
		printOrgs(&out, all)
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[1], "Kenya")
		assert.Contains(t, lines[1], "disabled")
		assert.Contains(t, lines[2], "Uganda")
		assert.Contains(t, lines[2], "ok")
	})
}

func TestPrintReports(t *testing.T) {
	report := reconcile.NewReport(reconcile.FamilyContacts)
	report.Created = []string{"C1", "C2"}
	report.Failed = []string{"C3"}

	var out bytes.Buffer
	printReports(&out, []*reconcile.SyncReport{report})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"contacts", "2", "0", "0", "1"}, strings.Fields(lines[1]))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"sync"}, {"orgs", "import"}, {"orgs", "list"}, {"cursor", "reset"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	root.SetArgs([]string{"sync", "Uganda", "--full"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.EqualError(t, root.Execute(), "--full needs --family")
}

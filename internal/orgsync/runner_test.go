package orgsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/tracsync/internal/activity"
	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/macjediwizard/tracsync/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	modified = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	runAt    = time.Date(2024, 3, 5, 5, 0, 0, 0, time.UTC)
	now      = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
)

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlerter) record(kind string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, kind)
	return true
}

func (a *recordingAlerter) SendAuthAlert(ctx context.Context, orgID, orgName, details string) bool {
	return a.record("auth")
}

func (a *recordingAlerter) SendFailureAlert(ctx context.Context, orgID, orgName, details string) bool {
	return a.record("failure")
}

func (a *recordingAlerter) SendRecoveryAlert(ctx context.Context, orgID, orgName string) bool {
	return a.record("recovery")
}

type fixture struct {
	db      *db.DB
	api     *remotetest.Fake
	org     *db.Org
	tracker *activity.Tracker
	alerter *recordingAlerter
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	org := &db.Org{
		Name:        "Uganda",
		APIToken:    "token",
		Timezone:    "Africa/Kampala",
		RegionUUIDs: []string{"R1"},
		Enabled:     true,
	}
	require.NoError(t, store.CreateOrg(context.Background(), org))

	api := remotetest.New()
	api.GroupList = []*remote.Group{{UUID: "R1", Name: "Kampala"}}
	api.BoundaryList = []*remote.Boundary{{OsmID: "B1", Name: "Uganda", Level: 0}}
	api.ContactList = []*remote.Contact{{
		UUID:       "C1",
		Name:       "Ann",
		URNs:       []string{"tel:+256700000001"},
		Groups:     []remote.Ref{{UUID: "R1"}},
		CreatedOn:  modified,
		ModifiedOn: modified,
	}}
	api.FlowList = []*remote.Flow{{UUID: "F1", Name: "Weekly"}}
	def := &remote.FlowDefinition{RuleSets: []remote.RuleSet{{UUID: "RS1", Label: "Rainfall"}}}
	def.Metadata.UUID = "F1"
	api.DefinitionList = []*remote.FlowDefinition{def}
	api.RunList = []*remote.Run{{
		ID:         1,
		Flow:       remote.Ref{UUID: "F1"},
		Contact:    remote.Ref{UUID: "C1"},
		Values:     map[string]remote.RunValue{"rainfall": {Node: "RS1", Value: "4", Time: runAt}},
		CreatedOn:  runAt,
		ModifiedOn: runAt,
	}}

	f := &fixture{
		db:      store,
		api:     api,
		org:     org,
		tracker: activity.NewTracker(),
		alerter: &recordingAlerter{},
	}
	f.runner = NewRunner(store,
		func(*db.Org) (remote.API, error) { return api, nil },
		WithTracker(f.tracker),
		WithAlerter(f.alerter),
		WithClock(func() time.Time { return now }),
	)
	return f
}

func TestSyncOrg(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every family and records status", func(t *testing.T) {
		f := newFixture(t)

		result := f.runner.SyncOrg(ctx, f.org)
		require.NoError(t, result.Err)
		require.Len(t, result.Reports, len(reconcile.Families))
		for i, report := range result.Reports {
			assert.Equal(t, reconcile.Families[i], report.Family)
			assert.Len(t, report.Created, 1, "family %s", report.Family)
		}

		logs, err := f.db.GetSyncLogs(ctx, f.org.ID, 10)
		require.NoError(t, err)
		assert.Len(t, logs, len(reconcile.Families))
		for _, l := range logs {
			assert.Equal(t, db.SyncStatusSuccess, l.Status)
		}

		statuses, err := NewStatusStore(f.db).Statuses(ctx, f.org.ID)
		require.NoError(t, err)
		require.Len(t, statuses, len(reconcile.Families))
		for _, s := range statuses {
			require.NotNil(t, s.Status, "family %s", s.Family)
			assert.True(t, now.Equal(s.Status.Time))
			assert.Equal(t, 1, s.Status.Counts.Created)
			require.NotNil(t, s.Cursor)
		}

		recent := f.tracker.GetRecent()
		require.Len(t, recent, 1)
		assert.Equal(t, activity.StatusCompleted, recent[0].Status)
		assert.Equal(t, len(reconcile.Families), recent[0].FamiliesDone)
		assert.Equal(t, []string{"recovery"}, f.alerter.calls)
	})

	t.Run("rejected records make the log partial", func(t *testing.T) {
		f := newFixture(t)
		f.api.ContactList[0].URNs = []string{"unknown:abc"}

		result := f.runner.SyncFamily(ctx, f.org, reconcile.FamilyGroups, false)
		require.NoError(t, result.Err)
		result = f.runner.SyncFamily(ctx, f.org, reconcile.FamilyContacts, false)
		require.NoError(t, result.Err)
		assert.Equal(t, []string{"C1"}, result.Reports[0].Failed)
		assert.Equal(t, reconcile.RejectUnusableURN, result.Reports[0].Failures[0].Reason)

		logs, err := f.db.GetSyncLogs(ctx, f.org.ID, 10)
		require.NoError(t, err)
		statuses := make(map[string]db.SyncStatus)
		for _, l := range logs {
			statuses[l.Family] = l.Status
		}
		assert.Equal(t, db.SyncStatusSuccess, statuses["groups"])
		assert.Equal(t, db.SyncStatusPartial, statuses["contacts"])

		status, err := NewStatusStore(f.db).Status(ctx, f.org.ID, reconcile.FamilyContacts)
		require.NoError(t, err)
		assert.Equal(t, 1, status.Counts.Failed)
	})

	t.Run("auth failure marks the org and alerts", func(t *testing.T) {
		f := newFixture(t)
		f.api.Err = remote.ErrAuth

		result := f.runner.SyncOrg(ctx, f.org)
		require.Error(t, result.Err)
		assert.True(t, result.AuthFailed())
		assert.Len(t, result.Reports, 1, "pass stops at the first family")

		org, err := f.db.GetOrg(ctx, f.org.ID)
		require.NoError(t, err)
		assert.True(t, org.AuthFailed)
		assert.Equal(t, []string{"auth"}, f.alerter.calls)

		logs, err := f.db.GetSyncLogs(ctx, f.org.ID, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, db.SyncStatusError, logs[0].Status)

		status, err := NewStatusStore(f.db).Status(ctx, f.org.ID, reconcile.FamilyGroups)
		require.NoError(t, err)
		assert.Nil(t, status, "aborted passes leave no status")

		schedulable, err := f.db.ListSchedulableOrgs(ctx)
		require.NoError(t, err)
		assert.Empty(t, schedulable)

		t.Run("a later successful pass clears the flag", func(t *testing.T) {
			f.api.Err = nil
			result := f.runner.SyncOrg(ctx, f.org)
			require.NoError(t, result.Err)

			org, err := f.db.GetOrg(ctx, f.org.ID)
			require.NoError(t, err)
			assert.False(t, org.AuthFailed)
		})
	})

	t.Run("transient failure is not an auth failure", func(t *testing.T) {
		f := newFixture(t)
		f.api.Err = remote.ErrTransient

		result := f.runner.SyncOrg(ctx, f.org)
		assert.ErrorIs(t, result.Err, remote.ErrTransient)
		assert.False(t, result.AuthFailed())
		assert.Empty(t, f.alerter.calls)

		recent := f.tracker.GetRecent()
		require.Len(t, recent, 1)
		assert.Equal(t, activity.StatusError, recent[0].Status)
	})
}

func TestSyncFamilyFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, family := range []reconcile.Family{reconcile.FamilyGroups, reconcile.FamilyContacts, reconcile.FamilyPolls} {
		require.NoError(t, f.runner.SyncFamily(ctx, f.org, family, false).Err)
	}

	// A cursor past the run hides it from incremental passes.
	require.NoError(t, f.db.SetSyncCursor(ctx, f.org.ID, string(reconcile.FamilyResponses), runAt.Add(time.Hour)))

	result := f.runner.SyncFamily(ctx, f.org, reconcile.FamilyResponses, false)
	require.NoError(t, result.Err)
	assert.Empty(t, result.Reports[0].Created)

	result = f.runner.SyncFamily(ctx, f.org, reconcile.FamilyResponses, true)
	require.NoError(t, result.Err)
	assert.Equal(t, []string{"1"}, result.Reports[0].Created)
}

func TestStatusBeforeAnyPass(t *testing.T) {
	f := newFixture(t)

	statuses, err := NewStatusStore(f.db).Statuses(context.Background(), f.org.ID)
	require.NoError(t, err)
	require.Len(t, statuses, len(reconcile.Families))
	for _, s := range statuses {
		assert.Nil(t, s.Status)
		assert.Nil(t, s.Cursor)
	}
}

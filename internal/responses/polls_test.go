package responses

import (
	"context"
	"testing"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollSync(t *testing.T) {
	ctx := context.Background()

	syncPolls := func(t *testing.T, f *fixture) *reconcile.SyncReport {
		t.Helper()
		report, err := NewPollSyncer(f.db, f.api, WithClock(clock)).Sync(ctx, f.org)
		require.NoError(t, err)
		return report
	}

	questionsByRuleSet := func(t *testing.T, f *fixture) map[string]*db.Question {
		t.Helper()
		out := make(map[string]*db.Question)
		for _, q := range mustQuestions(t, f) {
			out[q.RuleSetUUID] = q
		}
		return out
	}

	t.Run("mirrors flows and guesses question types", func(t *testing.T) {
		f := newFixture(t)
		assert.Equal(t, "Weekly Check", f.poll.Name)
		assert.True(t, f.poll.IsActive)

		questions := questionsByRuleSet(t, f)
		require.Len(t, questions, 3)
		assert.Equal(t, db.QuestionNumeric, questions["RS1"].QuestionType)
		assert.Equal(t, db.QuestionMultipleChoice, questions["RS2"].QuestionType)
		assert.Equal(t, db.QuestionOpen, questions["RS3"].QuestionType)
		assert.Equal(t, 1, questions["RS1"].Order)
		assert.Equal(t, 3, questions["RS3"].Order)

		report := syncPolls(t, f)
		assert.True(t, report.Empty(), "second pass changes nothing")
	})

	t.Run("rename keeps the local name", func(t *testing.T) {
		f := newFixture(t)
		f.poll.Name = "Rain Survey"
		require.NoError(t, f.db.UpdatePoll(ctx, f.poll))
		f.api.FlowList[0].Name = "Weekly Check v2"

		report := syncPolls(t, f)
		assert.Equal(t, []string{"F1"}, report.Updated)

		poll, err := f.db.GetPoll(ctx, f.poll.ID)
		require.NoError(t, err)
		assert.Equal(t, "Weekly Check v2", poll.RemoteName)
		assert.Equal(t, "Rain Survey", poll.Name)
	})

	t.Run("removed rule sets deactivate their questions", func(t *testing.T) {
		f := newFixture(t)
		f.api.DefinitionList[0].RuleSets = f.api.DefinitionList[0].RuleSets[:2]

		report := syncPolls(t, f)
		assert.Equal(t, []string{"F1"}, report.Updated)

		questions := questionsByRuleSet(t, f)
		assert.True(t, questions["RS1"].IsActive)
		assert.False(t, questions["RS3"].IsActive)
	})

	t.Run("broadcast and archived flows are not polls", func(t *testing.T) {
		f := newFixture(t)
		f.api.FlowList = append(f.api.FlowList,
			&remote.Flow{UUID: "F2", Name: "Single Message (42)"},
			&remote.Flow{UUID: "F3", Name: "Old Survey", Archived: true},
		)

		report := syncPolls(t, f)
		assert.Empty(t, report.Created)

		polls, err := f.db.ListPolls(ctx, f.org.ID)
		require.NoError(t, err)
		assert.Len(t, polls, 1)
	})

	t.Run("vanished flows deactivate their poll", func(t *testing.T) {
		f := newFixture(t)
		f.api.FlowList = nil

		report := syncPolls(t, f)
		assert.Equal(t, []string{"F1"}, report.Deleted)

		active, err := f.db.ListActivePolls(ctx, f.org.ID)
		require.NoError(t, err)
		assert.Empty(t, active)

		f.api.FlowList = []*remote.Flow{{UUID: "F1", Name: "Weekly Check"}}
		report = syncPolls(t, f)
		assert.Equal(t, []string{"F1"}, report.Updated, "returning flow reactivates its poll")
	})

	t.Run("missing definition is a record failure", func(t *testing.T) {
		f := newFixture(t)
		f.api.FlowList = append(f.api.FlowList, &remote.Flow{UUID: "F4", Name: "Draft"})

		report := syncPolls(t, f)
		assert.Equal(t, []string{"F4"}, report.Failed)
		assert.Equal(t, reconcile.RejectMalformed, report.Failures[0].Reason)
	})
}

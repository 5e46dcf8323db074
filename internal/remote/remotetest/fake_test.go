package remotetest

import (
	"context"
	"testing"
	"time"

	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeServesPages(t *testing.T) {
	f := New()
	f.GroupList = []*remote.Group{{UUID: "R1"}, {UUID: "R2"}, {UUID: "R3"}}
	f.Malformed["R2"] = true

	var uuids []string
	var failed []string
	for g, err := range f.Groups(context.Background()) {
		if err != nil {
			var re *remote.RecordError
			require.ErrorAs(t, err, &re)
			failed = append(failed, re.RemoteID)
			continue
		}
		uuids = append(uuids, g.UUID)
	}
	assert.Equal(t, []string{"R1", "R3"}, uuids)
	assert.Equal(t, []string{"R2"}, failed)
	assert.Equal(t, 2, f.Pages())
}

func TestFakeFiltersRuns(t *testing.T) {
	at := time.Date(2024, 3, 5, 5, 0, 0, 0, time.UTC)
	f := New()
	f.RunList = []*remote.Run{
		{ID: 1, Flow: remote.Ref{UUID: "F1"}, CreatedOn: at, ModifiedOn: at},
		{ID: 2, Flow: remote.Ref{UUID: "F1"}, CreatedOn: at, ModifiedOn: at.Add(time.Hour)},
		{ID: 3, Flow: remote.Ref{UUID: "F2"}, CreatedOn: at, ModifiedOn: at},
	}

	ids := func(q remote.RunQuery) []int64 {
		var out []int64
		for r, err := range f.Runs(context.Background(), q) {
			require.NoError(t, err)
			out = append(out, r.ID)
		}
		return out
	}

	after := at.Add(time.Minute)
	assert.Equal(t, []int64{1, 2}, ids(remote.RunQuery{Flow: "F1"}))
	assert.Equal(t, []int64{2}, ids(remote.RunQuery{Flow: "F1", After: &after}))
	assert.Equal(t, []int64{3}, ids(remote.RunQuery{ID: 3}))
}

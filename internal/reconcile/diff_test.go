package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	base := func() *Snapshot {
		return &Snapshot{
			RemoteID: "C1",
			Name:     "Ann",
			URNs:     []string{"tel:+1", "mailto:ann@example.com"},
			Groups:   []string{"R1", "G1"},
			Fields:   map[string]string{"gender": "F"},
			Language: "eng",
		}
	}

	testCases := []struct {
		name     string
		remote   *Snapshot
		local    *Snapshot
		tracked  []Field
		expected DiffResult
	}{
		{
			name:     "identical",
			remote:   base(),
			local:    base(),
			expected: DiffResult{Kind: Unchanged},
		},
		{
			name:     "missing locally",
			remote:   base(),
			expected: DiffResult{Kind: MissingLocally},
		},
		{
			name:     "missing remotely",
			local:    base(),
			expected: DiffResult{Kind: MissingRemotely},
		},
		{
			name:     "set order is ignored",
			remote:   base(),
			local:    func() *Snapshot { s := base(); s.Groups = []string{"G1", "R1"}; return s }(),
			expected: DiffResult{Kind: Unchanged},
		},
		{
			name:     "group change",
			remote:   base(),
			local:    func() *Snapshot { s := base(); s.Groups = []string{"R2", "G1"}; return s }(),
			expected: DiffResult{Kind: Changed, Field: FieldGroups},
		},
		{
			name:   "first differing field wins",
			remote: base(),
			local: func() *Snapshot {
				s := base()
				s.Name = "Anne"
				s.Language = "fre"
				return s
			}(),
			expected: DiffResult{Kind: Changed, Field: FieldName},
		},
		{
			name:     "field value change",
			remote:   base(),
			local:    func() *Snapshot { s := base(); s.Fields = map[string]string{"gender": "M"}; return s }(),
			expected: DiffResult{Kind: Changed, Field: FieldFields},
		},
		{
			name:     "untracked field is ignored",
			remote:   base(),
			local:    func() *Snapshot { s := base(); s.Name = "Anne"; return s }(),
			tracked:  []Field{FieldGroups, FieldURNs},
			expected: DiffResult{Kind: Unchanged},
		},
		{
			name:     "nil and empty fields are equal",
			remote:   func() *Snapshot { s := base(); s.Fields = nil; return s }(),
			local:    func() *Snapshot { s := base(); s.Fields = map[string]string{}; return s }(),
			expected: DiffResult{Kind: Unchanged},
		},
		{
			name:     "duplicate urns compare as a set",
			remote:   func() *Snapshot { s := base(); s.URNs = []string{"tel:+1", "tel:+1"}; return s }(),
			local:    func() *Snapshot { s := base(); s.URNs = []string{"tel:+1"}; return s }(),
			expected: DiffResult{Kind: Unchanged},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Diff(tc.remote, tc.local, tc.tracked))
		})
	}
}

func TestDiffResultString(t *testing.T) {
	assert.Equal(t, "changed(groups)", DiffResult{Kind: Changed, Field: FieldGroups}.String())
	assert.Equal(t, "missing_locally", DiffResult{Kind: MissingLocally}.String())
}

func TestRejection(t *testing.T) {
	rej := Reject(RejectConflict, "tel:+1 already held by %s", "C1")
	assert.ErrorIs(t, rej, ErrConflict)
	assert.Equal(t, "conflict: tel:+1 already held by C1", rej.Error())

	rej = Reject(RejectNoRegion, "")
	assert.ErrorIs(t, rej, ErrRecordValidation)
	assert.NotErrorIs(t, rej, ErrConflict)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("contacts")
	assert.NoError(t, err)
	assert.Equal(t, FamilyContacts, f)

	_, err = ParseFamily("calendars")
	assert.Error(t, err)
}

func TestUsableURN(t *testing.T) {
	assert.Equal(t, "tel:+256700000001", primaryURN([]string{"bogus:1", "tel:+256700000001"}))
	assert.Equal(t, "", primaryURN([]string{"tel:", "unknown:abc"}))
	assert.True(t, usableURN("TEL:+1"))
	assert.False(t, usableURN("tel"))
}

package responses

import (
	"testing"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	testCases := []struct {
		answered int
		total    int
		expected db.ResponseStatus
	}{
		{0, 3, db.ResponseEmpty},
		{1, 3, db.ResponsePartial},
		{2, 3, db.ResponsePartial},
		{3, 3, db.ResponseComplete},
		{0, 0, db.ResponseEmpty},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, Status(tc.answered, tc.total), "%d of %d", tc.answered, tc.total)
	}
}

func TestDayBounds(t *testing.T) {
	kampala, err := time.LoadLocation("Africa/Kampala")
	require.NoError(t, err)

	// 22:30 UTC is already the next day in Kampala.
	start, end := DayBounds(time.Date(2024, 3, 1, 22, 30, 0, 0, time.UTC), kampala)
	assert.Equal(t, time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 2, 21, 0, 0, 0, time.UTC), end)

	start, end = DayBounds(time.Date(2024, 3, 1, 22, 30, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), end)
}

func TestAggregate(t *testing.T) {
	answers := func(values ...string) []*db.Answer {
		out := make([]*db.Answer, 0, len(values))
		for _, v := range values {
			out = append(out, &db.Answer{Value: v})
		}
		return out
	}

	t.Run("sums numeric values and keeps the newest", func(t *testing.T) {
		last, sum := Aggregate(answers("4", "n/a", " 8 "))
		require.NotNil(t, last)
		require.NotNil(t, sum)
		assert.Equal(t, " 8 ", *last)
		assert.InDelta(t, 12.0, *sum, 1e-9)
	})

	t.Run("no numeric values", func(t *testing.T) {
		last, sum := Aggregate(answers("yes", "NaN", "Inf"))
		require.NotNil(t, last)
		assert.Equal(t, "Inf", *last)
		assert.Nil(t, sum)
	})

	t.Run("empty bucket", func(t *testing.T) {
		last, sum := Aggregate(nil)
		assert.Nil(t, last)
		assert.Nil(t, sum)
	})
}

func TestGuessQuestionType(t *testing.T) {
	rules := func(tests ...string) remote.RuleSet {
		var rs remote.RuleSet
		for _, test := range tests {
			var r remote.Rule
			r.Test.Type = test
			rs.Rules = append(rs.Rules, r)
		}
		return rs
	}

	assert.Equal(t, db.QuestionOpen, GuessQuestionType(remote.RuleSet{}))
	assert.Equal(t, db.QuestionNumeric, GuessQuestionType(rules("number", "between", "lt")))
	assert.Equal(t, db.QuestionMultipleChoice, GuessQuestionType(rules("number", "contains_any")))
	assert.Equal(t, db.QuestionMultipleChoice, GuessQuestionType(rules("true")))
}

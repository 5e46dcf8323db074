package responses

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
)

// Status derives a response status from how many active questions were
// answered out of how many exist.
func Status(answered, total int) db.ResponseStatus {
	switch {
	case answered <= 0 || total <= 0:
		return db.ResponseEmpty
	case answered < total:
		return db.ResponsePartial
	default:
		return db.ResponseComplete
	}
}

// DayBounds returns the org-local calendar day containing t as a UTC
// half-open interval.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// Aggregate computes the same-day values of a bucket ordered oldest first:
// the newest raw value, and the sum of every value that parses as a number.
// sum is nil when no value is numeric.
func Aggregate(bucket []*db.Answer) (last *string, sum *float64) {
	if len(bucket) == 0 {
		return nil, nil
	}

	newest := bucket[len(bucket)-1].Value
	last = &newest

	var total float64
	numeric := false
	for _, a := range bucket {
		v, ok := parseNumber(a.Value)
		if !ok {
			continue
		}
		total += v
		numeric = true
	}
	if numeric {
		sum = &total
	}
	return last, sum
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// bucket identifies the answers that share same-day aggregates.
type bucket struct {
	questionID string
	contactID  string
	start      time.Time
	end        time.Time
}

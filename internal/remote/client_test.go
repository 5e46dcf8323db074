package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient starts a server with handler and returns a client for it.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "secret-key", WithMaxRetries(2))
	require.NoError(t, err)
	return client
}

func writePage(w http.ResponseWriter, next string, results ...string) {
	w.Header().Set("Content-Type", "application/json")
	nextJSON := "null"
	if next != "" {
		nextJSON = fmt.Sprintf("%q", next)
	}
	body := `{"next": ` + nextJSON + `, "results": [`
	for i, r := range results {
		if i > 0 {
			body += ","
		}
		body += r
	}
	body += "]}"
	_, _ = w.Write([]byte(body))
}

func TestNewClient(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewClient("", "key")
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("requires token", func(t *testing.T) {
		_, err := NewClient("https://example.com", "")
		assert.ErrorIs(t, err, ErrAuth)
	})
}

func TestPagination(t *testing.T) {
	var requests atomic.Int32
	var serverURL string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "Token secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v2/contacts.json", r.URL.Path)

		if r.URL.Query().Get("cursor") == "" {
			writePage(w, serverURL+"/api/v2/contacts.json?cursor=2",
				`{"uuid": "C1", "name": "Ann", "urns": ["tel:+1"], "groups": [{"uuid": "R1", "name": "Kampala"}]}`,
				`{"uuid": "C2", "name": "Bob", "urns": ["tel:+2"]}`)
			return
		}
		writePage(w, "", `{"uuid": "C3", "name": "Cat", "urns": ["tel:+3"]}`)
	})
	serverURL = client.baseURL

	t.Run("walks every page", func(t *testing.T) {
		requests.Store(0)
		var uuids []string
		for c, err := range client.Contacts(context.Background(), ContactQuery{}) {
			require.NoError(t, err)
			uuids = append(uuids, c.UUID)
		}
		assert.Equal(t, []string{"C1", "C2", "C3"}, uuids)
		assert.Equal(t, int32(2), requests.Load())
	})

	t.Run("stops fetching when the consumer stops", func(t *testing.T) {
		requests.Store(0)
		for c, err := range client.Contacts(context.Background(), ContactQuery{}) {
			require.NoError(t, err)
			assert.Equal(t, "C1", c.UUID)
			break
		}
		assert.Equal(t, int32(1), requests.Load())
	})

	t.Run("ranging again restarts from the first page", func(t *testing.T) {
		seq := client.Contacts(context.Background(), ContactQuery{})
		count := func() int {
			n := 0
			for range seq {
				n++
			}
			return n
		}
		assert.Equal(t, 3, count())
		assert.Equal(t, 3, count())
	})
}

func TestNextLinkMustStayOnHost(t *testing.T) {
	var requests atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writePage(w, "https://collector.example.net/api/v2/contacts.json?cursor=2",
			`{"uuid": "C1", "name": "Ann", "urns": ["tel:+1"]}`)
	})

	var uuids []string
	var walkErr error
	for c, err := range client.Contacts(context.Background(), ContactQuery{}) {
		if err != nil {
			walkErr = err
			continue
		}
		uuids = append(uuids, c.UUID)
	}
	assert.Equal(t, []string{"C1"}, uuids)
	assert.ErrorIs(t, walkErr, ErrRejected)
	assert.True(t, IsTerminal(walkErr))
	assert.Equal(t, int32(1), requests.Load())
}

func TestRunByID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/runs.json", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("id"))
		assert.Empty(t, r.URL.Query().Get("flow"))
		writePage(w, "", `{"id": 42, "flow": {"uuid": "F1"}, "contact": {"uuid": "C1"}, "created_on": "2024-03-01T10:00:00.000000Z", "modified_on": "2024-03-01T10:00:00.000000Z"}`)
	})

	var ids []int64
	for run, err := range client.Runs(context.Background(), RunQuery{ID: 42}) {
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	assert.Equal(t, []int64{42}, ids)
}

func TestQueryParameters(t *testing.T) {
	after := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	before := after.Add(time.Hour)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "G1", q.Get("group"))
		assert.Equal(t, "2024-01-02T03:04:05.000000Z", q.Get("after"))
		assert.Equal(t, "2024-01-02T04:04:05.000000Z", q.Get("before"))
		assert.Equal(t, "true", q.Get("deleted"))
		writePage(w, "", `{"uuid": "C9"}`)
	})

	var got []string
	for d, err := range client.DeletedContacts(context.Background(), ContactQuery{Group: "G1", After: &after, Before: &before}) {
		require.NoError(t, err)
		got = append(got, d.UUID)
	}
	assert.Equal(t, []string{"C9"}, got)
}

func TestMalformedRecords(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writePage(w, "",
			`{"uuid": "G1", "name": "Kampala"}`,
			`{"uuid": "G2"}`,
			`{"uuid": 17, "name": "bad type"}`,
			`{"uuid": "G4", "name": "Gulu"}`)
	})

	var ok []string
	var failed []error
	for g, err := range client.Groups(context.Background()) {
		if err != nil {
			failed = append(failed, err)
			continue
		}
		ok = append(ok, g.UUID)
	}

	assert.Equal(t, []string{"G1", "G4"}, ok)
	require.Len(t, failed, 2)
	for _, err := range failed {
		assert.True(t, IsRecordError(err))
		assert.False(t, IsTerminal(err))
		assert.ErrorIs(t, err, ErrMalformed)
	}

	var re *RecordError
	require.True(t, errors.As(failed[0], &re))
	assert.Equal(t, "G2", re.RemoteID)
}

func TestStatusErrors(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		expected error
	}{
		{name: "unauthorized is auth", status: http.StatusUnauthorized, expected: ErrAuth},
		{name: "forbidden is auth", status: http.StatusForbidden, expected: ErrAuth},
		{name: "server error is transient", status: http.StatusBadGateway, expected: ErrTransient},
		{name: "not found is rejected", status: http.StatusNotFound, expected: ErrRejected},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})

			var errs []error
			for _, err := range client.Flows(context.Background()) {
				errs = append(errs, err)
			}
			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], tc.expected)
			assert.True(t, IsTerminal(errs[0]))
		})
	}
}

func TestRateLimitRetry(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writePage(w, "", `{"uuid": "F1", "name": "Weekly"}`)
	})

	var got []string
	for f, err := range client.Flows(context.Background()) {
		require.NoError(t, err)
		got = append(got, f.UUID)
	}
	assert.Equal(t, []string{"F1"}, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitExhausted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	for _, err := range client.Groups(context.Background()) {
		assert.ErrorIs(t, err, ErrTransient)
	}
}

func TestConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, err := NewClient(server.URL, "key")
	require.NoError(t, err)
	server.Close()

	for _, err := range client.Groups(context.Background()) {
		assert.ErrorIs(t, err, ErrTransient)
	}
}

func TestDefinitions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"F1", "F2"}, r.URL.Query()["flow"])
		_, _ = w.Write([]byte(`{"flows": [{"metadata": {"uuid": "F1", "name": "Weekly"},
			"rule_sets": [{"uuid": "RS1", "label": "Count", "rules": [{"test": {"type": "number"}}]}]}]}`))
	})

	defs, err := client.Definitions(context.Background(), []string{"F1", "F2"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "F1", defs[0].Metadata.UUID)
	require.Len(t, defs[0].RuleSets, 1)
	assert.Equal(t, "number", defs[0].RuleSets[0].Rules[0].Test.Type)
}

func TestCategoryName(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "plain string", raw: `"Yes"`, expected: "Yes"},
		{name: "translation with base", raw: `{"eng": "Yes", "base": "Oui"}`, expected: "Oui"},
		{name: "translation without base uses first", raw: `{"fre": "Oui", "eng": "Yes"}`, expected: "Yes"},
		{name: "catch-all is empty", raw: `"All Responses"`, expected: ""},
		{name: "null is empty", raw: `null`, expected: ""},
		{name: "missing is empty", raw: ``, expected: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := RunValue{Category: json.RawMessage(tc.raw)}
			assert.Equal(t, tc.expected, v.CategoryName())
		})
	}
}

func TestRunChangedOn(t *testing.T) {
	created := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	t.Run("prefers modification time", func(t *testing.T) {
		modified := created.Add(time.Hour)
		run := Run{CreatedOn: created, ModifiedOn: modified}
		assert.Equal(t, modified, run.ChangedOn())
	})

	t.Run("falls back to newest value", func(t *testing.T) {
		run := Run{CreatedOn: created, Values: map[string]RunValue{
			"a": {Time: created.Add(time.Minute)},
			"b": {Time: created.Add(2 * time.Minute)},
		}}
		assert.Equal(t, created.Add(2*time.Minute), run.ChangedOn())
	})

	t.Run("falls back to creation", func(t *testing.T) {
		run := Run{CreatedOn: created}
		assert.Equal(t, created, run.ChangedOn())
	})
}

func TestFieldString(t *testing.T) {
	c := Contact{Fields: map[string]any{"age": float64(34), "name": "x", "empty": nil}}

	v, ok := c.FieldString("age")
	assert.True(t, ok)
	assert.Equal(t, "34", v)

	v, ok = c.FieldString("empty")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = c.FieldString("missing")
	assert.False(t, ok)
}

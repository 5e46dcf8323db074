// Package responses turns remote flow runs into local responses and answers
// and keeps the same-day numeric aggregates of answers current.
package responses

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/remote"
)

// ContactHydrator mirrors specific contacts on demand.
// *reconcile.ContactEngine satisfies it.
type ContactHydrator interface {
	SyncRecords(ctx context.Context, org *db.Org, remoteIDs []string) (*reconcile.SyncReport, error)
}

// Action is what ingesting one run did to the local store.
type Action int

const (
	Unchanged Action = iota
	Created
	Updated
)

// Result is the outcome of ingesting one run. Rejection is set, and Response
// nil, when the run could not be mapped onto local records.
type Result struct {
	Response  *db.Response
	Action    Action
	Rejection *reconcile.Rejection
}

// Ingestor converts remote runs into responses.
type Ingestor struct {
	store    reconcile.Store
	api      remote.API
	contacts ContactHydrator
	now      func() time.Time
}

// Option configures an Ingestor or a PollSyncer.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewIngestor creates an ingestor.
func NewIngestor(store reconcile.Store, api remote.API, contacts ContactHydrator, opts ...Option) *Ingestor {
	o := buildOptions(opts)
	return &Ingestor{store: store, api: api, contacts: contacts, now: o.now}
}

// IngestAll ingests the runs of every active poll changed since the given
// time, or all runs when since is nil. Incremental passes first retry the
// runs in the failure ledger. The responses cursor advances only when every
// poll's listing was walked.
func (i *Ingestor) IngestAll(ctx context.Context, org *db.Org, since *time.Time) (*reconcile.SyncReport, error) {
	report := reconcile.NewReport(reconcile.FamilyResponses)
	log := logger.ForOrg(org.ID, string(reconcile.FamilyResponses))
	until := i.now().UTC()

	var polls []*db.Poll
	if err := i.store.InTx(ctx, func(q *db.Queries) error {
		var err error
		polls, err = q.ListActivePolls(ctx, org.ID)
		return err
	}); err != nil {
		return report, fmt.Errorf("failed to load polls: %w", err)
	}

	seen := make(map[int64]bool)
	if since != nil {
		byFlow := make(map[string]*db.Poll, len(polls))
		for _, poll := range polls {
			byFlow[poll.FlowUUID] = poll
		}
		if err := i.retry(ctx, org, report, byFlow, seen); err != nil {
			return report, err
		}
	}

	for _, poll := range polls {
		runs := i.api.Runs(ctx, remote.RunQuery{Flow: poll.FlowUUID, After: since, Before: &until})
		for run, err := range runs {
			if err != nil {
				if remote.IsTerminal(err) {
					return report, err
				}
				i.recordError(ctx, org, report, err)
				continue
			}
			if err := i.apply(ctx, org, report, poll, run, seen); err != nil {
				return report, err
			}
		}
	}

	if err := i.store.SetSyncCursor(ctx, org.ID, string(reconcile.FamilyResponses), until); err != nil {
		return report, fmt.Errorf("failed to advance cursor: %w", err)
	}

	log.Info().
		Int("polls", len(polls)).
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("failed", len(report.Failed)).
		Msg("Responses ingested")
	return report, nil
}

// retry re-fetches the runs in the failure ledger by id. Their modification
// time may precede the cursor, so the window walk would not see them again.
// Entries whose run is gone, or whose poll is no longer active, are dropped.
func (i *Ingestor) retry(ctx context.Context, org *db.Org, report *reconcile.SyncReport, byFlow map[string]*db.Poll, seen map[int64]bool) error {
	failures, err := i.store.ListSyncFailures(ctx, org.ID, string(reconcile.FamilyResponses))
	if err != nil {
		return err
	}

	for _, f := range failures {
		id, err := strconv.ParseInt(f.RemoteID, 10, 64)
		if err != nil {
			i.clear(ctx, org, f.RemoteID)
			continue
		}

		listed := false
		for run, err := range i.api.Runs(ctx, remote.RunQuery{ID: id}) {
			if err != nil {
				if remote.IsTerminal(err) {
					return err
				}
				listed = true
				i.recordError(ctx, org, report, err)
				continue
			}
			listed = true
			poll, ok := byFlow[run.Flow.UUID]
			if !ok {
				i.clear(ctx, org, f.RemoteID)
				continue
			}
			if err := i.apply(ctx, org, report, poll, run, seen); err != nil {
				return err
			}
		}
		if !listed {
			i.clear(ctx, org, f.RemoteID)
		}
	}
	return nil
}

// apply ingests one listed run into the report. Only errors that must abort
// the pass are returned.
func (i *Ingestor) apply(ctx context.Context, org *db.Org, report *reconcile.SyncReport, poll *db.Poll, run *remote.Run, seen map[int64]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if seen[run.ID] {
		return nil
	}
	seen[run.ID] = true

	id := strconv.FormatInt(run.ID, 10)
	result, err := i.Ingest(ctx, org, poll, run)
	switch {
	case err != nil && !errors.Is(err, errStore):
		return err
	case err != nil:
		i.fail(ctx, org, report, id, reconcile.Reject(reconcile.RejectStore, "%v", err))
	case result.Rejection != nil:
		i.fail(ctx, org, report, id, result.Rejection)
	case result.Action == Created:
		report.Created = append(report.Created, id)
		i.clear(ctx, org, id)
	case result.Action == Updated:
		report.Updated = append(report.Updated, id)
		i.clear(ctx, org, id)
	default:
		i.clear(ctx, org, id)
	}
	return nil
}

// errStore marks local store failures so they are not mistaken for remote
// failures when deciding whether to abort the pass.
var errStore = errors.New("response store failure")

// Ingest converts one run of a poll into a response. Re-delivery of a run
// with an unchanged marker is a no-op. A changed run replaces the answers of
// its response. A new run for a contact and poll run that already has an
// active response supersedes it.
func (i *Ingestor) Ingest(ctx context.Context, org *db.Org, poll *db.Poll, run *remote.Run) (Result, error) {
	contact, rej, err := i.resolveContact(ctx, org, run.Contact.UUID)
	if err != nil {
		return Result{}, err
	}
	if rej != nil {
		return Result{Rejection: rej}, nil
	}

	marker := run.ChangedOn().UTC().Truncate(time.Microsecond)
	loc := org.Location()
	var result Result

	err = i.store.InTx(ctx, func(q *db.Queries) error {
		existing, err := q.GetResponseByFlowRun(ctx, org.ID, run.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if existing != nil && existing.UpdatedOn.Equal(marker) {
			result = Result{Response: existing, Action: Unchanged}
			return nil
		}

		questions, err := q.ListQuestions(ctx, poll.ID)
		if err != nil {
			return err
		}
		active := make(map[string]*db.Question)
		numeric := make(map[string]bool)
		for _, question := range questions {
			numeric[question.ID] = question.QuestionType == db.QuestionNumeric
			if question.IsActive {
				active[question.RuleSetUUID] = question
			}
		}
		values := answeredValues(run, active)
		status := Status(len(values), len(active))

		buckets := make(map[bucket]bool)
		response := existing
		if response != nil {
			old, err := q.ListAnswers(ctx, response.ID)
			if err != nil {
				return err
			}
			for _, a := range old {
				if !numeric[a.QuestionID] {
					continue
				}
				start, end := DayBounds(a.SubmittedOn, loc)
				buckets[bucket{questionID: a.QuestionID, contactID: a.ContactID, start: start, end: end}] = true
			}
			if _, err := q.DeleteAnswers(ctx, response.ID); err != nil {
				return err
			}

			response.UpdatedOn = marker
			response.Status = status
			if err := q.UpdateResponse(ctx, response); err != nil {
				return err
			}
			result.Action = Updated
		} else {
			pollRun, err := universalPollRun(ctx, q, poll, run.CreatedOn, loc)
			if err != nil {
				return err
			}
			// The contact's earlier response to this poll run is kept as history.
			if _, err := q.DeactivateOtherResponses(ctx, contact.ID, pollRun.ID, ""); err != nil {
				return err
			}
			response = &db.Response{
				OrgID:     org.ID,
				PollRunID: pollRun.ID,
				ContactID: contact.ID,
				FlowRunID: run.ID,
				CreatedOn: run.CreatedOn.UTC(),
				UpdatedOn: marker,
				Status:    status,
				IsActive:  true,
			}
			if err := q.CreateResponse(ctx, response); err != nil {
				return err
			}
			result.Action = Created
		}
		result.Response = response

		for ruleSet, v := range values {
			question := active[ruleSet]
			submitted := v.Time
			if submitted.IsZero() {
				submitted = run.CreatedOn
			}
			answer := &db.Answer{
				ResponseID:  response.ID,
				QuestionID:  question.ID,
				ContactID:   contact.ID,
				Value:       v.Value,
				Category:    v.CategoryName(),
				SubmittedOn: submitted.UTC(),
			}
			if err := q.CreateAnswer(ctx, answer); err != nil {
				return err
			}
			if numeric[question.ID] {
				start, end := DayBounds(answer.SubmittedOn, loc)
				buckets[bucket{questionID: question.ID, contactID: contact.ID, start: start, end: end}] = true
			}
		}

		return recomputeBuckets(ctx, q, buckets)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: run %d: %w", errStore, run.ID, err)
	}
	return result, nil
}

// resolveContact finds the local contact of a run, fetching it from the
// remote when it has not been mirrored yet.
func (i *Ingestor) resolveContact(ctx context.Context, org *db.Org, uuid string) (*db.Contact, *reconcile.Rejection, error) {
	if uuid == "" {
		return nil, reconcile.Reject(reconcile.RejectMalformed, "run has no contact"), nil
	}

	contact, err := i.findContact(ctx, org, uuid)
	if err != nil {
		return nil, nil, err
	}
	if contact == nil && i.contacts != nil {
		report, err := i.contacts.SyncRecords(ctx, org, []string{uuid})
		if err != nil {
			return nil, nil, err
		}
		for _, f := range report.Failures {
			if f.RemoteID == uuid {
				return nil, reconcile.Reject(reconcile.RejectUnknownContact, "%s: %s", f.Reason, f.Detail), nil
			}
		}
		if contact, err = i.findContact(ctx, org, uuid); err != nil {
			return nil, nil, err
		}
	}

	switch {
	case contact == nil:
		return nil, reconcile.Reject(reconcile.RejectUnknownContact, "contact %s is not mirrored", uuid), nil
	case !contact.IsActive:
		return nil, reconcile.Reject(reconcile.RejectUnknownContact, "contact %s is inactive", uuid), nil
	}
	return contact, nil, nil
}

func (i *Ingestor) findContact(ctx context.Context, org *db.Org, uuid string) (*db.Contact, error) {
	var contact *db.Contact
	err := i.store.InTx(ctx, func(q *db.Queries) error {
		c, err := q.GetContactByRemoteID(ctx, org.ID, uuid)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		contact = c
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStore, err)
	}
	return contact, nil
}

// answeredValues picks the value of each active question present in the run.
// When a question was answered more than once, the newest value wins.
func answeredValues(run *remote.Run, active map[string]*db.Question) map[string]remote.RunValue {
	out := make(map[string]remote.RunValue)
	for _, v := range run.Values {
		if _, ok := active[v.Node]; !ok || strings.TrimSpace(v.Value) == "" {
			continue
		}
		if prev, ok := out[v.Node]; ok && !v.Time.After(prev.Time) {
			continue
		}
		out[v.Node] = v
	}
	return out
}

// universalPollRun returns the poll's universal run for the org-local day of
// t, creating it on first use.
func universalPollRun(ctx context.Context, q *db.Queries, poll *db.Poll, t time.Time, loc *time.Location) (*db.PollRun, error) {
	start, end := DayBounds(t, loc)
	pr, err := q.FindUniversalPollRun(ctx, poll.ID, start, end)
	if err == nil {
		return pr, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	pr = &db.PollRun{PollID: poll.ID, Type: db.PollRunUniversal, ConductedOn: t.UTC()}
	if err := q.CreatePollRun(ctx, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// recomputeBuckets rewrites the same-day aggregates of every answer in the
// given buckets.
func recomputeBuckets(ctx context.Context, q *db.Queries, buckets map[bucket]bool) error {
	for b := range buckets {
		answers, err := q.ListBucketAnswers(ctx, b.questionID, b.contactID, b.start, b.end)
		if err != nil {
			return err
		}
		last, sum := Aggregate(answers)
		for _, a := range answers {
			if err := q.SetAnswerAggregates(ctx, a.ID, last, sum); err != nil {
				return err
			}
		}
	}
	return nil
}

func (i *Ingestor) recordError(ctx context.Context, org *db.Org, report *reconcile.SyncReport, err error) {
	var re *remote.RecordError
	if !errors.As(err, &re) || re.RemoteID == "" {
		log := logger.ForOrg(org.ID, string(reconcile.FamilyResponses))
		log.Warn().Err(err).Msg("Skipping run without id")
		return
	}
	i.fail(ctx, org, report, re.RemoteID, reconcile.Reject(reconcile.RejectMalformed, "%v", re.Err))
}

func (i *Ingestor) fail(ctx context.Context, org *db.Org, report *reconcile.SyncReport, id string, rej *reconcile.Rejection) {
	report.Fail(id, rej)
	err := i.store.RecordSyncFailure(ctx, &db.SyncFailure{
		OrgID:    org.ID,
		Family:   string(reconcile.FamilyResponses),
		RemoteID: id,
		Reason:   string(rej.Reason),
		Detail:   rej.Detail,
	})
	if err != nil {
		log := logger.ForOrg(org.ID, string(reconcile.FamilyResponses))
		log.Error().Err(err).Str("remote_id", id).Msg("Failed to record sync failure")
	}
}

func (i *Ingestor) clear(ctx context.Context, org *db.Org, id string) {
	if err := i.store.ClearSyncFailure(ctx, org.ID, string(reconcile.FamilyResponses), id); err != nil {
		log := logger.ForOrg(org.ID, string(reconcile.FamilyResponses))
		log.Error().Err(err).Str("remote_id", id).Msg("Failed to clear sync failure")
	}
}

package responses

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/remote"
)

const (
	// singleMessagePrefix marks broadcast flows that collect no answers.
	singleMessagePrefix = "Single Message"
	definitionBatch     = 50
)

// numericTests are the rule tests that only match numbers.
var numericTests = map[string]bool{
	"number":  true,
	"lt":      true,
	"eq":      true,
	"gt":      true,
	"between": true,
}

// PollSyncer mirrors flows as polls and their rule sets as questions.
type PollSyncer struct {
	store reconcile.Store
	api   remote.API
	now   func() time.Time
}

// NewPollSyncer creates a poll syncer.
func NewPollSyncer(store reconcile.Store, api remote.API, opts ...Option) *PollSyncer {
	o := buildOptions(opts)
	return &PollSyncer{store: store, api: api, now: o.now}
}

// Sync mirrors every flow of the org. Flows that vanished or were archived
// deactivate their poll. Report ids are flow uuids.
func (s *PollSyncer) Sync(ctx context.Context, org *db.Org) (*reconcile.SyncReport, error) {
	report := reconcile.NewReport(reconcile.FamilyPolls)
	log := logger.ForOrg(org.ID, string(reconcile.FamilyPolls))
	until := s.now().UTC()

	var flows []*remote.Flow
	listed := make(map[string]bool)
	for f, err := range s.api.Flows(ctx) {
		if err != nil {
			if remote.IsTerminal(err) {
				return report, err
			}
			var re *remote.RecordError
			if errors.As(err, &re) && re.RemoteID != "" {
				listed[re.RemoteID] = true
				report.Fail(re.RemoteID, reconcile.Reject(reconcile.RejectMalformed, "%v", re.Err))
			}
			continue
		}
		if f.Archived || strings.HasPrefix(f.Name, singleMessagePrefix) || listed[f.UUID] {
			continue
		}
		listed[f.UUID] = true
		flows = append(flows, f)
	}

	defs := make(map[string]*remote.FlowDefinition)
	uuids := make([]string, 0, len(flows))
	for _, f := range flows {
		uuids = append(uuids, f.UUID)
	}
	for batch := range slices.Chunk(uuids, definitionBatch) {
		batchDefs, err := s.api.Definitions(ctx, batch)
		if err != nil {
			return report, err
		}
		for _, d := range batchDefs {
			defs[d.Metadata.UUID] = d
		}
	}

	var locals []*db.Poll
	if err := s.store.InTx(ctx, func(q *db.Queries) error {
		var err error
		locals, err = q.ListPolls(ctx, org.ID)
		return err
	}); err != nil {
		return report, fmt.Errorf("failed to load polls: %w", err)
	}
	byFlow := make(map[string]*db.Poll, len(locals))
	for _, p := range locals {
		byFlow[p.FlowUUID] = p
	}

	for _, f := range flows {
		def := defs[f.UUID]
		if def == nil {
			report.Fail(f.UUID, reconcile.Reject(reconcile.RejectMalformed, "flow definition missing"))
			continue
		}

		var created, changed bool
		err := s.store.InTx(ctx, func(q *db.Queries) error {
			poll, found := byFlow[f.UUID]
			switch {
			case !found:
				poll = &db.Poll{OrgID: org.ID, FlowUUID: f.UUID, RemoteName: f.Name, Name: f.Name, IsActive: true}
				if err := q.CreatePoll(ctx, poll); err != nil {
					return err
				}
				created = true
			case poll.RemoteName != f.Name || !poll.IsActive:
				updated := *poll
				updated.RemoteName = f.Name
				updated.IsActive = true
				if err := q.UpdatePoll(ctx, &updated); err != nil {
					return err
				}
				poll = &updated
				changed = true
			}

			questionsChanged, err := syncQuestions(ctx, q, poll, def)
			if err != nil {
				return err
			}
			changed = changed || questionsChanged
			byFlow[f.UUID] = poll
			return nil
		})
		switch {
		case err != nil:
			report.Fail(f.UUID, reconcile.Reject(reconcile.RejectStore, "%v", err))
		case created:
			report.Created = append(report.Created, f.UUID)
		case changed:
			report.Updated = append(report.Updated, f.UUID)
		}
	}

	for flowUUID, poll := range byFlow {
		if listed[flowUUID] || !poll.IsActive {
			continue
		}
		err := s.store.InTx(ctx, func(q *db.Queries) error {
			inactive := *poll
			inactive.IsActive = false
			return q.UpdatePoll(ctx, &inactive)
		})
		if err != nil {
			report.Fail(flowUUID, reconcile.Reject(reconcile.RejectStore, "%v", err))
			continue
		}
		report.Deleted = append(report.Deleted, flowUUID)
	}

	if err := s.store.SetSyncCursor(ctx, org.ID, string(reconcile.FamilyPolls), until); err != nil {
		return report, fmt.Errorf("failed to advance cursor: %w", err)
	}

	log.Info().
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("deleted", len(report.Deleted)).
		Int("failed", len(report.Failed)).
		Msg("Polls synced")
	return report, nil
}

// syncQuestions mirrors the rule sets of a definition and deactivates the
// questions it no longer contains. It reports whether anything changed.
func syncQuestions(ctx context.Context, q *db.Queries, poll *db.Poll, def *remote.FlowDefinition) (bool, error) {
	existing, err := q.ListQuestions(ctx, poll.ID)
	if err != nil {
		return false, err
	}
	byRuleSet := make(map[string]*db.Question, len(existing))
	for _, question := range existing {
		byRuleSet[question.RuleSetUUID] = question
	}

	changed := false
	keep := make([]string, 0, len(def.RuleSets))
	for i, rs := range def.RuleSets {
		question := &db.Question{
			PollID:       poll.ID,
			RuleSetUUID:  rs.UUID,
			RemoteName:   rs.Label,
			QuestionType: GuessQuestionType(rs),
			Order:        i + 1,
			IsActive:     true,
		}
		prev, ok := byRuleSet[rs.UUID]
		if !ok || prev.RemoteName != question.RemoteName || prev.Order != question.Order || !prev.IsActive {
			changed = true
		}
		if err := q.UpsertQuestion(ctx, question); err != nil {
			return false, err
		}
		keep = append(keep, rs.UUID)
	}

	removed, err := q.DeactivateQuestionsExcept(ctx, poll.ID, keep)
	if err != nil {
		return false, err
	}
	return changed || removed > 0, nil
}

// GuessQuestionType infers a question type from a rule set's tests: open
// ended without rules, numeric when every test matches numbers, multiple
// choice otherwise.
func GuessQuestionType(rs remote.RuleSet) db.QuestionType {
	if len(rs.Rules) == 0 {
		return db.QuestionOpen
	}
	for _, r := range rs.Rules {
		if !numericTests[r.Test.Type] {
			return db.QuestionMultipleChoice
		}
	}
	return db.QuestionNumeric
}

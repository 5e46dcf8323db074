// Package orgsync runs the reconciliation passes of an org in dependency
// order and records their outcome.
package orgsync

import (
	"context"
	"fmt"
	"time"

	"github.com/macjediwizard/tracsync/internal/activity"
	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/macjediwizard/tracsync/internal/responses"
)

// ClientFactory builds the remote client of an org.
type ClientFactory func(org *db.Org) (remote.API, error)

// Alerter is told about passes that need operator attention.
// *notify.Notifier satisfies it.
type Alerter interface {
	SendAuthAlert(ctx context.Context, orgID, orgName, details string) bool
	SendFailureAlert(ctx context.Context, orgID, orgName, details string) bool
	SendRecoveryAlert(ctx context.Context, orgID, orgName string) bool
}

// Result is the outcome of one org pass.
type Result struct {
	OrgID    string
	Reports  []*reconcile.SyncReport
	Err      error
	Duration time.Duration
}

// AuthFailed reports whether the pass stopped on rejected credentials.
func (r *Result) AuthFailed() bool {
	return r.Err != nil && remote.IsAuth(r.Err)
}

// Runner orchestrates the family passes of an org.
type Runner struct {
	db      *db.DB
	clients ClientFactory
	tracker *activity.Tracker
	alerter Alerter
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracker reports progress to an activity tracker.
func WithTracker(t *activity.Tracker) Option {
	return func(r *Runner) {
		r.tracker = t
	}
}

// WithAlerter raises alerts on auth failures and recoveries.
func WithAlerter(a Alerter) Option {
	return func(r *Runner) {
		r.alerter = a
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a runner.
func NewRunner(database *db.DB, clients ClientFactory, opts ...Option) *Runner {
	r := &Runner{db: database, clients: clients, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncOrg runs every family in order using their cursors. The first family
// that aborts stops the pass, since later families resolve references
// mirrored by earlier ones.
func (r *Runner) SyncOrg(ctx context.Context, org *db.Org) *Result {
	return r.run(ctx, org, reconcile.Families, false)
}

// SyncFamily runs a single family. full ignores the family's cursor.
func (r *Runner) SyncFamily(ctx context.Context, org *db.Org, family reconcile.Family, full bool) *Result {
	return r.run(ctx, org, []reconcile.Family{family}, full)
}

func (r *Runner) run(ctx context.Context, org *db.Org, families []reconcile.Family, full bool) *Result {
	start := r.now()
	result := &Result{OrgID: org.ID}
	if r.tracker != nil {
		r.tracker.StartSync(org.ID, org.Name, len(families))
	}

	var errs []string
	api, err := r.clients(org)
	if err != nil {
		result.Err = fmt.Errorf("failed to build remote client: %w", err)
	} else {
		for _, family := range families {
			report, err := r.syncFamily(ctx, org, api, family, full)
			if report != nil {
				result.Reports = append(result.Reports, report)
			}
			if err != nil {
				result.Err = fmt.Errorf("%s: %w", family, err)
				errs = append(errs, result.Err.Error())
				break
			}
		}
	}
	result.Duration = r.now().Sub(start)

	r.settle(ctx, org, result)
	if r.tracker != nil {
		message := fmt.Sprintf("%d families synced", len(result.Reports))
		if result.Err != nil {
			message = result.Err.Error()
		}
		r.tracker.FinishSync(org.ID, result.Err == nil, message, errs)
	}
	return result
}

// settle updates the org's auth state and raises alerts.
func (r *Runner) settle(ctx context.Context, org *db.Org, result *Result) {
	log := logger.ForOrg(org.ID, "")

	switch {
	case result.AuthFailed():
		if err := r.db.SetOrgAuthFailed(ctx, org.ID, true); err != nil {
			log.Error().Err(err).Msg("Failed to mark org auth failure")
		}
		org.AuthFailed = true
		log.Warn().Err(result.Err).Msg("Remote rejected org credentials")
		if r.alerter != nil {
			r.alerter.SendAuthAlert(ctx, org.ID, org.Name, result.Err.Error())
		}
	case result.Err != nil:
		log.Error().Err(result.Err).Dur("duration", result.Duration).Msg("Org sync aborted")
	default:
		if org.AuthFailed {
			if err := r.db.SetOrgAuthFailed(ctx, org.ID, false); err != nil {
				log.Error().Err(err).Msg("Failed to clear org auth failure")
			}
			org.AuthFailed = false
		}
		if r.alerter != nil {
			r.alerter.SendRecoveryAlert(ctx, org.ID, org.Name)
		}
		log.Info().Dur("duration", result.Duration).Msg("Org sync completed")
	}
}

// syncFamily runs one family pass and records a sync log, and on success the
// family's OrgSyncStatus.
func (r *Runner) syncFamily(ctx context.Context, org *db.Org, api remote.API, family reconcile.Family, full bool) (*reconcile.SyncReport, error) {
	if r.tracker != nil {
		r.tracker.StartFamily(org.ID, string(family))
	}
	start := r.now()

	report, err := r.dispatch(ctx, org, api, family, full)
	if report == nil {
		report = reconcile.NewReport(family)
	}
	counts := report.Counts()

	entry := &db.SyncLog{
		OrgID:    org.ID,
		Family:   string(family),
		Status:   db.SyncStatusSuccess,
		Message:  "Sync completed",
		Created:  counts.Created,
		Updated:  counts.Updated,
		Deleted:  counts.Deleted,
		Failed:   counts.Failed,
		Duration: r.now().Sub(start),
	}
	switch {
	case err != nil:
		entry.Status = db.SyncStatusError
		entry.Message = err.Error()
	case counts.Failed > 0:
		entry.Status = db.SyncStatusPartial
		entry.Message = fmt.Sprintf("Sync completed with %d rejected records", counts.Failed)
	}

	// Recording outlives a cancelled pass.
	recordCtx := context.WithoutCancel(ctx)
	if logErr := r.db.CreateSyncLog(recordCtx, entry); logErr != nil {
		log := logger.ForOrg(org.ID, string(family))
		log.Error().Err(logErr).Msg("Failed to write sync log")
	}

	if err != nil {
		return report, err
	}

	status := &db.TaskResult{
		OrgID:      org.ID,
		Family:     string(family),
		FinishedAt: r.now().UTC(),
		Created:    counts.Created,
		Updated:    counts.Updated,
		Deleted:    counts.Deleted,
		Failed:     counts.Failed,
	}
	if err := r.db.SaveTaskResult(recordCtx, status); err != nil {
		return report, fmt.Errorf("failed to save sync status: %w", err)
	}
	if r.tracker != nil {
		r.tracker.FinishFamily(org.ID, counts.Created, counts.Updated, counts.Deleted, counts.Failed)
	}
	return report, nil
}

// dispatch selects the pass implementation of a family.
func (r *Runner) dispatch(ctx context.Context, org *db.Org, api remote.API, family reconcile.Family, full bool) (*reconcile.SyncReport, error) {
	contacts := reconcile.NewContactEngine(r.db, api, reconcile.WithClock(r.now))

	switch family {
	case reconcile.FamilyGroups:
		return incremental(ctx, reconcile.NewGroupEngine(r.db, api, reconcile.WithClock(r.now)), org, full)
	case reconcile.FamilyBoundaries:
		return incremental(ctx, reconcile.NewBoundaryEngine(r.db, api, reconcile.WithClock(r.now)), org, full)
	case reconcile.FamilyContacts:
		return incremental(ctx, contacts, org, full)
	case reconcile.FamilyPolls:
		return responses.NewPollSyncer(r.db, api, responses.WithClock(r.now)).Sync(ctx, org)
	case reconcile.FamilyResponses:
		var since *time.Time
		if !full {
			cursor, err := r.db.GetSyncCursor(ctx, org.ID, string(family))
			if err != nil {
				return nil, err
			}
			since = cursor
		}
		ingestor := responses.NewIngestor(r.db, api, contacts, responses.WithClock(r.now))
		return ingestor.IngestAll(ctx, org, since)
	default:
		return nil, fmt.Errorf("unknown family %q", family)
	}
}

type engine interface {
	Sync(ctx context.Context, org *db.Org, since *time.Time) (*reconcile.SyncReport, error)
	SyncIncremental(ctx context.Context, org *db.Org) (*reconcile.SyncReport, error)
}

func incremental(ctx context.Context, e engine, org *db.Org, full bool) (*reconcile.SyncReport, error) {
	if full {
		return e.Sync(ctx, org, nil)
	}
	return e.SyncIncremental(ctx, org)
}

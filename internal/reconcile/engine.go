// Package reconcile mirrors remote entity families into the local store.
//
// One Engine pass walks the remote changes of a family, compares each record
// with its local mirror, and creates, updates or deactivates local records.
// Per-record problems are collected in the SyncReport; remote or store
// failures that make the rest of the pass meaningless abort it without
// advancing the cursor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/remote"
	"github.com/rs/zerolog"
)

// Store is the part of the local store the engine needs. *db.DB satisfies it.
type Store interface {
	InTx(ctx context.Context, fn func(q *db.Queries) error) error
	GetSyncCursor(ctx context.Context, orgID, family string) (*time.Time, error)
	SetSyncCursor(ctx context.Context, orgID, family string, at time.Time) error
	ListSyncFailures(ctx context.Context, orgID, family string) ([]*db.SyncFailure, error)
	RecordSyncFailure(ctx context.Context, f *db.SyncFailure) error
	ClearSyncFailure(ctx context.Context, orgID, family, remoteID string) error
}

// Window is the modification window of one pass. A nil Since means a full
// listing.
type Window struct {
	Since *time.Time
	Until time.Time
}

// Full reports whether the pass lists everything.
func (w Window) Full() bool {
	return w.Since == nil
}

// Adapter binds one entity family to the engine. R is the remote record type
// and L the local one. An adapter serves a single pass: Prepare loads the
// local mirror and any lookups the pass needs.
type Adapter[R, L any] interface {
	Family() Family
	// Tracked lists the fields compared by Diff.
	Tracked() []Field

	// Prepare loads every local record of the org, active or not.
	Prepare(ctx context.Context, q *db.Queries, org *db.Org) ([]L, error)
	// Changed lists remote records modified within the window.
	Changed(ctx context.Context, org *db.Org, w Window) iter.Seq2[R, error]
	// Removed lists remote ids removed within the window. It may return nil.
	Removed(ctx context.Context, org *db.Org, w Window) iter.Seq2[string, error]
	// Sweeps reports whether Changed lists every remote record on a full
	// pass, so that unseen local records are gone remotely.
	Sweeps() bool
	// ListsAll reports whether Changed ignores the window and lists every
	// remote record on incremental passes too. Such families sweep on
	// every pass.
	ListsAll() bool

	RemoteID(r R) string
	// Dropped reports whether a listed record should be treated as removed.
	Dropped(org *db.Org, r R) bool
	RemoteSnapshot(r R) *Snapshot
	// RemoteKey is the natural key two remote ids may not share. Empty
	// disables the conflict check.
	RemoteKey(r R) string

	LocalRemoteID(l L) string
	LocalActive(l L) bool
	LocalSnapshot(l L) *Snapshot
	LocalKey(l L) string

	// Build maps a remote record onto a new or existing local record.
	Build(org *db.Org, r R, existing L, found bool) (L, *Rejection)
	Create(ctx context.Context, q *db.Queries, l L) error
	Update(ctx context.Context, q *db.Queries, l L) error
	Deactivate(ctx context.Context, q *db.Queries, l L) error
}

// Refetcher is implemented by adapters that can re-list specific records.
// Records in the failure ledger are re-fetched at the start of an
// incremental pass, since their modification time may precede the cursor.
type Refetcher[R any] interface {
	Refetch(ctx context.Context, org *db.Org, remoteIDs []string) iter.Seq2[R, error]
}

// Engine reconciles one family. It holds no per-pass state: every call to
// Sync gets a fresh adapter, so concurrent passes for different orgs are
// independent.
type Engine[R, L any] struct {
	store      Store
	newAdapter func() Adapter[R, L]
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) {
		o.now = now
	}
}

// NewEngine creates an engine for the family produced by newAdapter.
func NewEngine[R, L any](store Store, newAdapter func() Adapter[R, L], opts ...EngineOption) *Engine[R, L] {
	o := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[R, L]{store: store, newAdapter: newAdapter, now: o.now}
}

// SyncIncremental runs a pass from the family's stored cursor.
func (e *Engine[R, L]) SyncIncremental(ctx context.Context, org *db.Org) (*SyncReport, error) {
	adapter := e.newAdapter()
	since, err := e.store.GetSyncCursor(ctx, org.ID, string(adapter.Family()))
	if err != nil {
		return NewReport(adapter.Family()), err
	}
	return e.sync(ctx, adapter, org, since)
}

// Sync runs one pass over changes since the given time, or a full pass when
// since is nil. The cursor is advanced to the start of the pass only when
// the pass completes.
func (e *Engine[R, L]) Sync(ctx context.Context, org *db.Org, since *time.Time) (*SyncReport, error) {
	return e.sync(ctx, e.newAdapter(), org, since)
}

func (e *Engine[R, L]) sync(ctx context.Context, adapter Adapter[R, L], org *db.Org, since *time.Time) (*SyncReport, error) {
	family := adapter.Family()
	report := NewReport(family)

	// Captured before the first fetch so that changes made during the pass
	// fall into the next window.
	w := Window{Since: since, Until: e.now().UTC()}

	p, err := e.begin(ctx, adapter, org, report)
	if err != nil {
		return report, err
	}
	log := p.log

	if !w.Full() && len(p.pending) > 0 {
		if r, ok := any(adapter).(Refetcher[R]); ok {
			if err := p.refetch(ctx, r); err != nil {
				return report, err
			}
		}
	}

	if err := p.walk(ctx, adapter.Changed(ctx, org, w)); err != nil {
		return report, err
	}

	if removed := adapter.Removed(ctx, org, w); removed != nil {
		for id, err := range removed {
			if err != nil {
				if remote.IsTerminal(err) {
					return report, err
				}
				p.recordError(ctx, err)
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			p.remove(ctx, id)
		}
	}

	if adapter.Sweeps() && (w.Full() || adapter.ListsAll()) {
		if p.anonymousFailures > 0 {
			log.Warn().Int("count", p.anonymousFailures).Msg("Skipping sweep: listing had records without ids")
		} else {
			p.sweep(ctx)
		}
	}

	if err := e.store.SetSyncCursor(ctx, org.ID, string(family), w.Until); err != nil {
		return report, fmt.Errorf("failed to advance cursor: %w", err)
	}

	log.Info().
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("deleted", len(report.Deleted)).
		Int("failed", len(report.Failed)).
		Bool("full", w.Full()).
		Msg("Family reconciled")

	return report, nil
}

// SyncRecords reconciles specific remote ids without touching the cursor,
// removals or the sweep. The adapter must implement Refetcher.
func (e *Engine[R, L]) SyncRecords(ctx context.Context, org *db.Org, remoteIDs []string) (*SyncReport, error) {
	adapter := e.newAdapter()
	report := NewReport(adapter.Family())
	r, ok := any(adapter).(Refetcher[R])
	if !ok {
		return report, fmt.Errorf("%s cannot be fetched by id", adapter.Family())
	}
	if len(remoteIDs) == 0 {
		return report, nil
	}

	p, err := e.begin(ctx, adapter, org, report)
	if err != nil {
		return report, err
	}
	if err := p.walk(ctx, r.Refetch(ctx, org, remoteIDs)); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine[R, L]) begin(ctx context.Context, adapter Adapter[R, L], org *db.Org, report *SyncReport) (*pass[R, L], error) {
	family := adapter.Family()
	p := &pass[R, L]{
		engine:  e,
		adapter: adapter,
		org:     org,
		report:  report,
		log:     logger.ForOrg(org.ID, string(family)),
		byID:    make(map[string]L),
		byKey:   make(map[string]string),
		seen:    make(map[string]bool),
		pending: make(map[string]bool),
	}

	if err := e.store.InTx(ctx, func(q *db.Queries) error {
		locals, err := adapter.Prepare(ctx, q, org)
		if err != nil {
			return err
		}
		for _, l := range locals {
			p.index(l)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load local %s: %w", family, err)
	}

	failures, err := e.store.ListSyncFailures(ctx, org.ID, string(family))
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		p.pending[f.RemoteID] = true
	}
	return p, nil
}

// pass is the mutable state of one Sync call.
type pass[R, L any] struct {
	engine  *Engine[R, L]
	adapter Adapter[R, L]
	org     *db.Org
	report  *SyncReport
	log     *zerolog.Logger

	byID  map[string]L
	byKey map[string]string // natural key -> remote id of active records
	seen  map[string]bool
	// pending holds remote ids in the failure ledger.
	pending map[string]bool

	anonymousFailures int
}

func (p *pass[R, L]) index(l L) {
	id := p.adapter.LocalRemoteID(l)
	if prev, ok := p.byID[id]; ok {
		if key := p.adapter.LocalKey(prev); key != "" && p.byKey[key] == id {
			delete(p.byKey, key)
		}
	}
	p.byID[id] = l
	if key := p.adapter.LocalKey(l); key != "" && p.adapter.LocalActive(l) {
		p.byKey[key] = id
	}
}

func (p *pass[R, L]) unindexKey(l L) {
	id := p.adapter.LocalRemoteID(l)
	if key := p.adapter.LocalKey(l); key != "" && p.byKey[key] == id {
		delete(p.byKey, key)
	}
}

func (p *pass[R, L]) refetch(ctx context.Context, r Refetcher[R]) error {
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	if err := p.walk(ctx, r.Refetch(ctx, p.org, ids)); err != nil {
		return err
	}

	// Ledger entries the remote no longer returns cannot be retried.
	for _, id := range ids {
		if !p.seen[id] && p.pending[id] {
			p.cleared(ctx, id)
		}
	}
	return nil
}

func (p *pass[R, L]) walk(ctx context.Context, records iter.Seq2[R, error]) error {
	for r, err := range records {
		if err != nil {
			if remote.IsTerminal(err) {
				return err
			}
			p.recordError(ctx, err)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.apply(ctx, r)
	}
	return nil
}

func (p *pass[R, L]) recordError(ctx context.Context, err error) {
	var re *remote.RecordError
	if !errors.As(err, &re) || re.RemoteID == "" {
		p.anonymousFailures++
		p.log.Warn().Err(err).Msg("Skipping record without id")
		return
	}
	p.seen[re.RemoteID] = true
	p.fail(ctx, re.RemoteID, Reject(RejectMalformed, "%v", re.Err))
}

// apply reconciles a single listed record.
func (p *pass[R, L]) apply(ctx context.Context, r R) {
	a := p.adapter
	id := a.RemoteID(r)
	if p.seen[id] {
		return
	}
	p.seen[id] = true

	if a.Dropped(p.org, r) {
		p.remove(ctx, id)
		p.cleared(ctx, id)
		return
	}

	local, found := p.byID[id]
	var localSnap *Snapshot
	if found {
		localSnap = a.LocalSnapshot(local)
	}
	diff := Diff(a.RemoteSnapshot(r), localSnap, a.Tracked())

	if found && a.LocalActive(local) && diff.Kind == Unchanged {
		p.cleared(ctx, id)
		return
	}

	if key := a.RemoteKey(r); key != "" {
		if owner, ok := p.byKey[key]; ok && owner != id {
			p.fail(ctx, id, Reject(RejectConflict, "%s already held by %s", key, owner))
			return
		}
	}

	built, rej := a.Build(p.org, r, local, found)
	if rej != nil {
		p.fail(ctx, id, rej)
		return
	}

	err := p.engine.store.InTx(ctx, func(q *db.Queries) error {
		if found {
			return a.Update(ctx, q, built)
		}
		return a.Create(ctx, q, built)
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			p.fail(ctx, id, Reject(RejectConflict, "%v", err))
		} else {
			p.fail(ctx, id, Reject(RejectStore, "%v", err))
		}
		return
	}

	if found {
		p.unindexKey(local)
		p.report.Updated = append(p.report.Updated, id)
	} else {
		p.report.Created = append(p.report.Created, id)
	}
	p.index(built)
	p.cleared(ctx, id)
}

// remove deactivates the local mirror of a remote id. Ids with no active
// mirror are ignored, so repeated removals report nothing.
func (p *pass[R, L]) remove(ctx context.Context, id string) {
	local, found := p.byID[id]
	if !found || !p.adapter.LocalActive(local) {
		return
	}

	err := p.engine.store.InTx(ctx, func(q *db.Queries) error {
		return p.adapter.Deactivate(ctx, q, local)
	})
	if err != nil {
		p.fail(ctx, id, Reject(RejectStore, "%v", err))
		return
	}

	p.unindexKey(local)
	p.report.Deleted = append(p.report.Deleted, id)
}

// sweep deactivates local records a complete listing did not return.
func (p *pass[R, L]) sweep(ctx context.Context) {
	for id, local := range p.byID {
		if p.seen[id] || !p.adapter.LocalActive(local) {
			continue
		}
		p.remove(ctx, id)
	}
}

func (p *pass[R, L]) fail(ctx context.Context, id string, rej *Rejection) {
	p.report.Fail(id, rej)
	p.log.Warn().
		Str("remote_id", id).
		Str("reason", string(rej.Reason)).
		Str("detail", rej.Detail).
		Msg("Record rejected")
	err := p.engine.store.RecordSyncFailure(ctx, &db.SyncFailure{
		OrgID:    p.org.ID,
		Family:   string(p.adapter.Family()),
		RemoteID: id,
		Reason:   string(rej.Reason),
		Detail:   rej.Detail,
	})
	if err != nil {
		p.log.Error().Err(err).Str("remote_id", id).Msg("Failed to record sync failure")
	}
	p.pending[id] = false
}

func (p *pass[R, L]) cleared(ctx context.Context, id string) {
	if !p.pending[id] {
		return
	}
	delete(p.pending, id)
	if err := p.engine.store.ClearSyncFailure(ctx, p.org.ID, string(p.adapter.Family()), id); err != nil {
		p.log.Error().Err(err).Str("remote_id", id).Msg("Failed to clear sync failure")
	}
}

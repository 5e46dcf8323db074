package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/remote"
)

type boundaryAdapter struct {
	api remote.API
}

// NewBoundaryEngine creates the engine for administrative boundaries.
func NewBoundaryEngine(store Store, api remote.API, opts ...EngineOption) *Engine[*remote.Boundary, *db.Boundary] {
	return NewEngine(store, func() Adapter[*remote.Boundary, *db.Boundary] {
		return &boundaryAdapter{api: api}
	}, opts...)
}

func (a *boundaryAdapter) Family() Family { return FamilyBoundaries }

func (a *boundaryAdapter) Tracked() []Field {
	return []Field{FieldName, FieldLevel, FieldParent, FieldGeometry}
}

func (a *boundaryAdapter) Prepare(ctx context.Context, q *db.Queries, org *db.Org) ([]*db.Boundary, error) {
	return q.ListBoundaries(ctx, org.ID)
}

// Changed lists every boundary; the remote has no modification window for them.
func (a *boundaryAdapter) Changed(ctx context.Context, org *db.Org, w Window) iter.Seq2[*remote.Boundary, error] {
	return a.api.Boundaries(ctx)
}

func (a *boundaryAdapter) Removed(ctx context.Context, org *db.Org, w Window) iter.Seq2[string, error] {
	return nil
}

func (a *boundaryAdapter) Sweeps() bool { return true }

func (a *boundaryAdapter) ListsAll() bool { return true }

func (a *boundaryAdapter) RemoteID(b *remote.Boundary) string { return b.OsmID }

func (a *boundaryAdapter) Dropped(org *db.Org, b *remote.Boundary) bool { return false }

func (a *boundaryAdapter) RemoteSnapshot(b *remote.Boundary) *Snapshot {
	return &Snapshot{
		RemoteID: b.OsmID,
		Name:     b.Name,
		Level:    b.Level,
		Parent:   b.ParentID(),
		Geometry: compactGeometry(b.Geometry),
	}
}

func (a *boundaryAdapter) RemoteKey(b *remote.Boundary) string { return "" }

func (a *boundaryAdapter) LocalRemoteID(b *db.Boundary) string { return b.RemoteID }

func (a *boundaryAdapter) LocalActive(b *db.Boundary) bool { return b.IsActive }

func (a *boundaryAdapter) LocalSnapshot(b *db.Boundary) *Snapshot {
	return &Snapshot{
		RemoteID: b.RemoteID,
		Name:     b.Name,
		Level:    b.Level,
		Parent:   b.ParentRemoteID,
		Geometry: b.Geometry,
	}
}

func (a *boundaryAdapter) LocalKey(b *db.Boundary) string { return "" }

func (a *boundaryAdapter) Build(org *db.Org, b *remote.Boundary, existing *db.Boundary, found bool) (*db.Boundary, *Rejection) {
	out := &db.Boundary{OrgID: org.ID, RemoteID: b.OsmID}
	if found {
		copied := *existing
		out = &copied
	}
	out.Name = b.Name
	out.Level = b.Level
	out.ParentRemoteID = b.ParentID()
	out.Geometry = compactGeometry(b.Geometry)
	out.IsActive = true
	return out, nil
}

func (a *boundaryAdapter) Create(ctx context.Context, q *db.Queries, b *db.Boundary) error {
	return q.CreateBoundary(ctx, b)
}

func (a *boundaryAdapter) Update(ctx context.Context, q *db.Queries, b *db.Boundary) error {
	return q.UpdateBoundary(ctx, b)
}

func (a *boundaryAdapter) Deactivate(ctx context.Context, q *db.Queries, b *db.Boundary) error {
	if err := q.DeactivateBoundary(ctx, b.ID); err != nil {
		return err
	}
	b.IsActive = false
	return nil
}

// compactGeometry normalizes GeoJSON so that formatting differences do not
// count as changes. Invalid JSON is kept verbatim.
func compactGeometry(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

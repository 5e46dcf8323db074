package reconcile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/regiontree"
	"github.com/macjediwizard/tracsync/internal/remote"
)

var (
	// ErrNotRegion is returned when a hierarchy operation names a group that
	// is not an active region of the org.
	ErrNotRegion = errors.New("not an active region")
)

// groupAdapter mirrors the remote groups an org has selected as regions or
// reporter groups. Unselected groups are treated as removed.
type groupAdapter struct {
	api remote.API
	org *db.Org
}

// NewGroupEngine creates the engine for regions and reporter groups.
func NewGroupEngine(store Store, api remote.API, opts ...EngineOption) *Engine[*remote.Group, *db.Group] {
	return NewEngine(store, func() Adapter[*remote.Group, *db.Group] {
		return &groupAdapter{api: api}
	}, opts...)
}

func (a *groupAdapter) Family() Family { return FamilyGroups }

func (a *groupAdapter) Tracked() []Field { return []Field{FieldName, FieldKind} }

func (a *groupAdapter) Prepare(ctx context.Context, q *db.Queries, org *db.Org) ([]*db.Group, error) {
	a.org = org
	return q.ListGroups(ctx, org.ID)
}

// Changed always lists every group: the listing is small and selection
// changes are local, so they do not show up in a modification window.
func (a *groupAdapter) Changed(ctx context.Context, org *db.Org, w Window) iter.Seq2[*remote.Group, error] {
	return a.api.Groups(ctx)
}

func (a *groupAdapter) Removed(ctx context.Context, org *db.Org, w Window) iter.Seq2[string, error] {
	return nil
}

func (a *groupAdapter) Sweeps() bool { return true }

func (a *groupAdapter) ListsAll() bool { return true }

func (a *groupAdapter) RemoteID(g *remote.Group) string { return g.UUID }

func (a *groupAdapter) Dropped(org *db.Org, g *remote.Group) bool {
	return selectedKind(org, g.UUID) == ""
}

func (a *groupAdapter) RemoteSnapshot(g *remote.Group) *Snapshot {
	return &Snapshot{RemoteID: g.UUID, Name: g.Name, Kind: string(selectedKind(a.org, g.UUID))}
}

func (a *groupAdapter) RemoteKey(g *remote.Group) string { return "" }

func (a *groupAdapter) LocalRemoteID(g *db.Group) string { return g.RemoteID }

func (a *groupAdapter) LocalActive(g *db.Group) bool { return g.IsActive }

func (a *groupAdapter) LocalSnapshot(g *db.Group) *Snapshot {
	return &Snapshot{RemoteID: g.RemoteID, Name: g.Name, Kind: string(g.Kind)}
}

func (a *groupAdapter) LocalKey(g *db.Group) string { return "" }

func (a *groupAdapter) Build(org *db.Org, g *remote.Group, existing *db.Group, found bool) (*db.Group, *Rejection) {
	kind := selectedKind(org, g.UUID)
	if kind == "" {
		return nil, Reject(RejectMalformed, "group %s is not selected", g.UUID)
	}

	out := &db.Group{OrgID: org.ID, RemoteID: g.UUID}
	if found {
		copied := *existing
		out = &copied
	}
	out.Name = g.Name
	out.Kind = kind
	out.IsActive = true
	return out, nil
}

func (a *groupAdapter) Create(ctx context.Context, q *db.Queries, g *db.Group) error {
	return q.CreateGroup(ctx, g)
}

// Update also detaches a region from the hierarchy when it becomes a
// reporter group.
func (a *groupAdapter) Update(ctx context.Context, q *db.Queries, g *db.Group) error {
	current, err := q.GetGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	if current.Kind == db.GroupKindRegion && g.Kind != db.GroupKindRegion && current.IsActive {
		if err := detachRegion(ctx, q, g.OrgID, g.ID); err != nil {
			return err
		}
		g.ParentID = ""
	}
	return q.UpdateGroup(ctx, g)
}

// Deactivate removes a region from the hierarchy before marking it inactive.
func (a *groupAdapter) Deactivate(ctx context.Context, q *db.Queries, g *db.Group) error {
	if g.Kind == db.GroupKindRegion {
		if err := detachRegion(ctx, q, g.OrgID, g.ID); err != nil {
			return err
		}
	}
	if err := q.DeactivateGroup(ctx, g.ID); err != nil {
		return err
	}
	g.IsActive = false
	return nil
}

// selectedKind returns how the org uses a remote group, or "" when it does
// not. A group selected both ways is a region.
func selectedKind(org *db.Org, uuid string) db.GroupKind {
	switch {
	case slices.Contains(org.RegionUUIDs, uuid):
		return db.GroupKindRegion
	case slices.Contains(org.GroupUUIDs, uuid):
		return db.GroupKindGroup
	default:
		return ""
	}
}

// loadRegionTree builds the hierarchy from every group of the org. Groups
// that are not regions are roots without children.
func loadRegionTree(ctx context.Context, q *db.Queries, orgID string) (*regiontree.Tree, error) {
	groups, err := q.ListGroups(ctx, orgID)
	if err != nil {
		return nil, err
	}
	nodes := make([]regiontree.Node, 0, len(groups))
	for _, g := range groups {
		nodes = append(nodes, regiontree.Node{ID: g.ID, ParentID: g.ParentID})
	}
	return regiontree.Build(nodes)
}

// detachRegion reparents a region's children to its parent and makes the
// region a root.
func detachRegion(ctx context.Context, q *db.Queries, orgID, id string) error {
	tree, err := loadRegionTree(ctx, q, orgID)
	if err != nil {
		return err
	}
	moves, err := tree.Remove(id)
	if err != nil {
		return err
	}
	for _, m := range moves {
		if err := q.SetGroupParent(ctx, m.ID, m.To); err != nil {
			return fmt.Errorf("failed to move region %s: %w", m.ID, err)
		}
	}
	return nil
}

// SetRegionParent places a region under another region of the same org, or
// at the top level when parentID is empty. Moves that would create a cycle
// are rejected.
func SetRegionParent(ctx context.Context, store Store, orgID, regionID, parentID string) error {
	return store.InTx(ctx, func(q *db.Queries) error {
		for _, id := range []string{regionID, parentID} {
			if id == "" {
				continue
			}
			g, err := q.GetGroup(ctx, id)
			if err != nil {
				return err
			}
			if g.OrgID != orgID || g.Kind != db.GroupKindRegion || !g.IsActive {
				return fmt.Errorf("%w: %s", ErrNotRegion, id)
			}
		}

		tree, err := loadRegionTree(ctx, q, orgID)
		if err != nil {
			return err
		}
		move, err := tree.Reparent(regionID, parentID)
		if err != nil {
			return err
		}
		return q.SetGroupParent(ctx, move.ID, move.To)
	})
}

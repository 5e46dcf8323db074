package reconcile

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/remote"
)

// refetchBatch bounds how many uuids one re-fetch request carries.
const refetchBatch = 100

// urnSchemes are the URN schemes a contact can be reached on.
var urnSchemes = map[string]bool{
	"tel":       true,
	"facebook":  true,
	"twitter":   true,
	"twitterid": true,
	"viber":     true,
	"line":      true,
	"telegram":  true,
	"mailto":    true,
	"ext":       true,
	"jiochat":   true,
	"fcm":       true,
}

// contactAdapter mirrors the contacts in an org's active regions and
// reporter groups.
type contactAdapter struct {
	api remote.API
	org *db.Org

	regions       map[string]*db.Group // remote id -> active region
	groups        map[string]*db.Group // remote id -> active reporter group
	remoteByLocal map[string]string    // local group id -> remote id
}

// ContactEngine is the engine type for contacts. It also hydrates contacts
// referenced by responses before their own pass has run.
type ContactEngine = Engine[*remote.Contact, *db.Contact]

// NewContactEngine creates the engine for contacts.
func NewContactEngine(store Store, api remote.API, opts ...EngineOption) *ContactEngine {
	return NewEngine(store, func() Adapter[*remote.Contact, *db.Contact] {
		return &contactAdapter{api: api}
	}, opts...)
}

func (a *contactAdapter) Family() Family { return FamilyContacts }

func (a *contactAdapter) Tracked() []Field {
	return []Field{FieldName, FieldURNs, FieldGroups, FieldFields, FieldLanguage}
}

func (a *contactAdapter) Prepare(ctx context.Context, q *db.Queries, org *db.Org) ([]*db.Contact, error) {
	a.org = org
	a.regions = make(map[string]*db.Group)
	a.groups = make(map[string]*db.Group)
	a.remoteByLocal = make(map[string]string)

	groups, err := q.ListGroups(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		a.remoteByLocal[g.ID] = g.RemoteID
		if !g.IsActive {
			continue
		}
		if g.Kind == db.GroupKindRegion {
			a.regions[g.RemoteID] = g
		} else {
			a.groups[g.RemoteID] = g
		}
	}

	return q.ListContacts(ctx, org.ID)
}

// Changed lists the contacts of each active region and reporter group in
// turn. A contact in several of them is listed more than once; the engine
// applies it once.
func (a *contactAdapter) Changed(ctx context.Context, org *db.Org, w Window) iter.Seq2[*remote.Contact, error] {
	scopes := make([]string, 0, len(a.regions)+len(a.groups))
	for id := range a.regions {
		scopes = append(scopes, id)
	}
	for id := range a.groups {
		scopes = append(scopes, id)
	}
	slices.Sort(scopes)

	return func(yield func(*remote.Contact, error) bool) {
		for _, scope := range scopes {
			q := remote.ContactQuery{Group: scope, After: w.Since, Before: &w.Until}
			for c, err := range a.api.Contacts(ctx, q) {
				if !yield(c, err) {
					return
				}
			}
		}
	}
}

func (a *contactAdapter) Removed(ctx context.Context, org *db.Org, w Window) iter.Seq2[string, error] {
	deleted := a.api.DeletedContacts(ctx, remote.ContactQuery{After: w.Since, Before: &w.Until})
	return func(yield func(string, error) bool) {
		for d, err := range deleted {
			id := ""
			if d != nil {
				id = d.UUID
			}
			if !yield(id, err) {
				return
			}
		}
	}
}

// Sweeps is true: a full pass lists every contact the org still tracks.
func (a *contactAdapter) Sweeps() bool { return true }

func (a *contactAdapter) ListsAll() bool { return false }

func (a *contactAdapter) Refetch(ctx context.Context, org *db.Org, remoteIDs []string) iter.Seq2[*remote.Contact, error] {
	return func(yield func(*remote.Contact, error) bool) {
		for batch := range slices.Chunk(remoteIDs, refetchBatch) {
			for c, err := range a.api.Contacts(ctx, remote.ContactQuery{UUIDs: batch}) {
				if !yield(c, err) {
					return
				}
			}
		}
	}
}

func (a *contactAdapter) RemoteID(c *remote.Contact) string { return c.UUID }

func (a *contactAdapter) Dropped(org *db.Org, c *remote.Contact) bool { return c.Blocked }

func (a *contactAdapter) RemoteSnapshot(c *remote.Contact) *Snapshot {
	var groups []string
	for _, ref := range c.Groups {
		if a.regions[ref.UUID] != nil || a.groups[ref.UUID] != nil {
			groups = append(groups, ref.UUID)
		}
	}
	return &Snapshot{
		RemoteID: c.UUID,
		Name:     c.Name,
		URNs:     c.URNs,
		Groups:   groups,
		Fields:   a.dataFields(c),
		Language: c.Language,
	}
}

func (a *contactAdapter) RemoteKey(c *remote.Contact) string { return primaryURN(c.URNs) }

func (a *contactAdapter) LocalRemoteID(c *db.Contact) string { return c.RemoteID }

func (a *contactAdapter) LocalActive(c *db.Contact) bool { return c.IsActive }

func (a *contactAdapter) LocalSnapshot(c *db.Contact) *Snapshot {
	var groups []string
	if id, ok := a.remoteByLocal[c.RegionID]; ok {
		groups = append(groups, id)
	}
	for _, g := range c.GroupIDs {
		if id, ok := a.remoteByLocal[g]; ok {
			groups = append(groups, id)
		}
	}
	return &Snapshot{
		RemoteID: c.RemoteID,
		Name:     c.Name,
		URNs:     c.URNs,
		Groups:   groups,
		Fields:   c.Fields,
		Language: c.Language,
	}
}

func (a *contactAdapter) LocalKey(c *db.Contact) string { return c.URN }

// Build requires a usable URN and membership in exactly one active region.
func (a *contactAdapter) Build(org *db.Org, c *remote.Contact, existing *db.Contact, found bool) (*db.Contact, *Rejection) {
	urn := primaryURN(c.URNs)
	if urn == "" {
		return nil, Reject(RejectUnusableURN, "no usable URN in %v", c.URNs)
	}

	var region *db.Group
	var groupIDs []string
	for _, ref := range c.Groups {
		if g := a.regions[ref.UUID]; g != nil {
			if region != nil && region.ID != g.ID {
				return nil, Reject(RejectAmbiguousRegion, "member of %s and %s", region.RemoteID, g.RemoteID)
			}
			region = g
		}
		if g := a.groups[ref.UUID]; g != nil && !slices.Contains(groupIDs, g.ID) {
			groupIDs = append(groupIDs, g.ID)
		}
	}
	if region == nil {
		return nil, Reject(RejectNoRegion, "not a member of any active region")
	}
	slices.Sort(groupIDs)

	out := &db.Contact{OrgID: org.ID, RemoteID: c.UUID}
	if found {
		copied := *existing
		out = &copied
	}
	out.Name = c.Name
	out.URN = urn
	out.URNs = slices.Clone(c.URNs)
	out.Language = c.Language
	out.RegionID = region.ID
	out.GroupIDs = groupIDs
	out.Fields = a.dataFields(c)
	out.IsActive = true
	if !c.ModifiedOn.IsZero() {
		modified := c.ModifiedOn.UTC()
		out.RemoteModifiedAt = &modified
	}
	return out, nil
}

func (a *contactAdapter) Create(ctx context.Context, q *db.Queries, c *db.Contact) error {
	return q.CreateContact(ctx, c)
}

func (a *contactAdapter) Update(ctx context.Context, q *db.Queries, c *db.Contact) error {
	return q.UpdateContact(ctx, c)
}

func (a *contactAdapter) Deactivate(ctx context.Context, q *db.Queries, c *db.Contact) error {
	if err := q.DeactivateContact(ctx, c.ID); err != nil {
		return err
	}
	c.IsActive = false
	return nil
}

// dataFields keeps only the custom fields the org reports on.
func (a *contactAdapter) dataFields(c *remote.Contact) map[string]string {
	fields := make(map[string]string)
	for _, key := range a.org.DataFields {
		if v, ok := c.FieldString(key); ok {
			fields[key] = v
		}
	}
	return fields
}

// primaryURN returns the first URN with a known scheme and a non-empty path.
func primaryURN(urns []string) string {
	for _, urn := range urns {
		if usableURN(urn) {
			return urn
		}
	}
	return ""
}

func usableURN(urn string) bool {
	scheme, path, ok := strings.Cut(urn, ":")
	return ok && urnSchemes[strings.ToLower(scheme)] && strings.TrimSpace(path) != ""
}

// Package remotetest provides an in-memory remote.API for tests.
package remotetest

import (
	"context"
	"iter"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/macjediwizard/tracsync/internal/remote"
)

// Fake serves fixed data in pages. Errors can be injected per listing.
type Fake struct {
	mu sync.Mutex

	PageSize int

	ContactList        []*remote.Contact
	DeletedContactList []*remote.DeletedContact
	GroupList          []*remote.Group
	BoundaryList       []*remote.Boundary
	FlowList           []*remote.Flow
	DefinitionList     []*remote.FlowDefinition
	RunList            []*remote.Run

	// Malformed yields a record error in place of the record with this id.
	Malformed map[string]bool
	// Err is returned by every call when set.
	Err error
	// FailAfter yields FailErr after this many records of a listing have
	// been delivered. Zero disables it.
	FailAfter int
	FailErr   error

	pages int
}

// New creates an empty fake with a page size of 2.
func New() *Fake {
	return &Fake{PageSize: 2, Malformed: make(map[string]bool)}
}

// Pages returns how many pages have been served.
func (f *Fake) Pages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages
}

func (f *Fake) countPage() {
	f.mu.Lock()
	f.pages++
	f.mu.Unlock()
}

func inWindow(t time.Time, after, before *time.Time) bool {
	if after != nil && t.Before(*after) {
		return false
	}
	if before != nil && !t.Before(*before) {
		return false
	}
	return true
}

// Contacts implements remote.API.
func (f *Fake) Contacts(ctx context.Context, q remote.ContactQuery) iter.Seq2[*remote.Contact, error] {
	var selected []*remote.Contact
	for _, c := range f.ContactList {
		if q.Group != "" && !slices.Contains(c.GroupUUIDs(), q.Group) {
			continue
		}
		if len(q.UUIDs) > 0 && !slices.Contains(q.UUIDs, c.UUID) {
			continue
		}
		if !inWindow(c.ModifiedOn, q.After, q.Before) {
			continue
		}
		selected = append(selected, c)
	}
	return serve(f, selected, func(c *remote.Contact) string { return c.UUID })
}

// DeletedContacts implements remote.API.
func (f *Fake) DeletedContacts(ctx context.Context, q remote.ContactQuery) iter.Seq2[*remote.DeletedContact, error] {
	var selected []*remote.DeletedContact
	for _, d := range f.DeletedContactList {
		if inWindow(d.ModifiedOn, q.After, q.Before) {
			selected = append(selected, d)
		}
	}
	return serve(f, selected, func(d *remote.DeletedContact) string { return d.UUID })
}

// Groups implements remote.API.
func (f *Fake) Groups(ctx context.Context) iter.Seq2[*remote.Group, error] {
	return serve(f, f.GroupList, func(g *remote.Group) string { return g.UUID })
}

// Boundaries implements remote.API.
func (f *Fake) Boundaries(ctx context.Context) iter.Seq2[*remote.Boundary, error] {
	return serve(f, f.BoundaryList, func(b *remote.Boundary) string { return b.OsmID })
}

// Flows implements remote.API.
func (f *Fake) Flows(ctx context.Context) iter.Seq2[*remote.Flow, error] {
	return serve(f, f.FlowList, func(fl *remote.Flow) string { return fl.UUID })
}

// Definitions implements remote.API.
func (f *Fake) Definitions(ctx context.Context, flowUUIDs []string) ([]*remote.FlowDefinition, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var defs []*remote.FlowDefinition
	for _, d := range f.DefinitionList {
		if slices.Contains(flowUUIDs, d.Metadata.UUID) {
			defs = append(defs, d)
		}
	}
	return defs, nil
}

// Runs implements remote.API.
func (f *Fake) Runs(ctx context.Context, q remote.RunQuery) iter.Seq2[*remote.Run, error] {
	var selected []*remote.Run
	for _, r := range f.RunList {
		if q.ID != 0 && r.ID != q.ID {
			continue
		}
		if q.Flow != "" && r.Flow.UUID != q.Flow {
			continue
		}
		if !inWindow(r.ChangedOn(), q.After, q.Before) {
			continue
		}
		selected = append(selected, r)
	}
	return serve(f, selected, func(r *remote.Run) string { return strconv.FormatInt(r.ID, 10) })
}

func serve[T any](f *Fake, items []*T, id func(*T) string) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		if f.Err != nil {
			yield(nil, f.Err)
			return
		}

		size := f.PageSize
		if size <= 0 {
			size = len(items) + 1
		}

		delivered := 0
		for start := 0; start < len(items) || start == 0; start += size {
			f.countPage()
			end := min(start+size, len(items))
			for _, item := range items[start:end] {
				if f.FailAfter > 0 && delivered >= f.FailAfter {
					yield(nil, f.FailErr)
					return
				}
				delivered++
				if f.Malformed[id(item)] {
					if !yield(nil, &remote.RecordError{RemoteID: id(item), Err: remote.ErrMalformed}) {
						return
					}
					continue
				}
				if !yield(item, nil) {
					return
				}
			}
			if end >= len(items) {
				return
			}
		}
	}
}

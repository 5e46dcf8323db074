package orgsync

import (
	"context"
	"errors"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/reconcile"
)

// OrgSyncStatus is the outcome of the latest completed pass of one family.
type OrgSyncStatus struct {
	Time   time.Time        `json:"time"`
	Counts reconcile.Counts `json:"counts"`
}

// FamilyStatus pairs a family with its status and cursor. Status is nil
// until the family has completed a pass.
type FamilyStatus struct {
	Family reconcile.Family `json:"family"`
	Status *OrgSyncStatus   `json:"status"`
	Cursor *time.Time       `json:"cursor,omitempty"`
}

// StatusReader exposes per-family sync outcomes without reaching into the
// store's org records.
type StatusReader interface {
	Status(ctx context.Context, orgID string, family reconcile.Family) (*OrgSyncStatus, error)
	Statuses(ctx context.Context, orgID string) ([]FamilyStatus, error)
}

// Store reads statuses from the database.
type Store struct {
	db *db.DB
}

// NewStatusStore creates a StatusReader over the database.
func NewStatusStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Status returns the latest status of a family, or nil if it never completed.
func (s *Store) Status(ctx context.Context, orgID string, family reconcile.Family) (*OrgSyncStatus, error) {
	r, err := s.db.GetTaskResult(ctx, orgID, string(family))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &OrgSyncStatus{
		Time: r.FinishedAt,
		Counts: reconcile.Counts{
			Created: r.Created,
			Updated: r.Updated,
			Deleted: r.Deleted,
			Failed:  r.Failed,
		},
	}, nil
}

// Statuses returns every family's status and cursor in pass order.
func (s *Store) Statuses(ctx context.Context, orgID string) ([]FamilyStatus, error) {
	out := make([]FamilyStatus, 0, len(reconcile.Families))
	for _, family := range reconcile.Families {
		status, err := s.Status(ctx, orgID, family)
		if err != nil {
			return nil, err
		}
		cursor, err := s.db.GetSyncCursor(ctx, orgID, string(family))
		if err != nil {
			return nil, err
		}
		out = append(out, FamilyStatus{Family: family, Status: status, Cursor: cursor})
	}
	return out, nil
}

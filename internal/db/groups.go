package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const groupColumns = `id, org_id, remote_id, kind, name, parent_id, is_active, created_at, updated_at`

// CreateGroup inserts a mirrored group.
func (q *Queries) CreateGroup(ctx context.Context, g *Group) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	query := `INSERT INTO org_groups (` + groupColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		g.ID, g.OrgID, g.RemoteID, g.Kind, g.Name, nullString(g.ParentID), g.IsActive,
		micros(g.CreatedAt), micros(g.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: group %s", ErrDuplicate, g.RemoteID)
	}
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

// UpdateGroup overwrites the synced fields of a group and its active flag.
func (q *Queries) UpdateGroup(ctx context.Context, g *Group) error {
	g.UpdatedAt = time.Now().UTC()
	query := `UPDATE org_groups SET kind = ?, name = ?, is_active = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, g.Kind, g.Name, g.IsActive, micros(g.UpdatedAt), g.ID)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	return requireAffected(result)
}

// DeactivateGroup marks a group inactive.
func (q *Queries) DeactivateGroup(ctx context.Context, id string) error {
	query := `UPDATE org_groups SET is_active = 0, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate group: %w", err)
	}
	return requireAffected(result)
}

// SetGroupParent changes a region's parent. An empty parentID makes it a root.
func (q *Queries) SetGroupParent(ctx context.Context, id, parentID string) error {
	query := `UPDATE org_groups SET parent_id = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, nullString(parentID), micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set group parent: %w", err)
	}
	return requireAffected(result)
}

// GetGroup returns a group by its ID.
func (q *Queries) GetGroup(ctx context.Context, id string) (*Group, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM org_groups WHERE id = ?`, id)
	return scanGroup(row)
}

// ListGroups returns every group of an org, active or not.
func (q *Queries) ListGroups(ctx context.Context, orgID string) ([]*Group, error) {
	return q.queryGroups(ctx, `SELECT `+groupColumns+` FROM org_groups WHERE org_id = ? ORDER BY name`, orgID)
}

// ListActiveGroups returns the active groups of one kind.
func (q *Queries) ListActiveGroups(ctx context.Context, orgID string, kind GroupKind) ([]*Group, error) {
	return q.queryGroups(ctx, `SELECT `+groupColumns+` FROM org_groups
		WHERE org_id = ? AND kind = ? AND is_active = 1 ORDER BY name`, orgID, kind)
}

func (q *Queries) queryGroups(ctx context.Context, query string, args ...any) ([]*Group, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanGroup(row rowScanner) (*Group, error) {
	g := &Group{}
	var parentID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&g.ID, &g.OrgID, &g.RemoteID, &g.Kind, &g.Name, &parentID, &g.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	g.ParentID = parentID.String
	g.CreatedAt = fromMicros(createdAt)
	g.UpdatedAt = fromMicros(updatedAt)
	return g, nil
}

// CreateBoundary inserts a mirrored boundary.
func (q *Queries) CreateBoundary(ctx context.Context, b *Boundary) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	query := `INSERT INTO boundaries (id, org_id, remote_id, name, level, parent_remote_id, geometry,
		is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		b.ID, b.OrgID, b.RemoteID, b.Name, b.Level, b.ParentRemoteID, b.Geometry,
		b.IsActive, micros(b.CreatedAt), micros(b.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: boundary %s", ErrDuplicate, b.RemoteID)
	}
	if err != nil {
		return fmt.Errorf("failed to create boundary: %w", err)
	}
	return nil
}

// UpdateBoundary overwrites the synced fields of a boundary.
func (q *Queries) UpdateBoundary(ctx context.Context, b *Boundary) error {
	b.UpdatedAt = time.Now().UTC()
	query := `UPDATE boundaries SET name = ?, level = ?, parent_remote_id = ?, geometry = ?,
		is_active = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query,
		b.Name, b.Level, b.ParentRemoteID, b.Geometry, b.IsActive, micros(b.UpdatedAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update boundary: %w", err)
	}
	return requireAffected(result)
}

// DeactivateBoundary marks a boundary inactive.
func (q *Queries) DeactivateBoundary(ctx context.Context, id string) error {
	query := `UPDATE boundaries SET is_active = 0, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate boundary: %w", err)
	}
	return requireAffected(result)
}

// ListBoundaries returns every boundary of an org, active or not.
func (q *Queries) ListBoundaries(ctx context.Context, orgID string) ([]*Boundary, error) {
	query := `SELECT id, org_id, remote_id, name, level, parent_remote_id, geometry, is_active,
		created_at, updated_at FROM boundaries WHERE org_id = ? ORDER BY level, name`
	rows, err := q.q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query boundaries: %w", err)
	}
	defer rows.Close()

	var boundaries []*Boundary
	for rows.Next() {
		b := &Boundary{}
		var createdAt, updatedAt int64
		if err := rows.Scan(&b.ID, &b.OrgID, &b.RemoteID, &b.Name, &b.Level, &b.ParentRemoteID,
			&b.Geometry, &b.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan boundary: %w", err)
		}
		b.CreatedAt = fromMicros(createdAt)
		b.UpdatedAt = fromMicros(updatedAt)
		boundaries = append(boundaries, b)
	}
	return boundaries, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const orgColumns = `id, name, api_token, timezone, sameday_mode, region_uuids, group_uuids,
	data_fields, sync_interval, enabled, auth_failed, created_at, updated_at`

// CreateOrg creates a new org.
func (q *Queries) CreateOrg(ctx context.Context, org *Org) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now
	if org.SamedayMode == "" {
		org.SamedayMode = SamedayLast
	}
	if org.Timezone == "" {
		org.Timezone = "UTC"
	}

	regions, groups, fields, err := encodeOrgLists(org)
	if err != nil {
		return err
	}

	query := `INSERT INTO orgs (` + orgColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.q.ExecContext(ctx, query,
		org.ID, org.Name, org.APIToken, org.Timezone, org.SamedayMode,
		regions, groups, fields, org.SyncInterval, org.Enabled, org.AuthFailed,
		micros(org.CreatedAt), micros(org.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: org %q", ErrDuplicate, org.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create org: %w", err)
	}
	return nil
}

// UpdateOrg updates an org's settings.
func (q *Queries) UpdateOrg(ctx context.Context, org *Org) error {
	org.UpdatedAt = time.Now().UTC()

	regions, groups, fields, err := encodeOrgLists(org)
	if err != nil {
		return err
	}

	query := `UPDATE orgs SET name = ?, api_token = ?, timezone = ?, sameday_mode = ?,
		region_uuids = ?, group_uuids = ?, data_fields = ?, sync_interval = ?, enabled = ?,
		auth_failed = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query,
		org.Name, org.APIToken, org.Timezone, org.SamedayMode,
		regions, groups, fields, org.SyncInterval, org.Enabled,
		org.AuthFailed, micros(org.UpdatedAt), org.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update org: %w", err)
	}
	return requireAffected(result)
}

// SetOrgAuthFailed flags or clears an org's credential failure.
func (q *Queries) SetOrgAuthFailed(ctx context.Context, id string, failed bool) error {
	query := `UPDATE orgs SET auth_failed = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, failed, micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update org auth state: %w", err)
	}
	return requireAffected(result)
}

// GetOrg returns an org by its ID.
func (q *Queries) GetOrg(ctx context.Context, id string) (*Org, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM orgs WHERE id = ?`, id)
	return scanOrg(row)
}

// GetOrgByName returns an org by its unique name.
func (q *Queries) GetOrgByName(ctx context.Context, name string) (*Org, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM orgs WHERE name = ?`, name)
	return scanOrg(row)
}

// ListOrgs returns all orgs ordered by name.
func (q *Queries) ListOrgs(ctx context.Context) ([]*Org, error) {
	return q.queryOrgs(ctx, `SELECT `+orgColumns+` FROM orgs ORDER BY name`)
}

// ListSchedulableOrgs returns enabled orgs that have credentials which have
// not been rejected.
func (q *Queries) ListSchedulableOrgs(ctx context.Context) ([]*Org, error) {
	return q.queryOrgs(ctx, `SELECT `+orgColumns+` FROM orgs
		WHERE enabled = 1 AND auth_failed = 0 AND api_token != '' ORDER BY name`)
}

func (q *Queries) queryOrgs(ctx context.Context, query string, args ...any) ([]*Org, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orgs: %w", err)
	}
	defer rows.Close()

	var orgs []*Org
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrg(row rowScanner) (*Org, error) {
	org := &Org{}
	var regions, groups, fields string
	var createdAt, updatedAt int64

	err := row.Scan(
		&org.ID, &org.Name, &org.APIToken, &org.Timezone, &org.SamedayMode,
		&regions, &groups, &fields, &org.SyncInterval, &org.Enabled, &org.AuthFailed,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan org: %w", err)
	}

	if err := json.Unmarshal([]byte(regions), &org.RegionUUIDs); err != nil {
		return nil, fmt.Errorf("failed to decode region_uuids: %w", err)
	}
	if err := json.Unmarshal([]byte(groups), &org.GroupUUIDs); err != nil {
		return nil, fmt.Errorf("failed to decode group_uuids: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &org.DataFields); err != nil {
		return nil, fmt.Errorf("failed to decode data_fields: %w", err)
	}
	org.CreatedAt = fromMicros(createdAt)
	org.UpdatedAt = fromMicros(updatedAt)

	return org, nil
}

func encodeOrgLists(org *Org) (string, string, string, error) {
	encode := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		return string(b), err
	}

	regions, err := encode(org.RegionUUIDs)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode region_uuids: %w", err)
	}
	groups, err := encode(org.GroupUUIDs)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode group_uuids: %w", err)
	}
	fields, err := encode(org.DataFields)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode data_fields: %w", err)
	}
	return regions, groups, fields, nil
}

// requireAffected maps a zero-row update to ErrNotFound.
func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

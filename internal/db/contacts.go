package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const contactColumns = `id, org_id, remote_id, name, urn, urns, language, region_id, is_active,
	remote_modified_at, created_at, updated_at`

// CreateContact inserts a contact with its memberships and field values.
func (q *Queries) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	urns, err := json.Marshal(nonNil(c.URNs))
	if err != nil {
		return fmt.Errorf("failed to encode urns: %w", err)
	}

	query := `INSERT INTO contacts (` + contactColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.q.ExecContext(ctx, query,
		c.ID, c.OrgID, c.RemoteID, c.Name, c.URN, string(urns), c.Language, nullString(c.RegionID),
		c.IsActive, nullMicros(c.RemoteModifiedAt), micros(c.CreatedAt), micros(c.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: contact %s", ErrDuplicate, c.RemoteID)
	}
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}

	return q.replaceContactRelations(ctx, c)
}

// UpdateContact overwrites a contact and fully replaces its memberships and
// field values.
func (q *Queries) UpdateContact(ctx context.Context, c *Contact) error {
	c.UpdatedAt = time.Now().UTC()

	urns, err := json.Marshal(nonNil(c.URNs))
	if err != nil {
		return fmt.Errorf("failed to encode urns: %w", err)
	}

	query := `UPDATE contacts SET name = ?, urn = ?, urns = ?, language = ?, region_id = ?,
		is_active = ?, remote_modified_at = ?, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query,
		c.Name, c.URN, string(urns), c.Language, nullString(c.RegionID),
		c.IsActive, nullMicros(c.RemoteModifiedAt), micros(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	return q.replaceContactRelations(ctx, c)
}

func (q *Queries) replaceContactRelations(ctx context.Context, c *Contact) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM contact_groups WHERE contact_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to clear contact groups: %w", err)
	}
	for _, groupID := range c.GroupIDs {
		if _, err := q.q.ExecContext(ctx,
			`INSERT INTO contact_groups (contact_id, group_id) VALUES (?, ?)`, c.ID, groupID); err != nil {
			return fmt.Errorf("failed to add contact group: %w", err)
		}
	}

	if _, err := q.q.ExecContext(ctx, `DELETE FROM contact_fields WHERE contact_id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to clear contact fields: %w", err)
	}
	for key, value := range c.Fields {
		if _, err := q.q.ExecContext(ctx,
			`INSERT INTO contact_fields (contact_id, field_key, value) VALUES (?, ?, ?)`, c.ID, key, value); err != nil {
			return fmt.Errorf("failed to add contact field: %w", err)
		}
	}
	return nil
}

// DeactivateContact marks a contact inactive.
func (q *Queries) DeactivateContact(ctx context.Context, id string) error {
	query := `UPDATE contacts SET is_active = 0, updated_at = ? WHERE id = ?`
	result, err := q.q.ExecContext(ctx, query, micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate contact: %w", err)
	}
	return requireAffected(result)
}

// GetContactByRemoteID returns a contact with its memberships and fields.
func (q *Queries) GetContactByRemoteID(ctx context.Context, orgID, remoteID string) (*Contact, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE org_id = ? AND remote_id = ?`, orgID, remoteID)
	c, err := scanContact(row)
	if err != nil {
		return nil, err
	}

	byID := map[string]*Contact{c.ID: c}
	if err := q.loadContactRelations(ctx,
		`SELECT contact_id, group_id FROM contact_groups WHERE contact_id = ?`,
		`SELECT contact_id, field_key, value FROM contact_fields WHERE contact_id = ?`,
		byID, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// ListContacts returns every contact of an org, active or not, with
// memberships and field values, in three queries.
func (q *Queries) ListContacts(ctx context.Context, orgID string) ([]*Contact, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE org_id = ? ORDER BY name, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	byID := make(map[string]*Contact)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}
	rows.Close()

	if err := q.loadContactRelations(ctx,
		`SELECT cg.contact_id, cg.group_id FROM contact_groups cg
			JOIN contacts c ON c.id = cg.contact_id WHERE c.org_id = ?`,
		`SELECT cf.contact_id, cf.field_key, cf.value FROM contact_fields cf
			JOIN contacts c ON c.id = cf.contact_id WHERE c.org_id = ?`,
		byID, orgID); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (q *Queries) loadContactRelations(ctx context.Context, groupQuery, fieldQuery string, byID map[string]*Contact, arg string) error {
	groupRows, err := q.q.QueryContext(ctx, groupQuery, arg)
	if err != nil {
		return fmt.Errorf("failed to query contact groups: %w", err)
	}
	for groupRows.Next() {
		var contactID, groupID string
		if err := groupRows.Scan(&contactID, &groupID); err != nil {
			groupRows.Close()
			return fmt.Errorf("failed to scan contact group: %w", err)
		}
		if c, ok := byID[contactID]; ok {
			c.GroupIDs = append(c.GroupIDs, groupID)
		}
	}
	if err := groupRows.Err(); err != nil {
		groupRows.Close()
		return fmt.Errorf("failed to iterate contact groups: %w", err)
	}
	groupRows.Close()

	fieldRows, err := q.q.QueryContext(ctx, fieldQuery, arg)
	if err != nil {
		return fmt.Errorf("failed to query contact fields: %w", err)
	}
	defer fieldRows.Close()
	for fieldRows.Next() {
		var contactID, key, value string
		if err := fieldRows.Scan(&contactID, &key, &value); err != nil {
			return fmt.Errorf("failed to scan contact field: %w", err)
		}
		if c, ok := byID[contactID]; ok {
			c.Fields[key] = value
		}
	}
	if err := fieldRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate contact fields: %w", err)
	}

	for _, c := range byID {
		sort.Strings(c.GroupIDs)
	}
	return nil
}

func scanContact(row rowScanner) (*Contact, error) {
	c := &Contact{Fields: make(map[string]string)}
	var urns string
	var regionID sql.NullString
	var modifiedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&c.ID, &c.OrgID, &c.RemoteID, &c.Name, &c.URN, &urns, &c.Language, &regionID,
		&c.IsActive, &modifiedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	if err := json.Unmarshal([]byte(urns), &c.URNs); err != nil {
		return nil, fmt.Errorf("failed to decode urns: %w", err)
	}
	c.RegionID = regionID.String
	c.RemoteModifiedAt = timePtr(modifiedAt)
	c.CreatedAt = fromMicros(createdAt)
	c.UpdatedAt = fromMicros(updatedAt)
	return c, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetSyncCursor returns the high-water mark of a family, or nil when unset.
func (q *Queries) GetSyncCursor(ctx context.Context, orgID, family string) (*time.Time, error) {
	var cursorAt int64
	err := q.q.QueryRowContext(ctx,
		`SELECT cursor_at FROM sync_cursors WHERE org_id = ? AND family = ?`, orgID, family).Scan(&cursorAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	t := fromMicros(cursorAt)
	return &t, nil
}

// SetSyncCursor stores the high-water mark of a family.
func (q *Queries) SetSyncCursor(ctx context.Context, orgID, family string, at time.Time) error {
	query := `INSERT INTO sync_cursors (org_id, family, cursor_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id, family) DO UPDATE SET cursor_at = excluded.cursor_at, updated_at = excluded.updated_at`
	if _, err := q.q.ExecContext(ctx, query, orgID, family, micros(at), micros(time.Now())); err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}

// UnsetSyncCursor removes the high-water mark so the next pass is a full resync.
func (q *Queries) UnsetSyncCursor(ctx context.Context, orgID, family string) error {
	if _, err := q.q.ExecContext(ctx,
		`DELETE FROM sync_cursors WHERE org_id = ? AND family = ?`, orgID, family); err != nil {
		return fmt.Errorf("failed to unset sync cursor: %w", err)
	}
	return nil
}

// CreateSyncLog creates a new sync log entry.
func (q *Queries) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO sync_logs (id, org_id, family, status, message, created, updated, deleted,
		failed, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, query,
		log.ID, log.OrgID, log.Family, log.Status, log.Message,
		log.Created, log.Updated, log.Deleted, log.Failed,
		log.Duration.Milliseconds(), micros(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetSyncLogs returns the most recent sync logs of an org.
func (q *Queries) GetSyncLogs(ctx context.Context, orgID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, org_id, family, status, message, created, updated, deleted, failed,
		duration_ms, created_at FROM sync_logs WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := q.q.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		l := &SyncLog{}
		var durationMS, createdAt int64
		if err := rows.Scan(&l.ID, &l.OrgID, &l.Family, &l.Status, &l.Message,
			&l.Created, &l.Updated, &l.Deleted, &l.Failed, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.Duration = time.Duration(durationMS) * time.Millisecond
		l.CreatedAt = fromMicros(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (q *Queries) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx, `DELETE FROM sync_logs WHERE created_at < ?`, micros(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}
	return result.RowsAffected()
}

// RecordSyncFailure stores or refreshes the failure of one remote record.
func (q *Queries) RecordSyncFailure(ctx context.Context, f *SyncFailure) error {
	if f.DiscoveredAt.IsZero() {
		f.DiscoveredAt = time.Now().UTC()
	}
	query := `INSERT INTO sync_failures (org_id, family, remote_id, reason, detail, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, family, remote_id) DO UPDATE SET
			reason = excluded.reason, detail = excluded.detail, discovered_at = excluded.discovered_at`
	_, err := q.q.ExecContext(ctx, query, f.OrgID, f.Family, f.RemoteID, f.Reason, f.Detail, micros(f.DiscoveredAt))
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// ClearSyncFailure removes a record from the failure ledger.
func (q *Queries) ClearSyncFailure(ctx context.Context, orgID, family, remoteID string) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM sync_failures WHERE org_id = ? AND family = ? AND remote_id = ?`, orgID, family, remoteID)
	if err != nil {
		return fmt.Errorf("failed to clear sync failure: %w", err)
	}
	return nil
}

// ListSyncFailures returns the outstanding failures of an org. An empty
// family lists all families.
func (q *Queries) ListSyncFailures(ctx context.Context, orgID, family string) ([]*SyncFailure, error) {
	query := `SELECT org_id, family, remote_id, reason, detail, discovered_at FROM sync_failures
		WHERE org_id = ? AND (? = '' OR family = ?) ORDER BY discovered_at DESC, remote_id`
	rows, err := q.q.QueryContext(ctx, query, orgID, family, family)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync failures: %w", err)
	}
	defer rows.Close()

	var failures []*SyncFailure
	for rows.Next() {
		f := &SyncFailure{}
		var discoveredAt int64
		if err := rows.Scan(&f.OrgID, &f.Family, &f.RemoteID, &f.Reason, &f.Detail, &discoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync failure: %w", err)
		}
		f.DiscoveredAt = fromMicros(discoveredAt)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// SaveTaskResult stores the latest pass outcome of a family.
func (q *Queries) SaveTaskResult(ctx context.Context, r *TaskResult) error {
	query := `INSERT INTO task_results (org_id, family, finished_at, created, updated, deleted, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, family) DO UPDATE SET finished_at = excluded.finished_at,
			created = excluded.created, updated = excluded.updated,
			deleted = excluded.deleted, failed = excluded.failed`
	_, err := q.q.ExecContext(ctx, query,
		r.OrgID, r.Family, micros(r.FinishedAt), r.Created, r.Updated, r.Deleted, r.Failed)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

// GetTaskResult returns the latest pass outcome of a family.
func (q *Queries) GetTaskResult(ctx context.Context, orgID, family string) (*TaskResult, error) {
	r := &TaskResult{}
	var finishedAt int64
	err := q.q.QueryRowContext(ctx, `SELECT org_id, family, finished_at, created, updated, deleted, failed
		FROM task_results WHERE org_id = ? AND family = ?`, orgID, family).
		Scan(&r.OrgID, &r.Family, &finishedAt, &r.Created, &r.Updated, &r.Deleted, &r.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}
	r.FinishedAt = fromMicros(finishedAt)
	return r, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every store operation. It runs either directly against the
// pool or inside a transaction opened by DB.InTx.
type Queries struct {
	q querier
}

// DB represents the database connection.
type DB struct {
	*Queries
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	params := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
		"synchronous(NORMAL)",
	} {
		params.Add("_pragma", p)
	}
	params.Set("_txlock", "immediate")
	dsn := "file:" + dbPath + "?" + params.Encode()

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	db := &DB{Queries: &Queries{q: conn}, conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orgs (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			api_token TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			sameday_mode TEXT NOT NULL DEFAULT 'use_last',
			region_uuids TEXT NOT NULL DEFAULT '[]',
			group_uuids TEXT NOT NULL DEFAULT '[]',
			data_fields TEXT NOT NULL DEFAULT '[]',
			sync_interval INTEGER NOT NULL DEFAULT 900,
			enabled INTEGER NOT NULL DEFAULT 1,
			auth_failed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Regions and reporter groups share one remote id space.
		`CREATE TABLE IF NOT EXISTS org_groups (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			parent_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(org_id, remote_id),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE,
			FOREIGN KEY (parent_id) REFERENCES org_groups(id) ON DELETE SET NULL
		)`,

		`CREATE TABLE IF NOT EXISTS boundaries (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			name TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 0,
			parent_remote_id TEXT NOT NULL DEFAULT '',
			geometry TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(org_id, remote_id),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			urn TEXT NOT NULL,
			urns TEXT NOT NULL DEFAULT '[]',
			language TEXT NOT NULL DEFAULT '',
			region_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			remote_modified_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(org_id, remote_id),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE,
			FOREIGN KEY (region_id) REFERENCES org_groups(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_contacts_org_urn ON contacts(org_id, urn)`,

		`CREATE TABLE IF NOT EXISTS contact_groups (
			contact_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			PRIMARY KEY (contact_id, group_id),
			FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE,
			FOREIGN KEY (group_id) REFERENCES org_groups(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS contact_fields (
			contact_id TEXT NOT NULL,
			field_key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (contact_id, field_key),
			FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS polls (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			flow_uuid TEXT NOT NULL,
			remote_name TEXT NOT NULL,
			name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(org_id, flow_uuid),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			poll_id TEXT NOT NULL,
			ruleset_uuid TEXT NOT NULL,
			remote_name TEXT NOT NULL,
			name TEXT NOT NULL,
			question_type TEXT NOT NULL DEFAULT 'O',
			ord INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			UNIQUE(poll_id, ruleset_uuid),
			FOREIGN KEY (poll_id) REFERENCES polls(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS pollruns (
			id TEXT PRIMARY KEY,
			poll_id TEXT NOT NULL,
			region_id TEXT,
			pollrun_type TEXT NOT NULL,
			conducted_on INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (poll_id) REFERENCES polls(id) ON DELETE CASCADE,
			FOREIGN KEY (region_id) REFERENCES org_groups(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pollruns_poll ON pollruns(poll_id, conducted_on)`,

		`CREATE TABLE IF NOT EXISTS responses (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			pollrun_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			flow_run_id INTEGER NOT NULL,
			created_on INTEGER NOT NULL,
			updated_on INTEGER NOT NULL,
			status TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			UNIQUE(org_id, flow_run_id),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE,
			FOREIGN KEY (pollrun_id) REFERENCES pollruns(id) ON DELETE CASCADE,
			FOREIGN KEY (contact_id) REFERENCES contacts(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_responses_contact_pollrun ON responses(contact_id, pollrun_id)`,

		`CREATE TABLE IF NOT EXISTS answers (
			id TEXT PRIMARY KEY,
			response_id TEXT NOT NULL,
			question_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			submitted_on INTEGER NOT NULL,
			value_last TEXT,
			value_sum REAL,
			FOREIGN KEY (response_id) REFERENCES responses(id) ON DELETE CASCADE,
			FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_answers_bucket ON answers(question_id, contact_id, submitted_on)`,

		`CREATE TABLE IF NOT EXISTS sync_cursors (
			org_id TEXT NOT NULL,
			family TEXT NOT NULL,
			cursor_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (org_id, family),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			family TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_org ON sync_logs(org_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS sync_failures (
			org_id TEXT NOT NULL,
			family TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			discovered_at INTEGER NOT NULL,
			PRIMARY KEY (org_id, family, remote_id),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS task_results (
			org_id TEXT NOT NULL,
			family TEXT NOT NULL,
			finished_at INTEGER NOT NULL,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (org_id, family),
			FOREIGN KEY (org_id) REFERENCES orgs(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for idempotent ALTER TABLE migrations
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}

	return nil
}

// micros converts t to the stored representation (unix microseconds, UTC).
func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// fromMicros converts a stored timestamp back to UTC time.
func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// nullMicros converts an optional time for storage.
func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

// timePtr converts a nullable stored timestamp.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

// nullString converts an optional id for storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports whether err is a sqlite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

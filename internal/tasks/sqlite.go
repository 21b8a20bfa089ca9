package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	queries
	db   *sql.DB
	path string
}

// OpenSQLite opens (and migrates) the database at path, creating parent
// directories as needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them. Immediate
	// transactions take the write lock at BEGIN, which serializes read-then-write
	// work across processes sharing the file.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer avoids SQLITE_BUSY

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{queries: queries{q: db}, db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// WithTx runs fn within a transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	// A cancelled context must not commit half-finished work.
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Owners lists every owner with at least one outstanding task.
func (s *SQLiteStore) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM tasks WHERE completed = 0 ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Projects},
		{2, migrationV2Tasks},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Projects = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	goal TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	priority INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
	estimated_hours REAL CHECK (estimated_hours IS NULL OR estimated_hours >= 0),
	due_date TEXT,
	completed INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	project_id TEXT REFERENCES projects(id),
	position INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_tasks_owner_completed ON tasks(owner_id, completed);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
`

// queries implements Tx over any querier.
type queries struct {
	q querier
}

func (x queries) CreateProject(ctx context.Context, p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = GenerateProjectID()
	}
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, description, goal, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, nullString(p.Description), nullString(p.Goal), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (x queries) GetProject(ctx context.Context, owner, id string) (*Project, error) {
	row := x.q.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, goal, created_at
		FROM projects WHERE owner_id = ? AND id = ?
	`, owner, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (x queries) ListProjects(ctx context.Context, owner string) ([]*Project, error) {
	rows, err := x.q.QueryContext(ctx, `
		SELECT id, owner_id, name, description, goal, created_at
		FROM projects WHERE owner_id = ?
		ORDER BY created_at, id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (x queries) CreateTask(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = GenerateTaskID()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, title, description, priority, estimated_hours, due_date,
			completed, completed_at, project_id, position, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OwnerID, t.Title, nullString(t.Description), t.Priority, nullFloat(t.EstimatedHours),
		nullTime(t.DueDate), t.Completed, nullTime(t.CompletedAt), nullString(t.ProjectID), t.Position,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), t.Version)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, owner_id, title, description, priority, estimated_hours, due_date,
	completed, completed_at, project_id, position, created_at, updated_at, version`

func (x queries) GetTask(ctx context.Context, owner, id string) (*Task, error) {
	row := x.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND id = ?`, owner, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (x queries) ListTasks(ctx context.Context, owner string, filter ListFilter) ([]*Task, error) {
	var (
		where = []string{"owner_id = ?"}
		args  = []any{owner}
	)
	if filter.Completed != nil {
		where = append(where, "completed = ?")
		args = append(args, *filter.Completed)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY priority, created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (x queries) UpdateTask(ctx context.Context, t *Task, expectedVersion int) error {
	if err := t.Validate(); err != nil {
		return err
	}
	res, err := x.q.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, priority = ?, estimated_hours = ?, due_date = ?,
			completed = ?, completed_at = ?, project_id = ?, position = ?, updated_at = ?, version = version + 1
		WHERE owner_id = ? AND id = ? AND version = ?
	`, t.Title, nullString(t.Description), t.Priority, nullFloat(t.EstimatedHours), nullTime(t.DueDate),
		t.Completed, nullTime(t.CompletedAt), nullString(t.ProjectID), t.Position, formatTime(t.UpdatedAt),
		t.OwnerID, t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing task from a stale version.
		if _, err := x.GetTask(ctx, t.OwnerID, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("task %s at version %d: %w", t.ID, expectedVersion, ErrConflict)
	}
	t.Version = expectedVersion + 1
	return nil
}

func (x queries) SetPriority(ctx context.Context, owner, id string, priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return Invalid("priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, priority)
	}
	res, err := x.q.ExecContext(ctx, `UPDATE tasks SET priority = ? WHERE owner_id = ? AND id = ?`, priority, owner, id)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*Project, error) {
	var (
		p         Project
		desc      sql.NullString
		goal      sql.NullString
		createdAt string
	)
	if err := s.Scan(&p.ID, &p.OwnerID, &p.Name, &desc, &goal, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Description = desc.String
	p.Goal = goal.String
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse project created_at: %w", err)
	}
	return &p, nil
}

func scanTask(s scanner) (*Task, error) {
	var (
		t           Task
		desc        sql.NullString
		hours       sql.NullFloat64
		due         sql.NullString
		completedAt sql.NullString
		projectID   sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := s.Scan(&t.ID, &t.OwnerID, &t.Title, &desc, &t.Priority, &hours, &due,
		&t.Completed, &completedAt, &projectID, &t.Position, &createdAt, &updatedAt, &t.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Description = desc.String
	t.ProjectID = projectID.String
	if hours.Valid {
		h := hours.Float64
		t.EstimatedHours = &h
	}
	t.DueDate = parseNullableTime(due)
	t.CompletedAt = parseNullableTime(completedAt)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse task created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse task updated_at: %w", err)
	}
	return &t, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

var _ Store = (*SQLiteStore)(nil)

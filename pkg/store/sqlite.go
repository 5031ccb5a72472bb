package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	_ "modernc.org/sqlite"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  tenant TEXT NOT NULL DEFAULT '',
  priority TEXT NOT NULL DEFAULT 'MEDIUM',
  status TEXT NOT NULL,
  scheduled_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_scheduled ON tasks(scheduled_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE TABLE IF NOT EXISTS task_metadata (
  bucket_id INTEGER NOT NULL,
  id TEXT NOT NULL,
  tenant TEXT NOT NULL DEFAULT '',
  scheduled_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  PRIMARY KEY (bucket_id, id)
);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteStore is a single-node Store backed by modernc.org/sqlite.
// The full record is kept as JSON in body; indexed columns are duplicated for queries.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent stages.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

const selectTask = `SELECT body, status, updated_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (tasks.Task, error) {
	var (
		body      string
		status    string
		updatedAt int64
		t         tasks.Task
	)
	if err := row.Scan(&body, &status, &updatedAt); err != nil {
		return tasks.Task{}, err
	}
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return tasks.Task{}, fmt.Errorf("decode task: %w", err)
	}
	t.Status = tasks.Status(status)
	t.UpdatedAt = updatedAt
	return t, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (tasks.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	return t, err
}

func (s *SQLiteStore) GetBatch(ctx context.Context, ids []string) ([]tasks.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx, `SELECT id, body, status, updated_at FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, tasks.Transient("get batch", err)
	}
	defer rows.Close()

	byID := make(map[string]tasks.Task, len(ids))
	for rows.Next() {
		var id string
		var body, status string
		var updatedAt int64
		if err := rows.Scan(&id, &body, &status, &updatedAt); err != nil {
			return nil, err
		}
		var t tasks.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			skipCorrupt(id, err)
			continue
		}
		t.Status = tasks.Status(status)
		t.UpdatedAt = updatedAt
		byID[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]tasks.Task, 0, len(byID))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
			delete(byID, id)
		}
	}
	return out, nil
}

const upsertTask = `
INSERT INTO tasks (id, tenant, priority, status, scheduled_at, created_at, updated_at, body)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  tenant=excluded.tenant, priority=excluded.priority, status=excluded.status,
  scheduled_at=excluded.scheduled_at, created_at=excluded.created_at,
  updated_at=excluded.updated_at, body=excluded.body
`

func upsertArgs(task tasks.Task) ([]any, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return []any{task.ID, task.Tenant, string(task.Priority), string(task.Status),
		task.ScheduledAt, task.CreatedAt, task.UpdatedAt, string(body)}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	args, err := upsertArgs(task)
	if err != nil {
		return tasks.Task{}, err
	}
	if _, err := s.db.ExecContext(ctx, upsertTask, args...); err != nil {
		return tasks.Task{}, tasks.Transient("save task", err)
	}
	return task, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status tasks.Status, updatedAt int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return tasks.Transient("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id string, from []tasks.Status, to tasks.Status, updatedAt int64) (tasks.Status, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, tasks.Transient("begin", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	if err != nil {
		return "", false, err
	}
	if !containsStatus(from, tasks.Status(current)) {
		return tasks.Status(current), false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, string(to), updatedAt, id); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return tasks.Status(current), true, nil
}

func (s *SQLiteStore) CompareAndSave(ctx context.Context, task tasks.Task, from []tasks.Status) (tasks.Status, bool, error) {
	args, err := upsertArgs(task)
	if err != nil {
		return "", false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, tasks.Transient("begin", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, task.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("task %s: %w", task.ID, tasks.ErrNotFound)
	}
	if err != nil {
		return "", false, err
	}
	if !containsStatus(from, tasks.Status(current)) {
		return tasks.Status(current), false, nil
	}

	if _, err := tx.ExecContext(ctx, upsertTask, args...); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return tasks.Status(current), true, nil
}

func (s *SQLiteStore) ScanBucket(ctx context.Context, bucketID int64, cursor string, limit int) ([]tasks.TaskMetadata, string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, tenant, scheduled_at, status FROM task_metadata
WHERE bucket_id = ? AND id > ?
ORDER BY id
LIMIT ?`, bucketID, cursor, limit)
	if err != nil {
		return nil, "", tasks.Transient("scan bucket", err)
	}
	defer rows.Close()

	var page []tasks.TaskMetadata
	for rows.Next() {
		var m tasks.TaskMetadata
		var status string
		if err := rows.Scan(&m.ID, &m.Tenant, &m.ScheduledAt, &status); err != nil {
			return nil, "", err
		}
		b := bucketID
		m.Status = tasks.Status(status)
		m.BucketID = &b
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(page) == limit && limit > 0 {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *SQLiteStore) SaveMetadata(ctx context.Context, meta tasks.TaskMetadata) error {
	if meta.BucketID == nil {
		meta = meta.WithBucket()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_metadata (bucket_id, id, tenant, scheduled_at, status)
VALUES (?,?,?,?,?)
ON CONFLICT(bucket_id, id) DO UPDATE SET
  tenant=excluded.tenant, scheduled_at=excluded.scheduled_at, status=excluded.status
`, *meta.BucketID, meta.ID, meta.Tenant, meta.ScheduledAt, string(meta.Status))
	if err != nil {
		return tasks.Transient("save metadata", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]tasks.Task, error) {
	return s.query(ctx, selectTask+` ORDER BY scheduled_at DESC`)
}

func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) ([]tasks.Task, error) {
	query := selectTask + ` WHERE created_at BETWEEN ? AND ?`
	args := []any{q.Start, q.End}
	if q.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(q.Priority))
	}
	if q.Tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, q.Tenant)
	}
	return s.query(ctx, query+` ORDER BY created_at`, args...)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, tasks.Transient("query tasks", err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
)

// casAttempts bounds the read-then-LWT loop of CompareAndSetStatus.
const casAttempts = 3

// CassandraStore keeps tasks in Cassandra. Bucket metadata lives in
// tasks_metadata with the day as partition key and the id as clustering key,
// so a bucket scan is a single-partition range read.
type CassandraStore struct {
	session  *gocql.Session
	keyspace string
}

// OpenCassandra connects to the cluster and creates the keyspace and tables if needed.
func OpenCassandra(ctx context.Context, cfg config.CassandraConfig) (*CassandraStore, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: cfg.Retries}
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, tasks.Transient("connect cassandra", err)
	}

	s := &CassandraStore{session: session, keyspace: cfg.Keyspace}
	if err := s.ensureSchema(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *CassandraStore) table(name string) string {
	return s.keyspace + "." + name
}

func (s *CassandraStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
  WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, s.keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id text PRIMARY KEY,
  tenant text,
  priority text,
  status text,
  scheduled_at bigint,
  created_at bigint,
  updated_at bigint,
  body text
)`, s.table("tasks")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  bucket_id bigint,
  id text,
  tenant text,
  scheduled_at bigint,
  status text,
  PRIMARY KEY ((bucket_id), id)
) WITH CLUSTERING ORDER BY (id ASC)`, s.table("tasks_metadata")),
	}
	for _, stmt := range stmts {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *CassandraStore) Get(ctx context.Context, id string) (tasks.Task, error) {
	var body, status string
	var updatedAt int64
	err := s.session.Query(
		`SELECT body, status, updated_at FROM `+s.table("tasks")+` WHERE id = ?`, id,
	).WithContext(ctx).Scan(&body, &status, &updatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return tasks.Task{}, fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	if err != nil {
		return tasks.Task{}, tasks.Transient("get task", err)
	}
	return decodeBody(body, status, updatedAt)
}

func decodeBody(body, status string, updatedAt int64) (tasks.Task, error) {
	var t tasks.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return tasks.Task{}, fmt.Errorf("decode task: %w", err)
	}
	t.Status = tasks.Status(status)
	t.UpdatedAt = updatedAt
	return t, nil
}

func (s *CassandraStore) GetBatch(ctx context.Context, ids []string) ([]tasks.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	iter := s.session.Query(
		`SELECT id, body, status, updated_at FROM `+s.table("tasks")+` WHERE id IN ?`, ids,
	).WithContext(ctx).Iter()

	byID := make(map[string]tasks.Task, len(ids))
	var id, body, status string
	var updatedAt int64
	for iter.Scan(&id, &body, &status, &updatedAt) {
		t, err := decodeBody(body, status, updatedAt)
		if err != nil {
			skipCorrupt(id, err)
			continue
		}
		byID[id] = t
	}
	if err := iter.Close(); err != nil {
		return nil, tasks.Transient("get batch", err)
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

func (s *CassandraStore) Save(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return tasks.Task{}, err
	}
	err = s.session.Query(
		`INSERT INTO `+s.table("tasks")+` (id, tenant, priority, status, scheduled_at, created_at, updated_at, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Tenant, string(task.Priority), string(task.Status),
		task.ScheduledAt, task.CreatedAt, task.UpdatedAt, string(body),
	).WithContext(ctx).Exec()
	if err != nil {
		return tasks.Task{}, tasks.Transient("save task", err)
	}
	return task, nil
}

func (s *CassandraStore) UpdateStatus(ctx context.Context, id string, status tasks.Status, updatedAt int64) error {
	applied, err := s.session.Query(
		`UPDATE `+s.table("tasks")+` SET status = ?, updated_at = ? WHERE id = ? IF EXISTS`,
		string(status), updatedAt, id,
	).WithContext(ctx).ScanCAS()
	if err != nil {
		return tasks.Transient("update status", err)
	}
	if !applied {
		return fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
	}
	return nil
}

func (s *CassandraStore) CompareAndSetStatus(ctx context.Context, id string, from []tasks.Status, to tasks.Status, updatedAt int64) (tasks.Status, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var current string
		err := s.session.Query(
			`SELECT status FROM `+s.table("tasks")+` WHERE id = ?`, id,
		).WithContext(ctx).Scan(&current)
		if errors.Is(err, gocql.ErrNotFound) {
			return "", false, fmt.Errorf("task %s: %w", id, tasks.ErrNotFound)
		}
		if err != nil {
			return "", false, tasks.Transient("read status", err)
		}
		if !containsStatus(from, tasks.Status(current)) {
			return tasks.Status(current), false, nil
		}

		prev := map[string]interface{}{}
		applied, err := s.session.Query(
			`UPDATE `+s.table("tasks")+` SET status = ?, updated_at = ? WHERE id = ? IF status = ?`,
			string(to), updatedAt, id, current,
		).WithContext(ctx).SerialConsistency(gocql.LocalSerial).MapScanCAS(prev)
		if err != nil {
			return "", false, tasks.Transient("compare and set status", err)
		}
		if applied {
			return tasks.Status(current), true, nil
		}
		// Lost a race with another writer; re-read and decide again.
	}
	return "", false, tasks.Transient("compare and set status", errors.New("contention"))
}

func (s *CassandraStore) CompareAndSave(ctx context.Context, task tasks.Task, from []tasks.Status) (tasks.Status, bool, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", false, err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		var current string
		err := s.session.Query(
			`SELECT status FROM `+s.table("tasks")+` WHERE id = ?`, task.ID,
		).WithContext(ctx).Scan(&current)
		if errors.Is(err, gocql.ErrNotFound) {
			return "", false, fmt.Errorf("task %s: %w", task.ID, tasks.ErrNotFound)
		}
		if err != nil {
			return "", false, tasks.Transient("read status", err)
		}
		if !containsStatus(from, tasks.Status(current)) {
			return tasks.Status(current), false, nil
		}

		prev := map[string]interface{}{}
		applied, err := s.session.Query(
			`UPDATE `+s.table("tasks")+` SET tenant = ?, priority = ?, status = ?, scheduled_at = ?,
  created_at = ?, updated_at = ?, body = ? WHERE id = ? IF status = ?`,
			task.Tenant, string(task.Priority), string(task.Status), task.ScheduledAt,
			task.CreatedAt, task.UpdatedAt, string(body), task.ID, current,
		).WithContext(ctx).SerialConsistency(gocql.LocalSerial).MapScanCAS(prev)
		if err != nil {
			return "", false, tasks.Transient("compare and save", err)
		}
		if applied {
			return tasks.Status(current), true, nil
		}
	}
	return "", false, tasks.Transient("compare and save", errors.New("contention"))
}

func (s *CassandraStore) ScanBucket(ctx context.Context, bucketID int64, cursor string, limit int) ([]tasks.TaskMetadata, string, error) {
	iter := s.session.Query(
		`SELECT id, tenant, scheduled_at, status FROM `+s.table("tasks_metadata")+`
WHERE bucket_id = ? AND id > ? LIMIT ?`,
		bucketID, cursor, limit,
	).WithContext(ctx).Iter()

	var page []tasks.TaskMetadata
	var id, tenant, status string
	var scheduledAt int64
	for iter.Scan(&id, &tenant, &scheduledAt, &status) {
		b := bucketID
		page = append(page, tasks.TaskMetadata{
			ID:          id,
			Tenant:      tenant,
			ScheduledAt: scheduledAt,
			Status:      tasks.Status(status),
			BucketID:    &b,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, "", tasks.Transient("scan bucket", err)
	}

	next := ""
	if len(page) == limit && limit > 0 {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *CassandraStore) SaveMetadata(ctx context.Context, meta tasks.TaskMetadata) error {
	if meta.BucketID == nil {
		meta = meta.WithBucket()
	}
	err := s.session.Query(
		`INSERT INTO `+s.table("tasks_metadata")+` (bucket_id, id, tenant, scheduled_at, status) VALUES (?, ?, ?, ?, ?)`,
		*meta.BucketID, meta.ID, meta.Tenant, meta.ScheduledAt, string(meta.Status),
	).WithContext(ctx).Exec()
	if err != nil {
		return tasks.Transient("save metadata", err)
	}
	return nil
}

func (s *CassandraStore) List(ctx context.Context) ([]tasks.Task, error) {
	list, err := s.scanTasks(ctx, `SELECT body, status, updated_at FROM `+s.table("tasks"))
	if err != nil {
		return nil, err
	}
	sortByScheduledDesc(list)
	return list, nil
}

func (s *CassandraStore) Search(ctx context.Context, q SearchQuery) ([]tasks.Task, error) {
	found, err := s.scanTasks(ctx,
		`SELECT body, status, updated_at FROM `+s.table("tasks")+` WHERE created_at >= ? AND created_at <= ? ALLOW FILTERING`,
		q.Start, q.End)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, t := range found {
		if q.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *CassandraStore) scanTasks(ctx context.Context, stmt string, args ...interface{}) ([]tasks.Task, error) {
	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()

	var out []tasks.Task
	var body, status string
	var updatedAt int64
	for iter.Scan(&body, &status, &updatedAt) {
		t, err := decodeBody(body, status, updatedAt)
		if err != nil {
			iter.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := iter.Close(); err != nil {
		return nil, tasks.Transient("query tasks", err)
	}
	return out, nil
}

func (s *CassandraStore) Close() error {
	s.session.Close()
	return nil
}

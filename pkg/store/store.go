// Package store holds the durable task records and the per-day bucket index.
//
// Three backends implement Store:
//   - RedisStore: hashes per task plus sorted sets for buckets and indexes
//   - SQLiteStore: single-node relational store (modernc.org/sqlite, no cgo)
//   - CassandraStore: wide-column store with one partition per bucket day
//
// All backends agree on bucket pagination: ids are ordered by byte-wise string
// comparison and a page holds ids strictly greater than the cursor.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// Store is the durable record of every task.
type Store interface {
	// Get returns the task or tasks.ErrNotFound.
	Get(ctx context.Context, id string) (tasks.Task, error)

	// GetBatch returns the tasks that exist among ids, in input order.
	// Missing ids and records that fail to decode are omitted without error.
	GetBatch(ctx context.Context, ids []string) ([]tasks.Task, error)

	// Save upserts the full record and returns what was stored.
	Save(ctx context.Context, task tasks.Task) (tasks.Task, error)

	// UpdateStatus changes only status and updatedAt.
	// It returns tasks.ErrNotFound when the id has no record.
	UpdateStatus(ctx context.Context, id string, status tasks.Status, updatedAt int64) error

	// CompareAndSetStatus moves the task to `to` only if its current status is
	// one of `from`. It returns the status observed before the call and whether
	// the swap happened.
	CompareAndSetStatus(ctx context.Context, id string, from []tasks.Status, to tasks.Status, updatedAt int64) (tasks.Status, bool, error)

	// CompareAndSave writes the full record only if the stored status is one
	// of from. It returns the status observed before the call and whether the
	// write happened, or tasks.ErrNotFound when the id has no record.
	CompareAndSave(ctx context.Context, task tasks.Task, from []tasks.Status) (tasks.Status, bool, error)

	// ScanBucket returns up to limit metadata records of bucketID with ids
	// strictly greater than cursor, ascending. An empty cursor starts at the
	// beginning. nextCursor is the last id when the page is full, "" otherwise.
	// An entry whose body cannot be decoded comes back with only ID and BucketID set.
	ScanBucket(ctx context.Context, bucketID int64, cursor string, limit int) ([]tasks.TaskMetadata, string, error)

	// SaveMetadata files a record under its BucketID. Idempotent.
	SaveMetadata(ctx context.Context, meta tasks.TaskMetadata) error

	// List returns every task sorted by scheduledAt, latest first.
	List(ctx context.Context) ([]tasks.Task, error)

	// Search returns tasks created within the query's range.
	Search(ctx context.Context, q SearchQuery) ([]tasks.Task, error)

	Close() error
}

// SearchQuery filters tasks by creation time and optional labels.
// Start and End are inclusive epoch milliseconds.
type SearchQuery struct {
	Start    int64
	End      int64
	Priority tasks.Priority
	Tenant   string
}

// Match reports whether t passes the label filters. Time range is checked by the backend.
func (q SearchQuery) Match(t tasks.Task) bool {
	if q.Priority != "" && t.Priority != q.Priority {
		return false
	}
	if q.Tenant != "" && t.Tenant != q.Tenant {
		return false
	}
	return true
}

// Open builds the backend selected by cfg.Driver.
// The redis backend shares rdb with the bus client.
func Open(ctx context.Context, cfg config.StoreConfig, rdb *redis.Client) (Store, error) {
	switch cfg.Driver {
	case "", "redis":
		return NewRedisStore(rdb), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "cassandra":
		return OpenCassandra(ctx, cfg.Cassandra)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func sortByScheduledDesc(list []tasks.Task) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ScheduledAt > list[j].ScheduledAt
	})
}

func containsStatus(list []tasks.Status, s tasks.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// skipCorrupt logs a stored record that could not be decoded.
func skipCorrupt(id string, err error) {
	logger.Log.Warn().Err(err).Str("component", "store").Str("task_id", id).Msg("Skipping undecodable record")
}

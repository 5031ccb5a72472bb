package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

const testBucket int64 = 1_700_006_400_000

type backend struct {
	name  string
	setup func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"redis", setupRedisStore},
		{"sqlite", setupSQLiteStore},
		{"cassandra", setupCassandraStore},
	}
}

func setupRedisStore(t *testing.T) Store {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb)
}

func setupSQLiteStore(t *testing.T) Store {
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// setupCassandraStore requires a reachable cluster listed in CASSANDRA_HOSTS.
func setupCassandraStore(t *testing.T) Store {
	hosts := os.Getenv("CASSANDRA_HOSTS")
	if hosts == "" {
		t.Skip("Skipping cassandra store test: CASSANDRA_HOSTS not set")
	}

	cfg := config.Default().Store.Cassandra
	cfg.Hosts = strings.Split(hosts, ",")
	cfg.Keyspace = fmt.Sprintf("scheduler_test_%d", time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := OpenCassandra(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping cassandra store test: %v", err)
	}
	t.Cleanup(func() {
		st.session.Query("DROP KEYSPACE IF EXISTS " + cfg.Keyspace).Exec()
		st.Close()
	})
	return st
}

func newTask(id string, scheduledAt int64) tasks.Task {
	return tasks.Task{
		ID:          id,
		Tenant:      "acme",
		Payload:     "payload-" + id,
		ScheduledAt: scheduledAt,
		Status:      tasks.StatusCreated,
		Priority:    tasks.PriorityMedium,
		CreatedAt:   scheduledAt - 1000,
		UpdatedAt:   scheduledAt - 1000,
		MaxRetries:  3,
	}
}

func TestSaveAndGet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()

			if _, err := st.Get(ctx, "missing"); !errors.Is(err, tasks.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			task := newTask("t1", testBucket+5000)
			task.Parameters = map[string]string{"region": "eu"}
			if _, err := st.Save(ctx, task); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			got, err := st.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Payload != task.Payload || got.Status != tasks.StatusCreated || got.Parameters["region"] != "eu" {
				t.Errorf("unexpected task: %+v", got)
			}

			// Save is an upsert.
			task.Payload = "changed"
			if _, err := st.Save(ctx, task); err != nil {
				t.Fatalf("second Save failed: %v", err)
			}
			got, _ = st.Get(ctx, "t1")
			if got.Payload != "changed" {
				t.Errorf("expected upserted payload, got %q", got.Payload)
			}
		})
	}
}

func TestGetBatchOmitsMissing(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()

			for _, id := range []string{"a", "b", "c"} {
				if _, err := st.Save(ctx, newTask(id, testBucket)); err != nil {
					t.Fatalf("Save %s failed: %v", id, err)
				}
			}

			got, err := st.GetBatch(ctx, []string{"c", "nope", "a"})
			if err != nil {
				t.Fatalf("GetBatch failed: %v", err)
			}
			if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
				t.Errorf("unexpected batch: %+v", got)
			}

			empty, err := st.GetBatch(ctx, nil)
			if err != nil || len(empty) != 0 {
				t.Errorf("expected empty batch, got %v %v", empty, err)
			}
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()

			if err := st.UpdateStatus(ctx, "ghost", tasks.StatusDelivered, 1); !errors.Is(err, tasks.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			st.Save(ctx, newTask("t1", testBucket))
			if err := st.UpdateStatus(ctx, "t1", tasks.StatusDelivered, 42); err != nil {
				t.Fatalf("UpdateStatus failed: %v", err)
			}

			got, _ := st.Get(ctx, "t1")
			if got.Status != tasks.StatusDelivered || got.UpdatedAt != 42 {
				t.Errorf("expected DELIVERED at 42, got %s at %d", got.Status, got.UpdatedAt)
			}
			if got.Payload != "payload-t1" {
				t.Errorf("narrow update changed payload: %q", got.Payload)
			}
		})
	}
}

func TestCompareAndSetStatus(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()
			st.Save(ctx, newTask("t1", testBucket))

			cur, ok, err := st.CompareAndSetStatus(ctx, "t1", tasks.Schedulable, tasks.StatusScheduled, 10)
			if err != nil || !ok || cur != tasks.StatusCreated {
				t.Fatalf("expected swap from CREATED, got %s %v %v", cur, ok, err)
			}

			st.UpdateStatus(ctx, "t1", tasks.StatusDelivered, 11)
			cur, ok, err = st.CompareAndSetStatus(ctx, "t1", tasks.Schedulable, tasks.StatusScheduled, 12)
			if err != nil || ok || cur != tasks.StatusDelivered {
				t.Fatalf("expected no swap from DELIVERED, got %s %v %v", cur, ok, err)
			}
			got, _ := st.Get(ctx, "t1")
			if got.Status != tasks.StatusDelivered {
				t.Errorf("failed CAS changed status to %s", got.Status)
			}

			if _, _, err := st.CompareAndSetStatus(ctx, "ghost", tasks.Schedulable, tasks.StatusScheduled, 1); !errors.Is(err, tasks.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCompareAndSave(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()
			task := newTask("t1", testBucket)
			task.Status = tasks.StatusDelivered
			st.Save(ctx, task)

			task.Status = tasks.StatusRetrying
			task.CurrentRetries = 1
			prev, ok, err := st.CompareAndSave(ctx, task, []tasks.Status{tasks.StatusDelivered, tasks.StatusRunning})
			if err != nil || !ok || prev != tasks.StatusDelivered {
				t.Fatalf("expected save from DELIVERED, got %s %v %v", prev, ok, err)
			}
			got, _ := st.Get(ctx, "t1")
			if got.Status != tasks.StatusRetrying || got.CurrentRetries != 1 {
				t.Errorf("record not written: %+v", got)
			}

			st.UpdateStatus(ctx, "t1", tasks.StatusCancelled, 99)
			task.CurrentRetries = 2
			prev, ok, err = st.CompareAndSave(ctx, task, []tasks.Status{tasks.StatusRetrying})
			if err != nil || ok || prev != tasks.StatusCancelled {
				t.Fatalf("expected no save from CANCELLED, got %s %v %v", prev, ok, err)
			}
			got, _ = st.Get(ctx, "t1")
			if got.Status != tasks.StatusCancelled || got.CurrentRetries != 1 {
				t.Errorf("losing save changed the record: %+v", got)
			}

			ghost := newTask("ghost", testBucket)
			if _, _, err := st.CompareAndSave(ctx, ghost, tasks.Cancellable); !errors.Is(err, tasks.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestGetBatchSkipsUndecodable(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	st := NewRedisStore(rdb)
	ctx := context.Background()

	st.Save(ctx, newTask("a", testBucket))
	st.Save(ctx, newTask("b", testBucket))
	s.HSet("task:bad", "data", "{oops", "status", "SCHEDULED")

	got, err := st.GetBatch(ctx, []string{"a", "bad", "b"})
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected a and b, got %v", ids(got))
	}
}

func TestScanBucketKeepsUndecodableIDs(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	st := NewRedisStore(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st.SaveMetadata(ctx, tasks.TaskMetadata{ID: fmt.Sprintf("task-%d", i), ScheduledAt: testBucket + 1})
	}
	s.HSet(fmt.Sprintf("bucketmeta:%d", testBucket), "task-1", "{not json")

	page, next, err := st.ScanBucket(ctx, testBucket, "", 2)
	if err != nil {
		t.Fatalf("ScanBucket failed: %v", err)
	}
	if len(page) != 2 || page[1].ID != "task-1" || next != "task-1" {
		t.Fatalf("expected contiguous page ending at task-1, got %+v next %q", page, next)
	}
	if page[1].BucketID == nil || *page[1].BucketID != testBucket || page[1].ScheduledAt != 0 {
		t.Errorf("expected id-only record for task-1, got %+v", page[1])
	}
}

func TestScanBucketPagination(t *testing.T) {
	cases := []struct {
		records  int
		pageSize int
		pages    int
	}{
		{123, 50, 3},
		{100, 50, 2},
		{7, 50, 1},
		{0, 50, 0},
	}

	for _, b := range backends() {
		for _, tc := range cases {
			t.Run(fmt.Sprintf("%s/%d_by_%d", b.name, tc.records, tc.pageSize), func(t *testing.T) {
				st := b.setup(t)
				ctx := context.Background()

				for i := 0; i < tc.records; i++ {
					m := tasks.TaskMetadata{
						ID:          fmt.Sprintf("task-%04d", i),
						ScheduledAt: testBucket + int64(i)*1000,
						Status:      tasks.StatusCreated,
					}
					if err := st.SaveMetadata(ctx, m); err != nil {
						t.Fatalf("SaveMetadata failed: %v", err)
					}
				}
				// A neighbouring bucket must not leak into the scan.
				st.SaveMetadata(ctx, tasks.TaskMetadata{ID: "task-0000x", ScheduledAt: testBucket + tasks.DayMillis})

				seen := map[string]bool{}
				pages := 0
				cursor := ""
				prev := ""
				for {
					page, next, err := st.ScanBucket(ctx, testBucket, cursor, tc.pageSize)
					if err != nil {
						t.Fatalf("ScanBucket failed: %v", err)
					}
					if len(page) > tc.pageSize {
						t.Fatalf("page of %d exceeds limit %d", len(page), tc.pageSize)
					}
					if len(page) > 0 {
						pages++
					}
					for _, m := range page {
						if seen[m.ID] {
							t.Fatalf("id %s returned twice", m.ID)
						}
						if m.ID <= prev {
							t.Fatalf("ids not ascending: %s after %s", m.ID, prev)
						}
						prev = m.ID
						seen[m.ID] = true
					}
					if next == "" {
						break
					}
					cursor = next
				}

				if len(seen) != tc.records {
					t.Errorf("expected %d records, scanned %d", tc.records, len(seen))
				}
				if pages != tc.pages {
					t.Errorf("expected %d non-empty pages, got %d", tc.pages, pages)
				}
			})
		}
	}
}

func TestSaveMetadataIdempotent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()
			m := tasks.TaskMetadata{ID: "t1", ScheduledAt: testBucket + 10, Status: tasks.StatusCreated}

			for i := 0; i < 3; i++ {
				if err := st.SaveMetadata(ctx, m); err != nil {
					t.Fatalf("SaveMetadata failed: %v", err)
				}
			}

			page, next, err := st.ScanBucket(ctx, testBucket, "", 10)
			if err != nil {
				t.Fatalf("ScanBucket failed: %v", err)
			}
			if len(page) != 1 || next != "" {
				t.Fatalf("expected a single record, got %d (next %q)", len(page), next)
			}
			if page[0].BucketID == nil || *page[0].BucketID != testBucket {
				t.Errorf("expected bucket id %d, got %v", testBucket, page[0].BucketID)
			}
		})
	}
}

func TestListAndSearch(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			st := b.setup(t)
			ctx := context.Background()

			early := newTask("early", testBucket+1000)
			late := newTask("late", testBucket+9000)
			late.Priority = tasks.PriorityHigh
			other := newTask("other", testBucket+5000)
			other.Tenant = "globex"
			for _, task := range []tasks.Task{early, late, other} {
				st.Save(ctx, task)
			}

			list, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 3 || list[0].ID != "late" || list[2].ID != "early" {
				t.Errorf("expected latest-first order, got %v", ids(list))
			}

			found, err := st.Search(ctx, SearchQuery{Start: testBucket, End: testBucket + 10000, Priority: tasks.PriorityHigh})
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(found) != 1 || found[0].ID != "late" {
				t.Errorf("expected only late, got %v", ids(found))
			}

			found, _ = st.Search(ctx, SearchQuery{Start: testBucket, End: testBucket + 10000, Tenant: "globex"})
			if len(found) != 1 || found[0].ID != "other" {
				t.Errorf("expected only other, got %v", ids(found))
			}

			// createdAt of early is testBucket, outside [testBucket+1, ...].
			found, _ = st.Search(ctx, SearchQuery{Start: testBucket + 1, End: testBucket + 10000})
			if len(found) != 2 {
				t.Errorf("expected 2 tasks in range, got %v", ids(found))
			}
		})
	}
}

func ids(list []tasks.Task) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.ID
	}
	return out
}

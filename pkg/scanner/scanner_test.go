package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

var day = time.Date(2023, 11, 15, 9, 30, 0, 0, time.UTC)

type recordingBus struct {
	mu     sync.Mutex
	got    []tasks.TaskMetadata
	failOn map[string]bool
}

func (b *recordingBus) PublishDispatch(_ context.Context, meta tasks.TaskMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn[meta.ID] {
		return errors.New("broker unavailable")
	}
	b.got = append(b.got, meta)
	return nil
}

func setupStore(t *testing.T) store.Store {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return store.NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
}

func fill(t *testing.T, st store.Store, n int, on time.Time) {
	t.Helper()
	base := tasks.BucketForDay(on)
	for i := 0; i < n; i++ {
		err := st.SaveMetadata(context.Background(), tasks.TaskMetadata{
			ID:          fmt.Sprintf("task-%05d", i),
			ScheduledAt: base + int64(i)*1000,
			Status:      tasks.StatusCreated,
		})
		if err != nil {
			t.Fatalf("SaveMetadata failed: %v", err)
		}
	}
}

func TestRunPagesThroughBucket(t *testing.T) {
	st := setupStore(t)
	fill(t, st, 1234, day)
	// Yesterday's and tomorrow's records stay untouched.
	st.SaveMetadata(context.Background(), tasks.TaskMetadata{ID: "yesterday", ScheduledAt: tasks.BucketForDay(day) - 1})
	st.SaveMetadata(context.Background(), tasks.TaskMetadata{ID: "tomorrow", ScheduledAt: tasks.BucketForDay(day) + tasks.DayMillis})

	bus := &recordingBus{}
	sc := New(st, bus, Config{PageSize: 500}, nil)

	sum, err := sc.Run(context.Background(), day)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if sum.BucketID != 1_700_006_400_000 {
		t.Errorf("unexpected bucket id %d", sum.BucketID)
	}
	if sum.Batches != 3 {
		t.Errorf("expected 3 batches, got %d", sum.Batches)
	}
	if sum.Published != 1234 || sum.Succeeded != 1234 || sum.Failed != 0 || sum.Flagged != 0 {
		t.Errorf("unexpected summary: %+v", sum)
	}

	seen := map[string]bool{}
	for _, m := range bus.got {
		if seen[m.ID] {
			t.Fatalf("%s published twice in one run", m.ID)
		}
		seen[m.ID] = true
	}
	if seen["yesterday"] || seen["tomorrow"] {
		t.Error("records from other buckets were published")
	}
}

func TestRunIsRepeatable(t *testing.T) {
	st := setupStore(t)
	fill(t, st, 20, day)
	bus := &recordingBus{}
	sc := New(st, bus, Config{PageSize: 7}, nil)

	first, err := sc.Run(context.Background(), day)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := sc.Run(context.Background(), day)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if first.Published != 20 || second.Published != 20 {
		t.Errorf("expected 20 published per run, got %d and %d", first.Published, second.Published)
	}
	for i := 0; i < 20; i++ {
		if bus.got[i].ID != bus.got[i+20].ID {
			t.Fatalf("re-scan published a different sequence at %d", i)
		}
	}
}

func TestRunFlagsMisfiledRecords(t *testing.T) {
	st := setupStore(t)
	bucket := tasks.BucketForDay(day)
	st.SaveMetadata(context.Background(), tasks.TaskMetadata{
		ID:          "misfiled",
		ScheduledAt: bucket + 3*tasks.DayMillis,
		BucketID:    &bucket,
	})
	fill(t, st, 2, day)

	bus := &recordingBus{}
	sum, err := New(st, bus, Config{}, nil).Run(context.Background(), day)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Flagged != 1 {
		t.Errorf("expected 1 flagged record, got %d", sum.Flagged)
	}
	if sum.Succeeded != 3 {
		t.Errorf("expected misfiled record still published, got %d succeeded", sum.Succeeded)
	}
}

func TestPublishFailuresDoNotAbort(t *testing.T) {
	st := setupStore(t)
	fill(t, st, 10, day)

	bus := &recordingBus{failOn: map[string]bool{"task-00003": true, "task-00007": true}}
	sum, err := New(st, bus, Config{PageSize: 4}, nil).Run(context.Background(), day)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Published != 10 || sum.Succeeded != 8 || sum.Failed != 2 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestRunSurvivesUndecodableRecord(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	fill(t, st, 10, day)
	mr.HSet(fmt.Sprintf("bucketmeta:%d", tasks.BucketForDay(day)), "task-00003", "{not json")

	bus := &recordingBus{}
	sum, err := New(st, bus, Config{PageSize: 4}, nil).Run(context.Background(), day)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Published != 10 || sum.Succeeded != 10 || sum.Flagged != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if len(bus.got) != 10 || bus.got[9].ID != "task-00009" {
		t.Errorf("records after the bad one were not published: %d", len(bus.got))
	}
}

type brokenStore struct {
	store.Store
}

func (brokenStore) ScanBucket(context.Context, int64, string, int) ([]tasks.TaskMetadata, string, error) {
	return nil, "", tasks.Transient("scan bucket", errors.New("connection refused"))
}

func TestStoreFailureAbortsRun(t *testing.T) {
	_, err := New(brokenStore{}, &recordingBus{}, Config{}, nil).Run(context.Background(), day)
	if !errors.Is(err, tasks.ErrTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestRunNowUsesCurrentDay(t *testing.T) {
	st := setupStore(t)
	fill(t, st, 3, day)
	sc := New(st, &recordingBus{}, Config{}, nil)
	sc.now = func() time.Time { return day.Add(10 * time.Hour) }

	sum, err := sc.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if sum.Published != 3 {
		t.Errorf("expected 3 published, got %d", sum.Published)
	}
}

func TestPublishRateLimit(t *testing.T) {
	st := setupStore(t)
	fill(t, st, 6, day)
	sc := New(st, &recordingBus{}, Config{PublishRate: 20}, nil)

	start := time.Now()
	if _, err := sc.Run(context.Background(), day); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Burst of 20 covers all six records without waiting.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("rate limited run took too long: %s", elapsed)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	sc := New(setupStore(t), &recordingBus{}, Config{Spec: "every day"}, nil)
	if err := sc.Start(context.Background()); err == nil {
		t.Error("expected invalid cron spec error")
	}

	ok := New(setupStore(t), &recordingBus{}, Config{}, nil)
	if err := ok.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ok.Stop()
}

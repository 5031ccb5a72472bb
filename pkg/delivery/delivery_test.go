package delivery

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func setup(t *testing.T) (*queue.Client, *store.RedisStore) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	bus := queue.NewClient(s.Addr(), 1)
	return bus, store.NewRedisStore(bus.Redis())
}

func seed(t *testing.T, st store.Store, id string, status tasks.Status) {
	t.Helper()
	if _, err := st.Save(context.Background(), tasks.Task{ID: id, Status: status, ScheduledAt: 1000}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func ids(list []tasks.TaskMetadata) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestDedupKeepsFirstOccurrence(t *testing.T) {
	in := []tasks.TaskMetadata{
		{ID: "a", ScheduledAt: 1},
		{ID: "b"},
		{ID: "a", ScheduledAt: 2},
		{ID: "c"},
		{ID: "b"},
	}
	out := Dedup(in)

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(ids(out), want) {
		t.Errorf("expected %v, got %v", want, ids(out))
	}
	if out[0].ScheduledAt != 1 {
		t.Errorf("expected first copy of a kept, got scheduledAt %d", out[0].ScheduledAt)
	}
	if len(Dedup(nil)) != 0 {
		t.Error("expected empty output for empty batch")
	}
}

func TestHandleBatch(t *testing.T) {
	bus, st := setup(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)

	seed(t, st, "a", tasks.StatusScheduled)
	seed(t, st, "b", tasks.StatusDelivered)
	seed(t, st, "d", tasks.StatusScheduled)

	stage := New(bus, st, Config{Concurrency: 2}, rec)
	res, err := stage.HandleBatch(ctx, []tasks.TaskMetadata{
		{ID: "a"}, {ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
	})
	if err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}

	want := Result{Received: 5, Unique: 4, Fetched: 3, Delivered: 2, Skipped: 1}
	if res != want {
		t.Errorf("expected %+v, got %+v", want, res)
	}

	for _, id := range []string{"a", "d"} {
		task, _ := st.Get(ctx, id)
		if task.Status != tasks.StatusDelivered {
			t.Errorf("expected %s DELIVERED, got %s", id, task.Status)
		}
	}

	msgs, _ := bus.Inspect(ctx, queue.DeliveredStream, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 delivered messages, got %d", len(msgs))
	}
	var delivered tasks.Task
	msgs[0].Decode(&delivered)
	if delivered.ID != msgs[0].Key {
		t.Errorf("message key %s does not match task %s", msgs[0].Key, delivered.ID)
	}

	if got := testutil.ToFloat64(rec.Counter(metrics.DeliveryDuplicates)); got != 1 {
		t.Errorf("expected 1 duplicate recorded, got %v", got)
	}
	if got := testutil.ToFloat64(rec.Counter(metrics.DeliveryTasks, "skipped")); got != 1 {
		t.Errorf("expected 1 skip recorded, got %v", got)
	}
}

func TestHandleBatchSkipsUndecodableRecord(t *testing.T) {
	bus, st := setup(t)
	ctx := context.Background()

	seed(t, st, "a", tasks.StatusScheduled)
	seed(t, st, "b", tasks.StatusScheduled)
	bus.Redis().HSet(ctx, "task:bad", "data", "{oops", "status", "SCHEDULED")

	res, err := New(bus, st, Config{}, nil).HandleBatch(ctx, []tasks.TaskMetadata{
		{ID: "a"}, {ID: "bad"}, {ID: "b"},
	})
	if err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}
	if res.Fetched != 2 || res.Delivered != 2 {
		t.Errorf("expected both readable tasks delivered, got %+v", res)
	}
	for _, id := range []string{"a", "b"} {
		task, _ := st.Get(ctx, id)
		if task.Status != tasks.StatusDelivered {
			t.Errorf("expected %s DELIVERED, got %s", id, task.Status)
		}
	}
}

// flakyStore fails status updates for one id.
type flakyStore struct {
	store.Store
	failID   string
	failBulk bool
}

func (f *flakyStore) CompareAndSetStatus(ctx context.Context, id string, from []tasks.Status, to tasks.Status, at int64) (tasks.Status, bool, error) {
	if id == f.failID {
		return "", false, tasks.Transient("compare and set status", errors.New("connection reset"))
	}
	return f.Store.CompareAndSetStatus(ctx, id, from, to, at)
}

func (f *flakyStore) GetBatch(ctx context.Context, ids []string) ([]tasks.Task, error) {
	if f.failBulk {
		return nil, tasks.Transient("get batch", errors.New("connection refused"))
	}
	return f.Store.GetBatch(ctx, ids)
}

func TestFailureIsolation(t *testing.T) {
	bus, st := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, st, id, tasks.StatusScheduled)
	}

	stage := New(bus, &flakyStore{Store: st, failID: "b"}, Config{}, nil)
	res, err := stage.HandleBatch(ctx, []tasks.TaskMetadata{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if err != nil {
		t.Fatalf("HandleBatch failed: %v", err)
	}
	if res.Delivered != 2 || res.Failed != 1 {
		t.Errorf("expected 2 delivered and 1 failed, got %+v", res)
	}

	for id, want := range map[string]tasks.Status{"a": tasks.StatusDelivered, "b": tasks.StatusScheduled, "c": tasks.StatusDelivered} {
		task, _ := st.Get(ctx, id)
		if task.Status != want {
			t.Errorf("%s: expected %s, got %s", id, want, task.Status)
		}
	}
}

func TestBulkFetchFailure(t *testing.T) {
	bus, st := setup(t)
	stage := New(bus, &flakyStore{Store: st, failBulk: true}, Config{}, nil)

	_, err := stage.HandleBatch(context.Background(), []tasks.TaskMetadata{{ID: "a"}})
	if !errors.Is(err, tasks.ErrTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestRunDeliversFromStream(t *testing.T) {
	bus, st := setup(t)
	seed(t, st, "t1", tasks.StatusScheduled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Publish(ctx, queue.ScheduledStream, "t1", tasks.TaskMetadata{ID: "t1", Status: tasks.StatusScheduled})
	bus.Publish(ctx, queue.ScheduledStream, "t1", tasks.TaskMetadata{ID: "t1", Status: tasks.StatusScheduled})

	stage := New(bus, st, Config{BatchSize: 10, BatchWait: 20 * time.Millisecond}, nil)
	done := make(chan struct{})
	go func() {
		stage.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := st.Get(ctx, "t1")
		if task.Status == tasks.StatusDelivered {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	task, _ := st.Get(context.Background(), "t1")
	if task.Status != tasks.StatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", task.Status)
	}
	if n := bus.Depths(context.Background())[queue.DeliveredStream]; n != 1 {
		t.Errorf("expected exactly one delivered message, got %d", n)
	}
}

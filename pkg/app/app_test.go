package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func setup(t *testing.T, mutate func(*config.Config)) *App {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestEnginesFollowOwnedPartitions(t *testing.T) {
	a := setup(t, func(c *config.Config) {
		c.Pipeline.Partitions = 4
		c.Pipeline.OwnedPartitions = []int{1, 3}
	})

	engines, err := a.Engines("w1")
	if err != nil {
		t.Fatalf("Engines failed: %v", err)
	}
	if len(engines) != 2 {
		t.Errorf("expected 2 engines, got %d", len(engines))
	}

	all := setup(t, nil)
	engines, _ = all.Engines("w1")
	if len(engines) != all.Config.Pipeline.Partitions {
		t.Errorf("expected an engine per partition, got %d", len(engines))
	}
}

func TestEnginesRejectBadPolicy(t *testing.T) {
	a := setup(t, func(c *config.Config) {
		c.Pipeline.Policy = "cron"
		c.Pipeline.PolicyCron = "not a schedule"
	})
	if _, err := a.Engines("w1"); err == nil {
		t.Fatal("expected invalid cron policy error")
	}
}

func TestRecordDepths(t *testing.T) {
	a := setup(t, nil)
	ctx := context.Background()
	a.Bus.Publish(ctx, queue.ScheduledStream, "t1", tasks.TaskMetadata{ID: "t1"})
	a.Bus.Publish(ctx, queue.ScheduledStream, "t2", tasks.TaskMetadata{ID: "t2"})

	a.RecordDepths(ctx)

	if got := testutil.ToFloat64(a.Metrics.Gauge(metrics.QueueDepth, queue.ScheduledStream)); got != 2 {
		t.Errorf("expected depth 2, got %v", got)
	}

	w := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "taskscheduler_queue_depth") {
		t.Error("expected queue depth in exposition")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv) }()
	cancel()

	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

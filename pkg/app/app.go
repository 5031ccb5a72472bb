// Package app wires the shared dependencies of the server and worker binaries
// from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/delivery"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/outcome"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/scanner"
	"github.com/guido-cesarano/taskscheduler/pkg/scheduler"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App holds the connections and collaborators built from a Config.
type App struct {
	Config   config.Config
	Bus      *queue.Client
	Store    store.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Prometheus
}

// New connects to Redis and opens the configured task store.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	bus := queue.New(rdb, cfg.Pipeline.Partitions)

	if err := bus.Ping(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	st, err := store.Open(ctx, cfg.Store, rdb)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &App{
		Config:   cfg,
		Bus:      bus,
		Store:    st,
		Registry: reg,
		Metrics:  metrics.NewPrometheus(reg),
	}, nil
}

// Close releases the store and the Redis connection.
func (a *App) Close() error {
	serr := a.Store.Close()
	if err := a.Bus.Close(); err != nil {
		return err
	}
	return serr
}

func (a *App) Scanner() *scanner.Scanner {
	p := a.Config.Pipeline
	return scanner.New(a.Store, a.Bus, scanner.Config{
		PageSize:       p.ScanPageSize,
		PageTimeout:    p.ScanPageTimeout,
		PublishTimeout: p.ScanPublishTimeout,
		PublishRate:    p.ScanPublishRate,
		Spec:           p.ScanCron,
	}, a.Metrics)
}

// Engines builds one scheduling engine per owned dispatch partition.
// consumer names the worker so that restarts re-read their own pending entries.
func (a *App) Engines(consumer string) ([]*scheduler.Engine, error) {
	p := a.Config.Pipeline
	policy, err := scheduler.PolicyFromConfig(p)
	if err != nil {
		return nil, err
	}

	var out []*scheduler.Engine
	for _, part := range p.Owned() {
		out = append(out, scheduler.New(a.Bus, a.Store, scheduler.NewRedisState(a.Bus.Redis(), part), scheduler.Config{
			Partition: part,
			Policy:    policy,
			Consumer:  consumer + "-engine-" + strconv.Itoa(part),
			BatchSize: p.BatchSize,
			BatchWait: p.BatchWait,
			ClaimIdle: p.ClaimIdle,
		}, a.Metrics))
	}
	return out, nil
}

func (a *App) Delivery(consumer string) *delivery.Stage {
	p := a.Config.Pipeline
	return delivery.New(a.Bus, a.Store, delivery.Config{
		Consumer:    consumer + "-delivery",
		BatchSize:   p.BatchSize,
		BatchWait:   p.BatchWait,
		ClaimIdle:   p.ClaimIdle,
		Concurrency: p.Concurrency,
	}, a.Metrics)
}

func (a *App) Outcome(consumer string) *outcome.Stage {
	p := a.Config.Pipeline
	return outcome.New(a.Bus, a.Store, outcome.Config{
		Consumer:  consumer + "-outcome",
		BatchSize: p.BatchSize,
		BatchWait: p.BatchWait,
		ClaimIdle: p.ClaimIdle,
	}, a.Metrics)
}

// CollectDepths periodically publishes bus depths to the queue_depth gauge.
func (a *App) CollectDepths(ctx context.Context) {
	interval := a.Config.Pipeline.DepthInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RecordDepths(ctx)
		}
	}
}

// RecordDepths takes one depth sample of every stream.
func (a *App) RecordDepths(ctx context.Context) {
	for stream, depth := range a.Bus.Depths(ctx) {
		a.Metrics.Set(metrics.QueueDepth, float64(depth), stream)
	}
}

// MetricsHandler serves the app's registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

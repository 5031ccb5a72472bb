// Package delivery turns scheduled-task notifications into delivered tasks.
//
// Each micro-batch from the scheduled bus is deduplicated by id, resolved
// with one bulk store read, and fanned out so that every task is published to
// the delivered bus and marked DELIVERED independently of the others.
package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes the stage.
type Config struct {
	Group       string
	Consumer    string
	BatchSize   int
	BatchWait   time.Duration
	ClaimIdle   time.Duration
	Concurrency int
}

// Stage is the delivery consumer.
type Stage struct {
	bus     *queue.Client
	store   store.Store
	metrics metrics.Recorder
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// Result summarizes one micro-batch.
type Result struct {
	Received  int
	Unique    int
	Fetched   int
	Delivered int
	Skipped   int
	Failed    int
}

func New(bus *queue.Client, st store.Store, cfg Config, rec metrics.Recorder) *Stage {
	if cfg.Group == "" {
		cfg.Group = "delivery"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "delivery-1"
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = cfg.BatchSize
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Stage{
		bus:     bus,
		store:   st,
		metrics: rec,
		cfg:     cfg,
		log:     logger.Component("delivery"),
		now:     time.Now,
	}
}

// Dedup removes repeated ids, keeping the first occurrence and the original order.
func Dedup(batch []tasks.TaskMetadata) []tasks.TaskMetadata {
	seen := make(map[string]struct{}, len(batch))
	out := make([]tasks.TaskMetadata, 0, len(batch))
	for _, m := range batch {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// HandleBatch processes one micro-batch. It returns an error only when the
// bulk read fails; per-task failures are logged and counted in the Result.
func (s *Stage) HandleBatch(ctx context.Context, batch []tasks.TaskMetadata) (Result, error) {
	start := time.Now()
	res := Result{Received: len(batch)}

	unique := Dedup(batch)
	res.Unique = len(unique)
	if removed := res.Received - res.Unique; removed > 0 {
		s.metrics.Add(metrics.DeliveryDuplicates, float64(removed))
	}
	s.log.Info().
		Int("unique", res.Unique).
		Int("duplicates", res.Received-res.Unique).
		Msg("Processing batch")

	ids := make([]string, len(unique))
	for i, m := range unique {
		ids[i] = m.ID
	}
	fetched, err := s.store.GetBatch(ctx, ids)
	if err != nil {
		return res, err
	}
	res.Fetched = len(fetched)
	if missing := res.Unique - res.Fetched; missing > 0 {
		s.log.Warn().Int("missing", missing).Msg("Scheduled ids without a task record")
	}

	var delivered, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, t := range fetched {
		t := t
		g.Go(func() error {
			switch err := s.deliver(ctx, t); {
			case err == nil:
				delivered.Add(1)
				s.metrics.Inc(metrics.DeliveryTasks, "delivered")
			case errors.Is(err, errSkipped):
				skipped.Add(1)
				s.metrics.Inc(metrics.DeliveryTasks, "skipped")
			default:
				failed.Add(1)
				s.metrics.Inc(metrics.DeliveryTasks, "failed")
				s.log.Error().Err(err).Str("task_id", t.ID).Msg("Delivery failed")
			}
			return nil
		})
	}
	g.Wait()

	res.Delivered = int(delivered.Load())
	res.Skipped = int(skipped.Load())
	res.Failed = int(failed.Load())
	s.metrics.Observe(metrics.DeliveryBatch, time.Since(start).Seconds())
	return res, nil
}

var errSkipped = errors.New("not in SCHEDULED state")

func (s *Stage) deliver(ctx context.Context, t tasks.Task) error {
	if t.Status != tasks.StatusScheduled {
		s.log.Info().Str("task_id", t.ID).Str("status", string(t.Status)).Msg("Skipping task not in SCHEDULED state")
		return errSkipped
	}

	if _, err := s.bus.Publish(ctx, queue.DeliveredStream, t.ID, t); err != nil {
		return err
	}

	prev, swapped, err := s.store.CompareAndSetStatus(ctx, t.ID,
		[]tasks.Status{tasks.StatusScheduled}, tasks.StatusDelivered, s.now().UnixMilli())
	if err != nil {
		return err
	}
	if !swapped {
		s.log.Warn().Str("task_id", t.ID).Str("status", string(prev)).Msg("Status changed during delivery; left as is")
		return nil
	}

	s.log.Debug().Str("task_id", t.ID).Msg("Task delivered")
	return nil
}

// Run consumes the scheduled bus until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) error {
	consumer, err := s.bus.NewConsumer(ctx, queue.ConsumerOptions{
		Stream: queue.ScheduledStream,
		Group:  s.cfg.Group,
		Name:   s.cfg.Consumer,
		Count:     s.cfg.BatchSize,
		Block:     s.cfg.BatchWait,
		ClaimIdle: s.cfg.ClaimIdle,
	})
	if err != nil {
		return err
	}

	s.log.Info().Int("batch_size", s.cfg.BatchSize).Dur("batch_wait", s.cfg.BatchWait).Msg("Delivery stage started")

	for ctx.Err() == nil {
		msgs, err := consumer.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error().Err(err).Msg("Failed to read scheduled batch")
			pause(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		batch := make([]tasks.TaskMetadata, 0, len(msgs))
		for _, m := range msgs {
			var meta tasks.TaskMetadata
			if err := m.Decode(&meta); err != nil || meta.ID == "" {
				s.log.Error().Err(err).Str("message_id", m.ID).Msg("Dropping undecodable scheduled message")
				continue
			}
			batch = append(batch, meta)
		}

		if _, err := s.HandleBatch(ctx, batch); err != nil {
			s.log.Error().Err(err).Int("size", len(batch)).Msg("Batch fetch failed; will retry")
			consumer.Rewind()
			pause(ctx, time.Second)
			continue
		}

		if err := consumer.Ack(ctx, msgs...); err != nil {
			s.log.Error().Err(err).Msg("Failed to ack scheduled batch")
			consumer.Rewind()
		}
	}

	s.log.Info().Msg("Delivery stage stopped")
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

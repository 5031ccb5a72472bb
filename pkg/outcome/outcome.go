// Package outcome applies execution reports from downstream executors to the
// task lifecycle: RUNNING, COMPLETED, or a failure that either schedules a
// retry or ends the task as FAILED.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/rs/zerolog"
)

// Report states.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// DefaultRetryDelay applies to tasks stored without a retry delay.
const DefaultRetryDelay = 5 * time.Second

// Report is an execution report published on the results bus.
type Report struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Validate checks the report shape.
func (r Report) Validate() error {
	if r.ID == "" {
		return &tasks.ValidationError{Field: "id", Reason: "required"}
	}
	switch r.State {
	case StateRunning, StateSucceeded, StateFailed:
		return nil
	}
	return &tasks.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", r.State)}
}

// in-flight states an executor may report on.
var active = []tasks.Status{tasks.StatusScheduled, tasks.StatusDelivered, tasks.StatusRunning}

type Config struct {
	Group     string
	Consumer  string
	BatchSize int
	BatchWait time.Duration
	ClaimIdle time.Duration
}

// Stage consumes the results bus.
type Stage struct {
	bus     *queue.Client
	store   store.Store
	metrics metrics.Recorder
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

func New(bus *queue.Client, st store.Store, cfg Config, rec metrics.Recorder) *Stage {
	if cfg.Group == "" {
		cfg.Group = "outcome"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "outcome-1"
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Stage{
		bus:     bus,
		store:   st,
		metrics: rec,
		cfg:     cfg,
		log:     logger.Component("outcome"),
		now:     time.Now,
	}
}

// Apply moves the task named by r along the lifecycle.
// Reports that do not fit the task's current state are logged and ignored.
func (s *Stage) Apply(ctx context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	log := s.log.With().Str("task_id", r.ID).Str("state", r.State).Logger()
	now := s.now().UnixMilli()

	switch r.State {
	case StateRunning:
		prev, ok, err := s.store.CompareAndSetStatus(ctx, r.ID,
			[]tasks.Status{tasks.StatusScheduled, tasks.StatusDelivered}, tasks.StatusRunning, now)
		if err != nil {
			return err
		}
		if !ok {
			log.Info().Str("status", string(prev)).Msg("Ignoring running report")
			return nil
		}

	case StateSucceeded:
		prev, ok, err := s.store.CompareAndSetStatus(ctx, r.ID,
			[]tasks.Status{tasks.StatusDelivered, tasks.StatusRunning}, tasks.StatusCompleted, now)
		if err != nil {
			return err
		}
		if !ok {
			log.Info().Str("status", string(prev)).Msg("Ignoring success report")
			return nil
		}
		t, err := s.store.Get(ctx, r.ID)
		if err != nil {
			return err
		}
		t.ExecutionResult = r.Result
		if _, _, err := s.store.CompareAndSave(ctx, t, []tasks.Status{tasks.StatusCompleted}); err != nil {
			return err
		}

	case StateFailed:
		applied, err := s.fail(ctx, log, r, now)
		if err != nil || !applied {
			return err
		}
	}

	s.metrics.Inc(metrics.OutcomeReports, r.State)
	log.Info().Msg("Report applied")
	return nil
}

// fail records one failed attempt. The record is written only while the task
// is still in flight, so a concurrent cancel or completion wins.
func (s *Stage) fail(ctx context.Context, log zerolog.Logger, r Report, now int64) (bool, error) {
	t, err := s.store.Get(ctx, r.ID)
	if err != nil {
		return false, err
	}
	if !containsStatus(active, t.Status) {
		log.Info().Str("status", string(t.Status)).Msg("Ignoring failure report")
		return false, nil
	}

	exhausted := t.RecordFailure(r.Error, now)
	prev, ok, err := s.store.CompareAndSave(ctx, t, active)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Info().Str("status", string(prev)).Msg("Task left flight before failure was recorded; ignoring")
		return false, nil
	}

	if errors.Is(exhausted, tasks.ErrRetryBudgetExhausted) {
		log.Warn().Int("retry_count", t.RetryCount).Msg("Retries exhausted; task failed")
		if _, err := s.bus.Publish(ctx, queue.FailedStream, t.ID, t); err != nil {
			log.Error().Err(err).Msg("Failed to publish failure notification")
		}
		return true, nil
	}

	delay := time.Duration(t.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	at := s.now().Add(delay)
	if err := s.bus.Delay(ctx, t.Metadata(), at); err != nil {
		return false, err
	}
	log.Info().
		Int("current_retries", t.CurrentRetries).
		Int("max_retries", t.MaxRetries).
		Time("retry_at", at).
		Msg("Retry scheduled")
	return true, nil
}

// Run consumes the results bus until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) error {
	consumer, err := s.bus.NewConsumer(ctx, queue.ConsumerOptions{
		Stream: queue.ResultsStream,
		Group:  s.cfg.Group,
		Name:   s.cfg.Consumer,
		Count:     s.cfg.BatchSize,
		Block:     s.cfg.BatchWait,
		ClaimIdle: s.cfg.ClaimIdle,
	})
	if err != nil {
		return err
	}

	s.log.Info().Msg("Outcome stage started")
	for ctx.Err() == nil {
		msgs, err := consumer.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error().Err(err).Msg("Failed to read results batch")
			pause(ctx, time.Second)
			continue
		}

		done := make([]queue.Message, 0, len(msgs))
		retry := false
		for _, m := range msgs {
			var r Report
			if err := m.Decode(&r); err != nil {
				s.log.Error().Err(err).Str("message_id", m.ID).Msg("Dropping undecodable report")
				done = append(done, m)
				continue
			}
			err := s.Apply(ctx, r)
			switch {
			case err == nil:
			case errors.Is(err, tasks.ErrNotFound), errors.Is(err, tasks.ErrValidation):
				s.log.Warn().Err(err).Str("task_id", r.ID).Msg("Dropping report")
			default:
				s.log.Error().Err(err).Str("task_id", r.ID).Msg("Failed to apply report; will retry")
				retry = true
				continue
			}
			done = append(done, m)
		}

		if err := consumer.Ack(ctx, done...); err != nil {
			s.log.Error().Err(err).Msg("Failed to ack results batch")
			retry = true
		}
		if retry {
			consumer.Rewind()
			pause(ctx, time.Second)
		}
	}

	s.log.Info().Msg("Outcome stage stopped")
	return nil
}

func containsStatus(list []tasks.Status, s tasks.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Package scheduler implements the scheduling engine: a keyed timer service
// that consumes one dispatch partition and decides when each task is due.
//
// Every key owned by the engine has at most one live timer. The authoritative
// next fire time of a key lives in a StateStore and is written before the
// in-memory timer is armed; a fire whose time no longer matches that state is
// stale and ignored. All key mutations run on the engine's single loop
// goroutine, so fires and re-arms of the same key never interleave.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/rs/zerolog"
)

type timerItem struct {
	at  int64  // fire time, epoch ms
	seq int64  // tie-breaker for equal fire times
	key string // task id
}

type timerHeap []timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at == h[j].at {
		return h[i].seq < h[j].seq
	}
	return h[i].at < h[j].at
}
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerItem)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Config configures one engine instance.
type Config struct {
	Partition int
	Policy    Policy
	Group     string
	Consumer  string
	BatchSize int
	BatchWait time.Duration
	ClaimIdle time.Duration
}

// Engine owns the timers of one dispatch partition.
type Engine struct {
	bus     *queue.Client
	store   store.Store
	state   StateStore
	policy  Policy
	metrics metrics.Recorder
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	pending timerHeap
	seq     int64
	// armed mirrors the durable state for keys this engine holds a timer for.
	armed map[string]int64
	// unsaved marks keys whose last re-arm could not be persisted.
	unsaved map[string]bool
	timer   *time.Timer
}

// New builds an engine. It does not start consuming until Run is called.
func New(bus *queue.Client, st store.Store, state StateStore, cfg Config, rec metrics.Recorder) *Engine {
	if cfg.Policy == nil {
		cfg.Policy = FixedOffset(60 * time.Second)
	}
	if cfg.Group == "" {
		cfg.Group = "scheduler"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "engine-" + strconv.Itoa(cfg.Partition)
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Engine{
		bus:     bus,
		store:   st,
		state:   state,
		policy:  cfg.Policy,
		metrics: rec,
		cfg:     cfg,
		log:     logger.Component("engine").With().Int("partition", cfg.Partition).Logger(),
		now:     time.Now,
		armed:   make(map[string]int64),
		unsaved: make(map[string]bool),
	}
}

type batch struct {
	msgs []queue.Message
	done chan bool
}

// Run restores persisted timers, then consumes the partition's dispatch
// stream and fires timers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	consumer, err := e.bus.NewConsumer(ctx, queue.ConsumerOptions{
		Stream: queue.DispatchStreamFor(e.cfg.Partition),
		Group:  e.cfg.Group,
		Name:   e.cfg.Consumer,
		Count:     e.cfg.BatchSize,
		Block:     e.cfg.BatchWait,
		ClaimIdle: e.cfg.ClaimIdle,
	})
	if err != nil {
		return err
	}

	if err := e.Restore(ctx); err != nil {
		return err
	}

	batches := make(chan batch)
	go e.read(ctx, consumer, batches)

	e.timer = time.NewTimer(time.Hour)
	e.timer.Stop()
	defer e.timer.Stop()

	e.log.Info().Int("restored", len(e.armed)).Msg("Engine started")

	for {
		var nextDeadline <-chan time.Time
		if len(e.pending) > 0 {
			d := time.Duration(e.pending[0].at-e.now().UnixMilli()) * time.Millisecond
			if d < 0 {
				d = 0
			}
			e.timer.Reset(d)
			nextDeadline = e.timer.C
		}

		select {
		case <-ctx.Done():
			e.log.Info().Msg("Engine stopped")
			return nil

		case b := <-batches:
			b.done <- e.HandleBatch(ctx, consumer, b.msgs)

		case <-nextDeadline:
			e.FireDue(ctx)
		}

		e.metrics.Set(metrics.EngineArmed, float64(len(e.armed)), strconv.Itoa(e.cfg.Partition))
	}
}

// read feeds micro-batches to the loop and waits for each to be handled,
// so the consumer is never touched from two goroutines.
func (e *Engine) read(ctx context.Context, consumer *queue.Consumer, out chan<- batch) {
	for ctx.Err() == nil {
		msgs, err := consumer.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Error().Err(err).Msg("Failed to read dispatch batch")
			sleep(ctx, time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		b := batch{msgs: msgs, done: make(chan bool, 1)}
		select {
		case out <- b:
		case <-ctx.Done():
			return
		}
		select {
		case ok := <-b.done:
			if !ok {
				consumer.Rewind()
				sleep(ctx, time.Second)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Restore arms a timer for every key found in durable state.
func (e *Engine) Restore(ctx context.Context) error {
	all, err := e.state.All(ctx)
	if err != nil {
		return err
	}
	for key, at := range all {
		e.push(key, at)
	}
	return nil
}

// HandleBatch processes dispatch messages and acknowledges those handled.
// It reports false when some message must be read again.
func (e *Engine) HandleBatch(ctx context.Context, consumer *queue.Consumer, msgs []queue.Message) bool {
	done := make([]queue.Message, 0, len(msgs))
	ok := true
	for _, m := range msgs {
		var meta tasks.TaskMetadata
		if err := m.Decode(&meta); err != nil || meta.ID == "" {
			e.log.Error().Err(err).Str("message_id", m.ID).Msg("Dropping undecodable dispatch message")
			done = append(done, m)
			continue
		}
		if err := e.Receive(ctx, meta); err != nil {
			e.log.Error().Err(err).Str("task_id", meta.ID).Msg("Failed to arm timer")
			ok = false
			continue
		}
		done = append(done, m)
	}

	if consumer != nil {
		if err := consumer.Ack(ctx, done...); err != nil {
			e.log.Error().Err(err).Msg("Failed to ack dispatch batch")
			return false
		}
	}
	return ok
}

// Receive handles one dispatch message: arm (or re-arm) the key's timer and
// forward the task to the scheduled bus. A CANCELLED message retires the key.
func (e *Engine) Receive(ctx context.Context, meta tasks.TaskMetadata) error {
	if meta.Status == tasks.StatusCancelled || meta.Status == tasks.StatusCompleted {
		return e.retire(ctx, meta.ID)
	}

	now := e.now()
	at := e.policy.First(meta, now).UnixMilli()
	if err := e.state.Put(ctx, meta.ID, at); err != nil {
		return err
	}
	e.push(meta.ID, at)
	delete(e.unsaved, meta.ID)

	if _, err := e.bus.Publish(ctx, queue.ScheduledStream, meta.ID, meta); err != nil {
		// The timer will emit on its next fire.
		e.log.Warn().Err(err).Str("task_id", meta.ID).Msg("Optimistic forward failed")
	} else {
		e.metrics.Inc(metrics.EngineForwarded)
	}

	e.log.Debug().Str("task_id", meta.ID).Time("next_fire", time.UnixMilli(at)).Msg("Timer armed")
	return nil
}

// FireDue pops and fires every timer whose time has come.
func (e *Engine) FireDue(ctx context.Context) {
	now := e.now().UnixMilli()
	for len(e.pending) > 0 && e.pending[0].at <= now {
		it := heap.Pop(&e.pending).(timerItem)
		e.Fire(ctx, it.key, it.at)
	}
}

// Fire handles the timer of key firing for time at.
func (e *Engine) Fire(ctx context.Context, key string, at int64) {
	if !e.current(ctx, key, at) {
		e.metrics.Inc(metrics.EngineFires, "stale")
		return
	}

	log := e.log.With().Str("task_id", key).Logger()
	fired := time.UnixMilli(at)

	prev, swapped, err := e.store.CompareAndSetStatus(ctx, key, tasks.Schedulable, tasks.StatusScheduled, e.now().UnixMilli())
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		log.Warn().Msg("Task record missing; retiring timer")
		e.retire(ctx, key)
		e.metrics.Inc(metrics.EngineFires, "retired")
		return

	case err != nil:
		log.Error().Err(err).Msg("Status check failed; re-arming")
		e.rearm(ctx, key, fired)
		e.metrics.Inc(metrics.EngineFires, "error")
		return

	case !swapped && (prev.Terminal() || prev == tasks.StatusFailed):
		log.Info().Str("status", string(prev)).Msg("Task finished; retiring timer")
		e.retire(ctx, key)
		e.metrics.Inc(metrics.EngineFires, "retired")
		return

	case !swapped:
		// DELIVERED or RUNNING: an executor owns it; keep watching without emitting.
		e.rearm(ctx, key, fired)
		e.metrics.Inc(metrics.EngineFires, "held")
		return
	}

	meta, err := e.metadata(ctx, key, at)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load task for emission")
	}
	if _, err := e.bus.Publish(ctx, queue.ScheduledStream, key, meta); err != nil {
		log.Error().Err(err).Msg("Failed to emit scheduled task")
		e.metrics.Inc(metrics.EngineFires, "error")
	} else {
		log.Info().Time("fired_at", fired).Msg("Task scheduled")
		e.metrics.Inc(metrics.EngineFires, "emitted")
	}
	e.rearm(ctx, key, fired)
}

// current reports whether at is still the key's authoritative fire time.
func (e *Engine) current(ctx context.Context, key string, at int64) bool {
	mem, armed := e.armed[key]
	if !armed || mem != at {
		return false
	}
	if e.unsaved[key] {
		return true
	}

	stored, ok, err := e.state.Get(ctx, key)
	if err != nil {
		e.log.Warn().Err(err).Str("task_id", key).Msg("Timer state unreadable; trusting memory")
		return true
	}
	return ok && stored == at
}

func (e *Engine) metadata(ctx context.Context, key string, at int64) (tasks.TaskMetadata, error) {
	meta := tasks.TaskMetadata{ID: key, ScheduledAt: at, Status: tasks.StatusScheduled}
	t, err := e.store.Get(ctx, key)
	if err != nil {
		return meta, err
	}
	meta.Tenant = t.Tenant
	return meta, nil
}

func (e *Engine) rearm(ctx context.Context, key string, fired time.Time) {
	at := e.policy.After(fired, e.now()).UnixMilli()
	if err := e.state.Put(ctx, key, at); err != nil {
		e.log.Error().Err(err).Str("task_id", key).Msg("Failed to persist re-arm")
		e.unsaved[key] = true
	} else {
		delete(e.unsaved, key)
	}
	e.push(key, at)
}

func (e *Engine) retire(ctx context.Context, key string) error {
	delete(e.armed, key)
	delete(e.unsaved, key)
	return e.state.Delete(ctx, key)
}

func (e *Engine) push(key string, at int64) {
	e.seq++
	e.armed[key] = at
	heap.Push(&e.pending, timerItem{at: at, seq: e.seq, key: key})
}

// Armed returns the number of keys holding a live timer.
func (e *Engine) Armed() int { return len(e.armed) }

// NextFire returns the armed fire time of key, if any.
func (e *Engine) NextFire(key string) (time.Time, bool) {
	at, ok := e.armed[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(at), true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

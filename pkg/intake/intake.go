// Package intake accepts task submissions and serves task lookups.
//
// A new task is always stored first. Tasks due within the horizon (30 days by
// default) are published straight to the dispatch bus; later ones are filed
// under their day bucket and wait for the daily scan.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/outcome"
	"github.com/guido-cesarano/taskscheduler/pkg/queue"
	"github.com/guido-cesarano/taskscheduler/pkg/scanner"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/rs/zerolog"
)

// Submission limits.
const (
	DefaultMaxRetries   = 3
	MaxMaxRetries       = 10
	DefaultRetryDelayMs = 5000
	MinRetryDelayMs     = 1000
	MaxRetryDelayMs     = 300_000
	maxNameLen          = 50

	DefaultHorizon = 30 * 24 * time.Hour
)

// Routes recorded for each accepted task.
const (
	RouteDispatch = "dispatch"
	RouteBucket   = "bucket"
)

// Request is a task submission.
type Request struct {
	ID          string            `json:"id,omitempty"`
	Tenant      string            `json:"tenant,omitempty"`
	Payload     string            `json:"payload,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	ScheduledAt int64             `json:"scheduledAt"`
	Priority    tasks.Priority    `json:"priority,omitempty"`
	CreatedBy   string            `json:"createdBy,omitempty"`
	AssignedTo  string            `json:"assignedTo,omitempty"`
	// MaxRetries defaults to 3 when absent; an explicit 0 disables retries.
	MaxRetries   *int  `json:"maxRetries,omitempty"`
	RetryDelayMs int64 `json:"retryDelayMs,omitempty"`
}

// Validate checks the request and fills in defaults.
func (r *Request) Validate() error {
	if r.ScheduledAt <= 0 {
		return &tasks.ValidationError{Field: "scheduledAt", Reason: "must be a positive epoch millisecond timestamp"}
	}

	if r.MaxRetries == nil {
		n := DefaultMaxRetries
		r.MaxRetries = &n
	}
	if *r.MaxRetries < 0 || *r.MaxRetries > MaxMaxRetries {
		return &tasks.ValidationError{Field: "maxRetries", Reason: fmt.Sprintf("must be between 0 and %d", MaxMaxRetries)}
	}

	if r.RetryDelayMs == 0 {
		r.RetryDelayMs = DefaultRetryDelayMs
	}
	if r.RetryDelayMs < MinRetryDelayMs || r.RetryDelayMs > MaxRetryDelayMs {
		return &tasks.ValidationError{Field: "retryDelayMs", Reason: fmt.Sprintf("must be between %d and %d", MinRetryDelayMs, MaxRetryDelayMs)}
	}

	if r.Priority == "" {
		r.Priority = tasks.PriorityMedium
	}
	if !r.Priority.Valid() {
		return &tasks.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", r.Priority)}
	}

	if len(r.CreatedBy) > maxNameLen {
		return &tasks.ValidationError{Field: "createdBy", Reason: fmt.Sprintf("must not exceed %d characters", maxNameLen)}
	}
	if len(r.AssignedTo) > maxNameLen {
		return &tasks.ValidationError{Field: "assignedTo", Reason: fmt.Sprintf("must not exceed %d characters", maxNameLen)}
	}
	return nil
}

// Scanner runs an immediate bucket scan.
type Scanner interface {
	RunNow(ctx context.Context) (scanner.Summary, error)
}

// Service is the intake and query surface of the pipeline.
type Service struct {
	store   store.Store
	bus     *queue.Client
	scanner Scanner
	metrics metrics.Recorder
	horizon time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// New builds a Service. sc may be nil when manual scans are not offered.
func New(st store.Store, bus *queue.Client, sc Scanner, horizon time.Duration, rec metrics.Recorder) *Service {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		store:   st,
		bus:     bus,
		scanner: sc,
		metrics: rec,
		horizon: horizon,
		log:     logger.Component("intake"),
		now:     time.Now,
	}
}

// Create validates, stores and routes a new task.
//
// A task whose dispatch publish fails is still stored and the error is
// returned. Resubmitting with the same id is allowed while the stored task is
// still CREATED; any later status makes it ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, req Request) (tasks.Task, error) {
	if err := req.Validate(); err != nil {
		return tasks.Task{}, err
	}

	now := s.now()
	t := tasks.Task{
		ID:           req.ID,
		Tenant:       req.Tenant,
		Payload:      req.Payload,
		Parameters:   req.Parameters,
		ScheduledAt:  req.ScheduledAt,
		Status:       tasks.StatusCreated,
		Priority:     req.Priority,
		CreatedBy:    req.CreatedBy,
		AssignedTo:   req.AssignedTo,
		CreatedAt:    now.UnixMilli(),
		UpdatedAt:    now.UnixMilli(),
		MaxRetries:   *req.MaxRetries,
		RetryDelayMs: req.RetryDelayMs,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	saved, err := s.save(ctx, t, req.ID != "")
	if err != nil {
		return tasks.Task{}, err
	}

	log := s.log.With().Str("task_id", saved.ID).Int64("scheduled_at", saved.ScheduledAt).Logger()

	if saved.ScheduledAt < now.Add(s.horizon).UnixMilli() {
		if err := s.bus.PublishDispatch(ctx, saved.Metadata()); err != nil {
			log.Error().Err(err).Msg("Task stored but dispatch publish failed")
			return saved, err
		}
		s.metrics.Inc(metrics.IntakeTasks, RouteDispatch)
		log.Info().Str("route", RouteDispatch).Msg("Task created")
		return saved, nil
	}

	meta := saved.Metadata().WithBucket()
	if err := s.store.SaveMetadata(ctx, meta); err != nil {
		log.Error().Err(err).Msg("Task stored but bucket filing failed")
		return saved, err
	}
	s.metrics.Inc(metrics.IntakeTasks, RouteBucket)
	log.Info().Str("route", RouteBucket).Int64("bucket_id", *meta.BucketID).Msg("Task created")
	return saved, nil
}

// save stores a new task. A caller-chosen id may only replace a record that
// is still CREATED.
func (s *Service) save(ctx context.Context, t tasks.Task, chosenID bool) (tasks.Task, error) {
	if !chosenID {
		return s.store.Save(ctx, t)
	}

	prev, err := s.store.Get(ctx, t.ID)
	if errors.Is(err, tasks.ErrNotFound) {
		return s.store.Save(ctx, t)
	}
	if err != nil {
		return tasks.Task{}, err
	}
	if prev.Status != tasks.StatusCreated {
		return tasks.Task{}, fmt.Errorf("%w: %s is %s", tasks.ErrAlreadyExists, t.ID, prev.Status)
	}

	t.CreatedAt = prev.CreatedAt
	status, ok, err := s.store.CompareAndSave(ctx, t, []tasks.Status{tasks.StatusCreated})
	if err != nil {
		return tasks.Task{}, err
	}
	if !ok {
		return tasks.Task{}, fmt.Errorf("%w: %s is %s", tasks.ErrAlreadyExists, t.ID, status)
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (tasks.Task, error) {
	return s.store.Get(ctx, id)
}

// ListSorted returns every task, latest scheduledAt first.
func (s *Service) ListSorted(ctx context.Context) ([]tasks.Task, error) {
	return s.store.List(ctx)
}

// Search returns tasks created in [start, end] matching the optional filters.
func (s *Service) Search(ctx context.Context, start, end time.Time, priority tasks.Priority, tenant string) ([]tasks.Task, error) {
	if end.Before(start) {
		return nil, &tasks.ValidationError{Field: "endDate", Reason: "must not precede startDate"}
	}
	if priority != "" && !priority.Valid() {
		return nil, &tasks.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", priority)}
	}
	return s.store.Search(ctx, store.SearchQuery{
		Start:    start.UnixMilli(),
		End:      end.UnixMilli(),
		Priority: priority,
		Tenant:   tenant,
	})
}

// Cancel moves a task to CANCELLED and tells its engine to stop firing it.
func (s *Service) Cancel(ctx context.Context, id string) error {
	now := s.now().UnixMilli()
	prev, ok, err := s.store.CompareAndSetStatus(ctx, id, tasks.Cancellable, tasks.StatusCancelled, now)
	if err != nil {
		return err
	}
	if !ok {
		if prev == tasks.StatusCancelled {
			return nil
		}
		return fmt.Errorf("cancel task %s in %s: %w", id, prev, tasks.ErrInvalidTransition)
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.bus.PublishDispatch(ctx, t.Metadata()); err != nil {
		// The engine still retires the key on its next fire, when it reads CANCELLED.
		s.log.Warn().Err(err).Str("task_id", id).Msg("Cancel notification not published")
	}
	s.log.Info().Str("task_id", id).Str("previous", string(prev)).Msg("Task cancelled")
	return nil
}

// ReportOutcome publishes an execution report for the outcome stage.
func (s *Service) ReportOutcome(ctx context.Context, r outcome.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, r.ID); err != nil {
		return err
	}
	_, err := s.bus.Publish(ctx, queue.ResultsStream, r.ID, r)
	return err
}

// ErrScanUnavailable is returned by TriggerScan when no scanner is configured.
var ErrScanUnavailable = errors.New("bucket scanner not configured")

// TriggerScan runs the daily bucket scan immediately.
func (s *Service) TriggerScan(ctx context.Context) (scanner.Summary, error) {
	if s.scanner == nil {
		return scanner.Summary{}, ErrScanUnavailable
	}
	s.log.Info().Msg("Manual bucket scan requested")
	return s.scanner.RunNow(ctx)
}

// Depths reports the length of every bus stream.
func (s *Service) Depths(ctx context.Context) map[string]int64 {
	return s.bus.Depths(ctx)
}

// Inspect peeks at the newest entries of one stream.
func (s *Service) Inspect(ctx context.Context, stream string, limit int64) ([]queue.Message, error) {
	return s.bus.Inspect(ctx, stream, limit)
}

// Ping checks the bus connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.bus.Ping(ctx)
}

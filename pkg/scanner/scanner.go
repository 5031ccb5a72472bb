// Package scanner promotes far-future tasks whose day has arrived.
//
// Once per day (and on demand) it pages through the current UTC day's bucket
// and republishes every record onto the dispatch bus, where the scheduling
// engine picks it up. Re-running a scan is safe: downstream dedup and status
// checks absorb repeated publications.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/logger"
	"github.com/guido-cesarano/taskscheduler/pkg/metrics"
	"github.com/guido-cesarano/taskscheduler/pkg/store"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Publisher sends metadata to the dispatch bus.
type Publisher interface {
	PublishDispatch(ctx context.Context, meta tasks.TaskMetadata) error
}

// Config tunes the scanner.
type Config struct {
	PageSize       int
	PageTimeout    time.Duration
	PublishTimeout time.Duration
	// PublishRate caps publishes per second; 0 disables pacing.
	PublishRate float64
	// Spec is the cron expression of the daily run (seconds field included).
	Spec string
}

// Summary reports one scan run.
type Summary struct {
	BucketID  int64         `json:"bucketId"`
	Batches   int           `json:"batches"`
	Published int           `json:"published"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Flagged   int           `json:"flagged"`
	Duration  time.Duration `json:"durationNs"`
}

// Scanner pages through a day's bucket and republishes its records.
type Scanner struct {
	store   store.Store
	bus     Publisher
	metrics metrics.Recorder
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time

	// mu serializes runs started by cron and by manual triggers.
	mu   sync.Mutex
	cron *cron.Cron
}

func New(st store.Store, bus Publisher, cfg Config, rec metrics.Recorder) *Scanner {
	if cfg.PageSize < 1 {
		cfg.PageSize = 500
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Spec == "" {
		cfg.Spec = "0 0 0 * * *"
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	s := &Scanner{
		store:   st,
		bus:     bus,
		metrics: rec,
		cfg:     cfg,
		log:     logger.Component("scanner"),
		now:     time.Now,
	}
	if cfg.PublishRate > 0 {
		burst := int(cfg.PublishRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return s
}

// RunNow scans the bucket of the current UTC day.
func (s *Scanner) RunNow(ctx context.Context) (Summary, error) {
	return s.Run(ctx, s.now())
}

// Run scans the bucket of the UTC day containing day.
//
// Per-record publish failures are counted and never stop the scan. A failed
// page read aborts the run with an error; the next invocation starts over.
func (s *Scanner) Run(ctx context.Context, day time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	sum := Summary{BucketID: tasks.BucketForDay(day)}
	log := s.log.With().Int64("bucket_id", sum.BucketID).Logger()
	log.Info().Msg("Bucket scan started")

	cursor := ""
	for {
		page, next, err := s.fetch(ctx, sum.BucketID, cursor)
		if err != nil {
			sum.Duration = time.Since(start)
			s.metrics.Inc(metrics.ScannerRuns, "failed")
			log.Error().Err(err).Str("cursor", cursor).Int("batches", sum.Batches).Msg("Bucket scan aborted")
			return sum, fmt.Errorf("scan bucket %d: %w", sum.BucketID, err)
		}
		if len(page) == 0 {
			break
		}
		sum.Batches++

		for _, meta := range page {
			if mismatched(meta, sum.BucketID) {
				sum.Flagged++
				s.metrics.Inc(metrics.ScannerFlagged)
				log.Warn().Err(tasks.ErrPartitionMismatch).
					Str("task_id", meta.ID).
					Int64("scheduled_at", meta.ScheduledAt).
					Msg("Record filed under the wrong bucket; publishing anyway")
			}

			sum.Published++
			if err := s.publish(ctx, meta); err != nil {
				sum.Failed++
				s.metrics.Inc(metrics.ScannerPublished, "failed")
				log.Error().Err(err).Str("task_id", meta.ID).Msg("Failed to publish bucket record")
				continue
			}
			sum.Succeeded++
			s.metrics.Inc(metrics.ScannerPublished, "succeeded")
		}

		if next == "" {
			break
		}
		cursor = next
	}

	sum.Duration = time.Since(start)
	s.metrics.Inc(metrics.ScannerRuns, "succeeded")
	s.metrics.Observe(metrics.ScannerDuration, sum.Duration.Seconds())
	log.Info().
		Int("batches", sum.Batches).
		Int("published", sum.Published).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("flagged", sum.Flagged).
		Dur("duration", sum.Duration).
		Msg("Bucket scan finished")
	return sum, nil
}

func (s *Scanner) fetch(ctx context.Context, bucketID int64, cursor string) ([]tasks.TaskMetadata, string, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
	defer cancel()
	return s.store.ScanBucket(pctx, bucketID, cursor, s.cfg.PageSize)
}

func (s *Scanner) publish(ctx context.Context, meta tasks.TaskMetadata) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	return s.bus.PublishDispatch(pctx, meta)
}

// mismatched reports whether a record does not belong to bucketID.
func mismatched(meta tasks.TaskMetadata, bucketID int64) bool {
	if meta.BucketID != nil && *meta.BucketID != bucketID {
		return true
	}
	return tasks.BucketID(meta.ScheduledAt) != bucketID
}

// Start registers the daily run and starts the cron scheduler.
// Runs execute in UTC so that the bucket boundary matches the day boundary.
func (s *Scanner) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	_, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if _, err := s.RunNow(ctx); err != nil {
			s.log.Error().Err(err).Msg("Scheduled bucket scan failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register scan %q: %w", s.cfg.Spec, err)
	}
	s.cron.Start()
	s.log.Info().Str("spec", s.cfg.Spec).Msg("Daily bucket scan registered")
	return nil
}

// Stop stops the cron scheduler and waits for a running scan to finish.
func (s *Scanner) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

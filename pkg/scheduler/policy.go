package scheduler

import (
	"fmt"
	"time"

	"github.com/guido-cesarano/taskscheduler/pkg/config"
	"github.com/guido-cesarano/taskscheduler/pkg/tasks"
	"github.com/robfig/cron/v3"
)

// Policy decides when a key's timer fires.
type Policy interface {
	// First returns the initial fire time for a task received at now.
	First(meta tasks.TaskMetadata, now time.Time) time.Time
	// After returns the re-arm time following a fire at fired.
	After(fired, now time.Time) time.Time
}

// FixedOffset arms every timer a constant interval after receipt and after each fire.
type FixedOffset time.Duration

func (f FixedOffset) First(_ tasks.TaskMetadata, now time.Time) time.Time {
	return now.Add(time.Duration(f))
}

func (f FixedOffset) After(fired, _ time.Time) time.Time {
	return fired.Add(time.Duration(f))
}

// AtScheduled fires at the task's scheduledAt (or immediately if it has
// passed) and re-arms every Interval afterwards.
type AtScheduled struct {
	Interval time.Duration
}

func (a AtScheduled) First(meta tasks.TaskMetadata, now time.Time) time.Time {
	at := time.UnixMilli(meta.ScheduledAt)
	if at.Before(now) {
		return now
	}
	return at
}

func (a AtScheduled) After(fired, _ time.Time) time.Time {
	return fired.Add(a.Interval)
}

// CronPolicy fires on a cron schedule shared by every key.
type CronPolicy struct {
	schedule cron.Schedule
}

// NewCronPolicy parses expr; a leading seconds field is optional.
func NewCronPolicy(expr string) (*CronPolicy, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron policy %q: %w", expr, err)
	}
	return &CronPolicy{schedule: sched}, nil
}

func (c *CronPolicy) First(_ tasks.TaskMetadata, now time.Time) time.Time {
	return c.schedule.Next(now)
}

func (c *CronPolicy) After(fired, now time.Time) time.Time {
	if fired.Before(now) {
		fired = now
	}
	return c.schedule.Next(fired)
}

// PolicyFromConfig builds the configured policy.
func PolicyFromConfig(p config.PipelineConfig) (Policy, error) {
	switch p.Policy {
	case "", "fixed":
		return FixedOffset(p.RearmInterval), nil
	case "scheduled":
		return AtScheduled{Interval: p.RearmInterval}, nil
	case "cron":
		return NewCronPolicy(p.PolicyCron)
	default:
		return nil, fmt.Errorf("unknown engine policy %q", p.Policy)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/taskd/internal/history"
	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/CZERTAINLY/taskd/internal/registry"
	"github.com/CZERTAINLY/taskd/internal/telemetry"
)

// Evictor periodically drops terminal tasks from the registry and prunes
// the history store.
type Evictor struct {
	reg        *registry.Registry
	history    history.Store
	keep       time.Duration
	maxTasks   int
	historyTTL time.Duration
	schedule   string
	now        func() time.Time
}

func NewEvictor(cfg model.Config, reg *registry.Registry, hist history.Store) (*Evictor, error) {
	keep, err := model.ParseDuration(cfg.Retention.Keep)
	if err != nil {
		return nil, fmt.Errorf("parsing retention.keep: %w", err)
	}
	return &Evictor{
		reg:        reg,
		history:    hist,
		keep:       keep,
		maxTasks:   cfg.Retention.MaxTasks,
		historyTTL: cfg.History.TTL,
		schedule:   cfg.Retention.Schedule,
		now:        time.Now,
	}, nil
}

// Sweep evicts once and returns the removed task IDs.
func (e *Evictor) Sweep(ctx context.Context) []string {
	now := e.now()
	evicted := e.reg.Evict(now.Add(-e.keep), e.maxTasks)
	if len(evicted) > 0 {
		telemetry.TasksEvicted.Add(float64(len(evicted)))
		slog.DebugContext(ctx, "evicted tasks", "count", len(evicted))
	}
	if e.history != nil && e.historyTTL > 0 {
		if _, err := e.history.Prune(ctx, now.Add(-e.historyTTL)); err != nil {
			slog.ErrorContext(ctx, "pruning history failed", "error", err)
		}
	}
	return evicted
}

// Do runs Sweep on the configured schedule until ctx is done.
func (e *Evictor) Do(ctx context.Context) error {
	scheduler, err := newScheduler(ctx, e.schedule, func() { e.Sweep(ctx) })
	if err != nil {
		return err
	}
	scheduler.Start()
	slog.DebugContext(ctx, "evictor started", "schedule", e.schedule, "keep", e.keep)

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}

func newScheduler(ctx context.Context, schedule string, sweep func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	if model.IsCron(schedule) {
		sched, err := model.ParseCron(schedule)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.schedule: %w", err)
		}
		job = gocron.CronJob(schedule, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", schedule, "next", sched.Next(time.Now()))
	} else {
		d, err := model.ParseDuration(schedule)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.schedule: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("retention.schedule must be positive")
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CZERTAINLY/taskd/internal/buffer"
	"github.com/CZERTAINLY/taskd/internal/catalog"
	"github.com/CZERTAINLY/taskd/internal/history"
	"github.com/CZERTAINLY/taskd/internal/log"
	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/CZERTAINLY/taskd/internal/registry"
	"github.com/CZERTAINLY/taskd/internal/telemetry"
)

const archiveTimeout = 5 * time.Second

type Dispatcher struct {
	cfg     model.Runner
	catalog *catalog.Catalog
	reg     *registry.Registry
	runner  *Runner
	history history.Store
	newID   func() string

	// parent of every task context, cancelled on Close
	ctx    context.Context
	cancel context.CancelCauseFunc

	mx     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithHistory archives every terminal task in s.
func WithHistory(s history.Store) Option {
	return func(d *Dispatcher) { d.history = s }
}

// WithIDs replaces the UUID generator of task IDs.
func WithIDs(newID func() string) Option {
	return func(d *Dispatcher) { d.newID = newID }
}

func NewDispatcher(cfg model.Runner, cat *catalog.Catalog, reg *registry.Registry, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancelCause(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		catalog: cat,
		reg:     reg,
		runner:  NewRunner(cfg.Grace),
		newID:   uuid.NewString,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates req, takes the lock of its resource and starts the task
// in the background. The returned snapshot is queued. Errors are
// model.ErrInvalidRequest, model.ErrResourceBusy or model.ErrShuttingDown;
// nothing is recorded for a rejected request.
func (d *Dispatcher) Submit(ctx context.Context, req model.Request) (model.Task, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "taskd.submit", trace.WithAttributes(
		attribute.String("task.type", req.Type),
		attribute.String("task.action", req.Action),
		attribute.String("task.target", req.Target),
	))
	defer span.End()

	d.mx.RLock()
	defer d.mx.RUnlock()
	if d.closed {
		telemetry.TasksRejected.WithLabelValues("shutting_down").Inc()
		return model.Task{}, model.ErrShuttingDown
	}

	op, err := d.catalog.Resolve(req)
	if err != nil {
		telemetry.TasksRejected.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, "invalid request")
		return model.Task{}, err
	}

	task, err := d.reg.Admit(model.Task{
		ID:          d.newID(),
		Type:        req.Type,
		Action:      req.Action,
		Target:      req.Target,
		PHPVersion:  req.PHPVersion,
		ResourceKey: op.ResourceKey,
	})
	if err != nil {
		telemetry.TasksRejected.WithLabelValues("busy").Inc()
		span.SetStatus(codes.Error, "resource busy")
		return model.Task{}, err
	}
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.resource_key", task.ResourceKey),
	)
	telemetry.TasksSubmitted.WithLabelValues(task.Type, task.Action).Inc()
	slog.InfoContext(ctx, "task submitted",
		"task_id", task.ID,
		"type", task.Type,
		"action", task.Action,
		"resource_key", task.ResourceKey,
	)

	cmd := d.command(op)
	link := trace.LinkFromContext(ctx)
	d.wg.Go(func() {
		d.run(task, cmd, link)
	})
	return task, nil
}

func (d *Dispatcher) command(op catalog.Operation) Command {
	timeout := op.Timeout
	if timeout == 0 {
		timeout = d.cfg.Timeout
	}
	// exec keeps the last value of duplicate keys, so catalog extras win
	env := append(Environ(d.cfg), op.Env...)
	return Command{
		Path:    op.Path,
		Args:    op.Args,
		Env:     env,
		Timeout: timeout,
	}
}

// run executes one task; it owns the task between queued and terminal.
func (d *Dispatcher) run(task model.Task, cmd Command, link trace.Link) {
	ctx := log.ContextAttrs(d.ctx,
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.String("action", task.Action),
		slog.String("resource_key", task.ResourceKey),
	)
	ctx, span := telemetry.Tracer().Start(ctx, "taskd.task",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
			attribute.String("task.action", task.Action),
		),
	)
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	running, ok := d.reg.Start(task.ID, cancel)
	if !ok {
		slog.DebugContext(ctx, "task left queue before start")
		return
	}
	out, err := d.reg.Buffer(task.ID)
	if err != nil {
		slog.ErrorContext(ctx, "task disappeared after start", "error", err)
		return
	}

	slog.InfoContext(ctx, "task started", "path", cmd.Path, "args", cmd.Args)
	telemetry.TasksRunning.WithLabelValues(task.Type).Inc()
	res := d.runner.Run(ctx, cmd, out)
	telemetry.TasksRunning.WithLabelValues(task.Type).Dec()
	slog.DebugContext(ctx, "process exited",
		"exit_code", res.ExitCode,
		"duration", res.Stopped.Sub(res.Started).String(),
	)

	done, ok := d.reg.Finish(running.ID, outcome(res, cmd.Timeout))
	if !ok {
		slog.ErrorContext(ctx, "task was not running at completion")
		return
	}
	if done.State != model.StateSucceeded {
		span.SetStatus(codes.Error, string(done.Reason))
	}
	d.finished(ctx, done, out)
}

// outcome maps the process result to the terminal state of its task.
func outcome(res Result, timeout time.Duration) registry.Outcome {
	var launchErr *LaunchError
	var exitErr *exec.ExitError
	switch {
	case res.Err == nil:
		code := res.ExitCode
		return registry.Outcome{State: model.StateSucceeded, ExitCode: &code}
	case errors.As(res.Err, &launchErr):
		return registry.Outcome{State: model.StateFailed, Reason: model.ReasonLaunch, Error: res.Err.Error()}
	case errors.Is(res.Err, ErrTimeout):
		return registry.Outcome{
			State:  model.StateFailed,
			Reason: model.ReasonTimeout,
			Error:  fmt.Sprintf("timeout: killed after %s", timeout),
		}
	case errors.Is(res.Err, ErrCancelled):
		return registry.Outcome{State: model.StateCancelled, Reason: model.ReasonCancelled}
	case errors.Is(res.Err, ErrShutdown):
		return registry.Outcome{State: model.StateCancelled, Reason: model.ReasonShutdown}
	case errors.As(res.Err, &exitErr) && res.ExitCode >= 0:
		code := res.ExitCode
		return registry.Outcome{State: model.StateFailed, Reason: model.ReasonExit, ExitCode: &code, Error: res.Err.Error()}
	default:
		// killed by a foreign signal or output pipes never closed
		return registry.Outcome{State: model.StateFailed, Reason: model.ReasonExit, Error: res.Err.Error()}
	}
}

// finished reports a terminal task to telemetry and the history store.
func (d *Dispatcher) finished(ctx context.Context, task model.Task, out *buffer.Buffer) {
	telemetry.TasksFinished.WithLabelValues(task.Type, string(task.State), string(task.Reason)).Inc()
	if task.StartedAt != nil && task.FinishedAt != nil {
		telemetry.TaskDurationSeconds.WithLabelValues(task.Type).Observe(task.FinishedAt.Sub(*task.StartedAt).Seconds())
	}

	attrs := []any{"task_id", task.ID, "state", task.State}
	if task.Reason != "" {
		attrs = append(attrs, "reason", task.Reason)
	}
	if task.ExitCode != nil {
		attrs = append(attrs, "exit_code", *task.ExitCode)
	}
	if task.Error != "" {
		attrs = append(attrs, "error", task.Error)
	}
	slog.InfoContext(ctx, "task finished", attrs...)

	if d.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := d.history.Save(ctx, task, out.Bytes()); err != nil {
		slog.ErrorContext(ctx, "archiving task failed", "task_id", task.ID, "error", err)
	}
}

// Cancel stops a task. A queued task is cancelled immediately; a running
// one is signalled and becomes cancelled once its process exited. Returns
// model.ErrNotFound or model.ErrAlreadyTerminal.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	return d.cancelTask(ctx, id, model.ReasonCancelled, ErrCancelled)
}

func (d *Dispatcher) cancelTask(ctx context.Context, id string, reason model.Reason, cause error) error {
	task, err := d.reg.Cancel(id, reason, cause)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "task cancel requested", "task_id", id, "state", task.State)
	if task.State == model.StateCancelled {
		out, err := d.reg.Buffer(id)
		if err == nil {
			d.finished(ctx, task, out)
		}
	}
	return nil
}

func (d *Dispatcher) Status(id string) (model.Task, error) {
	return d.reg.Get(id)
}

func (d *Dispatcher) Output(id string, since int64) (buffer.Slice, error) {
	return d.reg.Output(id, since)
}

func (d *Dispatcher) Buffer(id string) (*buffer.Buffer, error) {
	return d.reg.Buffer(id)
}

func (d *Dispatcher) List(f model.Filter) []model.Task {
	return d.reg.List(f)
}

func (d *Dispatcher) Summary(f model.Filter) model.Summary {
	return d.reg.Summary(f)
}

func (d *Dispatcher) Operations() []catalog.Entry {
	return d.catalog.Operations()
}

// History returns an archived task. Without a history store every ID is
// unknown.
func (d *Dispatcher) History(ctx context.Context, id string) (history.Record, error) {
	if d.history == nil {
		return history.Record{}, &model.TaskNotFoundError{TaskID: id}
	}
	return d.history.Get(ctx, id)
}

// Close refuses new submissions, cancels every queued and running task and
// waits until all processes are gone or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()
		return nil
	}
	d.closed = true
	d.mx.Unlock()

	active := d.reg.Active()
	slog.InfoContext(ctx, "shutting down dispatcher", "active_tasks", len(active))
	for _, id := range active {
		err := d.cancelTask(ctx, id, model.ReasonShutdown, ErrShutdown)
		if err != nil && !errors.Is(err, model.ErrAlreadyTerminal) {
			slog.WarnContext(ctx, "cancelling task on shutdown", "task_id", id, "error", err)
		}
	}
	d.cancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

// Package registry is the authoritative in-memory store of tasks.
//
// The task map and the resource lock table live behind one mutex. Admission
// (lock check + record creation) and completion (terminal state + lock
// release) are single critical sections, so there is no window in which a
// resource looks free while a task targeting it is queued or running.
//
// State is process-lifetime only; it is reset on restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/taskd/internal/buffer"
	"github.com/CZERTAINLY/taskd/internal/model"
)

type record struct {
	task   model.Task
	out    *buffer.Buffer
	cancel context.CancelCauseFunc
}

func (r *record) snapshot() model.Task {
	t := r.task
	t.OutputBytes = r.out.Len()
	return t
}

// Outcome is what the runner reports when a task's process is gone.
type Outcome struct {
	State    model.State
	Reason   model.Reason
	ExitCode *int
	Error    string
}

type Registry struct {
	mx    sync.RWMutex
	tasks map[string]*record
	order []string // insertion order for stable listing and eviction
	locks locks
	now   func() time.Time
}

type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		tasks: make(map[string]*record),
		locks: make(locks),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit stores t as a queued task if its resource key is free. The returned
// snapshot has State and CreatedAt filled in. A rejected task leaves no
// trace in the registry.
func (r *Registry) Admit(t model.Task) (model.Task, error) {
	if t.ID == "" || t.ResourceKey == "" {
		return model.Task{}, errors.New("task id and resource key are required")
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return model.Task{}, fmt.Errorf("duplicate task id %s", t.ID)
	}
	if holder, ok := r.locks.acquire(t.ResourceKey, t.ID); !ok {
		return model.Task{}, &model.ResourceBusyError{ResourceKey: t.ResourceKey, TaskID: holder}
	}

	t.State = model.StateQueued
	t.CreatedAt = r.now()
	t.StartedAt, t.FinishedAt, t.ExitCode = nil, nil, nil
	t.Reason, t.Error, t.CancelRequested = "", "", false

	rec := &record{task: t, out: buffer.New()}
	r.tasks[t.ID] = rec
	r.order = append(r.order, t.ID)
	return rec.snapshot(), nil
}

// Start moves a queued task to running and remembers how to cancel it.
// It returns false if the task is unknown or no longer queued (for example
// cancelled before its goroutine got here); the caller must not launch it.
func (r *Registry) Start(id string, cancel context.CancelCauseFunc) (model.Task, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	rec, ok := r.tasks[id]
	if !ok || rec.task.State != model.StateQueued {
		return model.Task{}, false
	}
	now := r.now()
	if now.Before(rec.task.CreatedAt) {
		now = rec.task.CreatedAt
	}
	rec.task.State = model.StateRunning
	rec.task.StartedAt = &now
	rec.cancel = cancel
	return rec.snapshot(), true
}

// Finish records the terminal outcome of a running task, closes its output
// and releases its resource key. Only a running task can be finished; a
// second call is ignored and returns false.
func (r *Registry) Finish(id string, o Outcome) (model.Task, bool) {
	if !o.State.IsTerminal() {
		return model.Task{}, false
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	rec, ok := r.tasks[id]
	if !ok || rec.task.State != model.StateRunning {
		return model.Task{}, false
	}
	now := r.now()
	if now.Before(*rec.task.StartedAt) {
		now = *rec.task.StartedAt
	}
	rec.task.State = o.State
	rec.task.Reason = o.Reason
	rec.task.ExitCode = o.ExitCode
	if o.State == model.StateFailed {
		rec.task.Error = o.Error
	}
	rec.task.FinishedAt = &now
	rec.task.CancelRequested = false
	r.closeLocked(rec)
	return rec.snapshot(), true
}

// Cancel requests termination of a task. A queued task is cancelled at once.
// For a running task the stored cancel function is called with cause; the
// state changes only when the runner reports the process has exited.
// Terminal tasks are left untouched and model.ErrAlreadyTerminal is returned.
func (r *Registry) Cancel(id string, reason model.Reason, cause error) (model.Task, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return model.Task{}, &model.TaskNotFoundError{TaskID: id}
	}
	switch rec.task.State {
	case model.StateQueued:
		now := r.now()
		if now.Before(rec.task.CreatedAt) {
			now = rec.task.CreatedAt
		}
		rec.task.State = model.StateCancelled
		rec.task.Reason = reason
		rec.task.FinishedAt = &now
		r.closeLocked(rec)
	case model.StateRunning:
		if !rec.task.CancelRequested {
			rec.task.CancelRequested = true
			if rec.cancel != nil {
				rec.cancel(cause)
			}
		}
	default:
		return rec.snapshot(), model.ErrAlreadyTerminal
	}
	return rec.snapshot(), nil
}

// closeLocked finalizes the output and drops the lock. Must hold r.mx.
func (r *Registry) closeLocked(rec *record) {
	rec.out.Close()
	rec.cancel = nil
	r.locks.release(rec.task.ResourceKey, rec.task.ID)
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (model.Task, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	rec, ok := r.tasks[id]
	if !ok {
		return model.Task{}, &model.TaskNotFoundError{TaskID: id}
	}
	return rec.snapshot(), nil
}

// Output reads the task's log after offset since.
func (r *Registry) Output(id string, since int64) (buffer.Slice, error) {
	out, err := r.Buffer(id)
	if err != nil {
		return buffer.Slice{}, err
	}
	return out.Since(since), nil
}

// Buffer returns the task's output buffer, for streaming.
func (r *Registry) Buffer(id string) (*buffer.Buffer, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	rec, ok := r.tasks[id]
	if !ok {
		return nil, &model.TaskNotFoundError{TaskID: id}
	}
	return rec.out, nil
}

// List returns snapshots of the tasks matching f, oldest first.
func (r *Registry) List(f model.Filter) []model.Task {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var ret []model.Task
	for _, id := range r.order {
		t := r.tasks[id].snapshot()
		if f.Match(t) {
			ret = append(ret, t)
		}
	}
	return ret
}

// Summary counts the tasks matching f by state.
func (r *Registry) Summary(f model.Filter) model.Summary {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var s model.Summary
	for _, id := range r.order {
		t := r.tasks[id].task
		if f.Match(t) {
			s.Add(t.State)
		}
	}
	return s
}

// Active returns the IDs of all queued and running tasks.
func (r *Registry) Active() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var ret []string
	for _, id := range r.order {
		if !r.tasks[id].task.State.IsTerminal() {
			ret = append(ret, id)
		}
	}
	return ret
}

// Holder returns the task holding a resource key.
func (r *Registry) Holder(key string) (string, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	id, ok := r.locks[key]
	return id, ok
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.tasks)
}

// Evict removes terminal tasks which finished before cutoff. If maxTasks is
// positive, the oldest terminal tasks are removed as well until at most
// maxTasks records remain. Queued and running tasks are never evicted.
// It returns the removed IDs.
func (r *Registry) Evict(cutoff time.Time, maxTasks int) []string {
	r.mx.Lock()
	defer r.mx.Unlock()

	excess := 0
	if maxTasks > 0 && len(r.tasks) > maxTasks {
		excess = len(r.tasks) - maxTasks
	}

	var evicted []string
	r.order = slices.DeleteFunc(r.order, func(id string) bool {
		t := r.tasks[id].task
		if !t.State.IsTerminal() {
			return false
		}
		if t.FinishedAt.Before(cutoff) || len(evicted) < excess {
			evicted = append(evicted, id)
			delete(r.tasks, id)
			return true
		}
		return false
	})
	return evicted
}

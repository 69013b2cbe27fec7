package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStateIsTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []model.State{model.StateSucceeded, model.StateFailed, model.StateCancelled} {
		require.True(t, s.IsTerminal(), s)
	}
	for _, s := range []model.State{model.StateQueued, model.StateRunning} {
		require.False(t, s.IsTerminal(), s)
	}
}

func TestTaskElapsed(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	finished := started.Add(time.Minute)
	now := finished.Add(time.Hour)

	queued := model.Task{CreatedAt: created}
	require.Equal(t, now.Sub(created), queued.Elapsed(now))

	running := model.Task{CreatedAt: created, StartedAt: &started}
	require.Equal(t, now.Sub(started), running.Elapsed(now))

	done := model.Task{CreatedAt: created, StartedAt: &started, FinishedAt: &finished}
	require.Equal(t, time.Minute, done.Elapsed(now))

	cancelledWhileQueued := model.Task{CreatedAt: created, FinishedAt: &finished}
	require.Zero(t, cancelledWhileQueued.Elapsed(now))
}

func TestSummaryAndFilter(t *testing.T) {
	t.Parallel()
	tasks := []model.Task{
		{Type: "php", State: model.StateRunning},
		{Type: "php", State: model.StateFailed},
		{Type: "nodejs", State: model.StateQueued},
	}
	var s model.Summary
	f := model.Filter{Type: "php"}
	for _, task := range tasks {
		if f.Match(task) {
			s.Add(task.State)
		}
	}
	require.Equal(t, model.Summary{Total: 2, Running: 1, Failed: 1}, s)
	require.True(t, model.Filter{}.Match(tasks[2]))
	require.False(t, model.Filter{State: model.StateRunning}.Match(tasks[2]))
}

func TestErrors(t *testing.T) {
	t.Parallel()
	busy := &model.ResourceBusyError{ResourceKey: "php:8.2", TaskID: "abc"}
	require.ErrorIs(t, busy, model.ErrResourceBusy)
	require.Contains(t, busy.Error(), "php:8.2")
	require.Contains(t, busy.Error(), "abc")

	invalid := &model.InvalidRequestError{Field: "action", Value: "explode", Reason: "unknown action"}
	require.ErrorIs(t, invalid, model.ErrInvalidRequest)
	require.EqualError(t, invalid, `invalid action "explode": unknown action`)

	var notFound error = &model.TaskNotFoundError{TaskID: "xyz"}
	require.ErrorIs(t, notFound, model.ErrNotFound)
	require.False(t, errors.Is(notFound, model.ErrAlreadyTerminal))
}

package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/taskd/internal/history"
	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/stretchr/testify/require"
)

func terminalTask(id string, finished time.Time) model.Task {
	started := finished.Add(-time.Second)
	code := 1
	return model.Task{
		ID:          id,
		Type:        "software",
		Action:      "install",
		Target:      "wp-cli",
		ResourceKey: "software:wp-cli",
		State:       model.StateFailed,
		Reason:      model.ReasonExit,
		CreatedAt:   started.Add(-time.Millisecond),
		StartedAt:   &started,
		FinishedAt:  &finished,
		ExitCode:    &code,
		Error:       "exit status 1",
		OutputBytes: 12,
	}
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store, err := history.OpenSQLite(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	task := terminalTask("task-1", now)

	t.Run("round trip", func(t *testing.T) {
		err := store.Save(ctx, task, []byte("E: no package"))
		require.NoError(t, err)

		rec, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, []byte("E: no package"), rec.Output)
		require.Equal(t, task.ID, rec.Task.ID)
		require.Equal(t, model.StateFailed, rec.Task.State)
		require.Equal(t, 1, *rec.Task.ExitCode)
		require.True(t, task.FinishedAt.Equal(*rec.Task.FinishedAt))
	})

	t.Run("save replaces", func(t *testing.T) {
		err := store.Save(ctx, task, []byte("again"))
		require.NoError(t, err)
		rec, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, []byte("again"), rec.Output)
	})

	t.Run("not terminal", func(t *testing.T) {
		running := task
		running.ID = "task-2"
		running.State = model.StateRunning
		running.FinishedAt = nil
		require.Error(t, store.Save(ctx, running, nil))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("prune", func(t *testing.T) {
		old := terminalTask("task-old", now.Add(-48*time.Hour))
		require.NoError(t, store.Save(ctx, old, nil))

		n, err := store.Prune(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		_, err = store.Get(ctx, old.ID)
		require.ErrorIs(t, err, model.ErrNotFound)
		_, err = store.Get(ctx, task.ID)
		require.NoError(t, err)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	store, err := history.Open(t.Context(), model.History{})
	require.NoError(t, err)
	require.Nil(t, store)

	store, err = history.Open(t.Context(), model.History{SQLite: ":memory:"})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())
}

package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/CZERTAINLY/taskd/internal/registry"
	"github.com/CZERTAINLY/taskd/internal/service"
	"github.com/stretchr/testify/require"
)

// finishedRegistry returns a registry with n succeeded tasks which finished
// two hours ago, and one running task.
func finishedRegistry(t *testing.T, n int) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.WithClock(func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}))
	for i := range n {
		id := string(rune('a' + i))
		_, err := reg.Admit(model.Task{ID: id, Type: "software", ResourceKey: "software:" + id})
		require.NoError(t, err)
		_, ok := reg.Start(id, nil)
		require.True(t, ok)
		_, ok = reg.Finish(id, registry.Outcome{State: model.StateSucceeded})
		require.True(t, ok)
	}
	_, err := reg.Admit(model.Task{ID: "running", Type: "software", ResourceKey: "software:running"})
	require.NoError(t, err)
	_, ok := reg.Start("running", nil)
	require.True(t, ok)
	return reg
}

func TestEvictorSweep(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		keep     string
		maxTasks int
		then     int
	}{
		{"expired", "1h", 0, 1},
		{"kept", "1d", 0, 4},
		{"bounded", "1d", 2, 2},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			reg := finishedRegistry(t, 3)
			cfg := model.DefaultConfig()
			cfg.Retention.Keep = tc.keep
			cfg.Retention.MaxTasks = tc.maxTasks
			ev, err := service.NewEvictor(cfg, reg, nil)
			require.NoError(t, err)

			ev.Sweep(t.Context())
			require.Equal(t, tc.then, reg.Len())
			_, err = reg.Get("running")
			require.NoError(t, err, "running task is never evicted")
		})
	}
}

func TestEvictorDo(t *testing.T) {
	t.Parallel()
	reg := finishedRegistry(t, 2)
	cfg := model.DefaultConfig()
	cfg.Retention.Schedule = "20ms"
	ev, err := service.NewEvictor(cfg, reg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := ev.Do(ctx)
		require.NoError(t, err)
	})
	require.Eventually(t, func() bool {
		return reg.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}

func TestEvictorBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.Retention.Schedule = "* * 32 * *"
	ev, err := service.NewEvictor(cfg, registry.New(), nil)
	require.NoError(t, err)
	require.Error(t, ev.Do(t.Context()))

	cfg.Retention.Keep = "forever"
	_, err = service.NewEvictor(cfg, registry.New(), nil)
	require.Error(t, err)
}

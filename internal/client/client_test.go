package client_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/taskd/internal/api"
	"github.com/CZERTAINLY/taskd/internal/catalog"
	"github.com/CZERTAINLY/taskd/internal/client"
	"github.com/CZERTAINLY/taskd/internal/model"
	"github.com/CZERTAINLY/taskd/internal/registry"
	"github.com/CZERTAINLY/taskd/internal/service"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	cat, err := catalog.Parse(fmt.Appendf(nil, `
types:
  nodejs:
    target: '[0-9]+'
    resource_key: 'nodejs:global'
    actions:
      install: {path: %[1]s, args: [-c, 'echo node {target}; echo done']}
      uninstall: {path: %[1]s, args: [-c, 'sleep 30']}
      upgrade: {path: %[1]s, args: [-c, 'printf ''caf\303''; sleep 0.1; printf ''\251 {target}\n''']}
`, sh))
	require.NoError(t, err)

	d := service.NewDispatcher(model.DefaultConfig().Runner, cat, registry.New())
	srv := httptest.NewServer(api.NewRouter(d, slog.New(slog.DiscardHandler)))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		require.NoError(t, d.Close(ctx))
	})

	c, err := client.New(srv.URL)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		ok       bool
	}{
		{"host and port", "http://127.0.0.1:8085", true},
		{"trailing slash", "http://localhost:8085/", true},
		{"no scheme", "localhost:8085/api", false},
		{"with path", "http://localhost:8085/api", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := client.New(tc.given)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestClient(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	ctx := t.Context()

	task, err := c.Submit(ctx, model.Request{Type: "nodejs", Action: "install", Target: "22"})
	require.NoError(t, err)
	require.Equal(t, "nodejs:global", task.ResourceKey)

	var sb strings.Builder
	done, err := c.Tail(ctx, task.ID, &sb, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "node 22\ndone\n", sb.String())
	require.Equal(t, model.StateSucceeded, done.State)

	list, err := c.List(ctx, model.Filter{Type: "nodejs"})
	require.NoError(t, err)
	require.Equal(t, 1, list.Summary.Succeeded)

	_, err = c.Submit(ctx, model.Request{Type: "nodejs", Action: "install", Target: "lts"})
	require.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = c.Status(ctx, "nope")
	require.ErrorIs(t, err, model.ErrNotFound)

	status, err := c.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "already_terminal", status)

	// é is split between two writes
	upgrade, err := c.Submit(ctx, model.Request{Type: "nodejs", Action: "upgrade", Target: "24"})
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = c.Tail(ctx, upgrade.ID, &raw, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("caf\xc3\xa9 24\n"), raw.Bytes())
}

func TestClientBusy(t *testing.T) {
	t.Parallel()
	c := newClient(t)
	ctx := t.Context()

	task, err := c.Submit(ctx, model.Request{Type: "nodejs", Action: "uninstall", Target: "20"})
	require.NoError(t, err)

	_, err = c.Submit(ctx, model.Request{Type: "nodejs", Action: "install", Target: "22"})
	require.ErrorIs(t, err, model.ErrResourceBusy)
	var busy *model.ResourceBusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, task.ID, busy.TaskID)

	status, err := c.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelling", status)

	done, err := c.Tail(ctx, task.ID, &strings.Builder{}, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, done.State)
}

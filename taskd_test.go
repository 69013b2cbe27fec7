package taskd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	taskdPath string
	shPath    string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("taskd-ci") {
		slog.Warn("cannot locate taskd-ci binary: run go build -race -cover -covermode=atomic -o taskd-ci ./cmd/taskd/ first")
		os.Exit(0)
	}

	var err error
	taskdPath, err = filepath.Abs("taskd-ci")
	if err != nil {
		slog.Error("can't get abspath for taskd-ci", "error", err)
		os.Exit(1)
	}
	shPath, err = exec.LookPath("sh")
	if err != nil {
		slog.Warn("binary sh not available, integration tests are ignored", "error", err)
		os.Exit(0)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for taskd-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for taskd-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestTaskd(t *testing.T) {
	dir := tmpDir(t)
	addr := freeAddr(t)

	creat(t, filepath.Join(dir, "catalog.yaml"), fmt.Appendf(nil, `
types:
  nodejs:
    target: '[0-9]+'
    resource_key: 'nodejs:global'
    actions:
      install: {path: %[1]s, args: [-c, 'echo installing node {target}']}
      uninstall: {path: %[1]s, args: [-c, 'echo removing node {target}; exit 3']}
`, shPath))
	configFile := filepath.Join(dir, "taskd.yaml")
	creat(t, configFile, fmt.Appendf(nil, `
listen: %s
catalog: %s
runner:
  grace: 1s
history:
  sqlite: %s
`, addr, filepath.Join(dir, "catalog.yaml"), filepath.Join(dir, "history.db")))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var serverStderr bytes.Buffer
	server := exec.CommandContext(ctx, taskdPath, "serve", "--config", configFile)
	server.Stderr = &serverStderr
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("server: %s", serverStderr.String())
		}
	})
	waitHealthy(t, addr)

	stdout, _, err := run(ctx, configFile, "submit", "nodejs", "install", "22", "--follow")
	require.NoError(t, err)
	require.Equal(t, "installing node 22\n", stdout)

	stdout, stderr, err := run(ctx, configFile, "submit", "nodejs", "uninstall", "20", "--follow")
	require.Error(t, err)
	require.Equal(t, "removing node 20\n", stdout)
	require.Contains(t, stderr, `"exit_code": 3`)

	stdout, _, err = run(ctx, configFile, "status", "--state", "succeeded")
	require.NoError(t, err)
	var list struct {
		Summary struct {
			Total int `json:"total"`
		} `json:"summary"`
		Tasks []struct {
			ID     string `json:"id"`
			Target string `json:"target"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &list))
	require.Equal(t, 1, list.Summary.Total)
	require.Equal(t, "22", list.Tasks[0].Target)

	// archived after the output is final
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/v1/history/" + list.Tasks[0].ID)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	_, _, err = run(ctx, configFile, "submit", "nodejs", "install", "lts")
	require.Error(t, err)

	require.NoError(t, server.Process.Signal(syscall.SIGTERM))
	require.NoError(t, server.Wait())
}

func run(ctx context.Context, configFile string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, taskdPath, append(args, "--config", configFile)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitHealthy(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}

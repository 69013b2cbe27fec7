package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/taskd/internal/model"
)

var (
	ErrCancelled = errors.New("cancelled")
	ErrTimeout   = errors.New("timeout")
	ErrShutdown  = errors.New("shutdown")
)

// waitSlack is added to the grace period before os/exec gives up on the
// output pipes of a process which is gone.
const waitSlack = 2 * time.Second

// LaunchError is returned when the process could not be started at all.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type Command struct {
	Path    string
	Args    []string
	Env     []string // full child environment, nothing is inherited
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Started  time.Time
	Stopped  time.Time
	ExitCode int // -1 when the process did not exit on its own
	Err      error
}

// Runner executes a single command at a time per Run call. It is stateless
// and can be shared by any number of tasks.
type Runner struct {
	grace time.Duration
}

// NewRunner returns a Runner which sends SIGTERM to the process group on
// cancellation or timeout and SIGKILL after grace.
func NewRunner(grace time.Duration) *Runner {
	return &Runner{grace: grace}
}

// Run starts proto and blocks until the process and everything it spawned
// are gone. Stdout and stderr are both written to out, in the order the
// process produced them.
//
// Result.Err is nil on exit status 0, a *LaunchError if the process did not
// start, ErrTimeout if proto.Timeout elapsed, the cancellation cause of ctx
// if ctx was cancelled, or the *exec.ExitError otherwise.
func (r *Runner) Run(ctx context.Context, proto Command, out io.Writer) Result {
	res := Result{ExitCode: -1}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, proto.Timeout, ErrTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = append([]string{}, proto.Env...)
	cmd.Dir = proto.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.grace + waitSlack
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return terminate(cmd.Process)
	}

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		if ctx.Err() != nil {
			res.Err = context.Cause(ctx)
		} else {
			res.Err = &LaunchError{Path: proto.Path, Err: err}
		}
		return res
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		r.escalate(ctx, stop, cmd)
	})

	err := cmd.Wait()
	close(stop)
	wg.Wait()
	// leftovers of the process group, if any
	if kerr := kill(cmd.Process); kerr == nil {
		slog.DebugContext(ctx, "killed remaining processes", "pid", cmd.Process.Pid)
	}

	res.Stopped = time.Now().UTC()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.Err = context.Cause(ctx)
	default:
		res.Err = err
	}
	return res
}

// escalate kills the whole process group if it outlives the grace period
// after ctx is done.
func (r *Runner) escalate(ctx context.Context, stop <-chan struct{}, cmd *exec.Cmd) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
	}
	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-stop:
	case <-timer.C:
		slog.WarnContext(ctx, "process ignored SIGTERM: killing", "pid", cmd.Process.Pid, "grace", r.grace)
		if err := kill(cmd.Process); err != nil {
			slog.ErrorContext(ctx, "killing process group", "pid", cmd.Process.Pid, "error", err)
		}
	}
}

// Environ builds the child environment: a fixed PATH and locale, the
// non-interactive package manager flag and the configured extras.
func Environ(cfg model.Runner) []string {
	env := map[string]string{
		"PATH":            cfg.Path,
		"LC_ALL":          "C",
		"DEBIAN_FRONTEND": "noninteractive",
	}
	for k, v := range cfg.Env {
		env[strings.ToUpper(k)] = v
	}
	ret := make([]string, 0, len(env))
	for k, v := range env {
		ret = append(ret, k+"="+v)
	}
	sort.Strings(ret)
	return ret
}

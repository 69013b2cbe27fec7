package model

import "time"

// State is the lifecycle state of a task.
//
//	queued -> running -> succeeded | failed | cancelled
//	queued -> cancelled
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Reason says why a task ended up in its terminal state. Empty for succeeded
// and for non-terminal tasks.
type Reason string

const (
	ReasonExit      Reason = "exit"      // process ran and exited non-zero
	ReasonLaunch    Reason = "launch"    // process could not be started
	ReasonTimeout   Reason = "timeout"   // killed after exceeding its timeout
	ReasonCancelled Reason = "cancelled" // cancelled on client request
	ReasonShutdown  Reason = "shutdown"  // cancelled because the service stopped
)

// Request is what a caller submits.
type Request struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	PHPVersion string `json:"php_version,omitempty"`
}

// Task is a snapshot of a task record. Snapshots are copies; mutating them
// does not affect the registry.
type Task struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Action          string     `json:"action"`
	Target          string     `json:"target"`
	PHPVersion      string     `json:"php_version,omitempty"`
	ResourceKey     string     `json:"resource_key"`
	State           State      `json:"state"`
	Reason          Reason     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	OutputBytes     int64      `json:"output_bytes"`
}

// Request returns the request the task was created from.
func (t Task) Request() Request {
	return Request{
		Type:       t.Type,
		Action:     t.Action,
		Target:     t.Target,
		PHPVersion: t.PHPVersion,
	}
}

// Elapsed is the wall-clock time the task has been running, or ran for.
// Queued tasks report the time spent waiting.
func (t Task) Elapsed(now time.Time) time.Duration {
	switch {
	case t.StartedAt == nil && t.FinishedAt != nil:
		return 0
	case t.StartedAt == nil:
		return now.Sub(t.CreatedAt)
	case t.FinishedAt == nil:
		return now.Sub(*t.StartedAt)
	default:
		return t.FinishedAt.Sub(*t.StartedAt)
	}
}

// Summary holds aggregate counts over a set of tasks.
type Summary struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add counts a single task state.
func (s *Summary) Add(state State) {
	s.Total++
	switch state {
	case StateQueued:
		s.Queued++
	case StateRunning:
		s.Running++
	case StateSucceeded:
		s.Succeeded++
	case StateFailed:
		s.Failed++
	case StateCancelled:
		s.Cancelled++
	}
}

// Filter selects tasks in List. Empty fields match everything.
type Filter struct {
	State State
	Type  string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t Task) bool {
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}

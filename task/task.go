// Package task implements TaskRun, the materialized unit of work behind a
// single process firing (spec.md §4.3, §4.8). A TaskRun carries its own
// work directory, resolved inputs, script, and exit status; TaskHandler
// implementations drive it through its state machine.
package task

import (
	"context"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/sync/ctxsync"

	"github.com/taskmesh/taskflow"
	"github.com/taskmesh/taskflow/log"
)

// State enumerates the lifecycle of a TaskRun (spec.md §4.3).
type State int

const (
	// StateNew is the initial state: the task has a work directory and a
	// resolved script, but has not been handed to a backend.
	StateNew State = iota
	// Submitted indicates the backend has accepted the task for execution
	// but it has not yet started running.
	Submitted
	// Running indicates the task's script is actively executing.
	Running
	// Completed indicates the task has finished, successfully or not;
	// Err and ExitCode are final.
	Completed
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return "new"
	}
}

// Run is a single materialized firing of a process (spec.md §4.8). Its
// state transitions are monotonic and idempotent: setting a state equal
// to or behind the current one is a no-op other than broadcasting.
type Run struct {
	// ID identifies the run within its session; it has no bearing on the
	// cache key, which is computed separately by hashkey.
	ID string
	// Index is the run's position within its process's firing sequence,
	// in the order firings arrive (always 0 for a MergeProcessor run).
	Index int
	// WorkDir is the task's isolated work directory.
	WorkDir string
	// Script is the fully rendered shell body the wrapper will execute.
	Script string
	// Env holds the task's context/environment bindings (spec.md §4.4
	// EnvIn values), keyed by variable name.
	Env map[string]string
	// Inputs holds every staged FileHolder the task depends on.
	Inputs []taskflow.FileHolder
	// Container, if non-empty, names the image the wrapper runs the
	// script inside.
	Container string
	// CacheKey holds a digest for the run. ParallelProcessor and
	// MergeProcessor do not set it; they keep the cache key themselves.
	CacheKey digest.Digest
	// Log receives status messages for this run.
	Log *log.Logger

	mu    sync.Mutex
	cond  *ctxsync.Cond
	state State

	// ExitCode is valid once state == Completed and Err == nil.
	ExitCode int
	// Err holds the terminal error, if the task failed to execute (as
	// opposed to completing with a nonzero exit code, which is reported
	// via ExitCode, not Err).
	Err error
	// Attempt is the zero-based retry count for this run.
	Attempt int
}

// New returns a Run in state StateNew, with Index firingIndex under workDir.
func New(id string, firingIndex int, workDir, script string) *Run {
	r := &Run{
		ID:      id,
		Index:   firingIndex,
		WorkDir: workDir,
		Script:  script,
		Env:     make(map[string]string),
	}
	r.cond = ctxsync.NewCond(&r.mu)
	return r
}

// State returns the run's current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Set advances the run to state, broadcasting to any waiters. Setting a
// state the run has already passed is a no-op.
func (r *Run) Set(state State) {
	r.mutate(func(target *Run) {
		if state > target.state {
			target.state = state
		}
	})
}

// Fail marks the run Completed with a terminal error.
func (r *Run) Fail(err error) {
	r.mutate(func(target *Run) {
		target.state = Completed
		target.Err = err
	})
}

// Finish marks the run Completed with the given exit code.
func (r *Run) Finish(exitCode int) {
	r.mutate(func(target *Run) {
		target.state = Completed
		target.ExitCode = exitCode
	})
}

// Retry resets the run to StateNew and increments its attempt counter, for
// use by a config.Retry error strategy.
func (r *Run) Retry() {
	r.mutate(func(target *Run) {
		target.state = StateNew
		target.Err = nil
		target.ExitCode = 0
		target.Attempt++
	})
}

// Wait blocks until the run's state is at least state, or ctx is done.
func (r *Run) Wait(ctx context.Context, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for r.state < state && err == nil {
		err = r.cond.Wait(ctx)
	}
	return err
}

func (r *Run) mutate(fn func(*Run)) {
	r.mu.Lock()
	fn(r)
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Set is a set of runs.
type Set map[*Run]bool

// NewSet returns a Set containing runs.
func NewSet(runs ...*Run) Set {
	s := make(Set, len(runs))
	for _, r := range runs {
		s[r] = true
	}
	return s
}

// Remove deletes runs from s.
func (s Set) Remove(runs ...*Run) {
	for _, r := range runs {
		delete(s, r)
	}
}

// Slice returns the runs in s as a slice, in no particular order.
func (s Set) Slice() []*Run {
	out := make([]*Run, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	return out
}

// Package operator implements the dataflow operator layer that turns
// channel input into task firings: the each fan-out splice, the per-
// message ParallelProcessor, and the fold-to-one-task MergeProcessor
// (spec.md §4.8, §4.9), together with StateAccumulator, the per-process
// counters and poison-pill latch each of them drives.
package operator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/taskmesh/taskflow/metrics"
)

// StateAccumulator tracks a process's in-flight and completed firings and
// gates poison-pill propagation: the pill is forwarded downstream only
// once every firing submitted before it reaches Completed (spec.md §3
// invariant "poison-pill propagation").
type StateAccumulator struct {
	Process string

	submitted int64
	completed int64
	errored   int64

	mu      sync.Mutex
	pending int
	wake    chan struct{}

	poisoned bool
}

// NewStateAccumulator returns a zeroed accumulator for the named process.
func NewStateAccumulator(process string) *StateAccumulator {
	return &StateAccumulator{Process: process, wake: make(chan struct{})}
}

// BeginFiring records that a new firing has begun (before any task is
// dispatched for it), and must be matched by a later EndFiring.
func (s *StateAccumulator) BeginFiring() {
	atomic.AddInt64(&s.submitted, 1)
	metrics.GetTasksSubmittedCounter(context.Background(), s.Process).Inc()
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

// EndFiring records a firing's terminal outcome and wakes any goroutine
// blocked in Drain once the last pending firing completes.
func (s *StateAccumulator) EndFiring(err error) {
	if err != nil {
		atomic.AddInt64(&s.errored, 1)
		metrics.GetTasksErrorCounter(context.Background(), s.Process).Inc()
	} else {
		atomic.AddInt64(&s.completed, 1)
		metrics.GetTasksCompletedCounter(context.Background(), s.Process).Inc()
	}
	s.mu.Lock()
	s.pending--
	drained := s.pending == 0
	s.mu.Unlock()
	if drained {
		s.mu.Lock()
		if s.wake != nil {
			close(s.wake)
			s.wake = nil
		}
		s.mu.Unlock()
	}
}

// Drain blocks until every firing begun before the call returns has
// ended. It is called once a poison pill arrives, before the pill is
// forwarded downstream.
func (s *StateAccumulator) Drain() {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return
		}
		wake := s.wake
		if wake == nil {
			wake = make(chan struct{})
			s.wake = wake
		}
		s.mu.Unlock()
		<-wake
	}
}

// Poison marks the process as terminated by a fatal firing error. The
// processors in this package set the mark but do not consult it before
// later firings; Poisoned reports it.
func (s *StateAccumulator) Poison() {
	s.mu.Lock()
	s.poisoned = true
	s.mu.Unlock()
}

// Poisoned reports whether Poison has been called.
func (s *StateAccumulator) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

// Counts returns the accumulator's current (submitted, completed,
// errored) tallies.
func (s *StateAccumulator) Counts() (submitted, completed, errored int64) {
	return atomic.LoadInt64(&s.submitted), atomic.LoadInt64(&s.completed), atomic.LoadInt64(&s.errored)
}

// Package monitor implements TaskMonitor, the per-backend admission queue
// that bounds how many task.Runs a backend executes concurrently, and
// TaskDispatcher, which fans a session's task.Runs out to the monitor for
// their process's chosen backend (spec.md §4.6, §6 "maxForks"). Each
// monitor's polling loop is rate-limited so a crowded queue does not spin
// a backend's status command into the ground.
package monitor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskmesh/taskflow/backend"
	"github.com/taskmesh/taskflow/errors"
	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/metrics"
	"github.com/taskmesh/taskflow/task"
)

// Event reports a task.Run's terminal outcome back to whoever submitted
// it: an operator's firing callback.
type Event struct {
	Run *task.Run
	Err error
}

// EventKind classifies a Dispatcher-level lifecycle notification fanned
// out to registered Listeners (spec.md §4.7 "Event fan-out").
type EventKind int

const (
	// EventSubmit fires when a run is handed to a monitor for execution.
	// Never fires for a cache hit or storeDir short-circuit; see
	// EventCached.
	EventSubmit EventKind = iota
	// EventStart fires once a submitted run is first observed running.
	EventStart
	// EventComplete fires when a run reaches task.Completed without error.
	EventComplete
	// EventError fires when a run fails to submit, poll, or complete
	// successfully.
	EventError
	// EventCached fires when a firing was satisfied from the CacheIndex
	// or process.storeDir instead of a real submission (spec.md §4.10,
	// §8 S4 "the submit listener is not invoked, the cache listener is").
	EventCached
)

// Listener receives Dispatcher lifecycle notifications. run is nil for
// EventCached, since a cache hit never materializes a task.Run. Listener
// panics are recovered and logged, never propagated (spec.md §7
// "Internal" error kind: "listener exceptions are logged and swallowed").
type Listener func(kind EventKind, run *task.Run)

// TaskMonitor admits up to Capacity task.Runs to Backend at once, queuing
// the rest, and reports each run's completion on its out channel.
type TaskMonitor struct {
	Backend  backend.ExecutorBackend
	Capacity int
	Log      *log.Logger

	limiter *rate.Limiter
	sem     chan struct{}
	out     chan Event
	notify  func(EventKind, *task.Run)

	mu      sync.Mutex
	pending int
}

// New returns a TaskMonitor admitting up to capacity concurrent task.Runs
// to b, polling each at up to pollRate per second.
func New(b backend.ExecutorBackend, capacity int, pollRate rate.Limit) *TaskMonitor {
	if capacity <= 0 {
		capacity = 1
	}
	return &TaskMonitor{
		Backend:  b,
		Capacity: capacity,
		limiter:  rate.NewLimiter(pollRate, 1),
		sem:      make(chan struct{}, capacity),
		out:      make(chan Event, capacity),
	}
}

// Events returns the channel Submit posts completion Events to.
func (m *TaskMonitor) Events() <-chan Event { return m.out }

// Submit blocks until an admission slot is free, then submits and polls
// run in its own goroutine, posting its outcome to Events once done.
// Submit itself returns as soon as the run has been handed off.
func (m *TaskMonitor) Submit(ctx context.Context, run *task.Run) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.out <- Event{Run: run, Err: ctx.Err()}
		return
	}
	m.mu.Lock()
	m.pending++
	metrics.GetMonitorQueueDepthGauge(ctx, m.Backend.Name()).Set(float64(m.pending))
	m.mu.Unlock()

	go func() {
		defer func() {
			<-m.sem
			m.mu.Lock()
			m.pending--
			metrics.GetMonitorQueueDepthGauge(ctx, m.Backend.Name()).Set(float64(m.pending))
			m.mu.Unlock()
		}()
		err := m.run(ctx, run)
		m.out <- Event{Run: run, Err: err}
	}()
}

func (m *TaskMonitor) run(ctx context.Context, run *task.Run) error {
	metrics.GetMonitorInflightCountGauge(ctx, m.Backend.Name()).Add(1)
	defer metrics.GetMonitorInflightCountGauge(ctx, m.Backend.Name()).Add(-1)

	h := m.Backend.Handler()
	if err := h.Submit(ctx, run); err != nil {
		m.fire(EventError, run)
		return errors.E("monitor.TaskMonitor.run", err)
	}
	started := false
	for run.State() != task.Completed {
		if !started && run.State() >= task.Running {
			started = true
			m.fire(EventStart, run)
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := h.Poll(ctx, run); err != nil {
			m.fire(EventError, run)
			return errors.E("monitor.TaskMonitor.run", err)
		}
	}
	if !started {
		m.fire(EventStart, run)
	}
	if run.Err != nil {
		m.fire(EventError, run)
	} else {
		m.fire(EventComplete, run)
	}
	return run.Err
}

func (m *TaskMonitor) fire(kind EventKind, run *task.Run) {
	if m.notify != nil {
		m.notify(kind, run)
	}
}

// Dispatcher routes task.Runs to the TaskMonitor registered for their
// process's executor name, fanning every monitor's Events back into one
// channel for the session to consume.
type Dispatcher struct {
	Log *log.Logger

	mu        sync.Mutex
	monitors  map[string]*TaskMonitor
	listeners []Listener
	out       chan Event
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher(logger *log.Logger) *Dispatcher {
	return &Dispatcher{Log: logger, monitors: make(map[string]*TaskMonitor), out: make(chan Event, 64)}
}

// Register adds a monitor for executorName, and starts forwarding its
// Events into d.Events(). The monitor's start/complete/error events are
// routed through the dispatcher's own listener fan-out; the submit event
// is fired by Dispatch.
func (d *Dispatcher) Register(executorName string, m *TaskMonitor) {
	m.notify = d.fire
	d.mu.Lock()
	d.monitors[executorName] = m
	d.mu.Unlock()
	go func() {
		for ev := range m.Events() {
			d.out <- ev
		}
	}()
}

// Events returns the dispatcher's merged completion stream.
func (d *Dispatcher) Events() <-chan Event { return d.out }

// AddListener registers fn to be called for every submit/start/complete/
// error/cached event the dispatcher fans out (spec.md §4.7 "registered
// listener closures are notified for submit/start/complete/error").
func (d *Dispatcher) AddListener(fn Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// NotifyCached fires EventCached for a firing resolved from the
// CacheIndex or process.storeDir without a real submission, in place of
// the EventSubmit a dispatched run would have triggered (spec.md §4.10,
// §8 S4).
func (d *Dispatcher) NotifyCached(run *task.Run) {
	d.fire(EventCached, run)
}

func (d *Dispatcher) fire(kind EventKind, run *task.Run) {
	d.mu.Lock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		d.invoke(fn, kind, run)
	}
}

func (d *Dispatcher) invoke(fn Listener, kind EventKind, run *task.Run) {
	defer func() {
		if r := recover(); r != nil {
			d.Log.Errorf("dispatcher: listener panicked: %v", r)
		}
	}()
	fn(kind, run)
}

// Dispatch submits run to the monitor registered under executorName,
// firing EventSubmit first (spec.md §4.7).
func (d *Dispatcher) Dispatch(ctx context.Context, executorName string, run *task.Run) error {
	d.mu.Lock()
	m, ok := d.monitors[executorName]
	d.mu.Unlock()
	if !ok {
		return errors.E("monitor.Dispatcher.Dispatch", errors.NotExist, "no monitor registered for executor "+executorName)
	}
	d.fire(EventSubmit, run)
	m.Submit(ctx, run)
	return nil
}

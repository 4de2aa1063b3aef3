// Package session wires together the session-scoped singletons a running
// workflow needs: the backend Registry, the TaskDispatcher and its
// per-backend TaskMonitors, and the CacheIndex, then spawns an operator
// (ParallelProcessor or MergeProcessor) per declared process, fed through
// an EachFanout that assembles named input channels into Firings (spec.md
// §9 "Global state: the dispatcher and its monitor map are session-scoped,
// created at session start and torn down at session end").
package session

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskmesh/taskflow/backend"
	"github.com/taskmesh/taskflow/cache"
	"github.com/taskmesh/taskflow/config"
	"github.com/taskmesh/taskflow/dataflow"
	"github.com/taskmesh/taskflow/errors"
	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/metrics"
	"github.com/taskmesh/taskflow/monitor"
	"github.com/taskmesh/taskflow/operator"
)

// Session owns every singleton a workflow run shares across its processes:
// one Registry of executor backends, one Dispatcher routing task.Runs to
// the monitor for their backend and merging the monitors' events, and one
// CacheIndex consulted (and populated) by every process's firings.
type Session struct {
	Config     config.Session
	Registry   *backend.Registry
	Dispatcher *monitor.Dispatcher
	Cache      *cache.CacheIndex
	Log        *log.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	firstErr error
}

// New returns a Session ready to have backends registered and processes
// spawned. cacheEstimate and cacheFP size the CacheIndex's bloom filter
// (spec.md §4.10); pass 0 and a small positive fp for a reasonable default.
func New(cfg config.Session, cacheEstimate uint, cacheFP float64, logger *log.Logger) *Session {
	if cacheEstimate == 0 {
		cacheEstimate = 10000
	}
	if cacheFP <= 0 {
		cacheFP = 0.01
	}
	ctx, cancel := context.WithCancel(metrics.WithClient(context.Background(), metrics.NopClient))
	return &Session{
		Config:     cfg,
		Registry:   backend.NewRegistry(),
		Dispatcher: monitor.NewDispatcher(logger),
		Cache:      cache.New(cacheEstimate, cacheFP),
		Log:        logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Resume loads a CacheIndex previously written by Checkpoint, for a
// session started with --resume (spec.md §6 "-resume", §7 "resume
// idempotence").
func Resume(cfg config.Session, path string, cacheFP float64, logger *log.Logger) (*Session, error) {
	idx, err := cache.Load(path, cacheFP)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(metrics.WithClient(context.Background(), metrics.NopClient))
	return &Session{
		Config:     cfg,
		Registry:   backend.NewRegistry(),
		Dispatcher: monitor.NewDispatcher(logger),
		Cache:      idx,
		Log:        logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// RegisterBackend adds b to the session's Registry and starts a
// TaskMonitor admitting up to capacity concurrent runs, polling at up to
// pollRate per second, under b's own name (spec.md §4.6, §4.7).
func (s *Session) RegisterBackend(b backend.ExecutorBackend, capacity int, pollRate rate.Limit) {
	s.Registry.Register(b)
	m := monitor.New(b, capacity, pollRate)
	s.Dispatcher.Register(b.Name(), m)
}

// Spawn wires p's declared inputs into a tuple-assembling EachFanout and
// starts the resulting ParallelProcessor or MergeProcessor in its own
// goroutine, tracked so Wait can block until every spawned process's
// output channels have closed.
//
// Every process, whether or not it declares an EachIn input, is fronted
// by an EachFanout: one assembles the named input channels into a single
// Firing per round regardless, and only takes a cartesian product when at
// least one input is actually declared Each (spec.md §4.8 "each fan-out").
// A process with any shared input runs with maxForks forced to 1, which
// EachFanout's own unbounded concurrency doesn't affect since it only
// ever emits, never submits.
func (s *Session) Spawn(p *operator.Process, in, out map[string]*dataflow.Channel, merge bool) {
	firingsIn, pillIn := s.tupleAssembler(p, in)

	if p.Options.Executor == "" {
		p.Options.Executor = "local"
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if merge {
			mp := operator.NewMergeProcessor(p, s.Config, in, out, s.Dispatcher, s.Cache, s.Log)
			mp.Run(s.ctx, firingsIn, pillIn)
			return
		}
		pp := operator.NewParallelProcessor(p, s.Config, in, out, s.Dispatcher, s.Cache, s.Log)
		pp.Run(s.ctx, firingsIn, pillIn)
	}()
}

// tupleAssembler splices an operator.EachFanout in front of p: it reads
// one Tuple across every one of p's declared input channels per round,
// takes the cartesian product of any Each-declared inputs, and returns
// the resulting Firing/pill channels the way ParallelProcessor.Run and
// MergeProcessor.Run expect them.
func (s *Session) tupleAssembler(p *operator.Process, in map[string]*dataflow.Channel) (<-chan operator.Firing, <-chan struct{}) {
	out := dataflow.NewChannel()
	fan := &operator.EachFanout{Params: p.Ins, In: in, Out: out}
	go fan.Run()

	firings := make(chan operator.Firing)
	pill := make(chan struct{})
	go func() {
		defer close(firings)
		defer close(pill)
		for {
			tup, ok := out.Recv()
			if !ok || tup.Pill {
				pill <- struct{}{}
				return
			}
			firings <- tup.Value.(operator.Firing)
		}
	}()
	return firings, pill
}

// RecordError stores err as the session's first fatal error, if none has
// been recorded yet, and cancels every spawned process's context so a
// `terminate` error strategy's cascade reaches every operator (spec.md §7
// "Propagation": "The session records the first fatal error and exits
// with non-zero status").
func (s *Session) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
		s.cancel()
	}
	s.mu.Unlock()
}

// Err returns the first fatal error recorded by RecordError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Wait blocks until every process spawned via Spawn has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels any still-running operators and releases session
// resources. Checkpoint should be called first if the cache index should
// survive for a future --resume.
func (s *Session) Close() {
	s.cancel()
}

// Checkpoint persists the session's CacheIndex to path so a future Resume
// call can rehydrate it (spec.md §4.10, §6 "-resume").
func (s *Session) Checkpoint(path string) error {
	if s.Cache == nil {
		return errors.E("session.Session.Checkpoint", errors.Invalid, "no cache index to persist")
	}
	return s.Cache.Save(path)
}

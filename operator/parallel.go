package operator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/base/digest"

	"github.com/taskmesh/taskflow"
	"github.com/taskmesh/taskflow/cache"
	"github.com/taskmesh/taskflow/config"
	"github.com/taskmesh/taskflow/dataflow"
	"github.com/taskmesh/taskflow/errors"
	"github.com/taskmesh/taskflow/hashkey"
	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/monitor"
	"github.com/taskmesh/taskflow/stage"
	"github.com/taskmesh/taskflow/task"
	"github.com/taskmesh/taskflow/wrapper"
)

// boundOutput pairs a declared OutParam's name with its resolved value: a
// taskflow.FileHolder for a single FileOut match, a scalar for
// ValueOut/StdoutOut, or a []interface{} for SetOut (spec.md §3 "OutParam
// (variant)").
type boundOutput struct {
	Name  string
	Value interface{}
}

// Process describes a declared unit of work: its name, parameters,
// script template, and the config.Process options governing how its
// firings execute (spec.md §3 GLOSSARY "Process").
type Process struct {
	Name    string
	Ins     []*taskflow.InParam
	Outs    []*taskflow.OutParam
	Render  func(ctx map[string]interface{}) (string, error)
	Options config.Process
}

// hasShared reports whether p declares any Shared-kind input, which
// forces maxForks=1 (spec.md §4.8 "Concurrency attributes").
func (p *Process) hasShared() bool {
	for _, in := range p.Ins {
		if in.Shared() {
			return true
		}
	}
	return false
}

// hasEach reports whether p declares any Each-kind input, requiring the
// EachFanout splice.
func (p *Process) hasEach() bool {
	for _, in := range p.Ins {
		if in.Kind == taskflow.EachIn {
			return true
		}
	}
	return false
}

// ParallelProcessor drives one Process's firings: it resolves each
// incoming tuple into a task.Run, consults the CacheIndex, and on a miss
// hands the run to the Dispatcher (spec.md §4.8).
type ParallelProcessor struct {
	Process     *Process
	Session     config.Session
	In          map[string]*dataflow.Channel
	Out         map[string]*dataflow.Channel
	Dispatcher  *monitor.Dispatcher
	CacheIndex  *cache.CacheIndex
	Log         *log.Logger

	state   *StateAccumulator
	mu      sync.Mutex
	nextIdx int
	sem     chan struct{}

	sharedVals map[string]*dataflow.BroadcastVar
}

// NewParallelProcessor returns a processor ready to Run.
func NewParallelProcessor(p *Process, sess config.Session, in, out map[string]*dataflow.Channel, d *monitor.Dispatcher, idx *cache.CacheIndex, logger *log.Logger) *ParallelProcessor {
	forks := p.Options.MaxForks
	if forks <= 0 {
		forks = 8
	}
	if p.hasShared() {
		forks = 1
	}
	pp := &ParallelProcessor{
		Process:    p,
		Session:    sess,
		In:         in,
		Out:        out,
		Dispatcher: d,
		CacheIndex: idx,
		Log:        logger,
		state:      NewStateAccumulator(p.Name),
		sem:        make(chan struct{}, forks),
		sharedVals: make(map[string]*dataflow.BroadcastVar),
	}
	for _, in := range p.Ins {
		if in.Shared() {
			pp.sharedVals[in.Name] = dataflow.NewBroadcastVar()
		}
	}
	return pp
}

// Run consumes firings from firingsIn until it sees a poison pill, firing
// a goroutine-bound task per firing, then drains in-flight firings,
// binds any shared outputs, and forwards the pill downstream.
func (pp *ParallelProcessor) Run(ctx context.Context, firingsIn <-chan Firing, pillIn <-chan struct{}) {
	var wg sync.WaitGroup
	for {
		select {
		case firing, ok := <-firingsIn:
			if !ok {
				goto drain
			}
			pp.mu.Lock()
			idx := pp.nextIdx
			pp.nextIdx++
			pp.mu.Unlock()

			pp.sem <- struct{}{}
			wg.Add(1)
			go func(idx int, firing Firing) {
				defer wg.Done()
				defer func() { <-pp.sem }()
				pp.fire(ctx, idx, firing)
			}(idx, firing)
		case <-pillIn:
			goto drain
		case <-ctx.Done():
			goto drain
		}
	}
drain:
	wg.Wait()
	pp.state.Drain()
	pp.bindSharedOutputs()
	for _, ch := range pp.Out {
		ch.Close()
	}
}

// bindSharedOutputs binds every resolved shared value to its matching
// output, once, after every in-flight firing has drained and before the
// poison pill is forwarded downstream (spec.md §4.8 "Poison-pill
// handling"). A shared input only has a matching output when the process
// also declares a ValueOut of the same name, re-exporting the value every
// firing observed.
func (pp *ParallelProcessor) bindSharedOutputs() {
	for name, bv := range pp.sharedVals {
		if !bv.Ready() {
			continue
		}
		ch, ok := pp.Out[name]
		if !ok {
			continue
		}
		ch.Send(taskflow.Binding{Name: name, Value: bv.Get()})
	}
}

// fire implements the per-tuple callback of spec.md §4.8: setupTask,
// two-pass file resolution, render, stored-output short-circuit, hash,
// cache lookup, and dispatch on miss.
func (pp *ParallelProcessor) fire(ctx context.Context, index int, firing Firing) {
	pp.state.BeginFiring()
	var fireErr error
	defer func() { pp.state.EndFiring(fireErr) }()

	ctxMap, stagedFiles, err := pp.resolve(firing)
	if err != nil {
		fireErr = err
		pp.Log.Errorf("%s[%d]: resolve: %v", pp.Process.Name, index, err)
		return
	}

	script, err := pp.Process.Render(ctxMap)
	if err != nil {
		fireErr = errors.E("operator.ParallelProcessor.fire", err)
		return
	}

	if pp.Process.Options.StoreDir != "" {
		if bound, ok := pp.lookupStoreDir(); ok {
			pp.Dispatcher.NotifyCached(nil)
			pp.bindOutputs(bound)
			return
		}
	}

	keyed := make([]hashkey.KeyedValue, 0, len(ctxMap))
	for _, in := range pp.Process.Ins {
		keyed = append(keyed, hashkey.KeyedValue{Key: in.Name, Value: ctxMap[in.Name]})
	}
	mode, cachingOff := cacheModeFor(pp.Process.Options.CacheMode)

	var cacheKey digest.Digest
	haveCacheKey := false
	if !cachingOff {
		digestKey, derr := hashkey.Digest(mode, pp.Session.ID, script, keyed)
		if derr != nil {
			fireErr = errors.E("operator.ParallelProcessor.fire", derr)
			return
		}
		cacheKey, haveCacheKey = digestKey, true
		if pp.Session.Resume {
			if entry, lerr := pp.CacheIndex.Lookup(digestKey); lerr == nil && outputsExist(entry.Outputs) {
				bound, _, cerr := pp.collectFileOutputs(entry.WorkDir)
				if cerr == nil {
					pp.Dispatcher.NotifyCached(nil)
					pp.bindOutputs(bound)
					return
				}
				pp.Log.Errorf("%s: cache hit but outputs could not be rebound, resubmitting: %v", pp.Process.Name, cerr)
			}
		}
	}

	workDir := filepath.Join(pp.Session.WorkDir, pp.Process.Name, fmt.Sprintf("%02x", index))
	run := task.New(fmt.Sprintf("%s-%d", pp.Process.Name, index), index, workDir, script)
	run.Inputs = stagedFiles
	run.Container = pp.Process.Options.Container
	run.Log = pp.Log
	for _, in := range pp.Process.Ins {
		if in.Kind == taskflow.EnvIn {
			run.Env[in.Name] = fmt.Sprintf("%v", ctxMap[in.Name])
		}
	}

	runCtx := ctx
	if d := pp.Process.Options.MaxDuration; d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := pp.submitAndWait(runCtx, run); err != nil {
		if fireErr = pp.handleFireError(run, err); fireErr != nil {
			return
		}
		if run.Err != nil {
			// Ignore strategy: the run never succeeded, nothing to collect.
			return
		}
	}

	bound, fileOutputs, err := pp.collect(run, ctxMap)
	if err != nil {
		fireErr = pp.handleFireError(run, err)
		return
	}
	if haveCacheKey {
		pp.CacheIndex.Map(cacheKey, cache.Entry{WorkDir: run.WorkDir, Outputs: fileOutputs})
	}
	pp.bindOutputs(bound)
}

// submitAndWait hands run to the dispatcher and blocks until it reaches
// task.Completed, translating a context deadline (spec.md §6
// "maxDuration") into the run's terminal error the way a walltime kill
// would. A non-zero exit code is surfaced as an error here too (spec.md
// §7 "Execution"), even though the handler never sets run.Err for it:
// run.ExitCode is the only signal a non-zero exit leaves behind.
func (pp *ParallelProcessor) submitAndWait(ctx context.Context, run *task.Run) error {
	if err := pp.Dispatcher.Dispatch(ctx, pp.Process.Options.Executor, run); err != nil {
		return err
	}
	if err := run.Wait(ctx, task.Completed); err != nil {
		run.Fail(errors.E("operator.ParallelProcessor.fire", errors.Timeout, err))
		return run.Err
	}
	if run.Err != nil {
		return run.Err
	}
	if run.ExitCode != 0 {
		return errors.E("operator.ParallelProcessor.fire", errors.Eval, fmt.Errorf("exit status %d", run.ExitCode))
	}
	return nil
}

// handleFireError applies the process's config.ErrorStrategy to a firing
// failure (spec.md §7 "Execution" error kind): Terminate poisons the
// process state and returns the error, which counts the firing as errored
// (the session is not canceled and later firings still run);
// Ignore swallows it so the operator keeps running; Retry resubmits the
// run, up to MaxRetries attempts, before falling back to Terminate's
// behavior.
func (pp *ParallelProcessor) handleFireError(run *task.Run, err error) error {
	switch pp.Process.Options.ErrStrategy {
	case config.Ignore:
		pp.Log.Errorf("%s: firing failed, ignoring: %v", pp.Process.Name, err)
		return nil
	case config.Retry:
		for run.Attempt < pp.Process.Options.MaxRetries {
			// SPEC_FULL §D.2: each retry attempt gets its own work
			// directory rather than reusing the failed attempt's, so a
			// partially-written output from the prior attempt can never
			// be mistaken for this one's.
			run.WorkDir = filepath.Join(pp.Session.WorkDir, pp.Process.Name,
				fmt.Sprintf("%02x-retry%d", run.Index, run.Attempt+1))
			run.Retry()
			pp.Log.Errorf("%s: firing failed, retrying (attempt %d): %v", pp.Process.Name, run.Attempt, err)
			derr := pp.Dispatcher.Dispatch(context.Background(), pp.Process.Options.Executor, run)
			if derr == nil {
				if werr := run.Wait(context.Background(), task.Completed); werr == nil && run.Err == nil && run.ExitCode == 0 {
					return nil
				}
			}
			err = run.Err
			if err == nil && run.ExitCode != 0 {
				err = errors.E("operator.ParallelProcessor.fire", errors.Eval, fmt.Errorf("exit status %d", run.ExitCode))
			}
			if err == nil {
				err = derr
			}
		}
		pp.state.Poison()
		return err
	default:
		pp.state.Poison()
		return err
	}
}

// lookupStoreDir checks every declared FileOut pattern against
// process.storeDir; if every pattern matches at least one file there, the
// firing is skipped entirely and those files are bound directly (spec.md
// §4.8 step 4, §6 "process.storeDir").
func (pp *ParallelProcessor) lookupStoreDir() ([]boundOutput, bool) {
	var bound []boundOutput
	any := false
	for _, out := range pp.Process.Outs {
		if out.Kind != taskflow.FileOut {
			continue
		}
		holders, err := stage.MatchOutputs(pp.Process.Options.StoreDir, out.Pattern)
		if err != nil || len(holders) == 0 {
			return nil, false
		}
		any = true
		for _, h := range holders {
			bound = append(bound, boundOutput{Name: out.Name, Value: h})
		}
	}
	return bound, any
}

// resolve implements the two-pass input binding of spec.md §4.8 step 1-2:
// values (and shared values) are bound first so file patterns can
// reference them, then file inputs are expanded against the resulting
// context.
func (pp *ParallelProcessor) resolve(firing Firing) (map[string]interface{}, []taskflow.FileHolder, error) {
	ctxMap := make(map[string]interface{}, len(pp.Process.Ins))
	var deferredFiles []*taskflow.InParam
	for _, in := range pp.Process.Ins {
		switch in.Kind {
		case taskflow.FileIn, taskflow.FileSharedIn:
			deferredFiles = append(deferredFiles, in)
			continue
		case taskflow.ValueSharedIn:
			v := pp.resolveShared(in.Name, firing[in.Name])
			ctxMap[in.Name] = v
		default:
			ctxMap[in.Name] = firing[in.Name]
		}
	}

	var staged []taskflow.FileHolder
	for _, in := range deferredFiles {
		raw := firing[in.Name]
		if in.Kind == taskflow.FileSharedIn {
			raw = pp.resolveShared(in.Name, raw)
		}
		sources, err := stage.Normalize(raw)
		if err != nil {
			return nil, nil, err
		}
		holders, err := stage.Expand(in.Pattern, sources)
		if err != nil {
			return nil, nil, err
		}
		staged = append(staged, holders...)
		ctxMap[in.Name] = holders
	}
	return ctxMap, staged, nil
}

func (pp *ParallelProcessor) resolveShared(name string, v interface{}) interface{} {
	bv := pp.sharedVals[name]
	if bv == nil {
		return v
	}
	if !bv.Ready() {
		bv.Set(v)
	}
	return bv.Get()
}

// collect resolves every declared output against a completed run: FileOut
// patterns are matched against the work directory, StdoutOut binds the
// captured .command.out, ValueOut re-emits a context-map value, and SetOut
// binds its inner outputs jointly as a single tuple (spec.md §3 "OutParam
// (variant)", §4.8 step 5 "bind outputs"). The flat FileHolder list
// returned alongside is what CacheIndex.Entry records, since only file
// outputs survive a cache round-trip.
func (pp *ParallelProcessor) collect(run *task.Run, ctxMap map[string]interface{}) ([]boundOutput, []taskflow.FileHolder, error) {
	var bound []boundOutput
	var fileOutputs []taskflow.FileHolder
	for _, out := range pp.Process.Outs {
		switch out.Kind {
		case taskflow.FileOut:
			holders, err := stage.MatchOutputs(run.WorkDir, out.Pattern)
			if err != nil {
				return nil, nil, err
			}
			fileOutputs = append(fileOutputs, holders...)
			for _, h := range holders {
				bound = append(bound, boundOutput{Name: out.Name, Value: h})
			}
		case taskflow.StdoutOut:
			bound = append(bound, boundOutput{Name: out.Name, Value: strings.TrimRight(readStdout(run.WorkDir), "\n")})
		case taskflow.ValueOut:
			bound = append(bound, boundOutput{Name: out.Name, Value: ctxMap[out.Name]})
		case taskflow.SetOut:
			v, subFiles, err := resolveSetOut(out, ctxMap, run.WorkDir)
			if err != nil {
				return nil, nil, err
			}
			fileOutputs = append(fileOutputs, subFiles...)
			bound = append(bound, boundOutput{Name: out.Name, Value: v})
		}
	}
	return bound, fileOutputs, nil
}

// collectFileOutputs matches every declared FileOut pattern against
// workDir directly, for the cache-hit and storeDir short-circuits where
// no task.Run executed and ctxMap/stdout are unavailable (spec.md §4.10).
func (pp *ParallelProcessor) collectFileOutputs(workDir string) ([]boundOutput, []taskflow.FileHolder, error) {
	var bound []boundOutput
	var fileOutputs []taskflow.FileHolder
	for _, out := range pp.Process.Outs {
		if out.Kind != taskflow.FileOut {
			continue
		}
		holders, err := stage.MatchOutputs(workDir, out.Pattern)
		if err != nil {
			return nil, nil, err
		}
		fileOutputs = append(fileOutputs, holders...)
		for _, h := range holders {
			bound = append(bound, boundOutput{Name: out.Name, Value: h})
		}
	}
	return bound, fileOutputs, nil
}

func (pp *ParallelProcessor) bindOutputs(bound []boundOutput) {
	for _, b := range bound {
		ch, ok := pp.Out[b.Name]
		if !ok {
			continue
		}
		ch.Send(taskflow.Binding{Name: b.Name, Value: b.Value})
	}
}

// readStdout returns the task's captured standard output, or "" if
// .command.out could not be read (spec.md §6 "workDir/.command.out").
func readStdout(workDir string) string {
	data, err := os.ReadFile(filepath.Join(workDir, wrapper.StdoutFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// resolveSetOut binds a SetOut's inner outputs jointly, in declared
// order, as a single []interface{} tuple (spec.md §3 "Set (tuple of
// inner params bound jointly)", mirrored here for outputs). It returns
// every FileHolder its FileOut elements matched, so the caller can still
// fold them into the flat cacheable output list.
func resolveSetOut(out *taskflow.OutParam, ctxMap map[string]interface{}, workDir string) (interface{}, []taskflow.FileHolder, error) {
	vals := make([]interface{}, 0, len(out.Elems))
	var fileOutputs []taskflow.FileHolder
	for _, elem := range out.Elems {
		switch elem.Kind {
		case taskflow.FileOut:
			holders, err := stage.MatchOutputs(workDir, elem.Pattern)
			if err != nil {
				return nil, nil, err
			}
			fileOutputs = append(fileOutputs, holders...)
			vals = append(vals, holders)
		case taskflow.StdoutOut:
			vals = append(vals, strings.TrimRight(readStdout(workDir), "\n"))
		case taskflow.ValueOut:
			vals = append(vals, ctxMap[elem.Name])
		case taskflow.SetOut:
			v, subFiles, err := resolveSetOut(elem, ctxMap, workDir)
			if err != nil {
				return nil, nil, err
			}
			fileOutputs = append(fileOutputs, subFiles...)
			vals = append(vals, v)
		}
	}
	return vals, fileOutputs, nil
}

// cacheModeFor adapts a config.CacheMode into the hashkey package's Mode,
// or reports that caching is off.
func cacheModeFor(m config.CacheMode) (mode hashkey.Mode, off bool) {
	switch m {
	case config.CacheOff:
		return hashkey.Standard, true
	case config.CacheDeep:
		return hashkey.Deep, false
	case config.CacheLenient:
		return hashkey.Lenient, false
	default:
		return hashkey.Standard, false
	}
}

// outputsExist reports whether every FileHolder in outputs still has its
// SourcePath present on disk. A cache hit whose underlying work directory
// was cleaned up since the entry was mapped is treated as a miss rather
// than handed to a downstream process that will fail staging it in.
func outputsExist(outputs []taskflow.FileHolder) bool {
	for _, h := range outputs {
		if _, err := os.Stat(h.SourcePath); err != nil {
			return false
		}
	}
	return true
}

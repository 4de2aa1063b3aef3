package operator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/base/digest"

	"github.com/taskmesh/taskflow"
	"github.com/taskmesh/taskflow/cache"
	"github.com/taskmesh/taskflow/config"
	"github.com/taskmesh/taskflow/dataflow"
	"github.com/taskmesh/taskflow/hashkey"
	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/monitor"
	"github.com/taskmesh/taskflow/stage"
	"github.com/taskmesh/taskflow/task"
)

// MergeProcessor folds every tuple a Process receives into a single task
// firing, submitted once the upstream poison pill arrives (spec.md §4.9).
// Unlike ParallelProcessor, it never dispatches per-tuple: it accumulates a
// resolved Firing per tuple, along with the per-firing sub-hash used to
// fold a deterministic cache key, and only builds a task.Run at drain time.
type MergeProcessor struct {
	Process    *Process
	Session    config.Session
	In         map[string]*dataflow.Channel
	Out        map[string]*dataflow.Channel
	Dispatcher *monitor.Dispatcher
	CacheIndex *cache.CacheIndex
	Log        *log.Logger

	state      *StateAccumulator
	sharedVals map[string]*dataflow.BroadcastVar
	workDir    string

	mu        sync.Mutex
	firings   []mergedFiring
	subHashes []digest.Digest
}

// mergedFiring is one upstream tuple's resolved context, kept around until
// drain time along with its own rendered script, so the final submission
// can append a distinct section per firing rather than folding them into
// one context map (spec.md §4.9 "mergeScriptCollector").
type mergedFiring struct {
	ctxMap map[string]interface{}
	staged []taskflow.FileHolder
	script string
}

// NewMergeProcessor returns a processor ready to Run.
func NewMergeProcessor(p *Process, sess config.Session, in, out map[string]*dataflow.Channel, d *monitor.Dispatcher, idx *cache.CacheIndex, logger *log.Logger) *MergeProcessor {
	mp := &MergeProcessor{
		Process:    p,
		Session:    sess,
		In:         in,
		Out:        out,
		Dispatcher: d,
		CacheIndex: idx,
		Log:        logger,
		state:      NewStateAccumulator(p.Name),
		sharedVals: make(map[string]*dataflow.BroadcastVar),
		workDir:    filepath.Join(sess.WorkDir, p.Name, "merge"),
	}
	for _, in := range p.Ins {
		if in.Shared() {
			mp.sharedVals[in.Name] = dataflow.NewBroadcastVar()
		}
	}
	return mp
}

// Run consumes firingsIn until it sees a poison pill, resolving and
// collecting every tuple along the way (mergeScriptCollector, spec.md
// §4.9), then folds the collected firings into exactly one task submission
// and forwards the pill.
func (mp *MergeProcessor) Run(ctx context.Context, firingsIn <-chan Firing, pillIn <-chan struct{}) {
loop:
	for {
		select {
		case firing, ok := <-firingsIn:
			if !ok {
				break loop
			}
			mp.collect(firing)
		case <-pillIn:
			break loop
		case <-ctx.Done():
			break loop
		}
	}
	mp.finish(ctx)
	for _, ch := range mp.Out {
		ch.Close()
	}
}

// collect resolves one upstream tuple, renders its own script against its
// own context map, and records it for the eventual fold, per spec.md
// §4.9's mergeScriptCollector step.
func (mp *MergeProcessor) collect(firing Firing) {
	mp.state.BeginFiring()
	ctxMap, staged, err := mp.resolve(firing)
	if err != nil {
		mp.Log.Errorf("%s: merge resolve: %v", mp.Process.Name, err)
		mp.state.EndFiring(err)
		return
	}
	script, err := mp.Process.Render(ctxMap)
	if err != nil {
		mp.Log.Errorf("%s: merge render: %v", mp.Process.Name, err)
		mp.state.EndFiring(err)
		return
	}

	keyed := make([]hashkey.KeyedValue, 0, len(ctxMap))
	for _, in := range mp.Process.Ins {
		keyed = append(keyed, hashkey.KeyedValue{Key: in.Name, Value: ctxMap[in.Name]})
	}
	mode, cachingOff := cacheModeFor(mp.Process.Options.CacheMode)
	var subHash digest.Digest
	if !cachingOff {
		hk := hashkey.New(mode)
		ok := true
		for _, kv := range keyed {
			if ferr := hk.Feed(kv.Key, kv.Value); ferr != nil {
				ok = false
				break
			}
		}
		if ok {
			subHash = hk.Finalize()
		}
	}

	mp.mu.Lock()
	mp.firings = append(mp.firings, mergedFiring{ctxMap: ctxMap, staged: staged, script: script})
	mp.subHashes = append(mp.subHashes, subHash)
	mp.mu.Unlock()
	mp.state.EndFiring(nil)
}

// finish implements the poison-pill side of spec.md §4.9: if any firing
// was collected, fold the sub-hashes, build the section-marked composite
// script and submit a single task.Run; if none arrived, warn and submit
// nothing.
func (mp *MergeProcessor) finish(ctx context.Context) {
	mp.state.Drain()

	mp.mu.Lock()
	firings := mp.firings
	subHashes := mp.subHashes
	mp.mu.Unlock()

	if len(firings) == 0 {
		mp.Log.Errorf("%s: merge received zero firings before the poison pill; no task submitted", mp.Process.Name)
		return
	}

	composite, staged := mp.buildSections(firings)
	// ValueOut/SetOut bindings re-emit whatever the last firing's context
	// holds, matching the "last writer wins" convention the rest of the
	// engine uses for scalar merge bindings.
	lastCtx := firings[len(firings)-1].ctxMap

	_, cachingOff := cacheModeFor(mp.Process.Options.CacheMode)
	var cacheKey digest.Digest
	haveCacheKey := false
	if !cachingOff {
		cacheKey = hashkey.MergeDigest(mp.Session.ID, subHashes)
		haveCacheKey = true
		if mp.Session.Resume {
			if entry, lerr := mp.CacheIndex.Lookup(cacheKey); lerr == nil && outputsExist(entry.Outputs) {
				bound, _, cerr := mp.collectFileOutputsFrom(entry.WorkDir)
				if cerr == nil {
					mp.Dispatcher.NotifyCached(nil)
					mp.bindOutputs(bound)
					return
				}
				mp.Log.Errorf("%s: cache hit but outputs could not be rebound, resubmitting: %v", mp.Process.Name, cerr)
			}
		}
	}

	run := task.New(fmt.Sprintf("%s-merge", mp.Process.Name), 0, mp.workDir, composite)
	run.Inputs = staged
	run.Container = mp.Process.Options.Container
	run.Log = mp.Log

	if err := mp.Dispatcher.Dispatch(ctx, mp.Process.Options.Executor, run); err != nil {
		mp.Log.Errorf("%s: merge dispatch: %v", mp.Process.Name, err)
		return
	}
	if err := run.Wait(ctx, task.Completed); err != nil {
		mp.Log.Errorf("%s: merge wait: %v", mp.Process.Name, err)
		return
	}
	if run.Err != nil {
		mp.Log.Errorf("%s: merge task failed: %v", mp.Process.Name, run.Err)
		return
	}
	if run.ExitCode != 0 {
		mp.Log.Errorf("%s: merge task exited %d", mp.Process.Name, run.ExitCode)
		return
	}

	bound, fileOutputs, err := mp.collectOutputs(run, lastCtx)
	if err != nil {
		mp.Log.Errorf("%s: merge collect outputs: %v", mp.Process.Name, err)
		return
	}
	if haveCacheKey {
		mp.CacheIndex.Map(cacheKey, cache.Entry{WorkDir: run.WorkDir, Outputs: fileOutputs})
	}
	mp.bindOutputs(bound)
}

// buildSections appends one section per collected firing to a single
// shell buffer (spec.md §4.9): a marker comment, stage-in symlinks for
// that firing's files, a uniquely-named command file holding that
// firing's own rendered script, its env bindings (exported directly, or
// via a per-firing env file when the process is containerized), and the
// invocation of that command file. The whole buffer becomes the one
// task.Run's script; its outer Container wraps the buffer as a whole, so
// every per-firing section already executes inside that one container.
func (mp *MergeProcessor) buildSections(firings []mergedFiring) (string, []taskflow.FileHolder) {
	var b strings.Builder
	var allStaged []taskflow.FileHolder
	containerized := mp.Process.Options.Container != ""

	var envNames []string
	for _, in := range mp.Process.Ins {
		if in.Kind == taskflow.EnvIn {
			envNames = append(envNames, in.Name)
		}
	}

	for i, f := range firings {
		n := i + 1
		fmt.Fprintf(&b, "# --- firing %d ---\n", n)
		for _, h := range f.staged {
			fmt.Fprintf(&b, "ln -sf %s %s\n", mergeShQuote(h.SourcePath), mergeShQuote(h.StoredName))
		}
		allStaged = append(allStaged, f.staged...)

		envFile := fmt.Sprintf(".command.env.%d", n)
		if containerized && len(envNames) > 0 {
			fmt.Fprintf(&b, "cat > %s <<'TASKFLOW_ENV_%d'\n", envFile, n)
			for _, name := range envNames {
				fmt.Fprintf(&b, "%s=%v\n", name, f.ctxMap[name])
			}
			fmt.Fprintf(&b, "TASKFLOW_ENV_%d\n", n)
		}

		cmdFile := fmt.Sprintf(".command.sh.%d", n)
		fmt.Fprintf(&b, "cat > %s <<'TASKFLOW_FIRING_%d'\n%s\nTASKFLOW_FIRING_%d\n", cmdFile, n, f.script, n)
		fmt.Fprintf(&b, "chmod +x %s\n", cmdFile)

		b.WriteString("(\n")
		switch {
		case containerized && len(envNames) > 0:
			fmt.Fprintf(&b, "  set -a; . ./%s; set +a\n", envFile)
		case !containerized:
			for _, name := range envNames {
				fmt.Fprintf(&b, "  export %s=%v\n", name, f.ctxMap[name])
			}
		}
		fmt.Fprintf(&b, "  bash %s\n", cmdFile)
		b.WriteString(")\n\n")
	}
	return b.String(), allStaged
}

func mergeShQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// resolve is the same two-pass binding ParallelProcessor.resolve performs:
// values (and shared values) first, then file inputs expanded against the
// resulting context.
func (mp *MergeProcessor) resolve(firing Firing) (map[string]interface{}, []taskflow.FileHolder, error) {
	ctxMap := make(map[string]interface{}, len(mp.Process.Ins))
	var deferredFiles []*taskflow.InParam
	for _, in := range mp.Process.Ins {
		switch in.Kind {
		case taskflow.FileIn, taskflow.FileSharedIn:
			deferredFiles = append(deferredFiles, in)
			continue
		case taskflow.ValueSharedIn:
			ctxMap[in.Name] = mp.resolveShared(in.Name, firing[in.Name])
		default:
			ctxMap[in.Name] = firing[in.Name]
		}
	}

	var staged []taskflow.FileHolder
	for _, in := range deferredFiles {
		raw := firing[in.Name]
		if in.Kind == taskflow.FileSharedIn {
			raw = mp.resolveShared(in.Name, raw)
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

func (mp *MergeProcessor) resolveShared(name string, v interface{}) interface{} {
	bv := mp.sharedVals[name]
	if bv == nil {
		return v
	}
	if !bv.Ready() {
		bv.Set(v)
	}
	return bv.Get()
}

// collectOutputs resolves every declared output against the completed
// merge run, the same way ParallelProcessor.collect does: FileOut matched
// against the work directory, StdoutOut/ValueOut/SetOut resolved against
// ctxMap (spec.md §3 "OutParam (variant)").
func (mp *MergeProcessor) collectOutputs(run *task.Run, ctxMap map[string]interface{}) ([]boundOutput, []taskflow.FileHolder, error) {
	var bound []boundOutput
	var fileOutputs []taskflow.FileHolder
	for _, out := range mp.Process.Outs {
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

// collectFileOutputsFrom matches every declared FileOut pattern against
// workDir directly, for the cache-hit short-circuit where no task.Run
// executed and ctxMap/stdout are unavailable (spec.md §4.10).
func (mp *MergeProcessor) collectFileOutputsFrom(workDir string) ([]boundOutput, []taskflow.FileHolder, error) {
	var bound []boundOutput
	var fileOutputs []taskflow.FileHolder
	for _, out := range mp.Process.Outs {
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

func (mp *MergeProcessor) bindOutputs(bound []boundOutput) {
	for _, b := range bound {
		ch, ok := mp.Out[b.Name]
		if !ok {
			continue
		}
		ch.Send(taskflow.Binding{Name: b.Name, Value: b.Value})
	}
}

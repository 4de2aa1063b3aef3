package operator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskflow"
	"github.com/taskmesh/taskflow/backend"
	"github.com/taskmesh/taskflow/cache"
	"github.com/taskmesh/taskflow/config"
	"github.com/taskmesh/taskflow/dataflow"
	"github.com/taskmesh/taskflow/monitor"
	"github.com/taskmesh/taskflow/task"
)

func newParallelFixture(t *testing.T, fn func(context.Context, *task.Run) (int, error)) (*ParallelProcessor, *dataflow.Channel) {
	t.Helper()
	outCh := dataflow.NewChannel()
	proc := &Process{
		Name: "echoX",
		Ins: []*taskflow.InParam{
			{Name: "x", Kind: taskflow.ValueIn},
		},
		Outs: []*taskflow.OutParam{
			{Name: "out", Kind: taskflow.FileOut, Pattern: "*.txt"},
		},
		Render: func(ctx map[string]interface{}) (string, error) {
			return fmt.Sprintf("echo %v", ctx["x"]), nil
		},
		Options: config.Process{Executor: "native"},
	}

	b := &backend.Native{Funcs: map[string]func(context.Context, *task.Run) (int, error){}}
	d := monitor.NewDispatcher(nil)
	m := monitor.New(b, 4, 1000)
	d.Register("native", m)

	idx := cache.New(16, 0.01)
	sess := config.Session{ID: "s1", WorkDir: t.TempDir(), Resume: true}

	pp := NewParallelProcessor(proc, sess, nil, map[string]*dataflow.Channel{"out": outCh}, d, idx, nil)

	b.Funcs["echoX-0"] = fn
	return pp, outCh
}

func TestParallelProcessorSingleFiring(t *testing.T) {
	pp, outCh := newParallelFixture(t, func(ctx context.Context, r *task.Run) (int, error) {
		if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
			return 0, err
		}
		return 0, os.WriteFile(filepath.Join(r.WorkDir, "result.txt"), []byte("42"), 0644)
	})

	firingsIn := make(chan Firing, 1)
	firingsIn <- Firing{"x": 42}
	close(firingsIn)
	pillIn := make(chan struct{})

	pp.Run(context.Background(), firingsIn, pillIn)

	sub, comp, errored := pp.state.Counts()
	require.EqualValues(t, 1, sub)
	require.EqualValues(t, 1, comp)
	require.EqualValues(t, 0, errored)

	tup, ok := outCh.Recv()
	require.True(t, ok)
	require.False(t, tup.Pill)
	h := tup.Value.(taskflow.Binding).Value.(taskflow.FileHolder)
	require.Equal(t, "result.txt", h.StoredName)

	tup, ok = outCh.Recv()
	require.True(t, ok)
	require.True(t, tup.Pill)
}

func TestParallelProcessorStoreDirSkipsSubmission(t *testing.T) {
	pp, outCh := newParallelFixture(t, func(ctx context.Context, r *task.Run) (int, error) {
		t.Fatal("submission must not occur when storeDir already has the output")
		return 0, nil
	})
	store := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(store, "result.txt"), []byte("cached"), 0644))
	pp.Process.Options.StoreDir = store

	firingsIn := make(chan Firing, 1)
	firingsIn <- Firing{"x": 42}
	close(firingsIn)
	pillIn := make(chan struct{})

	pp.Run(context.Background(), firingsIn, pillIn)

	tup, ok := outCh.Recv()
	require.True(t, ok)
	require.False(t, tup.Pill)
	h := tup.Value.(taskflow.Binding).Value.(taskflow.FileHolder)
	require.Equal(t, filepath.Join(store, "result.txt"), h.SourcePath)
}

func TestParallelProcessorErrStrategyIgnoreSwallowsFailure(t *testing.T) {
	pp, outCh := newParallelFixture(t, func(ctx context.Context, r *task.Run) (int, error) {
		return 0, fmt.Errorf("boom")
	})
	pp.Process.Options.ErrStrategy = config.Ignore

	firingsIn := make(chan Firing, 1)
	firingsIn <- Firing{"x": 42}
	close(firingsIn)
	pillIn := make(chan struct{})

	done := make(chan struct{})
	go func() {
		pp.Run(context.Background(), firingsIn, pillIn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	require.False(t, pp.state.Poisoned())
	tup, ok := outCh.Recv()
	require.True(t, ok)
	require.True(t, tup.Pill)
}

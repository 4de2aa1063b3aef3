package operator

import (
	"context"
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

func newMergeFixture(t *testing.T) (*MergeProcessor, *dataflow.Channel) {
	t.Helper()
	outCh := dataflow.NewChannel()
	proc := &Process{
		Name: "mergeReads",
		Ins: []*taskflow.InParam{
			{Name: "file", Kind: taskflow.FileIn, Pattern: "*"},
		},
		Outs: []*taskflow.OutParam{
			{Name: "merged", Kind: taskflow.FileOut, Pattern: "*.txt"},
		},
		Render: func(ctx map[string]interface{}) (string, error) {
			return "cat *", nil
		},
		Options: config.Process{Executor: "native"},
	}

	b := &backend.Native{Funcs: map[string]func(context.Context, *task.Run) (int, error){}}
	d := monitor.NewDispatcher(nil)
	m := monitor.New(b, 4, 1000)
	d.Register("native", m)

	b.Funcs["mergeReads-merge"] = func(ctx context.Context, r *task.Run) (int, error) {
		if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
			return 0, err
		}
		return 0, os.WriteFile(filepath.Join(r.WorkDir, "out.txt"), []byte("merged"), 0644)
	}

	idx := cache.New(16, 0.01)
	sess := config.Session{ID: "s1", WorkDir: t.TempDir(), Resume: false}

	mp := NewMergeProcessor(proc, sess, nil, map[string]*dataflow.Channel{"merged": outCh}, d, idx, nil)
	return mp, outCh
}

func TestMergeProcessorZeroFiringsEmitsNoTask(t *testing.T) {
	mp, outCh := newMergeFixture(t)
	firingsIn := make(chan Firing)
	pillIn := make(chan struct{}, 1)
	pillIn <- struct{}{}

	done := make(chan struct{})
	go func() {
		mp.Run(context.Background(), firingsIn, pillIn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	sub, comp, _ := mp.state.Counts()
	require.EqualValues(t, 0, sub)
	require.EqualValues(t, 0, comp)

	tup, ok := outCh.Recv()
	require.True(t, ok)
	require.True(t, tup.Pill)
}

func TestMergeProcessorFoldsTwoFiringsIntoOneTask(t *testing.T) {
	mp, outCh := newMergeFixture(t)

	f1 := filepath.Join(t.TempDir(), "f1.txt")
	f2 := filepath.Join(t.TempDir(), "f2.txt")
	require.NoError(t, os.WriteFile(f1, []byte("one"), 0644))
	require.NoError(t, os.WriteFile(f2, []byte("two"), 0644))

	firingsIn := make(chan Firing, 2)
	firingsIn <- Firing{"file": f1}
	firingsIn <- Firing{"file": f2}
	close(firingsIn)
	pillIn := make(chan struct{})

	mp.Run(context.Background(), firingsIn, pillIn)

	sub, comp, errored := mp.state.Counts()
	require.EqualValues(t, 2, sub)
	require.EqualValues(t, 2, comp)
	require.EqualValues(t, 0, errored)

	var bindings []taskflow.Binding
	for {
		tup, ok := outCh.Recv()
		require.True(t, ok)
		if tup.Pill {
			break
		}
		bindings = append(bindings, tup.Value.(taskflow.Binding))
	}
	require.Len(t, bindings, 1)
	h := bindings[0].Value.(taskflow.FileHolder)
	require.Equal(t, "out.txt", h.StoredName)
}

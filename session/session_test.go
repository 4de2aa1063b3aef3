package session

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
	"github.com/taskmesh/taskflow/config"
	"github.com/taskmesh/taskflow/dataflow"
	"github.com/taskmesh/taskflow/operator"
	"github.com/taskmesh/taskflow/task"
)

// TestSessionSingleLocalTask drives a one-process pipeline end to end
// through a Session: a channel of ValueIn "x" tuples feeds a process that
// writes a file named after x, and the session's wiring (EachFanout,
// ParallelProcessor, dispatcher, native backend) is expected to produce
// one bound output per input firing and then close the output channel.
func TestSessionSingleLocalTask(t *testing.T) {
	sess := New(config.Session{ID: "s1", WorkDir: t.TempDir(), Resume: false}, 0, 0, nil)

	nat := &backend.Native{Funcs: map[string]func(context.Context, *task.Run) (int, error){}}
	sess.RegisterBackend(nat, 4, 1000)

	proc := &operator.Process{
		Name: "writeX",
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
	nat.Funcs["writeX-0"] = func(ctx context.Context, r *task.Run) (int, error) {
		if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
			return 0, err
		}
		return 0, os.WriteFile(filepath.Join(r.WorkDir, "result.txt"), []byte("hi"), 0644)
	}

	xCh := dataflow.NewChannel()
	outCh := dataflow.NewChannel()
	sess.Spawn(proc, map[string]*dataflow.Channel{"x": xCh}, map[string]*dataflow.Channel{"out": outCh}, false)

	xCh.Send(42)
	xCh.Close()

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
	require.Equal(t, "result.txt", h.StoredName)

	done := make(chan struct{})
	go func() {
		sess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not quiesce after pill")
	}
}

package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskflow/task"
)

func TestNativeSubmitCompletes(t *testing.T) {
	h := &Native{Funcs: map[string]func(context.Context, *task.Run) (int, error){
		"t1": func(ctx context.Context, r *task.Run) (int, error) { return 0, nil },
	}}
	r := task.New("t1", 0, t.TempDir(), "")
	require.NoError(t, h.Submit(context.Background(), r))
	require.Equal(t, task.Completed, r.State())
	require.Equal(t, 0, r.ExitCode)
}

func TestNativeSubmitMissingFunc(t *testing.T) {
	h := &Native{Funcs: map[string]func(context.Context, *task.Run) (int, error){}}
	r := task.New("missing", 0, t.TempDir(), "")
	require.Error(t, h.Submit(context.Background(), r))
}

func TestLocalSubmitRunsScript(t *testing.T) {
	h := &Local{}
	r := task.New("t1", 0, t.TempDir(), "echo hi > out.txt\nexit 0\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Submit(ctx, r))
	require.NoError(t, h.Poll(ctx, r))
	require.Equal(t, task.Completed, r.State())
	require.Equal(t, 0, r.ExitCode)
}

func TestParseSubmitID(t *testing.T) {
	id, err := ParseSubmitID("Submitted batch job 10")
	require.NoError(t, err)
	require.Equal(t, "10", id)
}

func TestParseSubmitIDUnrecognized(t *testing.T) {
	_, err := ParseSubmitID("sbatch: error: invalid partition")
	require.Error(t, err)
}

func TestParseQueueStatus(t *testing.T) {
	got := ParseQueueStatus("5 PD\n6 PD\n13 R\n14 CA\n15 F\n4 R")
	want := map[string]QueueStatus{
		"4":  StatusRunning,
		"5":  StatusPending,
		"6":  StatusPending,
		"13": StatusRunning,
		"14": StatusError,
		"15": StatusError,
	}
	require.Equal(t, want, got)
}

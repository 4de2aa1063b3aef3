package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskflow/handler"
	"github.com/taskmesh/taskflow/task"
)

func TestParseGridAdapters(t *testing.T) {
	doc := []byte(`
- name: slurm
  submit: ["sbatch", "--parsable", "{script}"]
  status: ["sacct", "-j", "{job}", "-o", "State"]
  kill: ["scancel", "{job}"]
  done_marker: "COMPLETED"
  fail_marker: "FAILED"
`)
	adapters, err := ParseGridAdapters(doc)
	require.NoError(t, err)
	require.Len(t, adapters, 1)
	require.Equal(t, "slurm", adapters[0].Name)
	require.Equal(t, []string{"sbatch", "--parsable", "{script}"}, adapters[0].SubmitArgv)
}

func TestSubstituteArgv(t *testing.T) {
	out := substituteArgv([]string{"sbatch", "{script}", "-D", "{workdir}"}, "/work/t1/.command.sh", "/work/t1", "")
	require.Equal(t, []string{"sbatch", "/work/t1/.command.sh", "-D", "/work/t1"}, out)
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nonexistent")
	require.Error(t, err)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&Native{Funcs: map[string]func(ctx context.Context, run *task.Run) (int, error){}})
	b, err := r.Get("native")
	require.NoError(t, err)
	require.Equal(t, "native", b.Name())
}

func TestSLURMKillCmd(t *testing.T) {
	b := &SLURM{}
	h := b.Handler().(*handler.Grid)
	require.Equal(t, []string{"scancel", "123"}, h.KillCmd("123"))
}

func TestSLURMSubmitCmd(t *testing.T) {
	b := &SLURM{ClusterOptions: "-p gpu", Walltime: 90 * time.Minute}
	h := b.Handler().(*handler.Grid)
	argv := h.SubmitCmd("/work/t1/.command.sh", "/work/t1")
	require.Equal(t, []string{
		"sbatch", "-D", "/work/t1", "-J", "nf-t1", "-o", "/dev/null",
		"-t", "01:30:00", "-p", "gpu", "/work/t1/.command.sh",
	}, argv)
}

func TestFormatWalltime(t *testing.T) {
	require.Equal(t, "01:30:00", formatWalltime(90*time.Minute))
}

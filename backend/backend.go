// Package backend implements ExecutorBackend, the factory a TaskMonitor
// uses to obtain the handler.Handler for a process's declared executor
// (spec.md §4.6, §6 "executor" process option). A backend hands each task
// to its handler as is; it computes no mount hints and does not look up
// container images.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskflow/config"
	"github.com/taskmesh/taskflow/errors"
	"github.com/taskmesh/taskflow/handler"
	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/task"
)

// ExecutorBackend names a handler.Handler together with the process
// options it was configured from.
type ExecutorBackend interface {
	// Name identifies the backend within a Registry.
	Name() string
	// Handler returns the handler.Handler tasks submitted under proc
	// should be driven through.
	Handler() handler.Handler
	// Submit submits r through Handler(). The backends in this package
	// do not read proc.
	Submit(ctx context.Context, proc config.Process, r *task.Run) error
}

// Local runs every task as a direct OS subprocess.
type Local struct {
	Log *log.Logger
}

func (b *Local) Name() string { return "local" }

func (b *Local) Handler() handler.Handler { return &handler.Local{Log: b.Log} }

func (b *Local) Submit(ctx context.Context, proc config.Process, r *task.Run) error {
	return b.Handler().Submit(ctx, r)
}

// GridAdapter describes the argv templates a SLURM-like grid backend
// uses to submit, poll, and kill jobs (SPEC_FULL.md §C: grid adapters
// are YAML-described so new clusters can be onboarded without a code
// change, mirroring the teacher's cluster-options string passthrough).
type GridAdapter struct {
	Name       string   `yaml:"name"`
	SubmitArgv []string `yaml:"submit"`
	StatusArgv []string `yaml:"status"`
	KillArgv   []string `yaml:"kill"`
	// DoneMarker is a substring of StatusArgv's stdout that indicates the
	// job has left the queue.
	DoneMarker string `yaml:"done_marker"`
	// FailMarker, if found instead of DoneMarker, reports a nonzero exit.
	FailMarker string `yaml:"fail_marker"`
}

// ParseGridAdapters decodes a list of GridAdapter definitions from YAML,
// e.g. a cluster-configuration file naming each registered grid backend.
func ParseGridAdapters(data []byte) ([]GridAdapter, error) {
	var adapters []GridAdapter
	if err := yaml.Unmarshal(data, &adapters); err != nil {
		return nil, errors.E("backend.ParseGridAdapters", errors.Invalid, err)
	}
	return adapters, nil
}

// Grid runs tasks through an external batch scheduler described by a
// GridAdapter.
type Grid struct {
	Log     *log.Logger
	Adapter GridAdapter
}

func (b *Grid) Name() string { return b.Adapter.Name }

func (b *Grid) Handler() handler.Handler {
	return &handler.Grid{
		Log: b.Log,
		SubmitCmd: func(scriptPath, workDir string) []string {
			return substituteArgv(b.Adapter.SubmitArgv, scriptPath, workDir, "")
		},
		StatusCmd: func(jobID string) []string {
			return substituteArgv(b.Adapter.StatusArgv, "", "", jobID)
		},
		KillCmd: func(jobID string) []string {
			return substituteArgv(b.Adapter.KillArgv, "", "", jobID)
		},
		StatusParser: func(output string) (bool, int, error) {
			switch {
			case b.Adapter.FailMarker != "" && strings.Contains(output, b.Adapter.FailMarker):
				return true, 1, nil
			case strings.Contains(output, b.Adapter.DoneMarker):
				return true, 0, nil
			default:
				return false, 0, nil
			}
		},
	}
}

func (b *Grid) Submit(ctx context.Context, proc config.Process, r *task.Run) error {
	return b.Handler().Submit(ctx, r)
}

func substituteArgv(template []string, scriptPath, workDir, jobID string) []string {
	out := make([]string, len(template))
	for i, tok := range template {
		tok = strings.ReplaceAll(tok, "{script}", scriptPath)
		tok = strings.ReplaceAll(tok, "{workdir}", workDir)
		tok = strings.ReplaceAll(tok, "{job}", jobID)
		out[i] = tok
	}
	return out
}

// SLURM is the reference grid adapter named directly by the spec (spec.md
// §4.5, §6, §8 S5): it submits via `sbatch`, kills via `scancel`, and
// polls a single shared `squeue -h -o '%i %t'` snapshot rather than
// running a per-job status command on every handler's every tick. The
// snapshot is cached and refreshed at most once per PollInterval, no
// matter how many handlers ask for it concurrently.
type SLURM struct {
	Log *log.Logger
	// ClusterOptions is appended verbatim to the submit argv (spec.md §6
	// "process.clusterOptions"), split on whitespace.
	ClusterOptions string
	// Walltime, if positive, is rendered as sbatch's `-t HH:MM:SS` flag.
	Walltime time.Duration
	// PollInterval bounds how often the shared queue snapshot refreshes.
	// Defaults to 30s, matching the teacher's grid poll cadence.
	PollInterval time.Duration

	snapMu   sync.Mutex
	snapshot map[string]handler.QueueStatus
	snapAt   time.Time
}

func (b *SLURM) Name() string { return "slurm" }

func (b *SLURM) Handler() handler.Handler {
	return &handler.Grid{
		Log: b.Log,
		SubmitCmd: func(scriptPath, workDir string) []string {
			argv := []string{"sbatch", "-D", workDir, "-J", "nf-" + filepath.Base(workDir), "-o", "/dev/null"}
			if b.Walltime > 0 {
				argv = append(argv, "-t", formatWalltime(b.Walltime))
			}
			if b.ClusterOptions != "" {
				argv = append(argv, strings.Fields(b.ClusterOptions)...)
			}
			return append(argv, scriptPath)
		},
		KillCmd:       func(jobID string) []string { return []string{"scancel", jobID} },
		ParseSubmitID: handler.ParseSubmitID,
		QueueSnapshot: b.queueSnapshot,
	}
}

func (b *SLURM) Submit(ctx context.Context, proc config.Process, r *task.Run) error {
	return b.Handler().Submit(ctx, r)
}

// queueSnapshot runs `squeue -h -o '%i %t'` at most once per PollInterval,
// serving every concurrent caller the same cached map in between (spec.md
// §4.6 step 2 "refresh a cached {jobId -> QueueStatus} snapshot").
func (b *SLURM) queueSnapshot(ctx context.Context) (map[string]handler.QueueStatus, error) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	interval := b.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if b.snapshot != nil && time.Since(b.snapAt) < interval {
		return b.snapshot, nil
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "squeue", "-h", "-o", "%i %t")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	b.snapshot = handler.ParseQueueStatus(out.String())
	b.snapAt = time.Now()
	return b.snapshot, nil
}

func formatWalltime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Native runs tasks as in-process Go closures, for tests and for
// processes without a script body.
type Native struct {
	Log   *log.Logger
	Funcs map[string]func(ctx context.Context, r *task.Run) (int, error)
}

func (b *Native) Name() string { return "native" }

func (b *Native) Handler() handler.Handler {
	return &handler.Native{Log: b.Log, Funcs: b.Funcs}
}

func (b *Native) Submit(ctx context.Context, proc config.Process, r *task.Run) error {
	return b.Handler().Submit(ctx, r)
}

// Registry maps an executor name, as named by config.Process.Executor, to
// the ExecutorBackend that serves it.
type Registry struct {
	backends map[string]ExecutorBackend
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]ExecutorBackend)}
}

// Register adds b under its own Name.
func (r *Registry) Register(b ExecutorBackend) {
	r.backends[b.Name()] = b
}

// Get returns the backend registered under name, or an error if none is.
func (r *Registry) Get(name string) (ExecutorBackend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, errors.E("backend.Registry.Get", errors.NotExist, fmt.Errorf("no backend registered under %q", name))
	}
	return b, nil
}

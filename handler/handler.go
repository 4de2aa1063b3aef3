// Package handler implements TaskHandler, the interface a backend uses to
// carry a single task.Run through submission, polling, and completion
// (spec.md §4.8). Three implementations are provided: Local spawns an OS
// process directly, Grid submits to a SLURM-like batch scheduler and polls
// its queue, and Native runs a Go closure in-process for unit tests and
// for processes declared without a script body.
package handler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/retry"

	"github.com/taskmesh/taskflow/errors"
	"github.com/taskmesh/taskflow/log"
	"github.com/taskmesh/taskflow/task"
	"github.com/taskmesh/taskflow/wrapper"
)

// QueueStatus classifies a grid job's standing in a scheduler's queue
// snapshot (spec.md §4.5 "QueueStatus", §6 "status map").
type QueueStatus int

const (
	StatusUnknown QueueStatus = iota
	StatusPending
	StatusRunning
	StatusHold
	StatusError
	StatusCompleted
)

func (s QueueStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusHold:
		return "HOLD"
	case StatusError:
		return "ERROR"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ParseSubmitID extracts a SLURM job ID from sbatch's stdout, e.g.
// "Submitted batch job 10" -> "10" (spec.md §6, S5).
func ParseSubmitID(stdout string) (string, error) {
	const prefix = "Submitted batch job"
	line := strings.TrimSpace(stdout)
	idx := strings.Index(line, prefix)
	if idx < 0 {
		return "", errors.E("handler.ParseSubmitID", errors.Invalid, fmt.Errorf("unrecognized sbatch output %q", stdout))
	}
	id := strings.TrimSpace(line[idx+len(prefix):])
	if id == "" {
		return "", errors.E("handler.ParseSubmitID", errors.Invalid, fmt.Errorf("no job id in %q", stdout))
	}
	return id, nil
}

// ParseQueueStatus parses a `squeue -h -o '%i %t'` snapshot into a
// {jobId -> QueueStatus} map (spec.md §6, S5): PD/R/CA/F/NF/TO/CD map to
// PENDING/RUNNING/ERROR/ERROR/ERROR/ERROR/COMPLETED.
func ParseQueueStatus(stdout string) map[string]QueueStatus {
	out := make(map[string]QueueStatus)
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out[fields[0]] = parseSlurmCode(fields[1])
	}
	return out
}

func parseSlurmCode(code string) QueueStatus {
	switch code {
	case "PD":
		return StatusPending
	case "R":
		return StatusRunning
	case "CA", "F", "NF", "TO":
		return StatusError
	case "CD":
		return StatusCompleted
	default:
		return StatusUnknown
	}
}

// readExitCode reads the wrapper's recorded exit status, written by the
// wrapped script once the user command returns (spec.md §4.3 step 5,
// wrapper.ExitCodeFile).
func readExitCode(workDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(workDir, wrapper.ExitCodeFile))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Handler drives a task.Run from task.New through task.Completed.
type Handler interface {
	// Submit hands the run to the backend. It must not block past
	// acceptance; use Poll to observe progress.
	Submit(ctx context.Context, r *task.Run) error
	// Poll checks on a previously submitted run and advances its state.
	// It returns once the run leaves task.Submitted/task.Running, or ctx
	// is done.
	Poll(ctx context.Context, r *task.Run) error
	// Kill terminates a running task, if the backend supports it.
	Kill(ctx context.Context, r *task.Run) error
}

// Local runs a task.Run as a direct OS subprocess under its WorkDir.
type Local struct {
	Log *log.Logger
}

// Submit renders r.Script through wrapper.Render (env exports, exit-code
// capture, and container invocation if r.Container is set), writes the
// result to r.WorkDir, and starts it as a detached subprocess, matching
// local/executor.go's pattern of writing an exec's script to disk before
// running it. r.Inputs are not staged into the work directory, and no
// container mounts are passed to the wrapper.
func (h *Local) Submit(ctx context.Context, r *task.Run) error {
	rendered, err := wrapper.Render(r.WorkDir, wrapper.Script{
		Command:   r.Script,
		Container: r.Container,
		Env:       envVars(r.Env),
	})
	if err != nil {
		return errors.E("handler.Local.Submit", err)
	}
	r.Script = rendered

	scriptPath := filepath.Join(r.WorkDir, ".command.sh")
	if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
		return errors.E("handler.Local.Submit", err)
	}
	if err := os.WriteFile(scriptPath, []byte(r.Script), 0755); err != nil {
		return errors.E("handler.Local.Submit", err)
	}
	cmd := exec.CommandContext(ctx, "/bin/bash", scriptPath)
	cmd.Dir = r.WorkDir
	if err := cmd.Start(); err != nil {
		r.Fail(errors.E("handler.Local.Submit", errors.Fatal, err))
		return err
	}
	r.Set(task.Submitted)
	r.Set(task.Running)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			r.Fail(errors.E("handler.Local.Wait", errors.Fatal, err))
			return
		}
		r.Finish(code)
	}()
	return nil
}

// Poll blocks until r leaves task.Running.
func (h *Local) Poll(ctx context.Context, r *task.Run) error {
	return r.Wait(ctx, task.Completed)
}

// Kill does nothing and returns nil. Local does not keep the subprocess
// handle; a running script stops only when the context passed to Submit is
// canceled, which makes exec.CommandContext kill it.
func (h *Local) Kill(ctx context.Context, r *task.Run) error {
	return nil
}

// Grid submits tasks to an external batch scheduler (the spec's "grid
// backend") via shell commands, and polls the queue for completion,
// backing off between polls with a grailbio/base/retry policy the way
// pool/alloc.go backs off its keepalive loop.
type Grid struct {
	Log *log.Logger
	// SubmitCmd renders the argv used to submit a script; it receives the
	// rendered script path and the work directory.
	SubmitCmd func(scriptPath, workDir string) []string
	// StatusCmd renders the argv used to query a submitted job's state;
	// its output is inspected by StatusParser.
	StatusCmd func(jobID string) []string
	// StatusParser interprets StatusCmd's stdout, returning true once the
	// job has left the queue (succeeded or failed). Used only when
	// QueueSnapshot is nil.
	StatusParser func(output string) (done bool, exitCode int, err error)
	// KillCmd renders the argv used to cancel a submitted job.
	KillCmd func(jobID string) []string
	// PollInterval is not read: Poll spaces its re-checks with
	// gridPollRetry, which backs off from 1s up to 30s.
	PollInterval time.Duration

	// ParseSubmitID extracts a job ID from the submit command's stdout. A
	// nil ParseSubmitID falls back to the raw trimmed stdout, for adapters
	// whose submit command's stdout is already bare (e.g. a generic
	// DoneMarker adapter).
	ParseSubmitID func(stdout string) (string, error)

	// QueueSnapshot, when set, replaces the per-job StatusCmd/StatusParser
	// poll with a single shared queue snapshot (spec.md §4.6 step 2,
	// §4.7): it returns every known job's current QueueStatus, refreshing
	// its underlying queueCommand at the backend's own cadence rather than
	// once per polled handler.
	QueueSnapshot func(ctx context.Context) (map[string]QueueStatus, error)

	jobIDs map[*task.Run]string
}

var gridPollRetry = retry.Jitter(retry.Backoff(time.Second, 30*time.Second, 1.5), 0.25)

// Submit renders r.Script through wrapper.Render, writes it and invokes
// SubmitCmd, recording the job ID parsed from its stdout.
func (h *Grid) Submit(ctx context.Context, r *task.Run) error {
	if h.jobIDs == nil {
		h.jobIDs = make(map[*task.Run]string)
	}
	rendered, err := wrapper.Render(r.WorkDir, wrapper.Script{
		Command:   r.Script,
		Container: r.Container,
		Env:       envVars(r.Env),
	})
	if err != nil {
		return errors.E("handler.Grid.Submit", err)
	}
	r.Script = rendered

	scriptPath := filepath.Join(r.WorkDir, ".command.sh")
	if err := os.MkdirAll(r.WorkDir, 0755); err != nil {
		return errors.E("handler.Grid.Submit", err)
	}
	if err := os.WriteFile(scriptPath, []byte(r.Script), 0755); err != nil {
		return errors.E("handler.Grid.Submit", err)
	}
	argv := h.SubmitCmd(scriptPath, r.WorkDir)
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		r.Fail(errors.E("handler.Grid.Submit", errors.Fatal, err))
		return err
	}
	jobID := strings.TrimSpace(out.String())
	if h.ParseSubmitID != nil {
		parsed, perr := h.ParseSubmitID(out.String())
		if perr != nil {
			r.Fail(errors.E("handler.Grid.Submit", errors.Fatal, perr))
			return perr
		}
		jobID = parsed
	}
	h.jobIDs[r] = jobID
	r.Set(task.Submitted)
	return nil
}

// Poll advances r by consulting either a shared queue snapshot
// (QueueSnapshot) or a per-job StatusCmd, whichever the backend wired.
func (h *Grid) Poll(ctx context.Context, r *task.Run) error {
	jobID, ok := h.jobIDs[r]
	if !ok {
		return errors.E("handler.Grid.Poll", errors.Invalid, "no job ID recorded for run")
	}
	if h.QueueSnapshot != nil {
		return h.pollSnapshot(ctx, r, jobID)
	}
	return h.pollStatusCmd(ctx, r, jobID)
}

// pollSnapshot polls a shared {jobId -> QueueStatus} snapshot until jobID
// leaves it (or is reported ERROR/COMPLETED within it), then reads the
// wrapper's recorded exit code, matching the SLURM-like reference adapter
// of spec.md §4.5, §6, S5: a job stops appearing in `squeue` once it has
// left the queue, successful or not.
func (h *Grid) pollSnapshot(ctx context.Context, r *task.Run, jobID string) error {
	retries := 0
	for {
		snap, err := h.QueueSnapshot(ctx)
		if err != nil {
			return errors.E("handler.Grid.Poll", errors.Temporary, err)
		}
		status, present := snap[jobID]
		switch {
		case present && (status == StatusPending || status == StatusHold):
			// still queued
		case present && status == StatusRunning:
			r.Set(task.Running)
		default:
			// ERROR, COMPLETED, or absent from the snapshot: the job has
			// left the queue one way or another. The exit code on disk is
			// authoritative, not the scheduler's own terminal code.
			r.Set(task.Running)
			code, rerr := readExitCode(r.WorkDir)
			if rerr != nil {
				return errors.E("handler.Grid.Poll", errors.Temporary, rerr)
			}
			r.Finish(code)
			return nil
		}
		if err := retry.Wait(ctx, gridPollRetry, retries); err != nil {
			return err
		}
		retries++
	}
}

// pollStatusCmd repeatedly runs StatusCmd until StatusParser reports the
// job is done, backing off between attempts. Used by adapters that have
// no shared snapshot command (e.g. the generic DoneMarker adapter).
func (h *Grid) pollStatusCmd(ctx context.Context, r *task.Run, jobID string) error {
	retries := 0
	for {
		argv := h.StatusCmd(jobID)
		var out bytes.Buffer
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return errors.E("handler.Grid.Poll", errors.Temporary, err)
		}
		done, code, perr := h.StatusParser(out.String())
		if perr != nil {
			return errors.E("handler.Grid.Poll", perr)
		}
		if done {
			r.Set(task.Running)
			r.Finish(code)
			return nil
		}
		r.Set(task.Running)
		if err := retry.Wait(ctx, gridPollRetry, retries); err != nil {
			return err
		}
		retries++
	}
}

// Kill cancels a submitted job via KillCmd.
func (h *Grid) Kill(ctx context.Context, r *task.Run) error {
	jobID, ok := h.jobIDs[r]
	if !ok {
		return nil
	}
	argv := h.KillCmd(jobID)
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

// Native runs a Go closure in place of a shell script, for tests and for
// processes whose script is empty. The closure is looked up by
// r.ID — callers register it in Funcs before submitting.
type Native struct {
	Log   *log.Logger
	Funcs map[string]func(ctx context.Context, r *task.Run) (int, error)
}

// Submit looks up r.ID in h.Funcs and runs it synchronously.
func (h *Native) Submit(ctx context.Context, r *task.Run) error {
	fn, ok := h.Funcs[r.ID]
	if !ok {
		return errors.E("handler.Native.Submit", errors.Invalid, "no native function registered for run "+r.ID)
	}
	r.Set(task.Submitted)
	r.Set(task.Running)
	code, err := fn(ctx, r)
	if err != nil {
		r.Fail(err)
		return err
	}
	r.Finish(code)
	return nil
}

// Poll is a no-op for Native: Submit already ran the closure to
// completion.
func (h *Native) Poll(ctx context.Context, r *task.Run) error {
	return r.Wait(ctx, task.Completed)
}

// Kill is a no-op for Native.
func (h *Native) Kill(ctx context.Context, r *task.Run) error {
	return nil
}

func envVars(m map[string]string) []wrapper.EnvVar {
	out := make([]wrapper.EnvVar, 0, len(m))
	for k, v := range m {
		out = append(out, wrapper.EnvVar{Name: k, Value: v})
	}
	return out
}

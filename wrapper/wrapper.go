// Package wrapper renders a TaskRun's script into the self-contained shell
// program a backend actually executes: stage-in, environment export, the
// user's command, and exit-code capture (spec.md §4.8, step "materialize
// task"); there is no stage-out step. When a process declares a Container,
// the rendered script is wrapped in a container invocation that mounts the
// work directory and the paths listed in Script.Mounts; MountHints derives
// such a list from pathtrie.
package wrapper

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/taskmesh/taskflow/errors"
	"github.com/taskmesh/taskflow/pathtrie"
)

const (
	// ExitCodeFile is the name, relative to a task's work directory, that
	// the wrapper writes the user command's exit status to.
	ExitCodeFile = ".exitcode"
	// StdoutFile is the name the wrapper redirects the user command's
	// combined stdout to.
	StdoutFile = ".command.out"
	// TraceFile is the name the wrapper appends a line to before and
	// after running the user command, so that a killed or hung task
	// leaves a record of how far it got (SPEC_FULL.md §D.3).
	TraceFile = ".command.log"
	// EnvFile is the name the wrapper writes env bindings to when the
	// task is containerized, in place of plain `export` lines (spec.md
	// §4.3 step 2, §6 "workDir/.command.env").
	EnvFile = ".command.env"
)

// Script holds everything needed to render a task's shell program.
type Script struct {
	// Env is exported before the user command runs, in insertion order.
	Env []EnvVar
	// StageIn lists shell commands that stage inputs into place before
	// the user command runs (typically symlinks into the work directory).
	StageIn []string
	// Command is the user-supplied script body.
	Command string
	// Container, if non-empty, is the image the command runs inside.
	Container string
	// Mounts are host paths, grouped by pathtrie, to bind into the
	// container alongside the work directory.
	Mounts []string
}

// EnvVar is a single exported environment binding.
type EnvVar struct {
	Name  string
	Value string
}

// Render produces the full shell program for s. The result always ends by
// capturing the command's exit status to ExitCodeFile, so that a backend
// can determine success without parsing stdout.
func Render(workDir string, s Script) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -uo pipefail\n")
	fmt.Fprintf(&b, "cd %q\n", workDir)
	fmt.Fprintf(&b, "echo \"stage-in $(date -u +%%FT%%TZ)\" >> %s\n", TraceFile)
	// Env exports are skipped under Container: the values are written to
	// EnvFile instead and handed to the container via --env-file, since a
	// plain `export` in this wrapper would never reach the containerized
	// process (spec.md §4.3 step 2).
	envFile := s.Container != "" && len(s.Env) > 0
	switch {
	case envFile:
		b.WriteString("cat > " + EnvFile + " <<'TASKFLOW_ENV'\n")
		for _, ev := range s.Env {
			fmt.Fprintf(&b, "%s=%s\n", ev.Name, ev.Value)
		}
		b.WriteString("TASKFLOW_ENV\n")
	default:
		for _, ev := range s.Env {
			fmt.Fprintf(&b, "export %s=%q\n", ev.Name, ev.Value)
		}
	}
	for _, cmd := range s.StageIn {
		b.WriteString(cmd)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "echo \"exec $(date -u +%%FT%%TZ)\" >> %s\n", TraceFile)

	command := s.Command
	if s.Container != "" {
		rendered, err := containerize(workDir, s.Container, s.Mounts, command, envFile)
		if err != nil {
			return "", err
		}
		command = rendered
	}
	fmt.Fprintf(&b, "( %s ) > %s 2>&1\n", command, StdoutFile)
	fmt.Fprintf(&b, "code=$?\n")
	fmt.Fprintf(&b, "echo \"done $(date -u +%%FT%%TZ) code=$code\" >> %s\n", TraceFile)
	fmt.Fprintf(&b, "echo $code > %s\n", ExitCodeFile)
	b.WriteString("exit $code\n")
	return b.String(), nil
}

// containerize wraps command in a "docker run" invocation against image,
// binding workDir read-write and every entry of mounts read-only. image is
// normalized the way a tagless reference would be pulled: a bare name is
// given the "latest" tag so that re-submission of the same process always
// resolves to the same image, per SPEC_FULL.md §C's grounding of
// docker/distribution/reference.
func containerize(workDir, image string, mounts []string, command string, envFile bool) (string, error) {
	ref, err := reference.Parse(image)
	if err != nil {
		return "", errors.E("wrapper.containerize", errors.Invalid, err)
	}
	if named, ok := ref.(reference.Named); ok {
		if _, isTagged := ref.(reference.Tagged); !isTagged {
			if _, isDigested := ref.(reference.Digested); !isDigested {
				tagged, terr := reference.WithTag(named, "latest")
				if terr != nil {
					return "", errors.E("wrapper.containerize", terr)
				}
				ref = tagged
			}
		}
	}

	var b strings.Builder
	b.WriteString("docker run --rm")
	fmt.Fprintf(&b, " -v %s:%s", workDir, workDir)
	for _, m := range mounts {
		fmt.Fprintf(&b, " -v %s:%s:ro", m, m)
	}
	if envFile {
		fmt.Fprintf(&b, " --env-file %s", EnvFile)
	}
	fmt.Fprintf(&b, " -w %s %s", workDir, ref.String())
	fmt.Fprintf(&b, " bash -c %s", shellQuote(command))
	return b.String(), nil
}

// MountHints groups hostPaths by longest common directory prefix so a
// container invocation mounts a handful of directories rather than one
// bind per input file.
func MountHints(hostPaths []string) []string {
	tr := pathtrie.New()
	for _, p := range hostPaths {
		tr.Add(p)
	}
	return tr.Roots()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

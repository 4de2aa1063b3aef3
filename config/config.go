// Package config holds the process- and session-level options the core
// recognizes (spec.md §6). Parsing a workflow configuration file is an
// explicit Non-goal; callers construct these structs directly or populate
// them from whatever config layer they own.
package config

import "time"

// ErrorStrategy governs what a process does when one of its firings fails
// (spec.md §7).
type ErrorStrategy int

const (
	// Terminate is the default: the process is marked poisoned and the
	// firing is counted as errored. The session is not canceled, and the
	// process's later firings still run.
	Terminate ErrorStrategy = iota
	// Ignore drops the failed firing and continues.
	Ignore
	// Retry resubmits the firing, up to MaxRetries times, in a fresh work
	// directory each time (SPEC_FULL.md §D.2).
	Retry
)

func (s ErrorStrategy) String() string {
	switch s {
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	default:
		return "terminate"
	}
}

// Process holds the per-process options recognized by the core.
type Process struct {
	// Executor names the backend this process's tasks run on: "local" or a
	// registered grid backend name.
	Executor string
	// MaxForks caps the operator's concurrent firing parallelism. Zero or
	// a negative value means 8.
	MaxForks int
	// MaxDuration is the per-task walltime; zero means unbounded.
	MaxDuration time.Duration
	// Container, if non-empty, is the image tag tasks run inside.
	Container string
	// ClusterOptions is appended verbatim to a grid backend's submit argv.
	ClusterOptions string
	// CacheMode selects the HashKey mode, or disables caching if Off.
	CacheMode CacheMode
	// StoreDir, if set, is checked for a pre-existing artifact before any
	// submission (spec.md §4.8 step 4).
	StoreDir string
	// ErrStrategy governs failure handling for this process's firings.
	ErrStrategy ErrorStrategy
	// MaxRetries bounds ErrStrategy == Retry's resubmission attempts.
	MaxRetries int
}

// CacheMode selects how HashKey hashes file-valued inputs, or disables
// caching outright.
type CacheMode int

const (
	// CacheStandard hashes full file content.
	CacheStandard CacheMode = iota
	// CacheDeep recurses into directories.
	CacheDeep
	// CacheLenient hashes path+size+mtime only.
	CacheLenient
	// CacheOff disables the cache entirely: every firing is submitted.
	CacheOff
)

func (m CacheMode) String() string {
	switch m {
	case CacheDeep:
		return "deep"
	case CacheLenient:
		return "lenient"
	case CacheOff:
		return "false"
	default:
		return "standard"
	}
}

// Session holds engine-wide settings.
type Session struct {
	// ID uniquely identifies this engine run; it is the first component
	// hashed into every TaskRun's cache key.
	ID string
	// WorkDir is the root under which every task's work directory is
	// allocated.
	WorkDir string
	// Resume enables cache hits against a prior session's CacheIndex.
	Resume bool
	// MetricsNamespace, if non-empty, is the namespace prometrics uses.
	MetricsNamespace string
}

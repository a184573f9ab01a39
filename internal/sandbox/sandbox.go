// Package sandbox executes untrusted commands under resource limits inside
// fresh namespaces. The executor forks a small helper binary that sets up
// the jail (chroot, bind mounts, rlimits, seccomp) and execs the target;
// the parent enforces the wall-clock limit and classifies the outcome.
package sandbox

import (
	"context"
	"time"
)

// TimeToleranceRatio scales the configured time limit before the sandbox
// kills the process, so classification happens on the measured time rather
// than on a hard kill racing the measurement.
const TimeToleranceRatio = 1.25

// WorkerUID is the uid untrusted programs run as inside the user namespace.
const WorkerUID = 65534

// Limits are the resource limits for a single run. A negative value means
// unlimited; zero means the limit was not set and also means unlimited.
type Limits struct {
	TimeMsecs     int64
	MemoryBytes   int64
	FileCount     int64
	FileSizeBytes int64
}

// TimeLimit returns the wall-clock duration after which the run is killed,
// tolerance included, or zero when time is unlimited.
func (l Limits) TimeLimit() time.Duration {
	if l.TimeMsecs <= 0 {
		return 0
	}
	msecs := float64(l.TimeMsecs) * TimeToleranceRatio
	return time.Duration(msecs * float64(time.Millisecond))
}

// MountSpec bind-mounts a host path into the jail.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes one command execution.
type RunSpec struct {
	WorkDir string
	Cmd     []string
	Env     []string

	// Empty paths redirect the stream to /dev/null.
	StdinPath  string
	StdoutPath string
	StderrPath string

	RootFS     string
	BindMounts []MountSpec

	// Network leaves the host network reachable. Off by default.
	Network bool

	// RunAsWorker drops to WorkerUID before exec.
	RunAsWorker bool

	SeccompProfile string

	// DiskQuotaPaths are measured after the run to enforce FileCount and
	// FileSizeBytes. Empty means no disk accounting.
	DiskQuotaPaths []string

	Limits Limits
}

// Status classifies a finished run.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusRuntimeError        Status = "runtime_error"
	StatusTimeLimitExceeded   Status = "time_limit_exceeded"
	StatusMemoryLimitExceeded Status = "memory_limit_exceeded"
	StatusDiskLimitExceeded   Status = "disk_limit_exceeded"
	StatusSystemError         Status = "system_error"

	// StatusMemoryLeak is never produced by classification directly; a
	// valgrind-wrapped run is remapped to it from its error exit code.
	StatusMemoryLeak Status = "memory_leak"
)

// Usage is what the run actually consumed.
type Usage struct {
	TimeMsecs     int64
	MemoryBytes   int64
	FileCount     int64
	FileSizeBytes int64
}

// RunResult is the raw outcome of one sandboxed execution.
type RunResult struct {
	Status   Status
	Message  string
	ExitCode int
	Usage    Usage
}

// Executor runs commands in the sandbox.
type Executor interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

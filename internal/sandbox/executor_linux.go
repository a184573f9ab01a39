//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config controls the executor.
type Config struct {
	// HelperPath is the sandbox-init binary. Looked up on PATH when relative.
	HelperPath string `yaml:"helperPath"`

	// SeccompDir resolves relative seccomp profile names.
	SeccompDir string `yaml:"seccompDir"`

	// EnableNamespaces turns on user, mount, pid, uts, ipc and net
	// namespaces. Disabling it limits the jail to rlimits and is only
	// meant for development machines.
	EnableNamespaces bool `yaml:"enableNamespaces"`
}

type linuxExecutor struct {
	cfg Config
}

// NewExecutor creates the Linux executor.
func NewExecutor(cfg Config) (Executor, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	return &linuxExecutor{cfg: cfg}, nil
}

func (e *linuxExecutor) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if spec.SeccompProfile != "" && e.cfg.SeccompDir != "" && !strings.HasPrefix(spec.SeccompProfile, "/") {
		spec.SeccompProfile = e.cfg.SeccompDir + "/" + spec.SeccompProfile
	}

	req := initRequest{
		Spec:          spec,
		WorkerUID:     WorkerUID,
		TimeMsecs:     toleratedTimeMsecs(spec.Limits),
		MemoryBytes:   spec.Limits.MemoryBytes,
		FileSizeBytes: spec.Limits.FileSizeBytes,
	}
	stdin, err := jsonToPipe(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer stdin.Close()

	cmd := exec.CommandContext(ctx, e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(spec, e.cfg.EnableNamespaces)
	cmd.Stdin = stdin

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		var wallTimer <-chan time.Time
		if limit := spec.Limits.TimeLimit(); limit > 0 {
			wallTimer = time.After(limit)
		}
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process.Pid)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	realTime := time.Since(start)

	state := cmd.ProcessState
	if state == nil {
		return nil, errors.Wrap(waitErr, errors.SandboxRunFailed)
	}

	out := rawOutcome{
		exitCode:  state.ExitCode(),
		timeMsecs: realTime.Milliseconds(),
		memBytes:  peakMemoryBytes(state),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.signaled = true
		out.signal = ws.Signal().String()
	}
	if timedOut.Load() {
		// the kill races process exit; trust the timer
		out.timeMsecs = toleratedTimeMsecs(spec.Limits) + 1
		out.signaled = false
	}
	if out.exitCode == helperExitSetupFailed && !timedOut.Load() {
		out.helperFailed = true
		out.helperErr = strings.TrimSpace(helperStderr.String())
	}
	if len(spec.DiskQuotaPaths) > 0 {
		out.files, out.fileBytes = diskUsage(spec.DiskQuotaPaths)
	}

	if waitErr != nil && helperStderr.Len() > 0 && !out.helperFailed {
		logger.Warn(ctx, "sandbox helper stderr",
			zap.String("stderr", helperStderr.String()))
	}

	return classify(out, spec.Limits), nil
}

func toleratedTimeMsecs(limits Limits) int64 {
	if limits.TimeMsecs <= 0 {
		return 0
	}
	return int64(float64(limits.TimeMsecs) * TimeToleranceRatio)
}

func validateSpec(spec RunSpec) error {
	if spec.WorkDir == "" {
		return errors.New(errors.InvalidParams).WithMessage("work dir is required")
	}
	if len(spec.Cmd) == 0 {
		return errors.New(errors.InvalidParams).WithMessage("command is required")
	}
	return nil
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(spec RunSpec, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !spec.Network {
		cloneFlags |= syscall.CLONE_NEWNET
	}

	if os.Getuid() == 0 {
		// running privileged: keep host ids so the helper can drop to the
		// worker uid inside the jail
		attr.Cloneflags = cloneFlags
		return attr
	}

	cloneFlags |= syscall.CLONE_NEWUSER
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func peakMemoryBytes(state *os.ProcessState) int64 {
	usage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	// ru_maxrss is in kilobytes on linux
	return usage.Maxrss * 1024
}

package runner

import (
	"context"
	"os"
	"path/filepath"

	"taoj/internal/sandbox"
	"taoj/internal/task"
	"taoj/pkg/errors"
)

const (
	elfMode             = 0o550
	valgrindErrExitCode = 250
)

var valgrindArgs = []string{
	"--tool=memcheck",
	"--leak-check=full",
	"--exit-on-first-error=yes",
	"--error-exitcode=250",
	"--quiet",
}

// runOutput is the outcome of executing one testpoint's program. A zero
// kind means the program ran within limits and produced OutputPath.
type runOutput struct {
	kind       task.ResultKind
	message    string
	outputPath string
	usage      *task.ResourceUsage
}

func (o *runOutput) failed() bool { return o.kind != "" }

// runnerKind adapts one RunType to sandbox terms.
type runnerKind struct {
	prepare   func(exePath string) ([]string, error)
	interpret func(res *sandbox.RunResult) *sandbox.RunResult
}

// runnerKinds is the dispatch table over run types.
var runnerKinds = map[task.RunType]runnerKind{
	task.RunTypeElf: {
		prepare: func(exePath string) ([]string, error) {
			if err := os.Chmod(exePath, elfMode); err != nil {
				return nil, errors.Wrap(err, errors.SandboxSetupFailed)
			}
			return []string{exePath}, nil
		},
	},
	task.RunTypeValgrind: {
		prepare: func(exePath string) ([]string, error) {
			if err := os.Chmod(exePath, elfMode); err != nil {
				return nil, errors.Wrap(err, errors.SandboxSetupFailed)
			}
			argv := append([]string{"valgrind"}, valgrindArgs...)
			return append(argv, exePath), nil
		},
		interpret: func(res *sandbox.RunResult) *sandbox.RunResult {
			if res.Status == sandbox.StatusRuntimeError && res.ExitCode == valgrindErrExitCode {
				remapped := *res
				remapped.Status = sandbox.StatusMemoryLeak
				remapped.Message = ""
				return &remapped
			}
			return res
		},
	},
	task.RunTypeVerilog: {
		prepare: func(exePath string) ([]string, error) {
			return []string{"vvp", exePath}, nil
		},
	},
}

// statusToKind maps a sandbox classification onto a testpoint result kind.
func statusToKind(s sandbox.Status) task.ResultKind {
	switch s {
	case sandbox.StatusOK:
		return ""
	case sandbox.StatusRuntimeError:
		return task.ResultRuntimeError
	case sandbox.StatusTimeLimitExceeded:
		return task.ResultTimeLimitExceeded
	case sandbox.StatusMemoryLimitExceeded:
		return task.ResultMemoryLimitExceeded
	case sandbox.StatusDiskLimitExceeded:
		return task.ResultDiskLimitExceeded
	case sandbox.StatusMemoryLeak:
		return task.ResultMemoryLeak
	default:
		return task.ResultSystemError
	}
}

// run materializes the input program, executes it against the testpoint's
// infile and returns the produced output file.
func (r *Runner) run(ctx context.Context, oufdir, cwd string, input task.Input, args *task.RunArgs) (*runOutput, error) {
	kind, ok := runnerKinds[args.Type]
	if !ok {
		return nil, errors.Newf(errors.InvalidProblem, "unknown run type %q", args.Type)
	}

	var infilePath string
	if args.Infile != "" {
		cached, err := r.cache.EnsureCached(ctx, string(args.Infile))
		if err != nil {
			return nil, err
		}
		infilePath = cached.Path
	}

	exe, err := r.compiler.EnsureInput(ctx, input)
	if err != nil {
		if errors.Is(err, errors.CheckerCompileFailed) {
			return &runOutput{
				kind:    task.ResultCompileError,
				message: errors.GetError(err).Message,
			}, nil
		}
		return nil, err
	}
	execPath := filepath.Join(oufdir, exe.Filename)
	if err := copyFile(exe.Path, execPath, 0750); err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	outfile := filepath.Join(oufdir, outputFileName)
	if exe.Filename == outputFileName {
		outfile = filepath.Join(oufdir, outputFileName+"1")
	}

	if err := r.compiler.copySupplementaryFiles(ctx, args.SupplementaryFiles, cwd); err != nil {
		return nil, err
	}

	argv, err := kind.prepare(execPath)
	if err != nil {
		return nil, err
	}

	giveToWorker(ctx, cwd)
	giveToWorker(ctx, oufdir)
	spec := sandbox.RunSpec{
		WorkDir:        cwd,
		Cmd:            argv,
		Env:            taskEnv,
		StdinPath:      infilePath,
		StdoutPath:     outfile,
		RunAsWorker:    true,
		DiskQuotaPaths: []string{cwd},
		Limits:         limitsOf(args.Limits),
	}
	res, err := r.exec.Run(ctx, spec)
	if err != nil {
		return nil, err
	}
	takeFromWorker(ctx, cwd)
	takeFromWorker(ctx, oufdir)

	if kind.interpret != nil {
		res = kind.interpret(res)
	}
	usage := &task.ResourceUsage{
		TimeMsecs:     res.Usage.TimeMsecs,
		MemoryBytes:   res.Usage.MemoryBytes,
		FileCount:     res.Usage.FileCount,
		FileSizeBytes: res.Usage.FileSizeBytes,
	}
	if failed := statusToKind(res.Status); failed != "" {
		return &runOutput{kind: failed, message: res.Message, usage: usage}, nil
	}
	return &runOutput{outputPath: outfile, usage: usage}, nil
}

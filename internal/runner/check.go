package runner

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"context"

	"taoj/internal/sandbox"
	"taoj/internal/task"
	"taoj/pkg/errors"
)

// checkerCmpLimits is the fixed budget the byte comparator runs under.
var checkerCmpLimits = sandbox.Limits{
	TimeMsecs:     10000,
	MemoryBytes:   64 << 20,
	FileCount:     -1,
	FileSizeBytes: -1,
}

// cmpExitWrongAnswer is the comparator's distinguished "differs" exit code.
const cmpExitWrongAnswer = 1

const checkerMessageMaxBytes = 4 * 1024

// checkSubject is what gets handed to a checker: the produced output (or
// the directly-checked input file) plus the testpoint's input for SPJ use.
type checkSubject struct {
	outputPath string
	inputPath  string
}

// checkVerdict is a checker's decision.
type checkVerdict struct {
	result  task.ResultKind
	message string
	score   float64
}

func accepted(score float64, message string) *checkVerdict {
	return &checkVerdict{result: task.ResultAccepted, score: score, message: message}
}

func wrongAnswer(message string) *checkVerdict {
	return &checkVerdict{result: task.ResultWrongAnswer, message: message}
}

// check dispatches on the checker variant.
func (r *Runner) check(ctx context.Context, subject checkSubject, checker task.Checker) (*checkVerdict, error) {
	if subject.outputPath == "" {
		return &checkVerdict{result: task.ResultSystemError, message: "nothing to check"}, nil
	}
	switch c := checker.(type) {
	case *task.CompareChecker:
		return r.checkCompare(ctx, subject, c)
	case *task.DirectChecker:
		return checkDirect(subject.outputPath)
	case *task.SpjChecker:
		return r.checkSpj(ctx, subject, c)
	default:
		return nil, errors.Newf(errors.InvalidProblem, "unknown checker %T", checker)
	}
}

func (r *Runner) checkCompare(ctx context.Context, subject checkSubject, c *task.CompareChecker) (*checkVerdict, error) {
	answer, err := r.cache.EnsureCached(ctx, string(c.Answer))
	if err != nil {
		return nil, err
	}

	cwd, err := os.MkdirTemp(r.workDir, "check-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer os.RemoveAll(cwd)

	argv := []string{r.cmpPath}
	if c.IgnoreWhitespace {
		argv = append(argv, "-w")
	}
	argv = append(argv, subject.outputPath, answer.Path)

	res, err := r.exec.Run(ctx, sandbox.RunSpec{
		WorkDir: cwd,
		Cmd:     argv,
		Env:     taskEnv,
		Limits:  checkerCmpLimits,
		BindMounts: []sandbox.MountSpec{
			{Source: subject.outputPath, Target: subject.outputPath, ReadOnly: true},
			{Source: answer.Path, Target: answer.Path, ReadOnly: true},
		},
	})
	if err != nil {
		return nil, err
	}

	switch {
	case res.Status == sandbox.StatusOK:
		return accepted(1.0, ""), nil
	case res.Status == sandbox.StatusRuntimeError && res.ExitCode == cmpExitWrongAnswer:
		return wrongAnswer(""), nil
	default:
		return &checkVerdict{
			result:  task.ResultSystemError,
			message: "checker failed: " + res.Message,
		}, nil
	}
}

// checkDirect reads a score straight from the produced output.
func checkDirect(outputPath string) (*checkVerdict, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return &checkVerdict{result: task.ResultSystemError, message: "score file unreadable"}, nil
	}
	return scoreVerdict(string(data), ""), nil
}

func (r *Runner) checkSpj(ctx context.Context, subject checkSubject, c *task.SpjChecker) (*checkVerdict, error) {
	exe, err := r.compiler.EnsureInput(ctx, c.Executable)
	if err != nil {
		if errors.Is(err, errors.CheckerCompileFailed) {
			return &checkVerdict{
				result:  task.ResultBadProblem,
				message: "checker compile error: " + errors.GetError(err).Message,
			}, nil
		}
		return nil, err
	}

	cwd, err := os.MkdirTemp(r.workDir, "spj-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer os.RemoveAll(cwd)

	execPath := filepath.Join(cwd, exe.Filename)
	if err := copyFile(exe.Path, execPath, elfMode); err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	if err := r.compiler.copySupplementaryFiles(ctx, c.SupplementaryFiles, cwd); err != nil {
		return nil, err
	}

	answerPath := "/dev/null"
	var binds []sandbox.MountSpec
	if c.Answer != "" {
		answer, err := r.cache.EnsureCached(ctx, string(c.Answer))
		if err != nil {
			return nil, err
		}
		answerPath = answer.Path
		binds = append(binds, sandbox.MountSpec{Source: answerPath, Target: answerPath, ReadOnly: true})
	}
	inputPath := subject.inputPath
	if inputPath == "" {
		inputPath = "/dev/null"
	} else {
		binds = append(binds, sandbox.MountSpec{Source: inputPath, Target: inputPath, ReadOnly: true})
	}
	binds = append(binds, sandbox.MountSpec{
		Source: subject.outputPath, Target: subject.outputPath, ReadOnly: true,
	})

	scorePath := filepath.Join(cwd, "score")
	messagePath := filepath.Join(cwd, "message")
	giveToWorker(ctx, cwd)

	res, err := r.exec.Run(ctx, sandbox.RunSpec{
		WorkDir:     cwd,
		Cmd:         []string{execPath, inputPath, subject.outputPath, answerPath, scorePath, messagePath},
		Env:         taskEnv,
		RunAsWorker: true,
		BindMounts:  binds,
		Limits:      limitsOf(c.Limits),
	})
	if err != nil {
		return nil, err
	}
	takeFromWorker(ctx, cwd)

	if res.Status != sandbox.StatusOK {
		return &checkVerdict{
			result:  task.ResultBadProblem,
			message: "checker failed: " + res.Message,
		}, nil
	}

	message := readLimited(messagePath, checkerMessageMaxBytes)
	scoreText, err := os.ReadFile(scorePath)
	if err != nil {
		return &checkVerdict{
			result:  task.ResultBadProblem,
			message: "checker wrote no score file",
		}, nil
	}
	return scoreVerdict(string(scoreText), message), nil
}

// scoreVerdict applies the numeric score rules: at least 1.0 is accepted, a
// finite lower score (NaN included) is wrong answer, anything unparsable or
// infinite is a system error.
func scoreVerdict(raw, message string) *checkVerdict {
	text := strings.TrimSpace(raw)
	score, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(score, 0) {
		return &checkVerdict{
			result:  task.ResultSystemError,
			message: "invalid score " + strconv.Quote(text),
		}
	}
	if math.IsNaN(score) {
		return wrongAnswer(message)
	}
	if score >= 1.0 {
		return accepted(score, message)
	}
	v := wrongAnswer(message)
	v.score = score
	return v
}

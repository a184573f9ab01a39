package runner

import (
	"context"
	"fmt"
	"os"

	"taoj/internal/sandbox"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Runner executes compile and judge tasks using the sandbox, the artifact
// cache and the checker subsystem.
type Runner struct {
	cache    *Cache
	compiler *Compiler
	exec     sandbox.Executor

	// workDir is the base for task working directories; empty means the
	// system temp directory.
	workDir string

	// cmpPath is the external output comparator binary.
	cmpPath string
}

func NewRunner(cache *Cache, compiler *Compiler, exec sandbox.Executor, workDir, cmpPath string) *Runner {
	if cmpPath == "" {
		cmpPath = "judge-cmp"
	}
	return &Runner{cache: cache, compiler: compiler, exec: exec, workDir: workDir, cmpPath: cmpPath}
}

// ProgressFunc receives the partial judge result after every testpoint.
type ProgressFunc func(ctx context.Context, partial *task.JudgeResult)

// RunTask executes one task. Failures of the judged program become result
// kinds; an error return means the runner itself malfunctioned.
func (r *Runner) RunTask(ctx context.Context, t task.Task, progress ProgressFunc) (task.Result, error) {
	switch v := t.(type) {
	case *task.CompileTask:
		return r.runCompileTask(ctx, v), nil
	case *task.JudgeTask:
		return r.runJudgeTask(ctx, v, progress)
	default:
		return nil, errors.Newf(errors.InvalidParams, "unknown task %T", t)
	}
}

func (r *Runner) runCompileTask(ctx context.Context, t *task.CompileTask) *task.CompileResult {
	out, err := r.compiler.Compile(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return &task.CompileResult{Result: task.ResultAborted}
		}
		logger.Error(ctx, "compile task failed", zap.Error(err))
		return &task.CompileResult{
			Result:  task.ResultSystemError,
			Message: errors.GetError(err).Message,
		}
	}
	return &out.Result
}

func (r *Runner) runJudgeTask(ctx context.Context, t *task.JudgeTask, progress ProgressFunc) (*task.JudgeResult, error) {
	result := &task.JudgeResult{
		Testpoints: make([]*task.TestpointJudgeResult, len(t.Testpoints)),
	}

	// one shared working directory: disk-grouped testpoints must see the
	// files their predecessors wrote
	cwd, err := os.MkdirTemp(r.workDir, "judge-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer os.RemoveAll(cwd)

	for i, tp := range t.Testpoints {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		res, err := r.judgeTestpoint(ctx, tp, result, cwd)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			logger.Error(ctx, "testpoint failed",
				zap.String("testpoint", tp.ID), zap.Error(err))
			res = &task.TestpointJudgeResult{
				TestpointID: tp.ID,
				Result:      task.ResultSystemError,
				Message:     errors.GetError(err).Message,
			}
		}
		result.Testpoints[i] = res
		if progress != nil {
			progress(ctx, result)
		}
	}
	return result, nil
}

// skipReason reports why a testpoint must not run, or "" to proceed.
func skipReason(tp *task.Testpoint, results []*task.TestpointJudgeResult) (string, error) {
	if tp.DependentOn == "" {
		return "", nil
	}
	for _, res := range results {
		if res != nil && res.TestpointID == tp.DependentOn {
			if res.Result != task.ResultAccepted {
				return fmt.Sprintf("testpoint %s failed", tp.DependentOn), nil
			}
			return "", nil
		}
	}
	return "", errors.Newf(errors.InvalidProblem,
		"testpoint %s ran before dependency %s", tp.ID, tp.DependentOn)
}

func (r *Runner) judgeTestpoint(ctx context.Context, tp *task.Testpoint,
	partial *task.JudgeResult, cwd string) (*task.TestpointJudgeResult, error) {

	skip, err := skipReason(tp, partial.Testpoints)
	if err != nil {
		return nil, err
	}
	if skip != "" {
		logger.Info(ctx, "skipping testpoint",
			zap.String("testpoint", tp.ID), zap.String("reason", skip))
		return &task.TestpointJudgeResult{
			TestpointID: tp.ID,
			Result:      task.ResultSkipped,
			Message:     skip,
		}, nil
	}

	oufdir, err := os.MkdirTemp(r.workDir, "ouf-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer os.RemoveAll(oufdir)

	subject := checkSubject{}
	var usage *task.ResourceUsage

	if tp.Run != nil {
		out, err := r.run(ctx, oufdir, cwd, tp.Input, tp.Run)
		if err != nil {
			return nil, err
		}
		usage = out.usage
		if out.failed() {
			return &task.TestpointJudgeResult{
				TestpointID:   tp.ID,
				Result:        out.kind,
				Message:       out.message,
				ResourceUsage: usage,
			}, nil
		}
		subject.outputPath = out.outputPath
		if tp.Run.Infile != "" {
			if in, err := r.cache.EnsureCached(ctx, string(tp.Run.Infile)); err == nil {
				subject.inputPath = in.Path
			}
		}
	} else {
		// answer-only testpoint: the submitted file itself is checked
		in, err := r.compiler.EnsureInput(ctx, tp.Input)
		if err != nil {
			if errors.Is(err, errors.CheckerCompileFailed) {
				return &task.TestpointJudgeResult{
					TestpointID: tp.ID,
					Result:      task.ResultCompileError,
					Message:     errors.GetError(err).Message,
				}, nil
			}
			return nil, err
		}
		subject.outputPath = in.Path
	}

	verdict, err := r.check(ctx, subject, tp.Check)
	if err != nil {
		return nil, err
	}
	res := &task.TestpointJudgeResult{
		TestpointID:   tp.ID,
		Result:        verdict.result,
		Message:       verdict.message,
		Score:         verdict.score,
		ResourceUsage: usage,
	}
	logger.Info(ctx, "testpoint finished",
		zap.String("testpoint", tp.ID), zap.String("result", string(res.Result)))
	return res, nil
}

package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taoj/internal/sandbox"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Compiler builds submissions and checker programs in the sandbox.
type Compiler struct {
	cache *Cache
	exec  sandbox.Executor

	// workDir is the base for build directories; empty means the system
	// temp directory.
	workDir string
	gitKey  string
}

func NewCompiler(cache *Cache, exec sandbox.Executor, workDir, gitSSHPrivateKey string) *Compiler {
	return &Compiler{cache: cache, exec: exec, workDir: workDir, gitKey: gitSSHPrivateKey}
}

// CompileOutcome pairs the reported result with the produced binary's local
// path. LocalPath is empty unless Result is ResultCompiled.
type CompileOutcome struct {
	Result    task.CompileResult
	LocalPath string
}

func compileError(message string) *CompileOutcome {
	return &CompileOutcome{Result: task.CompileResult{
		Result:  task.ResultCompileError,
		Message: message,
	}}
}

type stageResult struct {
	ok      bool
	message string
}

type prepareStage func(ctx context.Context, cwd string, limits sandbox.Limits) (stageResult, error)
type buildStage func(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error)

// stagesFor is the dispatch table over source variants. Adding a language
// means adding one case here.
func (c *Compiler) stagesFor(src task.CompileSource) (prepareStage, buildStage, error) {
	switch s := src.(type) {
	case *task.CompileSourceCpp:
		return func(ctx context.Context, cwd string, _ sandbox.Limits) (stageResult, error) {
				return c.prepareCpp(ctx, cwd, s)
			}, func(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error) {
				return c.buildCpp(ctx, cwd, limits)
			}, nil
	case *task.CompileSourceGit:
		return func(ctx context.Context, cwd string, limits sandbox.Limits) (stageResult, error) {
				return c.prepareGit(ctx, cwd, s, limits)
			}, func(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error) {
				return c.buildGit(ctx, cwd, limits)
			}, nil
	case *task.CompileSourceVerilog:
		return func(ctx context.Context, cwd string, _ sandbox.Limits) (stageResult, error) {
				return c.prepareVerilog(ctx, cwd, s)
			}, func(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error) {
				return c.buildVerilog(ctx, cwd, limits)
			}, nil
	default:
		return nil, nil, errors.Newf(errors.InvalidCode, "unknown compile source %T", src)
	}
}

// Compile builds the task's source and either uploads the artifact or keeps
// it in the local cache for later steps of the same submission.
func (c *Compiler) Compile(ctx context.Context, t *task.CompileTask) (*CompileOutcome, error) {
	prepare, build, err := c.stagesFor(t.Source)
	if err != nil {
		return nil, err
	}
	limits := limitsOf(t.Limits)

	cwd, err := os.MkdirTemp(c.workDir, "compile-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer os.RemoveAll(cwd)
	giveToWorker(ctx, cwd)

	prep, err := prepare(ctx, cwd, limits)
	if err != nil {
		return nil, err
	}
	if !prep.ok {
		return compileError(prep.message), nil
	}

	// after prepare so files land inside a cloned repo as well
	if err := c.copySupplementaryFiles(ctx, t.SupplementaryFiles, cwd); err != nil {
		if errors.Is(err, errors.InvalidProblem) {
			return compileError(errors.GetError(err).Message), nil
		}
		return nil, err
	}

	out, err := build(ctx, cwd, limits)
	if err != nil {
		return nil, err
	}
	if out.Result.Result != task.ResultCompiled {
		return out, nil
	}
	if out.LocalPath == "" {
		return &CompileOutcome{Result: task.CompileResult{
			Result:  task.ResultSystemError,
			Message: "compilation succeeded without artifact",
		}}, nil
	}
	if info, err := os.Lstat(out.LocalPath); err != nil || !info.Mode().IsRegular() {
		return compileError("compile artifact must be a regular file"), nil
	}

	// reclaim ownership or the artifact may be unreadable under a mode the
	// compiler chose
	takeFromWorker(ctx, cwd)

	if t.Artifact != nil {
		entry, err := c.cache.Upload(ctx, out.LocalPath, string(t.Artifact.URL))
		if err != nil {
			return nil, err
		}
		out.LocalPath = entry.Path
	} else {
		cached, err := c.cache.Store(out.LocalPath)
		if err != nil {
			return nil, err
		}
		out.LocalPath = cached
	}
	return out, nil
}

// EnsureInput materializes a testpoint input: compiling it if it is an
// inline compile task, downloading it if it is a prebuilt artifact.
func (c *Compiler) EnsureInput(ctx context.Context, input task.Input) (CachedFile, error) {
	switch in := input.(type) {
	case *task.CompileTask:
		out, err := c.Compile(ctx, in)
		if err != nil {
			return CachedFile{}, err
		}
		if out.Result.Result != task.ResultCompiled {
			return CachedFile{}, errors.Newf(errors.CheckerCompileFailed, "%s", out.Result.Message)
		}
		return CachedFile{Path: out.LocalPath, Filename: execFileName}, nil
	case *task.Artifact:
		return c.cache.EnsureCached(ctx, string(in.URL))
	default:
		return CachedFile{}, errors.Newf(errors.InvalidProblem, "unresolved input %T", input)
	}
}

func (c *Compiler) prepareCpp(ctx context.Context, cwd string, src *task.CompileSourceCpp) (stageResult, error) {
	main, err := c.cache.EnsureCached(ctx, string(src.Main))
	if err != nil {
		return stageResult{}, err
	}
	if err := copyFile(main.Path, filepath.Join(cwd, cxxFileName), 0644); err != nil {
		return stageResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	return stageResult{ok: true}, nil
}

func (c *Compiler) buildCpp(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error) {
	argv := append(append([]string{"g++"}, cxxFlags...), cxxFileName, "-o", execFileName)
	return c.runToolchain(ctx, cwd, argv, limits, toolchainOpts{})
}

func (c *Compiler) prepareGit(ctx context.Context, cwd string, src *task.CompileSourceGit, limits sandbox.Limits) (stageResult, error) {
	opts := toolchainOpts{network: true}
	if c.gitKey != "" {
		keyFile, err := os.CreateTemp("", "deploy-key-*")
		if err != nil {
			return stageResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
		}
		defer os.Remove(keyFile.Name())
		if _, err := keyFile.WriteString(c.gitKey); err != nil {
			_ = keyFile.Close()
			return stageResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
		}
		_ = keyFile.Close()
		if err := os.Chmod(keyFile.Name(), 0600); err != nil {
			return stageResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
		}
		giveToWorker(ctx, keyFile.Name())
		opts.binds = []sandbox.MountSpec{{
			Source: keyFile.Name(), Target: "/deploy-key", ReadOnly: true,
		}}
	}

	argv := append([]string{"git", "clone", src.URL, "."}, gitCloneFlags...)
	out, err := c.runToolchain(ctx, cwd, argv, limits, opts)
	if err != nil {
		return stageResult{}, err
	}
	if out.Result.Result != task.ResultCompiled {
		return stageResult{ok: false, message: out.Result.Message}, nil
	}
	return stageResult{ok: true}, nil
}

func (c *Compiler) buildGit(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error) {
	// record the commit under judgment so feedback names it
	hashOut, err := c.runToolchain(ctx, cwd,
		[]string{"git", "log", "-1", "--pretty=%H"}, limits,
		toolchainOpts{captureStdout: true})
	if err != nil {
		return nil, err
	}
	if hashOut.Result.Result != task.ResultCompiled {
		return hashOut, nil
	}
	message := fmt.Sprintf("Using git commit %s", strings.TrimSpace(hashOut.Result.Message))

	if fileExists(filepath.Join(cwd, "CMakeLists.txt")) {
		out, err := c.runToolchain(ctx, cwd, []string{"cmake", "."}, limits, toolchainOpts{})
		if err != nil {
			return nil, err
		}
		if out.Result.Result != task.ResultCompiled {
			return out, nil
		}
	} else {
		message += "\nWarning: CMakeLists.txt not found, skipping cmake invocation"
	}

	hasMakefile := false
	for _, name := range []string{"GNUmakefile", "makefile", "Makefile"} {
		if fileExists(filepath.Join(cwd, name)) {
			hasMakefile = true
			break
		}
	}
	if hasMakefile {
		out, err := c.runToolchain(ctx, cwd, []string{"make"}, limits, toolchainOpts{})
		if err != nil {
			return nil, err
		}
		if out.Result.Result != task.ResultCompiled {
			return out, nil
		}
	} else {
		message += "\nWarning: Makefile not found, skipping make invocation"
	}

	exe := filepath.Join(cwd, execFileName)
	if !fileExists(exe) {
		msg := message + "\n" + fmt.Sprintf(
			"Executable %q not found in built files; please ensure your compile "+
				"output is named %q in the root directory of the repository.",
			execFileName, execFileName)
		return compileError(msg), nil
	}
	return &CompileOutcome{
		Result:    task.CompileResult{Result: task.ResultCompiled, Message: message},
		LocalPath: exe,
	}, nil
}

func (c *Compiler) prepareVerilog(ctx context.Context, cwd string, src *task.CompileSourceVerilog) (stageResult, error) {
	main, err := c.cache.EnsureCached(ctx, string(src.Main))
	if err != nil {
		return stageResult{}, err
	}
	if err := copyFile(main.Path, filepath.Join(cwd, verilogFileName), 0644); err != nil {
		return stageResult{}, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	return stageResult{ok: true}, nil
}

func (c *Compiler) buildVerilog(ctx context.Context, cwd string, limits sandbox.Limits) (*CompileOutcome, error) {
	argv := []string{"iverilog", verilogFileName, "-o", execFileName}
	return c.runToolchain(ctx, cwd, argv, limits, toolchainOpts{})
}

type toolchainOpts struct {
	network bool
	binds   []sandbox.MountSpec

	// captureStdout returns the command's stdout as the outcome message
	// instead of its stderr.
	captureStdout bool
}

const toolchainLogMaxBytes = 64 * 1024

// runToolchain executes one build command inside the sandbox and folds its
// outcome into compile-result terms.
func (c *Compiler) runToolchain(ctx context.Context, cwd string, argv []string,
	limits sandbox.Limits, opts toolchainOpts) (*CompileOutcome, error) {

	logDir, err := os.MkdirTemp(c.workDir, "toolchain-log-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.SandboxSetupFailed)
	}
	defer os.RemoveAll(logDir)
	stdoutPath := filepath.Join(logDir, "stdout")
	stderrPath := filepath.Join(logDir, "stderr")
	giveToWorker(ctx, logDir)

	spec := sandbox.RunSpec{
		WorkDir:     cwd,
		Cmd:         argv,
		Env:         append(append([]string{}, taskEnv...), gitEnv...),
		StdoutPath:  stdoutPath,
		StderrPath:  stderrPath,
		Network:     opts.network,
		RunAsWorker: true,
		BindMounts:  opts.binds,
		Limits:      limits,
	}
	res, err := c.exec.Run(ctx, spec)
	if err != nil {
		return nil, err
	}
	takeFromWorker(ctx, logDir)

	diag := readLimited(stderrPath, toolchainLogMaxBytes)
	switch res.Status {
	case sandbox.StatusOK:
		message := diag
		if opts.captureStdout {
			message = readLimited(stdoutPath, toolchainLogMaxBytes)
		}
		return &CompileOutcome{
			Result:    task.CompileResult{Result: task.ResultCompiled, Message: message},
			LocalPath: filepath.Join(cwd, execFileName),
		}, nil
	case sandbox.StatusTimeLimitExceeded:
		return compileError("compilation time limit exceeded"), nil
	case sandbox.StatusMemoryLimitExceeded:
		return compileError("compiler memory limit exceeded"), nil
	case sandbox.StatusRuntimeError:
		message := diag
		if message == "" {
			message = res.Message
		}
		return compileError(message), nil
	default:
		return &CompileOutcome{Result: task.CompileResult{
			Result:  task.ResultSystemError,
			Message: res.Message,
		}}, nil
	}
}

func (c *Compiler) copySupplementaryFiles(ctx context.Context, files []task.FileURL, cwd string) error {
	for _, url := range files {
		cached, err := c.cache.EnsureCached(ctx, string(url))
		if err != nil {
			return err
		}
		dst := filepath.Join(cwd, cached.Filename)
		if fileExists(dst) {
			return errors.Newf(errors.InvalidProblem,
				"file %q conflicts with an existing file", cached.Filename)
		}
		if err := copyFile(cached.Path, dst, 0644); err != nil {
			return errors.Wrap(err, errors.SandboxSetupFailed)
		}
	}
	return nil
}

func limitsOf(u task.ResourceUsage) sandbox.Limits {
	return sandbox.Limits{
		TimeMsecs:     u.TimeMsecs,
		MemoryBytes:   u.MemoryBytes,
		FileCount:     u.FileCount,
		FileSizeBytes: u.FileSizeBytes,
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readLimited(path string, maxBytes int64) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return strings.TrimSpace(string(data))
}

// worker handoff only applies when the runner itself is privileged
func giveToWorker(ctx context.Context, path string) {
	if os.Getuid() != 0 {
		return
	}
	if err := sandbox.ChownTreeToWorker(path); err != nil {
		logger.Warn(ctx, "chown to worker failed", zap.String("path", path), zap.Error(err))
	}
}

func takeFromWorker(ctx context.Context, path string) {
	if os.Getuid() != 0 {
		return
	}
	if err := sandbox.ChownTreeBack(path); err != nil {
		logger.Warn(ctx, "chown back failed", zap.String("path", path), zap.Error(err))
	}
}

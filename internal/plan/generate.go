package plan

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"taoj/internal/storage"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// CheckerCompiler dispatches a one-off compile task for a problem's custom
// checker. Implemented by the scheduler's dispatcher.
type CheckerCompiler interface {
	CompileChecker(ctx context.Context, t *task.CompileTask, problemID, group string) (*task.CompileResult, error)
}

// Generator compiles problem archives into judge plans.
type Generator struct {
	store      storage.ObjectStorage
	buckets    storage.Buckets
	compiler   CheckerCompiler
	presignTTL time.Duration
}

func NewGenerator(store storage.ObjectStorage, buckets storage.Buckets,
	compiler CheckerCompiler, presignTTL time.Duration) *Generator {
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	return &Generator{store: store, buckets: buckets, compiler: compiler, presignTTL: presignTTL}
}

// parseContext carries state through the stages of one generation.
type parseContext struct {
	problemID string
	names     map[string]*zip.File
	cfg       *ProblemConfig

	compileType   compileType
	checkType     checkType
	compileLimits task.ResourceUsage

	// compileSupp keeps the plain supplementary urls for checker
	// compilation, which has no user code to add
	compileSupp []task.FileURL

	filesToUpload    map[string]struct{}
	checkerToCompile string
	checkerArtifact  *task.Artifact

	plan *task.JudgePlan
}

func (ctx *parseContext) fileKey(filename string) string {
	return ctx.problemID + "/" + filename
}

// fileURL registers the file for upload and returns its plan-internal url.
func (ctx *parseContext) fileURL(filename string) task.FileURL {
	ctx.filesToUpload[filename] = struct{}{}
	return task.FileURL(URLScheme + ctx.fileKey(filename))
}

func (ctx *parseContext) has(filename string) bool {
	_, ok := ctx.names[filename]
	return ok
}

func (ctx *parseContext) read(filename string) ([]byte, error) {
	f, ok := ctx.names[filename]
	if !ok {
		return nil, errors.Newf(errors.InvalidProblem, "file %q not found in problem zip", filename)
	}
	r, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, errors.InvalidProblem, "cannot read %s", filename)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, errors.InvalidProblem, "cannot read %s", filename)
	}
	return data, nil
}

// Generate builds the judge plan for a problem from its data archive.
// Deterministic for a fixed archive: regenerating yields an equal plan.
func (g *Generator) Generate(ctx context.Context, problemID string) (*task.JudgePlan, error) {
	logger.Info(ctx, "generating judge plan", zap.String("problem_id", problemID))

	data, err := g.store.ReadFile(ctx, g.buckets.Problems, storage.ProblemZipKey(problemID))
	if err != nil {
		if errors.Is(err, errors.ObjectNotFound) {
			return nil, errors.Newf(errors.ProblemDataMissing, "no data archive for problem %s", problemID)
		}
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidProblem)
	}

	pc := &parseContext{
		problemID:     problemID,
		names:         make(map[string]*zip.File),
		filesToUpload: make(map[string]struct{}),
		plan:          &task.JudgePlan{},
	}
	prefix := problemID + "/"
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, prefix) {
			pc.names[strings.TrimPrefix(f.Name, prefix)] = f
		}
	}

	if err := g.loadConfig(pc); err != nil {
		return nil, err
	}
	pc.plan.Group = pc.cfg.RunnerGroup
	if pc.plan.Quiz != nil {
		return pc.plan, nil
	}

	if err := g.parseSpj(pc); err != nil {
		return nil, err
	}
	compile, err := g.parseCompile(pc)
	if err != nil {
		return nil, err
	}
	pc.plan.Compile = compile
	judge, err := g.parseTestpoints(pc)
	if err != nil {
		return nil, err
	}
	pc.plan.Judge = judge
	pc.plan.Score = parseGroups(pc.cfg)

	if err := validateAcyclic(pc.plan.Judge); err != nil {
		return nil, err
	}
	if err := g.uploadFiles(ctx, pc); err != nil {
		return nil, err
	}
	if err := g.compileChecker(ctx, pc); err != nil {
		return nil, err
	}
	return pc.plan, nil
}

func (g *Generator) loadConfig(pc *parseContext) error {
	data, err := pc.read(problemConfigFilename)
	if err != nil {
		return err
	}
	var cfg ProblemConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return errors.Wrapf(err, errors.InvalidProblem, "cannot parse %s", problemConfigFilename)
	}
	pc.cfg = &cfg

	if cfg.Quiz {
		quizData, err := pc.read(quizFilename)
		if err != nil {
			return err
		}
		var quiz struct {
			Problems []*task.QuizProblem `json:"problems"`
		}
		if err := json.Unmarshal(quizData, &quiz); err != nil {
			return errors.Wrapf(err, errors.InvalidProblem, "cannot parse %s", quizFilename)
		}
		if len(quiz.Problems) == 0 {
			return errors.New(errors.InvalidProblem).WithMessage("quiz has no problems")
		}
		pc.plan.Quiz = quiz.Problems
	}
	return nil
}

func (g *Generator) parseSpj(pc *parseContext) error {
	mode, ok := spjModes[pc.cfg.SPJ]
	if !ok {
		return errors.Newf(errors.InvalidProblem, "invalid SPJ type %d", pc.cfg.SPJ)
	}
	pc.compileType, pc.checkType = mode.compile, mode.check
	if pc.cfg.Scorer != 0 {
		return errors.New(errors.InvalidProblem).WithMessage("scorers are not supported")
	}

	if pc.checkType == checkSpj {
		switch {
		case pc.has(checkerPrecompiledFilename):
			pc.checkerArtifact = &task.Artifact{URL: pc.fileURL(checkerPrecompiledFilename)}
		case pc.has(checkerSourceFilename):
			pc.checkerArtifact = &task.Artifact{
				URL: task.FileURL(URLScheme + pc.fileKey(checkerExecFilename)),
			}
			pc.checkerToCompile = string(pc.fileURL(checkerSourceFilename))
		default:
			return errors.Newf(errors.InvalidProblem, "%s not found", checkerSourceFilename)
		}
	}
	return nil
}

func (g *Generator) parseCompile(pc *parseContext) (*task.CompileTaskPlan, error) {
	limits := defaultCompileLimits
	if pc.cfg.CompileTimeLimit != nil {
		limits.TimeMsecs = *pc.cfg.CompileTimeLimit
	}
	pc.compileLimits = limits

	supplementary := make([]task.SupplementaryFile, 0, len(pc.cfg.SupportedFiles)+1)
	pc.compileSupp = make([]task.FileURL, 0, len(pc.cfg.SupportedFiles))
	for _, name := range pc.cfg.SupportedFiles {
		url := pc.fileURL(name)
		supplementary = append(supplementary, url)
		pc.compileSupp = append(pc.compileSupp, url)
	}

	if pc.compileType == compileNone {
		return nil, nil
	}

	tpl := &task.CompileTaskPlan{
		Source:             &task.UserCode{},
		SupplementaryFiles: supplementary,
		Artifact:           true,
		Limits:             limits,
	}
	if pc.compileType == compileClassic {
		return tpl, nil
	}

	srcFilename := hppSrcFilename
	if pc.cfg.Verilog {
		srcFilename = hppSrcFilenameVlog
	}
	tpl.SupplementaryFiles = append(tpl.SupplementaryFiles, &task.UserCode{Filename: srcFilename})

	if pc.has(hppMainFilename) {
		tpl.Source = &task.CompileSourceCpp{Main: pc.fileURL(hppMainFilename)}
		return tpl, nil
	}
	// no shared harness: each testpoint compiles against its own main, and
	// the plan-level compile step disappears in parseTestpoints
	pc.compileType = compileHppPerTestpoint
	tpl.Source = nil
	tpl.Artifact = false
	return tpl, nil
}

func (g *Generator) parseTestpoint(pc *parseContext, conf ConfigTestpoint) (*task.Testpoint, error) {
	id := strconv.FormatInt(conf.ID, 10)

	infile := task.FileURL("")
	if name := id + ".in"; pc.has(name) {
		infile = pc.fileURL(name)
	}

	runLimits := defaultRunLimits
	if conf.TimeLimit != nil {
		runLimits.TimeMsecs = *conf.TimeLimit
	}
	if conf.MemoryLimit != nil {
		runLimits.MemoryBytes = *conf.MemoryLimit
	}
	if conf.DiskLimit != nil {
		abs := *conf.DiskLimit
		if abs < 0 {
			abs = -abs
		}
		runLimits.FileSizeBytes = abs
	}
	if conf.FileNumberLimit != nil {
		runLimits.FileCount = *conf.FileNumberLimit
	}

	runType := task.RunTypeElf
	if pc.cfg.Verilog {
		runType = task.RunTypeVerilog
	} else if conf.ValgrindTestOn {
		runType = task.RunTypeValgrind
	}
	var run *task.RunArgs
	if pc.compileType != compileNone {
		run = &task.RunArgs{
			Type:   runType,
			Limits: runLimits,
			Infile: infile,
		}
	}

	answer := func() task.FileURL {
		if name := id + ".ans"; pc.has(name) {
			return pc.fileURL(name)
		}
		if name := id + ".out"; pc.has(name) {
			return pc.fileURL(name)
		}
		return ""
	}

	var check task.Checker
	switch pc.checkType {
	case checkCompare:
		ans := answer()
		if ans == "" {
			return nil, errors.Newf(errors.InvalidProblem, "answer file needed for testpoint %s", id)
		}
		check = &task.CompareChecker{IgnoreWhitespace: true, Answer: ans}
	case checkDirect:
		check = &task.DirectChecker{}
	case checkSpj:
		check = &task.SpjChecker{
			Format:     task.SpjFormatChecker,
			Executable: pc.checkerArtifact,
			Answer:     answer(),
			Limits:     defaultCheckLimits,
		}
	default:
		return nil, errors.Newf(errors.InvalidProblem, "unknown check type %q", pc.checkType)
	}

	dependentOn := ""
	if conf.Dependency != 0 {
		dependentOn = strconv.FormatInt(conf.Dependency, 10)
	}
	tp := &task.Testpoint{
		ID:          id,
		DependentOn: dependentOn,
		Input:       &task.UserCode{},
		Run:         run,
		Check:       check,
	}
	if pc.compileType == compileHppPerTestpoint {
		tpl := clonePlanTemplate(pc.plan.Compile)
		if pc.cfg.Verilog {
			tpl.Source = &task.CompileSourceVerilog{Main: pc.fileURL(id + ".v")}
		} else {
			tpl.Source = &task.CompileSourceCpp{Main: pc.fileURL(id + ".cpp")}
		}
		tp.Input = tpl
	}
	return tp, nil
}

func clonePlanTemplate(tpl *task.CompileTaskPlan) *task.CompileTaskPlan {
	clone := *tpl
	clone.SupplementaryFiles = append([]task.SupplementaryFile(nil), tpl.SupplementaryFiles...)
	return &clone
}

func (g *Generator) parseTestpoints(pc *parseContext) ([]*task.JudgeTaskPlan, error) {
	testpoints := make([]*task.Testpoint, 0, len(pc.cfg.Details))
	for _, conf := range pc.cfg.Details {
		tp, err := g.parseTestpoint(pc, conf)
		if err != nil {
			return nil, err
		}
		testpoints = append(testpoints, tp)
	}
	byID := make(map[string]int, len(testpoints))
	for i, tp := range testpoints {
		byID[tp.ID] = i
	}
	if pc.compileType == compileHppPerTestpoint {
		pc.plan.Compile = nil
	}

	groupByDisk := false
	for _, conf := range pc.cfg.Details {
		if conf.DiskLimit != nil && *conf.DiskLimit > 0 {
			groupByDisk = true
			break
		}
	}

	if groupByDisk {
		if pc.compileType == compileHppPerTestpoint {
			return nil, errors.New(errors.InvalidProblem).
				WithMessage("disk limits are incompatible with per-testpoint compilation")
		}
		return groupedPlans(pc, testpoints, byID)
	}

	plans := make([]*task.JudgeTaskPlan, 0, len(testpoints))
	for _, tp := range testpoints {
		var deps []int
		if tp.DependentOn != "" {
			idx, ok := byID[tp.DependentOn]
			if !ok {
				return nil, errors.Newf(errors.InvalidProblem,
					"invalid dep %s declared by %s", tp.DependentOn, tp.ID)
			}
			deps = []int{idx}
		}
		plans = append(plans, &task.JudgeTaskPlan{
			Task:         &task.JudgeTask{Testpoints: []*task.Testpoint{tp}},
			Dependencies: deps,
		})
	}
	return generateDependents(plans), nil
}

// groupedPlans merges consecutive testpoints into shared-directory tasks.
// A negative disk limit starts a new task.
func groupedPlans(pc *parseContext, testpoints []*task.Testpoint, byID map[string]int) ([]*task.JudgeTaskPlan, error) {
	taskOf := make(map[string]int, len(testpoints))
	var plans []*task.JudgeTaskPlan
	for i, tp := range testpoints {
		conf := pc.cfg.Details[i]
		if len(plans) == 0 || (conf.DiskLimit != nil && *conf.DiskLimit < 0) {
			plans = append(plans, &task.JudgeTaskPlan{Task: &task.JudgeTask{}})
		}
		current := plans[len(plans)-1]
		current.Task.Testpoints = append(current.Task.Testpoints, tp)
		taskOf[tp.ID] = len(plans) - 1

		if tp.DependentOn != "" {
			if _, ok := byID[tp.DependentOn]; !ok {
				return nil, errors.Newf(errors.InvalidProblem,
					"invalid dep %s declared by %s", tp.DependentOn, tp.ID)
			}
			depTask, seen := taskOf[tp.DependentOn]
			if !seen {
				return nil, errors.Newf(errors.InvalidProblem,
					"invalid dep %s declared by %s", tp.DependentOn, tp.ID)
			}
			if depTask != len(plans)-1 {
				current.Dependencies = appendUnique(current.Dependencies, depTask)
			}
		}
	}
	return generateDependents(plans), nil
}

func appendUnique(deps []int, dep int) []int {
	for _, d := range deps {
		if d == dep {
			return deps
		}
	}
	return append(deps, dep)
}

// generateDependents populates the reverse edges.
func generateDependents(plans []*task.JudgeTaskPlan) []*task.JudgeTaskPlan {
	for i, p := range plans {
		for _, dep := range p.Dependencies {
			plans[dep].Dependents = append(plans[dep].Dependents, i)
		}
	}
	return plans
}

// validateAcyclic rejects plans whose task dependencies form a cycle, via
// Kahn's algorithm over the task graph.
func validateAcyclic(plans []*task.JudgeTaskPlan) error {
	indegree := make([]int, len(plans))
	for i, p := range plans {
		indegree[i] = len(p.Dependencies)
	}
	var ready []int
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}
	processed := 0
	for len(ready) > 0 {
		i := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		processed++
		for _, dep := range plans[i].Dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if processed != len(plans) {
		return errors.New(errors.DependencyCycle).
			WithMessage("dependency cycle detected in judge plan")
	}
	return nil
}

func parseGroups(cfg *ProblemConfig) []*task.TestpointGroup {
	groups := make([]*task.TestpointGroup, 0, len(cfg.Groups))
	for _, conf := range cfg.Groups {
		name := conf.GroupName
		if name == "" {
			name = fmt.Sprintf("Task %d", conf.GroupID)
		}
		testpoints := make([]string, 0, len(conf.TestPoints))
		for _, id := range conf.TestPoints {
			testpoints = append(testpoints, strconv.FormatInt(id, 10))
		}
		groups = append(groups, &task.TestpointGroup{
			ID:         strconv.FormatInt(conf.GroupID, 10),
			Name:       name,
			Testpoints: testpoints,
			Score:      conf.GroupScore,
		})
	}
	return groups
}

func (g *Generator) uploadFiles(ctx context.Context, pc *parseContext) error {
	var missing []string
	for name := range pc.filesToUpload {
		if !pc.has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Newf(errors.InvalidProblem,
			"file(s) %v not found in problem zip", missing)
	}
	names := make([]string, 0, len(pc.filesToUpload))
	for name := range pc.filesToUpload {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := pc.read(name)
		if err != nil {
			return err
		}
		err = g.store.PutObject(ctx, g.buckets.Problems, pc.fileKey(name),
			bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) compileChecker(ctx context.Context, pc *parseContext) error {
	if pc.checkerToCompile == "" {
		return nil
	}
	if g.compiler == nil {
		return errors.New(errors.InvalidParams).WithMessage("no checker compiler configured")
	}

	source, err := g.signGet(ctx, pc.checkerToCompile)
	if err != nil {
		return err
	}
	supplementary := make([]task.FileURL, 0, len(pc.compileSupp))
	for _, url := range pc.compileSupp {
		signed, err := g.signGet(ctx, string(url))
		if err != nil {
			return err
		}
		supplementary = append(supplementary, signed)
	}
	artifactURL, err := g.store.PresignPut(ctx, g.buckets.Problems,
		pc.fileKey(checkerExecFilename), g.presignTTL)
	if err != nil {
		return err
	}

	compileTask := &task.CompileTask{
		Source:             &task.CompileSourceCpp{Main: source},
		SupplementaryFiles: supplementary,
		Artifact:           &task.Artifact{URL: task.FileURL(artifactURL)},
		Limits:             pc.compileLimits,
	}
	res, err := g.compiler.CompileChecker(ctx, compileTask, pc.problemID, pc.cfg.RunnerGroup)
	if err != nil {
		return err
	}
	if res.Result != task.ResultCompiled {
		return errors.Newf(errors.CheckerCompileFailed,
			"cannot compile checker (%s): %s", res.Result, res.Message)
	}
	return nil
}

// signGet rewrites a plan-internal s3:// url to a presigned GET url.
func (g *Generator) signGet(ctx context.Context, url string) (task.FileURL, error) {
	if !strings.HasPrefix(url, URLScheme) {
		return "", errors.Newf(errors.InvalidProblem, "invalid object url %q", url)
	}
	signed, err := g.store.PresignGet(ctx, g.buckets.Problems,
		strings.TrimPrefix(url, URLScheme), g.presignTTL)
	if err != nil {
		return "", err
	}
	return task.FileURL(signed), nil
}

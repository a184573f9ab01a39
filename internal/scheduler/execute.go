package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"taoj/internal/plan"
	"taoj/internal/storage"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"
)

const (
	rawCodeFilename  = "code"
	cppMainFilename  = "main.cpp"
	vlogMainFilename = "main.v"
	artifactFilename = "main"

	// gcc reports failures through the wrapper's exit status; the wrapper
	// prefix is noise in a compile-error message
	gccErrorPrefix = "runtime error: Program exited with status 1: "
)

type objectRef struct {
	bucket string
	key    string
}

// judgeTaskRecord is one JudgeTaskPlan bound to a submission. Its task's
// testpoint list shrinks as failed dependencies strip testpoints out.
type judgeTaskRecord struct {
	task   *task.JudgeTask
	plan   *task.JudgeTaskPlan
	result *task.JudgeResult
}

// statusFunc publishes a submission state change ("compiling", "judging").
type statusFunc func(ctx context.Context, status string)

// ExecutionContext drives one submission through a judge plan: binding the
// plan's templates to the submitted code, dispatching the compile step and
// the judge-task DAG, and folding testpoint results into a final verdict.
type ExecutionContext struct {
	plan         *task.JudgePlan
	submissionID string
	problemID    string
	lang         task.CodeLanguage
	code         task.SourceLocation
	group        string

	store      storage.ObjectStorage
	buckets    storage.Buckets
	dispatcher TaskRunner
	status     statusFunc
	presignTTL time.Duration

	compile         *task.CompileTask
	compileMessage  string
	judge           []*judgeTaskRecord
	codeKey         string
	compileArtifact *task.Artifact
	filesToClean    mapset.Set[objectRef]

	mu      sync.Mutex
	results map[string]*task.TestpointJudgeResult
}

func newExecutionContext(p *task.JudgePlan, submissionID, problemID string,
	lang task.CodeLanguage, code task.SourceLocation, group string,
	store storage.ObjectStorage, buckets storage.Buckets,
	dispatcher TaskRunner, status statusFunc, presignTTL time.Duration) *ExecutionContext {
	if status == nil {
		status = func(context.Context, string) {}
	}
	return &ExecutionContext{
		plan:         p,
		submissionID: submissionID,
		problemID:    problemID,
		lang:         lang,
		code:         code,
		group:        group,
		store:        store,
		buckets:      buckets,
		dispatcher:   dispatcher,
		status:       status,
		presignTTL:   presignTTL,
		filesToClean: mapset.NewSet[objectRef](),
		results:      make(map[string]*task.TestpointJudgeResult),
	}
}

// --- URL binding ---

// codeURL reserves the submission's code under one artifact key and returns
// a presigned GET for it. A plan may not place the user code at two
// different names.
func (e *ExecutionContext) codeURL(ctx context.Context, filename string) (task.FileURL, error) {
	key := e.submissionID + "/" + filename
	if e.codeKey != "" && e.codeKey != key {
		return "", errors.New(errors.InvalidProblem).
			WithMessage("trying to use user code as different files")
	}
	e.codeKey = key
	url, err := e.store.PresignGet(ctx, e.buckets.Artifacts, key, e.presignTTL)
	if err != nil {
		return "", err
	}
	return task.FileURL(url), nil
}

// artifactURL allocates the compile artifact's location, remembers a GET url
// for later testpoints, and returns the PUT url the compile task uploads to.
func (e *ExecutionContext) artifactURL(ctx context.Context) (task.FileURL, error) {
	if e.compileArtifact != nil {
		return "", errors.New(errors.InvalidProblem).WithMessage("duplicate compile artifact")
	}
	key := e.submissionID + "/" + artifactFilename
	e.filesToClean.Add(objectRef{e.buckets.Artifacts, key})
	get, err := e.store.PresignGet(ctx, e.buckets.Artifacts, key, e.presignTTL)
	if err != nil {
		return "", err
	}
	e.compileArtifact = &task.Artifact{URL: task.FileURL(get)}
	put, err := e.store.PresignPut(ctx, e.buckets.Artifacts, key, e.presignTTL)
	if err != nil {
		return "", err
	}
	return task.FileURL(put), nil
}

// signPlanURL rewrites a plan-internal s3:// url to a presigned GET on the
// problems bucket.
func (e *ExecutionContext) signPlanURL(ctx context.Context, url task.FileURL) (task.FileURL, error) {
	if !strings.HasPrefix(string(url), plan.URLScheme) {
		return "", errors.Newf(errors.InvalidProblem, "invalid object url %q", url)
	}
	key := strings.TrimPrefix(string(url), plan.URLScheme)
	signed, err := e.store.PresignGet(ctx, e.buckets.Problems, key, e.presignTTL)
	if err != nil {
		return "", err
	}
	return task.FileURL(signed), nil
}

// --- compile binding ---

func (e *ExecutionContext) compileSource(ctx context.Context, filename string) (task.CompileSource, error) {
	switch e.lang {
	case task.LanguageCpp:
		url, err := e.codeURL(ctx, filename)
		if err != nil {
			return nil, err
		}
		return &task.CompileSourceCpp{Main: url}, nil
	case task.LanguageGit:
		raw, err := e.store.ReadFile(ctx, e.code.Bucket, e.code.Key)
		if err != nil {
			return nil, err
		}
		url := strings.TrimSpace(string(raw))
		if strings.HasPrefix(url, "/") {
			return nil, errors.New(errors.InvalidCode).WithMessage("local clone not allowed")
		}
		return &task.CompileSourceGit{URL: url}, nil
	case task.LanguageVerilog:
		url, err := e.codeURL(ctx, filename)
		if err != nil {
			return nil, err
		}
		return &task.CompileSourceVerilog{Main: url}, nil
	default:
		return nil, errors.Newf(errors.LanguageNotSupported, "unknown language %q", e.lang)
	}
}

// prepareCompile instantiates a compile-task template for this submission.
func (e *ExecutionContext) prepareCompile(ctx context.Context, tpl *task.CompileTaskPlan) (*task.CompileTask, error) {
	if tpl == nil {
		return nil, nil
	}

	userCodes := 0
	if _, ok := tpl.Source.(*task.UserCode); ok {
		userCodes++
	}
	var placeholderName string
	for _, s := range tpl.SupplementaryFiles {
		if uc, ok := s.(*task.UserCode); ok {
			userCodes++
			placeholderName = uc.Filename
		}
	}
	if userCodes == 0 {
		return nil, errors.New(errors.InvalidProblem).WithMessage("compile task with no user input")
	}
	if userCodes > 1 {
		return nil, errors.New(errors.InvalidCode).
			WithMessage("compile task with multiple files as user input")
	}

	filename := placeholderName
	if uc, ok := tpl.Source.(*task.UserCode); ok {
		filename = uc.Filename
	}
	if filename == "" {
		switch e.lang {
		case task.LanguageVerilog:
			filename = vlogMainFilename
		default:
			filename = cppMainFilename
		}
	}

	var source task.CompileSource
	switch s := tpl.Source.(type) {
	case *task.UserCode:
		src, err := e.compileSource(ctx, filename)
		if err != nil {
			return nil, err
		}
		source = src
	case *task.CompileSourceCpp:
		url, err := e.signPlanURL(ctx, s.Main)
		if err != nil {
			return nil, err
		}
		source = &task.CompileSourceCpp{Main: url}
	case *task.CompileSourceVerilog:
		url, err := e.signPlanURL(ctx, s.Main)
		if err != nil {
			return nil, err
		}
		source = &task.CompileSourceVerilog{Main: url}
	case *task.CompileSourceGit:
		source = &task.CompileSourceGit{URL: s.URL}
	default:
		return nil, errors.Newf(errors.InvalidProblem, "unknown compile source %T", tpl.Source)
	}

	supplementary := make([]task.FileURL, 0, len(tpl.SupplementaryFiles))
	for _, s := range tpl.SupplementaryFiles {
		switch f := s.(type) {
		case *task.UserCode:
			url, err := e.codeURL(ctx, filename)
			if err != nil {
				return nil, err
			}
			supplementary = append(supplementary, url)
		case task.FileURL:
			url, err := e.signPlanURL(ctx, f)
			if err != nil {
				return nil, err
			}
			supplementary = append(supplementary, url)
		default:
			return nil, errors.Newf(errors.InvalidProblem, "unknown supplementary file %T", s)
		}
	}

	var artifact *task.Artifact
	if tpl.Artifact {
		url, err := e.artifactURL(ctx)
		if err != nil {
			return nil, err
		}
		artifact = &task.Artifact{URL: url}
	}
	return &task.CompileTask{
		Source:             source,
		SupplementaryFiles: supplementary,
		Artifact:           artifact,
		Limits:             tpl.Limits,
	}, nil
}

// --- judge-task binding ---

func (e *ExecutionContext) prepareJudgeTasks(ctx context.Context) error {
	e.judge = make([]*judgeTaskRecord, 0, len(e.plan.Judge))
	for _, p := range e.plan.Judge {
		rec, err := e.prepareJudgeTask(ctx, p)
		if err != nil {
			return err
		}
		e.judge = append(e.judge, rec)
	}
	return nil
}

func (e *ExecutionContext) prepareJudgeTask(ctx context.Context, p *task.JudgeTaskPlan) (*judgeTaskRecord, error) {
	bound := &task.JudgeTask{Testpoints: make([]*task.Testpoint, 0, len(p.Task.Testpoints))}
	for _, tp := range p.Task.Testpoints {
		b, err := e.bindTestpoint(ctx, tp)
		if err != nil {
			return nil, err
		}
		bound.Testpoints = append(bound.Testpoints, b)
	}
	return &judgeTaskRecord{task: bound, plan: p}, nil
}

func (e *ExecutionContext) bindTestpoint(ctx context.Context, tp *task.Testpoint) (*task.Testpoint, error) {
	b := &task.Testpoint{ID: tp.ID, DependentOn: tp.DependentOn}

	switch in := tp.Input.(type) {
	case *task.UserCode:
		if e.compileArtifact == nil {
			url, err := e.codeURL(ctx, rawCodeFilename)
			if err != nil {
				return nil, err
			}
			e.compileArtifact = &task.Artifact{URL: url}
		}
		b.Input = e.compileArtifact
	case *task.CompileTaskPlan:
		ct, err := e.prepareCompile(ctx, in)
		if err != nil {
			return nil, err
		}
		b.Input = ct
	case *task.CompileTask:
		b.Input = in
	case *task.Artifact:
		url, err := e.signPlanURL(ctx, in.URL)
		if err != nil {
			return nil, err
		}
		b.Input = &task.Artifact{URL: url}
	default:
		return nil, errors.Newf(errors.InvalidProblem,
			"unknown testpoint input type at testpoint %s", tp.ID)
	}

	if tp.Run != nil {
		run := &task.RunArgs{Type: tp.Run.Type, Limits: tp.Run.Limits}
		if tp.Run.Infile != "" {
			url, err := e.signPlanURL(ctx, tp.Run.Infile)
			if err != nil {
				return nil, err
			}
			run.Infile = url
		}
		for _, f := range tp.Run.SupplementaryFiles {
			url, err := e.signPlanURL(ctx, f)
			if err != nil {
				return nil, err
			}
			run.SupplementaryFiles = append(run.SupplementaryFiles, url)
		}
		b.Run = run
	}

	switch c := tp.Check.(type) {
	case *task.CompareChecker:
		url, err := e.signPlanURL(ctx, c.Answer)
		if err != nil {
			return nil, err
		}
		b.Check = &task.CompareChecker{IgnoreWhitespace: c.IgnoreWhitespace, Answer: url}
	case *task.DirectChecker:
		b.Check = &task.DirectChecker{}
	case *task.SpjChecker:
		exe, ok := c.Executable.(*task.Artifact)
		if !ok {
			return nil, errors.New(errors.InvalidProblem).WithMessage("invalid SPJ")
		}
		exeURL, err := e.signPlanURL(ctx, exe.URL)
		if err != nil {
			return nil, err
		}
		spj := &task.SpjChecker{
			Format:     c.Format,
			Executable: &task.Artifact{URL: exeURL},
			Limits:     c.Limits,
		}
		if c.Answer != "" {
			url, err := e.signPlanURL(ctx, c.Answer)
			if err != nil {
				return nil, err
			}
			spj.Answer = url
		}
		for _, f := range c.SupplementaryFiles {
			url, err := e.signPlanURL(ctx, f)
			if err != nil {
				return nil, err
			}
			spj.SupplementaryFiles = append(spj.SupplementaryFiles, url)
		}
		b.Check = spj
	default:
		return nil, errors.Newf(errors.InvalidProblem,
			"unknown checker type at testpoint %s", tp.ID)
	}
	return b, nil
}

// uploadCode copies the submitted code to the artifact key reserved during
// binding so presigned GETs handed to runners resolve.
func (e *ExecutionContext) uploadCode(ctx context.Context) error {
	if e.codeKey == "" {
		return nil
	}
	e.filesToClean.Add(objectRef{e.buckets.Artifacts, e.codeKey})
	return e.store.CopyObject(ctx, e.code.Bucket, e.code.Key, e.buckets.Artifacts, e.codeKey)
}

// --- execution ---

func (e *ExecutionContext) runCompileTask(ctx context.Context) (*task.CompileResult, error) {
	if e.compile == nil {
		return nil, nil
	}
	onProgress := func(ctx context.Context, update task.StatusUpdate) {
		if _, ok := update.(*task.StatusUpdateStarted); ok {
			e.status(ctx, "compiling")
		}
	}
	info := &TaskInfo{
		Task:           e.compile,
		SubmissionID:   e.submissionID,
		ProblemID:      e.problemID,
		Group:          e.plan.Group,
		RateLimitGroup: e.group,
		Message:        "Compiling code for submission #" + e.submissionID,
	}
	res, err := e.dispatcher.RunTask(ctx, info, onProgress)
	if err != nil {
		return nil, err
	}
	cr, ok := res.(*task.CompileResult)
	if !ok {
		return nil, errors.Newf(errors.JudgeSystemError, "compile task returned %T", res)
	}
	return cr, nil
}

func (e *ExecutionContext) setResult(r *task.TestpointJudgeResult) {
	e.mu.Lock()
	e.results[r.TestpointID] = r
	e.mu.Unlock()
}

func (e *ExecutionContext) setResultIfPending(r *task.TestpointJudgeResult) {
	e.mu.Lock()
	cur, ok := e.results[r.TestpointID]
	if !ok || cur.Result == task.ResultPending || cur.Result == task.ResultJudging {
		e.results[r.TestpointID] = r
	}
	e.mu.Unlock()
}

func skippedResult(id, message string) *task.TestpointJudgeResult {
	return &task.TestpointJudgeResult{TestpointID: id, Result: task.ResultSkipped, Message: message}
}

// depsSatisfied reports whether every testpoint's dependency is either
// cleared or local to the same task. Cleared means the dependency was
// already resolved during stripping.
func depsSatisfied(rec *judgeTaskRecord) bool {
	for _, tp := range rec.task.Testpoints {
		if tp.DependentOn == "" {
			continue
		}
		local := false
		for _, other := range rec.task.Testpoints {
			if other.ID == tp.DependentOn {
				local = true
				break
			}
		}
		if !local {
			return false
		}
	}
	return true
}

// stripSkipped propagates a completed task's verdicts into its dependents:
// testpoints whose dependency was accepted lose the edge, testpoints whose
// dependency failed are removed and recorded as skipped, cascading through
// further dependents.
func (e *ExecutionContext) stripSkipped(p *task.JudgeTaskPlan, accepted, unaccepted []*task.Testpoint) {
	for _, dep := range p.Dependents {
		rec := e.judge[dep]
		var removed []*task.Testpoint
		for changed := true; changed; {
			changed = false
			for _, tp := range rec.task.Testpoints {
				if tp.DependentOn == "" {
					continue
				}
				cleared := false
				for _, ok := range accepted {
					if tp.DependentOn == ok.ID {
						tp.DependentOn = ""
						cleared = true
						break
					}
				}
				if cleared {
					continue
				}
				for _, failed := range unaccepted {
					if tp.DependentOn == failed.ID {
						e.setResult(skippedResult(tp.ID, "testpoint "+failed.ID+" failed"))
						removed = append(removed, tp)
						unaccepted = append(unaccepted, tp)
						changed = true
						break
					}
				}
			}
			if changed {
				kept := rec.task.Testpoints[:0]
				for _, tp := range rec.task.Testpoints {
					drop := false
					for _, r := range removed {
						if r == tp {
							drop = true
							break
						}
					}
					if !drop {
						kept = append(kept, tp)
					}
				}
				rec.task.Testpoints = kept
			}
		}
		if len(removed) > 0 {
			e.stripSkipped(rec.plan, nil, removed)
		}
	}
}

type taskCompletion struct {
	rec *judgeTaskRecord
	res *task.JudgeResult
	err error
}

func (e *ExecutionContext) launchJudgeTask(ctx context.Context, rec *judgeTaskRecord, done chan<- *taskCompletion) {
	onProgress := func(ctx context.Context, update task.StatusUpdate) {
		switch u := update.(type) {
		case *task.StatusUpdateStarted:
			for _, tp := range rec.task.Testpoints {
				e.setResultIfPending(&task.TestpointJudgeResult{
					TestpointID: tp.ID, Result: task.ResultJudging, Message: "Judging",
				})
			}
		case *task.StatusUpdateProgress:
			if jr, ok := u.Result.(*task.JudgeResult); ok {
				for _, tp := range jr.Testpoints {
					if tp != nil {
						e.setResultIfPending(tp)
					}
				}
			}
		}
	}
	go func() {
		info := &TaskInfo{
			Task:           rec.task,
			SubmissionID:   e.submissionID,
			ProblemID:      e.problemID,
			Group:          e.plan.Group,
			RateLimitGroup: e.group,
			Message:        "Running test for submission #" + e.submissionID,
		}
		res, err := e.dispatcher.RunTask(ctx, info, onProgress)
		if err != nil {
			done <- &taskCompletion{rec: rec, err: err}
			return
		}
		jr, ok := res.(*task.JudgeResult)
		if !ok {
			done <- &taskCompletion{rec: rec,
				err: errors.Newf(errors.JudgeSystemError, "judge task returned %T", res)}
			return
		}
		done <- &taskCompletion{rec: rec, res: jr}
	}()
}

// runJudgeTasks executes the bound task DAG. Ready tasks run concurrently;
// completions strip unsatisfiable testpoints out of dependents and may make
// further tasks ready. Returns ctx.Err() when the run was cancelled so the
// caller can synthesize an aborted scoreboard.
func (e *ExecutionContext) runJudgeTasks(ctx context.Context) error {
	e.status(ctx, "judging")
	done := make(chan *taskCompletion)
	dispatched := make([]bool, len(e.judge))
	running := 0

	dispatchReady := func() {
		for i, rec := range e.judge {
			if dispatched[i] || !depsSatisfied(rec) {
				continue
			}
			dispatched[i] = true
			if len(rec.task.Testpoints) == 0 {
				// fully stripped, nothing to run
				continue
			}
			e.launchJudgeTask(ctx, rec, done)
			running++
		}
	}

	dispatchReady()
	for running > 0 {
		c := <-done
		running--

		if c.err != nil && ctx.Err() != nil {
			// keep partial results, the synthesis pass fills in aborted
			continue
		}
		res := c.res
		if c.err != nil {
			msg := errors.GetError(c.err).Message
			res = &task.JudgeResult{}
			for _, tp := range c.rec.task.Testpoints {
				res.Testpoints = append(res.Testpoints, &task.TestpointJudgeResult{
					TestpointID: tp.ID, Result: task.ResultSystemError, Message: msg,
				})
			}
		}
		c.rec.result = res

		for _, tp := range res.Testpoints {
			if tp != nil {
				e.setResult(tp)
			}
		}
		e.mu.Lock()
		for _, tp := range c.rec.task.Testpoints {
			if _, ok := e.results[tp.ID]; !ok {
				e.results[tp.ID] = skippedResult(tp.ID, "Skipped")
			}
		}
		var accepted, unaccepted []*task.Testpoint
		for _, tp := range c.rec.task.Testpoints {
			if r, ok := e.results[tp.ID]; ok && r.Result == task.ResultAccepted {
				accepted = append(accepted, tp)
			} else {
				unaccepted = append(unaccepted, tp)
			}
		}
		e.mu.Unlock()
		e.stripSkipped(c.rec.plan, accepted, unaccepted)

		if ctx.Err() == nil {
			dispatchReady()
		}
	}
	return ctx.Err()
}

// --- result synthesis ---

func synthesizeResults(kinds []task.ResultKind) task.ResultKind {
	for _, k := range kinds {
		if k == task.ResultSystemError {
			return task.ResultSystemError
		}
	}
	for _, k := range kinds {
		if k == task.ResultBadProblem {
			return task.ResultBadProblem
		}
	}
	for _, k := range kinds {
		if k != task.ResultAccepted {
			return k
		}
	}
	return task.ResultAccepted
}

func synthesizeRusage(usages []*task.ResourceUsage) *task.ResourceUsage {
	total := &task.ResourceUsage{
		TimeMsecs:     0,
		MemoryBytes:   task.Unlimited,
		FileCount:     task.Unlimited,
		FileSizeBytes: task.Unlimited,
	}
	for _, u := range usages {
		if u == nil {
			continue
		}
		total.TimeMsecs += u.TimeMsecs
		total.MemoryBytes = max(total.MemoryBytes, u.MemoryBytes)
		total.FileCount = max(total.FileCount, u.FileCount)
		total.FileSizeBytes = max(total.FileSizeBytes, u.FileSizeBytes)
	}
	return total
}

type synthesisMode int

const (
	synthesisFinal synthesisMode = iota
	synthesisAborted
	synthesisInProgress
)

func abortedResult(id string) *task.TestpointJudgeResult {
	return &task.TestpointJudgeResult{TestpointID: id, Result: task.ResultAborted, Message: "Aborted"}
}

func pendingResult(id string) *task.TestpointJudgeResult {
	return &task.TestpointJudgeResult{TestpointID: id, Result: task.ResultPending, Message: "Pending"}
}

// synthesizeScores folds testpoint results into group and overall verdicts.
// A group is worth its weight times the minimum member score.
func (e *ExecutionContext) synthesizeScores(mode synthesisMode) (*task.ProblemJudgeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var usages []*task.ResourceUsage
	for _, r := range e.results {
		if r.ResourceUsage != nil {
			usages = append(usages, r.ResourceUsage)
		}
	}
	rusage := synthesizeRusage(usages)

	groups := make([]*task.GroupJudgeResult, 0, len(e.plan.Score))
	for _, g := range e.plan.Score {
		members := make([]*task.TestpointJudgeResult, 0, len(g.Testpoints))
		for _, id := range g.Testpoints {
			r, ok := e.results[id]
			if !ok {
				switch mode {
				case synthesisAborted:
					r = abortedResult(id)
				case synthesisInProgress:
					r = pendingResult(id)
				default:
					return nil, errors.New(errors.InvalidProblem).
						WithMessage("loop detected in testpoint dependencies")
				}
			}
			if mode == synthesisAborted &&
				(r.Result == task.ResultJudging || r.Result == task.ResultPending) {
				r = abortedResult(r.TestpointID)
			}
			members = append(members, r)
		}
		kinds := make([]task.ResultKind, len(members))
		minScore := 1.0
		for i, m := range members {
			kinds[i] = m.Result
			if i == 0 || m.Score < minScore {
				minScore = m.Score
			}
		}
		if len(members) == 0 {
			minScore = 0
		}
		groups = append(groups, &task.GroupJudgeResult{
			ID:         g.ID,
			Name:       g.Name,
			Result:     synthesizeResults(kinds),
			Testpoints: members,
			Score:      minScore * g.Score,
		})
	}

	score := 0.0
	kinds := make([]task.ResultKind, len(groups))
	for i, g := range groups {
		score += g.Score
		kinds[i] = g.Result
	}
	result := synthesizeResults(kinds)

	switch mode {
	case synthesisAborted:
		result = task.ResultAborted
		score = 0
	case synthesisInProgress:
		result = task.ResultJudging
		score = 0
	}
	return &task.ProblemJudgeResult{
		Result:        result,
		Message:       e.compileMessage,
		Score:         score,
		ResourceUsage: rusage,
		Groups:        groups,
	}, nil
}

// PartialResult renders the submission's interim scoreboard for polling
// clients.
func (e *ExecutionContext) PartialResult() (*task.ProblemJudgeResult, error) {
	return e.synthesizeScores(synthesisInProgress)
}

// Execute runs the whole pipeline for one submission.
func (e *ExecutionContext) Execute(ctx context.Context) (*task.ProblemJudgeResult, error) {
	if e.lang == task.LanguageQuiz {
		if e.plan.Quiz == nil {
			return nil, errors.New(errors.InvalidCode).WithMessage("this problem is not a quiz")
		}
		return e.executeQuiz(ctx)
	}
	if e.plan.Quiz != nil {
		return nil, errors.New(errors.InvalidCode).
			WithMessage("this problem is a quiz, do not submit code")
	}

	defer e.cleanup(ctx)

	compileTask, err := e.prepareCompile(ctx, e.plan.Compile)
	if err != nil {
		return nil, err
	}
	e.compile = compileTask
	if err := e.prepareJudgeTasks(ctx); err != nil {
		return nil, err
	}
	if err := e.uploadCode(ctx); err != nil {
		return nil, err
	}

	compileRes, err := e.runCompileTask(ctx)
	if err != nil {
		if errors.Is(err, errors.Canceled) {
			return &task.ProblemJudgeResult{Result: task.ResultAborted, Message: "Aborted"}, nil
		}
		return nil, err
	}
	if compileRes != nil && compileRes.Result != task.ResultCompiled {
		return compileFailureResult(compileRes), nil
	}
	if compileRes != nil {
		e.compileMessage = compileRes.Message
	}

	if err := e.runJudgeTasks(ctx); err != nil {
		return e.synthesizeScores(synthesisAborted)
	}
	return e.synthesizeScores(synthesisFinal)
}

// compileFailureResult maps a failed compile step to the submission verdict.
func compileFailureResult(res *task.CompileResult) *task.ProblemJudgeResult {
	status := task.ResultCompileError
	switch res.Result {
	case task.ResultSystemError:
		status = task.ResultSystemError
	case task.ResultAborted:
		status = task.ResultAborted
	}
	message := res.Message
	if status == task.ResultCompileError {
		prefix := strings.ReplaceAll(string(res.Result), "_", " ")
		if message != "" {
			message = prefix + ": " + message
		} else {
			message = prefix
		}
	}
	message = strings.TrimPrefix(message, gccErrorPrefix)
	return &task.ProblemJudgeResult{Result: status, Message: message}
}

// cleanup removes the per-submission objects binding created.
func (e *ExecutionContext) cleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for ref := range e.filesToClean.Iter() {
		if err := e.store.RemoveObject(cleanupCtx, ref.bucket, ref.key); err != nil {
			logger.Warn(ctx, "error clearing object",
				zap.String("bucket", ref.bucket), zap.String("key", ref.key), zap.Error(err))
		}
	}
}

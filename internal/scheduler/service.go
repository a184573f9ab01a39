package scheduler

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap"

	"taoj/internal/plan"
	"taoj/internal/storage"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/contextkey"
	"taoj/pkg/utils/logger"
)

// JudgeRequest asks the scheduler to judge one submission.
type JudgeRequest struct {
	ProblemID      string              `json:"problem_id"`
	SubmissionID   string              `json:"submission_id"`
	Language       task.CodeLanguage   `json:"language"`
	Source         task.SourceLocation `json:"source"`
	RateLimitGroup string              `json:"rate_limit_group"`
}

type judgeEntry struct {
	req    JudgeRequest
	cancel context.CancelFunc
	exec   *ExecutionContext
	done   chan struct{}
}

// Service owns the submission lifecycle: at most one judge run per
// submission id, cancellable per submission and per problem.
type Service struct {
	cfg        *Config
	store      storage.ObjectStorage
	buckets    storage.Buckets
	dispatcher TaskRunner
	generator  *plan.Generator
	web        *WebClient

	mu        sync.Mutex
	bySubmission map[string]*judgeEntry
	byProblem    map[string]map[string]*judgeEntry
}

func NewService(cfg *Config, store storage.ObjectStorage, buckets storage.Buckets,
	dispatcher TaskRunner, web *WebClient) *Service {
	s := &Service{
		cfg:          cfg,
		store:        store,
		buckets:      buckets,
		dispatcher:   dispatcher,
		web:          web,
		bySubmission: make(map[string]*judgeEntry),
		byProblem:    make(map[string]map[string]*judgeEntry),
	}
	s.generator = plan.NewGenerator(store, buckets, s, cfg.PresignTTL)
	return s
}

// Judge starts judging the submission in the background. A submission
// already being judged is left alone rather than judged twice.
func (s *Service) Judge(req JudgeRequest) {
	s.mu.Lock()
	if _, ok := s.bySubmission[req.SubmissionID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, contextkey.SubmissionID, req.SubmissionID)
	entry := &judgeEntry{req: req, cancel: cancel, done: make(chan struct{})}
	s.bySubmission[req.SubmissionID] = entry
	if s.byProblem[req.ProblemID] == nil {
		s.byProblem[req.ProblemID] = make(map[string]*judgeEntry)
	}
	s.byProblem[req.ProblemID][req.SubmissionID] = entry
	s.mu.Unlock()

	go s.runJudge(ctx, entry)
}

func (s *Service) unregister(entry *judgeEntry) {
	s.mu.Lock()
	delete(s.bySubmission, entry.req.SubmissionID)
	if m := s.byProblem[entry.req.ProblemID]; m != nil {
		delete(m, entry.req.SubmissionID)
		if len(m) == 0 {
			delete(s.byProblem, entry.req.ProblemID)
		}
	}
	s.mu.Unlock()
	close(entry.done)
}

func (s *Service) runJudge(ctx context.Context, entry *judgeEntry) {
	defer s.unregister(entry)
	req := entry.req
	logger.Info(ctx, "judging submission", zap.String("problem_id", req.ProblemID))

	res := s.executeSubmission(ctx, entry)

	// result delivery must survive submission cancellation
	reportCtx := context.WithoutCancel(ctx)
	if err := s.web.PutResult(reportCtx, req.SubmissionID, res); err != nil {
		logger.Error(ctx, "cannot deliver judge result", zap.Error(err))
	}
}

func (s *Service) executeSubmission(ctx context.Context, entry *judgeEntry) *task.ProblemJudgeResult {
	req := entry.req
	planData, err := s.store.ReadFile(ctx, s.buckets.Problems, storage.PlanKey(req.ProblemID))
	if err != nil {
		return &task.ProblemJudgeResult{
			Result: task.ResultBadProblem, Message: "Cannot get judge plan",
		}
	}
	judgePlan, err := task.UnmarshalPlan(planData)
	if err != nil {
		return &task.ProblemJudgeResult{
			Result: task.ResultBadProblem, Message: "Cannot get judge plan",
		}
	}

	status := func(ctx context.Context, st string) {
		if err := s.web.UpdateStatus(ctx, req.SubmissionID, st); err != nil {
			logger.Warn(ctx, "cannot update submission status", zap.Error(err))
		}
	}
	exec := newExecutionContext(judgePlan, req.SubmissionID, req.ProblemID,
		req.Language, req.Source, req.RateLimitGroup,
		s.store, s.buckets, s.dispatcher, status, s.cfg.PresignTTL)
	s.mu.Lock()
	entry.exec = exec
	s.mu.Unlock()

	res, err := exec.Execute(ctx)
	if err != nil {
		return errorResult(ctx, err)
	}
	return res
}

// errorResult maps an execution error to the user-visible verdict.
func errorResult(ctx context.Context, err error) *task.ProblemJudgeResult {
	e := errors.GetError(err)
	switch {
	case errors.Is(err, errors.Canceled):
		return &task.ProblemJudgeResult{Result: task.ResultAborted, Message: "Aborted"}
	case errors.Is(err, errors.InvalidProblem):
		return &task.ProblemJudgeResult{
			Result: task.ResultBadProblem, Message: "Invalid problem: " + e.Message,
		}
	case errors.Is(err, errors.InvalidCode), errors.Is(err, errors.LanguageNotSupported):
		return &task.ProblemJudgeResult{
			Result: task.ResultCompileError, Message: "Invalid code: " + e.Message,
		}
	default:
		logger.Error(ctx, "error judging submission", zap.Error(err))
		return &task.ProblemJudgeResult{
			Result: task.ResultSystemError, Message: "Internal error: " + e.Message,
		}
	}
}

// Abort cancels an in-flight submission. Reports whether it was judging.
func (s *Service) Abort(submissionID string) bool {
	s.mu.Lock()
	entry, ok := s.bySubmission[submissionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// PartialStatus renders the interim scoreboard of an in-flight submission.
func (s *Service) PartialStatus(submissionID string) (*task.ProblemJudgeResult, bool) {
	s.mu.Lock()
	entry, ok := s.bySubmission[submissionID]
	var exec *ExecutionContext
	if ok {
		exec = entry.exec
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if exec == nil {
		return &task.ProblemJudgeResult{Result: task.ResultPending}, true
	}
	res, err := exec.PartialResult()
	if err != nil {
		return nil, false
	}
	return res, true
}

// UpdateProblem regenerates and republishes the problem's judge plan.
// Submissions judging against the old plan are cancelled first and re-queued
// afterwards, whether or not regeneration succeeded.
func (s *Service) UpdateProblem(ctx context.Context, problemID string) error {
	s.mu.Lock()
	var stale []*judgeEntry
	for _, entry := range s.byProblem[problemID] {
		stale = append(stale, entry)
	}
	s.mu.Unlock()
	for _, entry := range stale {
		entry.cancel()
	}
	defer func() {
		for _, entry := range stale {
			<-entry.done
			s.Judge(entry.req)
		}
	}()

	judgePlan, err := s.generator.Generate(ctx, problemID)
	if err != nil {
		return err
	}
	data, err := task.Marshal(judgePlan)
	if err != nil {
		return err
	}
	err = s.store.PutObject(ctx, s.buckets.Problems, storage.PlanKey(problemID),
		bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	logger.Info(ctx, "judge plan updated", zap.String("problem_id", problemID))
	return nil
}

// CompileChecker dispatches a problem-setup compile with no rate limiting.
// Satisfies plan.CheckerCompiler.
func (s *Service) CompileChecker(ctx context.Context, t *task.CompileTask,
	problemID, group string) (*task.CompileResult, error) {
	info := &TaskInfo{
		Task:      t,
		ProblemID: problemID,
		Group:     group,
		Message:   "Compiling checker for problem #" + problemID,
	}
	res, err := s.dispatcher.RunTask(ctx, info, nil)
	if err != nil {
		return nil, err
	}
	cr, ok := res.(*task.CompileResult)
	if !ok {
		return nil, errors.Newf(errors.JudgeSystemError, "checker compile returned %T", res)
	}
	return cr, nil
}

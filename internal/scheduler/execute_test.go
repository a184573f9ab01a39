package scheduler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"taoj/internal/storage"
	"taoj/internal/task"
)

// fakeRunner resolves compile tasks as compiled and judge tasks from a
// verdict table, recording dispatch order.
type fakeRunner struct {
	mu       sync.Mutex
	order    []string
	verdicts map[string]*task.TestpointJudgeResult
	compile  *task.CompileResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		verdicts: make(map[string]*task.TestpointJudgeResult),
		compile:  &task.CompileResult{Result: task.ResultCompiled},
	}
}

func (f *fakeRunner) accept(id string, score float64) {
	f.verdicts[id] = &task.TestpointJudgeResult{
		TestpointID: id, Result: task.ResultAccepted, Score: score,
		ResourceUsage: &task.ResourceUsage{TimeMsecs: 100, MemoryBytes: 1 << 20},
	}
}

func (f *fakeRunner) reject(id string, kind task.ResultKind) {
	f.verdicts[id] = &task.TestpointJudgeResult{TestpointID: id, Result: kind}
}

func (f *fakeRunner) RunTask(ctx context.Context, info *TaskInfo, onProgress ProgressFunc) (task.Result, error) {
	if onProgress != nil {
		onProgress(ctx, &task.StatusUpdateStarted{})
	}
	switch t := info.Task.(type) {
	case *task.CompileTask:
		res := *f.compile
		return &res, nil
	case *task.JudgeTask:
		res := &task.JudgeResult{}
		f.mu.Lock()
		for _, tp := range t.Testpoints {
			f.order = append(f.order, tp.ID)
			v, ok := f.verdicts[tp.ID]
			if !ok {
				v = &task.TestpointJudgeResult{TestpointID: tp.ID, Result: task.ResultSystemError}
			}
			res.Testpoints = append(res.Testpoints, v)
		}
		f.mu.Unlock()
		return res, nil
	}
	return nil, nil
}

func (f *fakeRunner) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func singlePoint(id, dependentOn string) *task.JudgeTaskPlan {
	return &task.JudgeTaskPlan{Task: &task.JudgeTask{Testpoints: []*task.Testpoint{{
		ID:          id,
		DependentOn: dependentOn,
		Input:       &task.UserCode{},
		Check:       &task.DirectChecker{},
	}}}}
}

func chainPlan(weight float64) *task.JudgePlan {
	judge := []*task.JudgeTaskPlan{
		singlePoint("1", ""),
		singlePoint("2", "1"),
		singlePoint("3", "2"),
	}
	judge[1].Dependencies = []int{0}
	judge[2].Dependencies = []int{1}
	judge[0].Dependents = []int{1}
	judge[1].Dependents = []int{2}
	return &task.JudgePlan{
		Compile: &task.CompileTaskPlan{
			Source:   &task.UserCode{},
			Artifact: true,
			Limits:   task.ResourceUsage{TimeMsecs: 30000, MemoryBytes: 1 << 30},
		},
		Judge: judge,
		Score: []*task.TestpointGroup{{
			ID: "1", Name: "Task 1", Testpoints: []string{"1", "2", "3"}, Score: weight,
		}},
	}
}

func newTestExecution(t *testing.T, p *task.JudgePlan, runner TaskRunner) (*ExecutionContext, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	code := []byte("int main() {}")
	err := store.PutObject(context.Background(), testExecBuckets.Submissions,
		"sub1/code", bytes.NewReader(code), int64(len(code)))
	if err != nil {
		t.Fatal(err)
	}
	exec := newExecutionContext(p, "sub1", "p1", task.LanguageCpp,
		task.SourceLocation{Bucket: testExecBuckets.Submissions, Key: "sub1/code"},
		"user1", store, testExecBuckets, runner, nil, time.Hour)
	return exec, store
}

var testExecBuckets = storage.Buckets{
	Problems:    "problems",
	Submissions: "submissions",
	Artifacts:   "artifacts",
}

func TestExecuteDependencyOrder(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.accept("1", 1.0)
	runner.accept("2", 1.0)
	runner.accept("3", 1.0)
	exec, _ := newTestExecution(t, chainPlan(100), runner)

	res, err := exec.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	order := runner.dispatched()
	if len(order) != 3 || order[0] != "1" || order[1] != "2" || order[2] != "3" {
		t.Fatalf("dispatch order = %v", order)
	}
	if res.Result != task.ResultAccepted {
		t.Errorf("result = %s", res.Result)
	}
	if res.Score != 100 {
		t.Errorf("score = %v, want 100", res.Score)
	}
	if res.ResourceUsage == nil || res.ResourceUsage.TimeMsecs != 300 {
		t.Errorf("rusage = %+v", res.ResourceUsage)
	}
}

func TestExecuteSkipCascade(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.reject("1", task.ResultWrongAnswer)
	runner.accept("2", 1.0)
	runner.accept("3", 1.0)
	exec, _ := newTestExecution(t, chainPlan(100), runner)

	res, err := exec.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// only the failed root ever reached a runner
	if order := runner.dispatched(); len(order) != 1 || order[0] != "1" {
		t.Fatalf("dispatch order = %v", order)
	}
	if res.Result != task.ResultWrongAnswer {
		t.Errorf("result = %s", res.Result)
	}
	group := res.Groups[0]
	if group.Testpoints[1].Result != task.ResultSkipped {
		t.Errorf("testpoint 2 = %s, want skipped", group.Testpoints[1].Result)
	}
	if group.Testpoints[1].Message != "testpoint 1 failed" {
		t.Errorf("skip message = %q", group.Testpoints[1].Message)
	}
	if group.Testpoints[2].Result != task.ResultSkipped {
		t.Errorf("testpoint 3 = %s, want skipped", group.Testpoints[2].Result)
	}
	if res.Score != 0 {
		t.Errorf("score = %v, want 0", res.Score)
	}
}

func TestExecuteGroupScoreIsWeightTimesMin(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.accept("1", 1.0)
	f := runner.verdicts
	f["2"] = &task.TestpointJudgeResult{TestpointID: "2", Result: task.ResultWrongAnswer, Score: 0.5}

	p := &task.JudgePlan{
		Compile: &task.CompileTaskPlan{Source: &task.UserCode{}, Artifact: true},
		Judge:   []*task.JudgeTaskPlan{singlePoint("1", ""), singlePoint("2", "")},
		Score: []*task.TestpointGroup{{
			ID: "1", Name: "Task 1", Testpoints: []string{"1", "2"}, Score: 40,
		}},
	}
	exec, _ := newTestExecution(t, p, runner)

	res, err := exec.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 20 {
		t.Errorf("score = %v, want 40 x min(1.0, 0.5) = 20", res.Score)
	}
	if res.Result != task.ResultWrongAnswer {
		t.Errorf("result = %s", res.Result)
	}
}

func TestExecuteCompileErrorShortCircuits(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.compile = &task.CompileResult{
		Result:  task.ResultRuntimeError,
		Message: "Program exited with status 1: main.cpp:1: error: expected ';'",
	}
	exec, _ := newTestExecution(t, chainPlan(100), runner)

	res, err := exec.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != task.ResultCompileError {
		t.Fatalf("result = %s, want compile_error", res.Result)
	}
	if strings.Contains(res.Message, "Program exited with status 1") {
		t.Errorf("wrapper noise kept in message: %q", res.Message)
	}
	if !strings.Contains(res.Message, "expected ';'") {
		t.Errorf("compiler diagnostic lost: %q", res.Message)
	}
	if order := runner.dispatched(); len(order) != 0 {
		t.Errorf("testpoints dispatched after compile failure: %v", order)
	}
}

func TestExecuteUploadsAndCleansCode(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.accept("1", 1.0)
	p := &task.JudgePlan{
		Compile: &task.CompileTaskPlan{Source: &task.UserCode{}, Artifact: true},
		Judge:   []*task.JudgeTaskPlan{singlePoint("1", "")},
		Score:   []*task.TestpointGroup{{ID: "1", Name: "Task 1", Testpoints: []string{"1"}, Score: 100}},
	}
	exec, store := newTestExecution(t, p, runner)

	if _, err := exec.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.Has(testExecBuckets.Artifacts, "sub1/main.cpp") {
		t.Error("per-submission code not cleaned up")
	}
}

func TestExecuteQuiz(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage()
	answers := []byte(`{"1": "A", "2": "C"}`)
	err := store.PutObject(context.Background(), testExecBuckets.Submissions,
		"sub2/answers", bytes.NewReader(answers), int64(len(answers)))
	if err != nil {
		t.Fatal(err)
	}
	p := &task.JudgePlan{Quiz: []*task.QuizProblem{
		{ID: "1", Type: task.QuizTypeSelect, Answer: "A"},
		{ID: "2", Type: task.QuizTypeSelect, Answer: "B"},
	}}
	exec := newExecutionContext(p, "sub2", "p2", task.LanguageQuiz,
		task.SourceLocation{Bucket: testExecBuckets.Submissions, Key: "sub2/answers"},
		"", store, testExecBuckets, newFakeRunner(), nil, time.Hour)

	res, err := exec.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != task.ResultWrongAnswer {
		t.Errorf("result = %s", res.Result)
	}
	if res.Score != 1 {
		t.Errorf("score = %v, want 1 correct answer", res.Score)
	}
	tps := res.Groups[0].Testpoints
	if tps[0].Result != task.ResultAccepted || tps[1].Result != task.ResultWrongAnswer {
		t.Errorf("testpoints = %+v", tps)
	}
}

func TestPartialResultWhileJudging(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.accept("1", 1.0)
	exec, _ := newTestExecution(t, chainPlan(100), runner)
	exec.setResult(&task.TestpointJudgeResult{TestpointID: "1", Result: task.ResultAccepted, Score: 1.0})

	res, err := exec.PartialResult()
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != task.ResultJudging || res.Score != 0 {
		t.Errorf("partial = %s score %v", res.Result, res.Score)
	}
	tps := res.Groups[0].Testpoints
	if tps[0].Result != task.ResultAccepted {
		t.Errorf("finished testpoint = %s", tps[0].Result)
	}
	if tps[1].Result != task.ResultPending || tps[2].Result != task.ResultPending {
		t.Errorf("unfinished testpoints = %s, %s", tps[1].Result, tps[2].Result)
	}
}

package plan

import (
	"archive/zip"
	"bytes"
	"context"
	"reflect"
	"testing"
	"time"

	"taoj/internal/storage"
	"taoj/internal/task"
	"taoj/pkg/errors"
)

var testBuckets = storage.Buckets{
	Problems:    "problems",
	Submissions: "submissions",
	Artifacts:   "artifacts",
}

func putArchive(t *testing.T, store *storage.MemoryStorage, problemID string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(problemID + "/" + name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	err := store.PutObject(context.Background(), testBuckets.Problems,
		storage.ProblemZipKey(problemID), &buf, int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
}

type fakeCheckerCompiler struct {
	calls  int
	last   *task.CompileTask
	result task.CompileResult
}

func (f *fakeCheckerCompiler) CompileChecker(_ context.Context, t *task.CompileTask, _, _ string) (*task.CompileResult, error) {
	f.calls++
	f.last = t
	res := f.result
	return &res, nil
}

func newTestGenerator(t *testing.T, compiler CheckerCompiler) (*Generator, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	return NewGenerator(store, testBuckets, compiler, time.Hour), store
}

func TestGenerateClassicCompare(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p1", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1}, {"ID": 2, "Dependency": 1}],
			"Groups": [{"GroupID": 1, "GroupScore": 100, "TestPoints": [1, 2]}],
			"SPJ": 0
		}`,
		"1.in": "1", "1.ans": "1",
		"2.in": "2", "2.ans": "2",
	})

	plan, err := gen.Generate(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}

	if plan.Compile == nil {
		t.Fatal("classic problems need a plan-level compile step")
	}
	if _, ok := plan.Compile.Source.(*task.UserCode); !ok {
		t.Errorf("compile source = %T, want user code placeholder", plan.Compile.Source)
	}
	if !plan.Compile.Artifact {
		t.Error("classic compile should produce an artifact")
	}
	if plan.Compile.Limits.TimeMsecs != 30000 {
		t.Errorf("compile time limit = %d", plan.Compile.Limits.TimeMsecs)
	}

	if len(plan.Judge) != 2 {
		t.Fatalf("judge tasks = %d, want 2", len(plan.Judge))
	}
	if !reflect.DeepEqual(plan.Judge[1].Dependencies, []int{0}) {
		t.Errorf("task 2 dependencies = %v", plan.Judge[1].Dependencies)
	}
	if !reflect.DeepEqual(plan.Judge[0].Dependents, []int{1}) {
		t.Errorf("task 1 dependents = %v", plan.Judge[0].Dependents)
	}

	tp := plan.Judge[0].Task.Testpoints[0]
	if tp.Run == nil || tp.Run.Infile != "s3://p1/1.in" {
		t.Errorf("testpoint run = %+v", tp.Run)
	}
	if tp.Run.Limits.TimeMsecs != 1000 || tp.Run.Limits.MemoryBytes != 512<<20 {
		t.Errorf("run limits = %+v", tp.Run.Limits)
	}
	cmp, ok := tp.Check.(*task.CompareChecker)
	if !ok {
		t.Fatalf("checker = %T, want compare", tp.Check)
	}
	if !cmp.IgnoreWhitespace || cmp.Answer != "s3://p1/1.ans" {
		t.Errorf("compare checker = %+v", cmp)
	}

	if len(plan.Score) != 1 || plan.Score[0].Name != "Task 1" {
		t.Errorf("groups = %+v", plan.Score)
	}
	if !reflect.DeepEqual(plan.Score[0].Testpoints, []string{"1", "2"}) {
		t.Errorf("group testpoints = %v", plan.Score[0].Testpoints)
	}

	for _, key := range []string{"p1/1.in", "p1/1.ans", "p1/2.in", "p1/2.ans"} {
		if !store.Has(testBuckets.Problems, key) {
			t.Errorf("referenced file %s was not uploaded", key)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p2", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1}, {"ID": 2}, {"ID": 3, "Dependency": 2}],
			"Groups": [{"GroupID": 1, "GroupScore": 50, "TestPoints": [1, 2, 3]}],
			"SPJ": 0
		}`,
		"1.in": "", "1.ans": "",
		"2.in": "", "2.ans": "",
		"3.in": "", "3.ans": "",
	})

	first, err := gen.Generate(context.Background(), "p2")
	if err != nil {
		t.Fatal(err)
	}
	second, err := gen.Generate(context.Background(), "p2")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("regenerating the same archive produced a different plan")
	}
}

func TestGenerateDiskGrouping(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p3", map[string]string{
		"config.json": `{
			"Details": [
				{"ID": 1, "DiskLimit": 1048576},
				{"ID": 2, "DiskLimit": 1048576},
				{"ID": 3, "DiskLimit": -1048576},
				{"ID": 4, "DiskLimit": 1048576}
			],
			"Groups": [],
			"SPJ": 0
		}`,
		"1.in": "", "1.ans": "",
		"2.in": "", "2.ans": "",
		"3.in": "", "3.ans": "",
		"4.in": "", "4.ans": "",
	})

	plan, err := gen.Generate(context.Background(), "p3")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Judge) != 2 {
		t.Fatalf("judge tasks = %d, want 2", len(plan.Judge))
	}
	if n := len(plan.Judge[0].Task.Testpoints); n != 2 {
		t.Errorf("first task has %d testpoints, want 2", n)
	}
	if n := len(plan.Judge[1].Task.Testpoints); n != 2 {
		t.Errorf("second task has %d testpoints, want 2", n)
	}
	// the negative sign only splits tasks, the byte budget is its magnitude
	tp3 := plan.Judge[1].Task.Testpoints[0]
	if tp3.Run.Limits.FileSizeBytes != 1048576 {
		t.Errorf("testpoint 3 file size limit = %d", tp3.Run.Limits.FileSizeBytes)
	}
}

func TestGenerateMissingDependency(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p4", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1, "Dependency": 9}],
			"Groups": [],
			"SPJ": 0
		}`,
		"1.in": "", "1.ans": "",
	})

	_, err := gen.Generate(context.Background(), "p4")
	if !errors.Is(err, errors.InvalidProblem) {
		t.Fatalf("err = %v, want invalid problem", err)
	}
}

func TestGenerateDependencyCycle(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p5", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1, "Dependency": 2}, {"ID": 2, "Dependency": 1}],
			"Groups": [],
			"SPJ": 0
		}`,
		"1.in": "", "1.ans": "",
		"2.in": "", "2.ans": "",
	})

	_, err := gen.Generate(context.Background(), "p5")
	if !errors.Is(err, errors.DependencyCycle) {
		t.Fatalf("err = %v, want dependency cycle", err)
	}
}

func TestGenerateHppPerTestpoint(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p6", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1}],
			"Groups": [],
			"SPJ": 2
		}`,
		"1.cpp": "int main() {}",
	})

	plan, err := gen.Generate(context.Background(), "p6")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Compile != nil {
		t.Error("per-testpoint compilation should drop the plan-level compile step")
	}
	tp := plan.Judge[0].Task.Testpoints[0]
	tpl, ok := tp.Input.(*task.CompileTaskPlan)
	if !ok {
		t.Fatalf("input = %T, want compile template", tp.Input)
	}
	src, ok := tpl.Source.(*task.CompileSourceCpp)
	if !ok || src.Main != "s3://p6/1.cpp" {
		t.Errorf("template source = %+v", tpl.Source)
	}
	if tpl.Artifact {
		t.Error("per-testpoint compile should not publish an artifact")
	}
	var hasUserCode bool
	for _, s := range tpl.SupplementaryFiles {
		if uc, ok := s.(*task.UserCode); ok && uc.Filename == "src.hpp" {
			hasUserCode = true
		}
	}
	if !hasUserCode {
		t.Error("template should carry the user code as src.hpp")
	}
	if _, ok := tp.Check.(*task.DirectChecker); !ok {
		t.Errorf("checker = %T, want direct", tp.Check)
	}
}

func TestGenerateCompareNeedsAnswer(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p7", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1}],
			"Groups": [],
			"SPJ": 0
		}`,
		"1.in": "",
	})

	_, err := gen.Generate(context.Background(), "p7")
	if !errors.Is(err, errors.InvalidProblem) {
		t.Fatalf("err = %v, want invalid problem", err)
	}
}

func TestGenerateQuiz(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p8", map[string]string{
		"config.json": `{"Details": [], "Groups": [], "SPJ": 0, "Quiz": true, "RunnerGroup": "quiz"}`,
		"quiz.json": `{
			"problems": [
				{"id": "1", "type": "SELECT", "title": "pick one",
				 "options": [{"value": "A", "text": "a"}], "answer": "A"}
			]
		}`,
	})

	plan, err := gen.Generate(context.Background(), "p8")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Quiz) != 1 || plan.Quiz[0].Answer != "A" {
		t.Fatalf("quiz = %+v", plan.Quiz)
	}
	if plan.Compile != nil || len(plan.Judge) != 0 {
		t.Error("quiz plans should carry no compile or judge tasks")
	}
	if plan.Group != "quiz" {
		t.Errorf("runner group = %q", plan.Group)
	}
}

func TestGenerateSpjCompilesChecker(t *testing.T) {
	t.Parallel()
	compiler := &fakeCheckerCompiler{result: task.CompileResult{Result: task.ResultCompiled}}
	gen, store := newTestGenerator(t, compiler)
	putArchive(t, store, "p9", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1}],
			"Groups": [],
			"SPJ": 1
		}`,
		"spj.cpp": "int main() {}",
		"1.in":    "",
		"1.out":   "",
	})

	plan, err := gen.Generate(context.Background(), "p9")
	if err != nil {
		t.Fatal(err)
	}
	if compiler.calls != 1 {
		t.Fatalf("checker compiler called %d times, want 1", compiler.calls)
	}
	if compiler.last.Artifact == nil || compiler.last.Artifact.URL == "" {
		t.Error("checker compile should target a presigned artifact url")
	}

	tp := plan.Judge[0].Task.Testpoints[0]
	spj, ok := tp.Check.(*task.SpjChecker)
	if !ok {
		t.Fatalf("checker = %T, want spj", tp.Check)
	}
	exe, ok := spj.Executable.(*task.Artifact)
	if !ok || exe.URL != "s3://p9/checker" {
		t.Errorf("checker executable = %+v", spj.Executable)
	}
	// .out is the fallback answer extension
	if spj.Answer != "s3://p9/1.out" {
		t.Errorf("spj answer = %q", spj.Answer)
	}
}

func TestGenerateCheckerCompileFailure(t *testing.T) {
	t.Parallel()
	compiler := &fakeCheckerCompiler{result: task.CompileResult{
		Result: task.ResultCompileError, Message: "spj.cpp:1: error",
	}}
	gen, store := newTestGenerator(t, compiler)
	putArchive(t, store, "p10", map[string]string{
		"config.json": `{"Details": [{"ID": 1}], "Groups": [], "SPJ": 1}`,
		"spj.cpp":     "not c++",
		"1.in":        "",
	})

	_, err := gen.Generate(context.Background(), "p10")
	if !errors.Is(err, errors.CheckerCompileFailed) {
		t.Fatalf("err = %v, want checker compile failure", err)
	}
}

func TestGenerateScorerRejected(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p11", map[string]string{
		"config.json": `{"Details": [], "Groups": [], "SPJ": 0, "Scorer": 1}`,
	})

	_, err := gen.Generate(context.Background(), "p11")
	if !errors.Is(err, errors.InvalidProblem) {
		t.Fatalf("err = %v, want invalid problem", err)
	}
}

func TestGenerateMissingReferencedFile(t *testing.T) {
	t.Parallel()
	gen, store := newTestGenerator(t, nil)
	putArchive(t, store, "p12", map[string]string{
		"config.json": `{
			"Details": [{"ID": 1}],
			"Groups": [],
			"SPJ": 0,
			"SupportedFiles": ["grader.h"]
		}`,
		"1.in": "", "1.ans": "",
	})

	_, err := gen.Generate(context.Background(), "p12")
	if !errors.Is(err, errors.InvalidProblem) {
		t.Fatalf("err = %v, want invalid problem", err)
	}
}

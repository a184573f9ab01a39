package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taoj/internal/task"
)

// newDirectRunner builds a runner that can judge answer-only testpoints
// without touching the sandbox.
func newDirectRunner(t *testing.T) *Runner {
	t.Helper()
	cache, err := NewCache(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	compiler := NewCompiler(cache, nil, "", "")
	return NewRunner(cache, compiler, nil, "", "")
}

func answerServer(t *testing.T, answers map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := answers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJudgeTaskDirectCheck(t *testing.T) {
	t.Parallel()
	srv := answerServer(t, map[string]string{"/sub/1/answer.txt": "1.0"})
	r := newDirectRunner(t)

	jt := &task.JudgeTask{Testpoints: []*task.Testpoint{{
		ID:    "1",
		Input: &task.Artifact{URL: task.FileURL(srv.URL + "/sub/1/answer.txt")},
		Check: &task.DirectChecker{},
	}}}

	var progressCalls int
	res, err := r.RunTask(context.Background(), jt,
		func(ctx context.Context, partial *task.JudgeResult) { progressCalls++ })
	if err != nil {
		t.Fatal(err)
	}
	jr := res.(*task.JudgeResult)
	if len(jr.Testpoints) != 1 {
		t.Fatalf("testpoints = %d", len(jr.Testpoints))
	}
	tp := jr.Testpoints[0]
	if tp.Result != task.ResultAccepted || tp.Score != 1.0 {
		t.Errorf("testpoint = %+v", tp)
	}
	if progressCalls != 1 {
		t.Errorf("progress calls = %d, want 1", progressCalls)
	}
}

func TestJudgeTaskDependencySkip(t *testing.T) {
	t.Parallel()
	srv := answerServer(t, map[string]string{
		"/sub/1/a.txt": "0.5",
		"/sub/1/b.txt": "1.0",
	})
	r := newDirectRunner(t)

	jt := &task.JudgeTask{Testpoints: []*task.Testpoint{
		{
			ID:    "1",
			Input: &task.Artifact{URL: task.FileURL(srv.URL + "/sub/1/a.txt")},
			Check: &task.DirectChecker{},
		},
		{
			ID:          "2",
			DependentOn: "1",
			Input:       &task.Artifact{URL: task.FileURL(srv.URL + "/sub/1/b.txt")},
			Check:       &task.DirectChecker{},
		},
	}}

	res, err := r.RunTask(context.Background(), jt, nil)
	if err != nil {
		t.Fatal(err)
	}
	jr := res.(*task.JudgeResult)
	if jr.Testpoints[0].Result != task.ResultWrongAnswer {
		t.Fatalf("testpoint 1 = %s, want wrong_answer", jr.Testpoints[0].Result)
	}
	if jr.Testpoints[1].Result != task.ResultSkipped {
		t.Fatalf("testpoint 2 = %s, want skipped", jr.Testpoints[1].Result)
	}
	if jr.Testpoints[1].Message != "testpoint 1 failed" {
		t.Errorf("skip message = %q", jr.Testpoints[1].Message)
	}
}

func TestJudgeTaskMissingInputIsSystemError(t *testing.T) {
	t.Parallel()
	srv := answerServer(t, nil)
	r := newDirectRunner(t)

	jt := &task.JudgeTask{Testpoints: []*task.Testpoint{{
		ID:    "1",
		Input: &task.Artifact{URL: task.FileURL(srv.URL + "/gone")},
		Check: &task.DirectChecker{},
	}}}

	res, err := r.RunTask(context.Background(), jt, nil)
	if err != nil {
		t.Fatal(err)
	}
	jr := res.(*task.JudgeResult)
	if jr.Testpoints[0].Result != task.ResultSystemError {
		t.Errorf("result = %s, want system_error", jr.Testpoints[0].Result)
	}
}

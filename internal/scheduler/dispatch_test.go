package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taoj/internal/queue"
	"taoj/internal/task"
	"taoj/pkg/errors"
)

func newDispatchHarness(t *testing.T) (*Dispatcher, *queue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewClientWithRedis(rdb, "judge")

	cfg := &Config{
		TaskRetries:       3,
		RetryDelay:        10 * time.Millisecond,
		PickupTimeout:     200 * time.Millisecond,
		TaskBodyTTL:       time.Minute,
		AbortSignalTTL:    time.Minute,
		HeartbeatInterval: 20 * time.Millisecond,
		RateLimit:         4,
	}
	monitor := NewMonitor(q, nil, cfg.HeartbeatInterval, nil)
	return NewDispatcher(q, monitor, NewRateLimiter(cfg.RateLimit), cfg), q, mr
}

// runnerLoop polls like a real agent and answers each picked-up task with
// the given updates.
func runnerLoop(ctx context.Context, q *queue.Client, respond func(taskID string) []task.StatusUpdate) {
	for {
		taskID, err := q.PollTask(ctx, "runner-1", 50*time.Millisecond)
		if err != nil || ctx.Err() != nil {
			return
		}
		if taskID == "" {
			continue
		}
		for _, u := range respond(taskID) {
			body, err := task.Marshal(u)
			if err != nil {
				return
			}
			_ = q.PushStatusUpdate(ctx, taskID, body, time.Minute)
		}
		_ = q.FinishTask(ctx, "runner-1", taskID)
	}
}

func compileInfo() *TaskInfo {
	return &TaskInfo{
		Task: &task.CompileTask{Source: &task.CompileSourceCpp{Main: "http://x/main.cpp"}},
		SubmissionID: "sub1",
		ProblemID:    "p1",
		Message:      "Compiling code for submission #sub1",
	}
}

func TestRunTaskHappyPath(t *testing.T) {
	t.Parallel()
	d, q, _ := newDispatchHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go runnerLoop(ctx, q, func(string) []task.StatusUpdate {
		return []task.StatusUpdate{
			&task.StatusUpdateStarted{},
			&task.StatusUpdateDone{Result: &task.CompileResult{Result: task.ResultCompiled}},
		}
	})

	var sawStarted atomic.Bool
	res, err := d.RunTask(ctx, compileInfo(), func(ctx context.Context, u task.StatusUpdate) {
		if _, ok := u.(*task.StatusUpdateStarted); ok {
			sawStarted.Store(true)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	cr, ok := res.(*task.CompileResult)
	if !ok || cr.Result != task.ResultCompiled {
		t.Fatalf("result = %#v", res)
	}
	if !sawStarted.Load() {
		t.Error("started update not forwarded")
	}
}

func TestRunTaskRetriesRunnerError(t *testing.T) {
	t.Parallel()
	d, q, _ := newDispatchHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var attempts atomic.Int32
	go runnerLoop(ctx, q, func(string) []task.StatusUpdate {
		if attempts.Add(1) == 1 {
			return []task.StatusUpdate{
				&task.StatusUpdateStarted{},
				&task.StatusUpdateError{Message: "scratch disk full"},
			}
		}
		return []task.StatusUpdate{
			&task.StatusUpdateStarted{},
			&task.StatusUpdateDone{Result: &task.CompileResult{Result: task.ResultCompiled}},
		}
	})

	res, err := d.RunTask(ctx, compileInfo(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cr := res.(*task.CompileResult); cr.Result != task.ResultCompiled {
		t.Fatalf("result = %+v", cr)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestRunTaskFreshIDPerAttempt(t *testing.T) {
	t.Parallel()
	d, q, _ := newDispatchHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan string, 4)
	var n atomic.Int32
	go runnerLoop(ctx, q, func(taskID string) []task.StatusUpdate {
		seen <- taskID
		if n.Add(1) == 1 {
			return []task.StatusUpdate{&task.StatusUpdateError{Message: "boom"}}
		}
		return []task.StatusUpdate{
			&task.StatusUpdateDone{Result: &task.CompileResult{Result: task.ResultCompiled}},
		}
	})

	if _, err := d.RunTask(ctx, compileInfo(), nil); err != nil {
		t.Fatal(err)
	}
	first, second := <-seen, <-seen
	if first == second {
		t.Errorf("retry reused task id %s", first)
	}
}

func TestRunTaskPickupTimeoutExhaustsRetries(t *testing.T) {
	t.Parallel()
	d, _, _ := newDispatchHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// nobody polls the queue
	_, err := d.RunTask(ctx, compileInfo(), nil)
	if !errors.Is(err, errors.TaskRetriesExhaust) {
		t.Fatalf("err = %v, want retries exhausted", err)
	}
}

func TestRunTaskCancelSignalsAbort(t *testing.T) {
	t.Parallel()
	d, q, mr := newDispatchHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	picked := make(chan string, 1)
	go runnerLoop(ctx, q, func(taskID string) []task.StatusUpdate {
		picked <- taskID
		// never finishes; the dispatcher must be cancellable regardless
		return []task.StatusUpdate{&task.StatusUpdateStarted{}}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := d.RunTask(ctx, compileInfo(), nil)
		errCh <- err
	}()

	var taskID string
	select {
	case taskID = <-picked:
	case <-time.After(5 * time.Second):
		t.Fatal("task never picked up")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, errors.Canceled) {
			t.Fatalf("err = %v, want canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not return after cancel")
	}
	if got, _ := mr.List("judge:abort:" + taskID); len(got) == 0 {
		t.Error("no abort signal pushed for the in-flight task")
	}
}

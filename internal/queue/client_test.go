package queue

import (
	"context"
	"testing"
	"time"

	"taoj/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientWithRedis(rdb, "judge"), mr
}

func TestPublishAndPoll(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	ctx := context.Background()

	if err := c.PublishTask(ctx, "t1", []byte(`{"type":"JudgeTask","value":{}}`), time.Minute); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ttl := mr.TTL("judge:task:t1"); ttl <= 0 {
		t.Errorf("task body has no TTL")
	}

	id, err := c.PollTask(ctx, "runner-1", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if id != "t1" {
		t.Fatalf("polled %q, want t1", id)
	}

	// pickup is atomic: the id moved to the runner's in-progress list
	inProgress, err := c.RunnerInProgress(ctx, "runner-1")
	if err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0] != "t1" {
		t.Errorf("in progress = %v, want [t1]", inProgress)
	}
	if got, _ := mr.List("judge:tasks"); len(got) != 0 {
		t.Errorf("pending list not drained: %v", got)
	}

	body, err := c.FetchTaskBody(ctx, "t1")
	if err != nil {
		t.Fatalf("fetch body: %v", err)
	}
	if len(body) == 0 {
		t.Error("empty task body")
	}

	if err := c.FinishTask(ctx, "runner-1", "t1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	inProgress, _ = c.RunnerInProgress(ctx, "runner-1")
	if len(inProgress) != 0 {
		t.Errorf("in progress after finish = %v, want empty", inProgress)
	}
}

func TestFetchMissingBody(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	_, err := c.FetchTaskBody(context.Background(), "expired")
	if !errors.Is(err, errors.TaskBodyMissing) {
		t.Fatalf("err = %v, want TaskBodyMissing", err)
	}
}

func TestStatusUpdatesAreFIFO(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, upd := range []string{"started", "progress", "done"} {
		if err := c.PushStatusUpdate(ctx, "t1", []byte(upd), time.Minute); err != nil {
			t.Fatalf("push %s: %v", upd, err)
		}
	}
	for _, want := range []string{"started", "progress", "done"} {
		got, err := c.PopStatusUpdate(ctx, "t1", time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if string(got) != want {
			t.Errorf("popped %q, want %q", got, want)
		}
	}
}

func TestAbortSignal(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.SignalAbort(ctx, "t1", time.Minute); err != nil {
		t.Fatalf("signal: %v", err)
	}
	aborted, err := c.WaitAbort(ctx, "t1", time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !aborted {
		t.Error("abort signal not received")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()

	none, err := c.RunnerHeartbeat(ctx, "runner-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !none.IsZero() {
		t.Errorf("heartbeat before first beat = %v, want zero", none)
	}

	now := time.Now()
	if err := c.SetHeartbeat(ctx, "runner-1", now, time.Minute); err != nil {
		t.Fatalf("set heartbeat: %v", err)
	}
	got, err := c.RunnerHeartbeat(ctx, "runner-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if d := got.Sub(now); d < -10*time.Millisecond || d > 10*time.Millisecond {
		t.Errorf("heartbeat drifted by %v", d)
	}
}

func TestCleanupTask(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	ctx := context.Background()

	if err := c.PublishTask(ctx, "t1", []byte("body"), time.Minute); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.PushStatusUpdate(ctx, "t1", []byte("started"), time.Minute); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := c.SignalAbort(ctx, "t1", time.Minute); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := c.CleanupTask(ctx, "t1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	for _, key := range []string{"judge:task:t1", "judge:progress:t1"} {
		if mr.Exists(key) {
			t.Errorf("key %s survived cleanup", key)
		}
	}
	// the abort signal must outlive cleanup so a late listener still sees it
	if !mr.Exists("judge:abort:t1") {
		t.Error("abort signal removed by cleanup")
	}
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taoj/internal/queue"
)

func newMonitorHarness(t *testing.T, interval time.Duration, taskMessage func(string) string) (*Monitor, *queue.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewClientWithRedis(rdb, "judge")
	return NewMonitor(q, []string{"runner-1"}, interval, taskMessage), q
}

func TestRunnerStatusOfflineWithoutHeartbeat(t *testing.T) {
	t.Parallel()
	m, _ := newMonitorHarness(t, time.Second, nil)
	st := m.RunnerStatus(context.Background(), "runner-1")
	if st.Status != RunnerOffline {
		t.Errorf("status = %s, want offline", st.Status)
	}
	if st.LastSeen != 0 {
		t.Errorf("last seen = %v for a never-seen runner", st.LastSeen)
	}
}

func TestRunnerStatusStaleHeartbeatIsOffline(t *testing.T) {
	t.Parallel()
	m, q := newMonitorHarness(t, time.Second, nil)
	ctx := context.Background()
	if err := q.SetHeartbeat(ctx, "runner-1", time.Now().Add(-time.Minute), time.Hour); err != nil {
		t.Fatal(err)
	}
	if st := m.RunnerStatus(ctx, "runner-1"); st.Status != RunnerOffline {
		t.Errorf("status = %s, want offline", st.Status)
	}
}

func TestRunnerStatusIdleAndBusy(t *testing.T) {
	t.Parallel()
	m, q := newMonitorHarness(t, time.Second, func(taskID string) string {
		if taskID == "t1" {
			return "Compiling code for submission #sub1"
		}
		return ""
	})
	ctx := context.Background()
	if err := q.SetHeartbeat(ctx, "runner-1", time.Now(), time.Hour); err != nil {
		t.Fatal(err)
	}

	if st := m.RunnerStatus(ctx, "runner-1"); st.Status != RunnerIdle {
		t.Fatalf("status = %s, want idle", st.Status)
	}

	if err := q.PublishTask(ctx, "t1", []byte("body"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := q.PollTask(ctx, "runner-1", time.Second); err != nil {
		t.Fatal(err)
	}
	st := m.RunnerStatus(ctx, "runner-1")
	if st.Status != RunnerBusy {
		t.Fatalf("status = %s, want busy", st.Status)
	}
	if st.Message != "Compiling code for submission #sub1" {
		t.Errorf("message = %q", st.Message)
	}
}

func TestRunnerStatusMultipleTasksIsInvalid(t *testing.T) {
	t.Parallel()
	m, q := newMonitorHarness(t, time.Second, nil)
	ctx := context.Background()
	if err := q.SetHeartbeat(ctx, "runner-1", time.Now(), time.Hour); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"t1", "t2"} {
		if err := q.PublishTask(ctx, id, []byte("body"), time.Minute); err != nil {
			t.Fatal(err)
		}
		if _, err := q.PollTask(ctx, "runner-1", time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if st := m.RunnerStatus(ctx, "runner-1"); st.Status != RunnerInvalid {
		t.Errorf("status = %s, want invalid", st.Status)
	}
}

func TestStatusesCacheSharedAcrossCalls(t *testing.T) {
	t.Parallel()
	m, q := newMonitorHarness(t, time.Hour, nil)
	ctx := context.Background()
	if err := q.SetHeartbeat(ctx, "runner-1", time.Now(), time.Hour); err != nil {
		t.Fatal(err)
	}

	first := m.Statuses(ctx, []string{"runner-1"})
	if first["runner-1"].Status != RunnerIdle {
		t.Fatalf("status = %s, want idle", first["runner-1"].Status)
	}

	// going stale in redis must not show through the cache window
	if err := q.SetHeartbeat(ctx, "runner-1", time.Now().Add(-time.Hour), time.Hour); err != nil {
		t.Fatal(err)
	}
	second := m.Statuses(ctx, []string{"runner-1"})
	if second["runner-1"].Status != RunnerIdle {
		t.Errorf("cached status = %s, want idle", second["runner-1"].Status)
	}
}

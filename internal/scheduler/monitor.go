package scheduler

import (
	"context"
	"sync"
	"time"

	"taoj/internal/queue"
	"taoj/pkg/errors"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// RunnerState classifies a runner from its heartbeat and in-progress marker.
type RunnerState string

const (
	RunnerIdle    RunnerState = "idle"
	RunnerBusy    RunnerState = "busy"
	RunnerOffline RunnerState = "offline"
	RunnerInvalid RunnerState = "invalid"
)

// RunnerStatus is the monitor's view of one runner.
type RunnerStatus struct {
	Status   RunnerState `json:"status"`
	Message  string      `json:"message"`
	LastSeen float64     `json:"last_seen,omitempty"`
}

// Monitor derives runner health from the queue's heartbeat and in-progress
// keys. It is also the dispatcher's side channel for noticing that the
// runner holding a task died mid-flight.
type Monitor struct {
	queue             *queue.Client
	runners           []string
	heartbeatInterval time.Duration

	// taskMessage resolves a task id to a human description of the work,
	// shown for busy runners.
	taskMessage func(taskID string) string

	mu       sync.Mutex
	cached   map[string]*RunnerStatus
	cachedAt time.Time
	pending  chan struct{}
}

func NewMonitor(q *queue.Client, runners []string, heartbeatInterval time.Duration,
	taskMessage func(taskID string) string) *Monitor {
	if taskMessage == nil {
		taskMessage = func(string) string { return "" }
	}
	return &Monitor{
		queue:             q,
		runners:           runners,
		heartbeatInterval: heartbeatInterval,
		taskMessage:       taskMessage,
	}
}

// RunnerStatus inspects a single runner. A heartbeat older than twice the
// reporting interval means offline.
func (m *Monitor) RunnerStatus(ctx context.Context, runnerID string) *RunnerStatus {
	heartbeat, err := m.queue.RunnerHeartbeat(ctx, runnerID)
	if err != nil {
		logger.Warn(ctx, "cannot get runner status",
			zap.String("runner_id", runnerID), zap.Error(err))
		return &RunnerStatus{Status: RunnerInvalid, Message: "Cannot get runner status"}
	}
	lastSeen := float64(heartbeat.UnixNano()) / float64(time.Second)
	if heartbeat.IsZero() || time.Since(heartbeat) > 2*m.heartbeatInterval {
		if heartbeat.IsZero() {
			lastSeen = 0
		}
		return &RunnerStatus{Status: RunnerOffline, Message: "Offline", LastSeen: lastSeen}
	}

	taskIDs, err := m.queue.RunnerInProgress(ctx, runnerID)
	if err != nil {
		logger.Warn(ctx, "cannot get runner status",
			zap.String("runner_id", runnerID), zap.Error(err))
		return &RunnerStatus{Status: RunnerInvalid, Message: "Cannot get runner status", LastSeen: lastSeen}
	}
	switch len(taskIDs) {
	case 0:
		return &RunnerStatus{Status: RunnerIdle, Message: "Idle", LastSeen: lastSeen}
	case 1:
		msg := m.taskMessage(taskIDs[0])
		if msg == "" {
			msg = "Busy"
		}
		return &RunnerStatus{Status: RunnerBusy, Message: msg, LastSeen: lastSeen}
	default:
		return &RunnerStatus{
			Status:   RunnerInvalid,
			Message:  "Multiple tasks are running on this runner",
			LastSeen: lastSeen,
		}
	}
}

// Statuses reports all requested runners, caching results for one heartbeat
// interval so status-page polling cannot hammer redis. Concurrent callers
// share one refresh.
func (m *Monitor) Statuses(ctx context.Context, runnerIDs []string) map[string]*RunnerStatus {
	m.mu.Lock()
	if m.cached != nil && time.Since(m.cachedAt) <= m.heartbeatInterval {
		res := m.pick(runnerIDs)
		m.mu.Unlock()
		return res
	}
	if m.pending != nil {
		wait := m.pending
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
		res := m.pick(runnerIDs)
		m.mu.Unlock()
		return res
	}
	pending := make(chan struct{})
	m.pending = pending
	m.mu.Unlock()

	fresh := make(map[string]*RunnerStatus, len(runnerIDs))
	for _, id := range runnerIDs {
		fresh[id] = m.RunnerStatus(ctx, id)
	}

	m.mu.Lock()
	m.cached = fresh
	m.cachedAt = time.Now()
	m.pending = nil
	res := m.pick(runnerIDs)
	m.mu.Unlock()
	close(pending)
	return res
}

func (m *Monitor) pick(runnerIDs []string) map[string]*RunnerStatus {
	res := make(map[string]*RunnerStatus, len(runnerIDs))
	for _, id := range runnerIDs {
		if st, ok := m.cached[id]; ok {
			res[id] = st
		} else {
			res[id] = &RunnerStatus{Status: RunnerInvalid, Message: "Unknown runner"}
		}
	}
	return res
}

// findTaskRunner scans the known runners for the one holding the task.
func (m *Monitor) findTaskRunner(ctx context.Context, taskID string) (string, bool) {
	for _, id := range m.runners {
		taskIDs, err := m.queue.RunnerInProgress(ctx, id)
		if err != nil {
			continue
		}
		for _, t := range taskIDs {
			if t == taskID {
				return id, true
			}
		}
	}
	return "", false
}

// WatchTask polls until the runner holding the task misses five heartbeat
// intervals, then reports it offline on the returned channel. Stops when ctx
// is cancelled.
func (m *Monitor) WatchTask(ctx context.Context, taskID string) <-chan error {
	offline := make(chan error, 1)
	if len(m.runners) == 0 {
		return offline
	}
	go func() {
		ticker := time.NewTicker(2 * m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			runnerID, ok := m.findTaskRunner(ctx, taskID)
			if !ok {
				continue
			}
			heartbeat, err := m.queue.RunnerHeartbeat(ctx, runnerID)
			if err != nil {
				continue
			}
			if heartbeat.IsZero() || time.Since(heartbeat) > 5*m.heartbeatInterval {
				offline <- errors.Newf(errors.RunnerOffline,
					"runner %s went offline while holding task %s", runnerID, taskID)
				return
			}
		}
	}()
	return offline
}

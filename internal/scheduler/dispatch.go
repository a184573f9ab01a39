package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"taoj/internal/queue"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/contextkey"
	"taoj/pkg/utils/logger"
)

// TaskInfo is one in-flight unit of work. ID is generated fresh for every
// dispatch attempt so retries never collide with a stale pickup.
type TaskInfo struct {
	Task         task.Task
	SubmissionID string
	ProblemID    string
	// Group is the plan's runner group, surfaced in monitoring.
	Group string
	// RateLimitGroup keys the dispatch semaphore; empty bypasses limiting.
	RateLimitGroup string
	Message        string
	ID             string
}

// ProgressFunc receives non-terminal status updates from the runner.
type ProgressFunc func(ctx context.Context, update task.StatusUpdate)

// TaskRunner dispatches one task and blocks until its terminal result.
type TaskRunner interface {
	RunTask(ctx context.Context, info *TaskInfo, onProgress ProgressFunc) (task.Result, error)
}

// Dispatcher publishes tasks to the queue and shepherds them to a terminal
// status, retrying transient failures with a fixed budget and delay.
type Dispatcher struct {
	queue   *queue.Client
	monitor *Monitor
	limiter *RateLimiter
	cfg     *Config

	// inflight maps attempt task ids to their TaskInfo for the monitor's
	// busy-runner messages.
	inflight *xsync.MapOf[string, *TaskInfo]
}

func NewDispatcher(q *queue.Client, monitor *Monitor, limiter *RateLimiter, cfg *Config) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		monitor:  monitor,
		limiter:  limiter,
		cfg:      cfg,
		inflight: xsync.NewMapOf[string, *TaskInfo](),
	}
}

// TaskMessage resolves an in-flight task id to its human description.
func (d *Dispatcher) TaskMessage(taskID string) string {
	if info, ok := d.inflight.Load(taskID); ok {
		return info.Message
	}
	return ""
}

// RunTask dispatches the task and blocks until a terminal result. Transient
// failures (no pickup, runner offline, runner-reported error) consume retry
// attempts; context cancellation aborts the in-flight attempt and returns
// immediately.
func (d *Dispatcher) RunTask(ctx context.Context, info *TaskInfo, onProgress ProgressFunc) (task.Result, error) {
	release, err := d.limiter.Acquire(ctx, info.RateLimitGroup)
	if err != nil {
		return nil, errors.Wrap(err, errors.Canceled)
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= d.cfg.TaskRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.Canceled)
			case <-time.After(d.cfg.RetryDelay):
			}
		}
		res, err := d.attempt(ctx, info, onProgress)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errors.Canceled) {
			return nil, err
		}
		lastErr = err
		logger.Warn(ctx, "task attempt failed",
			zap.String("submission_id", info.SubmissionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, errors.Wrapf(lastErr, errors.TaskRetriesExhaust,
		"task failed after %d attempts: %s", d.cfg.TaskRetries, lastErr.Error())
}

func (d *Dispatcher) attempt(ctx context.Context, info *TaskInfo, onProgress ProgressFunc) (task.Result, error) {
	taskID := uuid.NewString()
	info.ID = taskID
	ctx = context.WithValue(ctx, contextkey.TaskID, taskID)

	body, err := task.Marshal(info.Task)
	if err != nil {
		return nil, err
	}
	d.inflight.Store(taskID, info)
	defer d.inflight.Delete(taskID)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.queue.CleanupTask(cleanupCtx, taskID); err != nil {
			logger.Warn(ctx, "task cleanup failed", zap.Error(err))
		}
	}()

	if err := d.queue.PublishTask(ctx, taskID, body, d.cfg.TaskBodyTTL); err != nil {
		return nil, err
	}
	logger.Debug(ctx, "task published", zap.String("message", info.Message))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	offline := d.monitor.WatchTask(watchCtx, taskID)

	started := false
	pickupDeadline := time.Now().Add(d.cfg.PickupTimeout)
	for {
		select {
		case err := <-offline:
			return nil, err
		default:
		}
		if !started && time.Now().After(pickupDeadline) {
			return nil, errors.Newf(errors.TaskPickupTimeout,
				"no runner picked up task %s within %s", taskID, d.cfg.PickupTimeout)
		}

		raw, err := d.queue.PopStatusUpdate(ctx, taskID, 2*d.cfg.HeartbeatInterval)
		if err != nil {
			if ctx.Err() != nil {
				d.signalAbort(ctx, taskID)
				return nil, errors.Wrap(ctx.Err(), errors.Canceled)
			}
			return nil, err
		}
		if raw == nil {
			continue
		}
		update, err := task.UnmarshalStatusUpdate(raw)
		if err != nil {
			return nil, err
		}
		switch u := update.(type) {
		case *task.StatusUpdateStarted:
			started = true
			if onProgress != nil {
				onProgress(ctx, u)
			}
		case *task.StatusUpdateProgress:
			if onProgress != nil {
				onProgress(ctx, u)
			}
		case *task.StatusUpdateDone:
			return u.Result, nil
		case *task.StatusUpdateError:
			return nil, errors.Newf(errors.SandboxRunFailed, "runner error: %s", u.Message)
		}
	}
}

// signalAbort asks whichever runner holds the task to stop. Best effort; the
// dispatcher does not wait for confirmation.
func (d *Dispatcher) signalAbort(ctx context.Context, taskID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.queue.SignalAbort(abortCtx, taskID, d.cfg.AbortSignalTTL); err != nil {
		logger.Warn(ctx, "cannot signal abort", zap.Error(err))
	}
}

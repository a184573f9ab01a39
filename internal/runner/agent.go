package runner

import (
	"context"
	"time"

	"taoj/internal/queue"
	"taoj/internal/task"
	"taoj/pkg/errors"
	"taoj/pkg/utils/contextkey"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Agent is the runner main loop: it polls the queue for tasks, executes
// them and streams status updates back, while heartbeating so the
// scheduler can tell a busy runner from a dead one.
type Agent struct {
	cfg    Config
	queue  *queue.Client
	runner *Runner
	cache  *Cache
}

func NewAgent(cfg Config, q *queue.Client, r *Runner, cache *Cache) *Agent {
	cfg.ApplyDefaults()
	return &Agent{cfg: cfg, queue: q, runner: r, cache: cache}
}

// Run blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	// a crash may have left stale in-progress markers behind
	if err := a.queue.ClearInProgress(ctx, a.cfg.ID); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(ctx) })
	g.Go(func() error {
		a.cache.CleanWorker(ctx, a.cfg.CacheClearInterval)
		return nil
	})
	g.Go(func() error { return a.pollLoop(ctx) })
	return g.Wait()
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		if err := a.queue.SetHeartbeat(ctx, a.cfg.ID, time.Now(), a.cfg.HeartbeatTTL); err != nil {
			logger.Error(ctx, "heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		taskID, err := a.queue.PollTask(ctx, a.cfg.ID, a.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error(ctx, "task poll failed", zap.Error(err))
			time.Sleep(2 * time.Second)
			continue
		}
		if taskID == "" {
			continue
		}
		a.handleTask(ctx, taskID)
	}
}

func (a *Agent) handleTask(ctx context.Context, taskID string) {
	ctx = context.WithValue(ctx, contextkey.TaskID, taskID)
	ctx = context.WithValue(ctx, contextkey.RunnerID, a.cfg.ID)
	defer func() {
		if err := a.queue.FinishTask(context.WithoutCancel(ctx), a.cfg.ID, taskID); err != nil {
			logger.Error(ctx, "finish task failed", zap.Error(err))
		}
	}()

	body, err := a.queue.FetchTaskBody(ctx, taskID)
	if err != nil {
		a.pushError(ctx, taskID, err)
		return
	}
	t, err := task.UnmarshalTask(body)
	if err != nil {
		a.pushError(ctx, taskID, err)
		return
	}
	logger.Info(ctx, "task picked up")
	a.pushUpdate(ctx, taskID, &task.StatusUpdateStarted{})

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.abortListener(taskCtx, taskID, cancel)

	progress := func(ctx context.Context, partial *task.JudgeResult) {
		a.pushUpdate(ctx, taskID, &task.StatusUpdateProgress{Result: partial})
	}
	result, err := a.runner.RunTask(taskCtx, t, progress)
	if taskCtx.Err() != nil {
		// the scheduler aborted us; it is not waiting for an answer
		logger.Info(ctx, "task aborted")
		return
	}
	if err != nil {
		a.pushError(ctx, taskID, err)
		return
	}
	logger.Info(ctx, "task finished")
	a.pushUpdate(ctx, taskID, &task.StatusUpdateDone{Result: result})
}

// abortListener cancels the task when the scheduler signals an abort.
func (a *Agent) abortListener(ctx context.Context, taskID string, cancel context.CancelFunc) {
	for {
		aborted, err := a.queue.WaitAbort(ctx, taskID, a.cfg.PollTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error(ctx, "abort wait failed", zap.Error(err))
			time.Sleep(2 * time.Second)
			continue
		}
		if aborted {
			cancel()
			return
		}
	}
}

func (a *Agent) pushUpdate(ctx context.Context, taskID string, update task.StatusUpdate) {
	body, err := task.Marshal(update)
	if err != nil {
		logger.Error(ctx, "marshal status update failed", zap.Error(err))
		return
	}
	if err := a.queue.PushStatusUpdate(ctx, taskID, body, a.cfg.StatusUpdateTTL); err != nil {
		logger.Error(ctx, "push status update failed", zap.Error(err))
	}
}

func (a *Agent) pushError(ctx context.Context, taskID string, cause error) {
	logger.Error(ctx, "task failed", zap.Error(cause))
	a.pushUpdate(ctx, taskID, &task.StatusUpdateError{
		Message: errors.GetError(cause).Message,
	})
}

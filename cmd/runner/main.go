package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"taoj/internal/queue"
	"taoj/internal/runner"
	"taoj/internal/sandbox"
	"taoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/runner.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	q, err := queue.NewClient(&appCfg.Queue)
	if err != nil {
		logger.Error(context.Background(), "init queue failed", zap.Error(err))
		return
	}
	defer func() {
		_ = q.Close()
	}()

	executor, err := sandbox.NewExecutor(appCfg.Sandbox)
	if err != nil {
		logger.Error(context.Background(), "init sandbox executor failed", zap.Error(err))
		return
	}

	if err := os.MkdirAll(appCfg.Runner.WorkingDir, 0o755); err != nil {
		logger.Error(context.Background(), "create working dir failed", zap.Error(err))
		return
	}
	cache, err := runner.NewCache(appCfg.Runner.CacheDir, appCfg.Runner.CacheMaxAge)
	if err != nil {
		logger.Error(context.Background(), "init artifact cache failed", zap.Error(err))
		return
	}
	compiler := runner.NewCompiler(cache, executor, appCfg.Runner.WorkingDir, appCfg.Runner.GitSSHPrivateKey)
	jobRunner := runner.NewRunner(cache, compiler, executor, appCfg.Runner.WorkingDir, appCfg.Judge.ComparatorPath)
	agent := runner.NewAgent(appCfg.Runner, q, jobRunner, cache)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "runner started", zap.String("runner_id", appCfg.Runner.ID))
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "runner stopped", zap.Error(err))
		return
	}
	logger.Info(context.Background(), "runner shut down")
}

package main

import (
	"fmt"
	"os"

	"taoj/internal/queue"
	"taoj/internal/runner"
	"taoj/internal/sandbox"
	"taoj/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

// JudgeConfig holds judge-side binaries.
type JudgeConfig struct {
	// ComparatorPath is the external output comparator used by the
	// compare checker.
	ComparatorPath string `yaml:"comparatorPath"`
}

// AppConfig holds runner config.
type AppConfig struct {
	Logger  logger.Config  `yaml:"logger"`
	Queue   queue.Config   `yaml:"queue"`
	Runner  runner.Config  `yaml:"runner"`
	Sandbox sandbox.Config `yaml:"sandbox"`
	Judge   JudgeConfig    `yaml:"judge"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Queue.Addr == "" {
		return nil, fmt.Errorf("queue addr is required")
	}
	if cfg.Runner.ID == "" {
		return nil, fmt.Errorf("runner id is required")
	}
	applyQueueDefaults(&cfg.Queue)
	cfg.Runner.ApplyDefaults()
	return &cfg, nil
}

func applyQueueDefaults(cfg *queue.Config) {
	defaults := queue.DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
}

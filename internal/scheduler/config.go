// Package scheduler drives submissions to completion: it binds judge plans to
// submitted code, dispatches compile and judge tasks to runners through the
// queue, aggregates per-testpoint results into a final verdict and reports it
// to the web collaborator.
package scheduler

import "time"

// Config holds the scheduler's tunables.
type Config struct {
	// Runners lists the runner ids the monitor watches.
	Runners []string `yaml:"runners"`

	// TaskRetries is how many dispatch attempts a task gets before its
	// failure is surfaced.
	TaskRetries int `yaml:"taskRetries"`
	// RetryDelay is the fixed pause between dispatch attempts.
	RetryDelay time.Duration `yaml:"retryDelay"`
	// PickupTimeout bounds how long a published task may sit unclaimed.
	PickupTimeout time.Duration `yaml:"pickupTimeout"`

	// TaskBodyTTL bounds how long a task body stays fetchable.
	TaskBodyTTL time.Duration `yaml:"taskBodyTTL"`
	// AbortSignalTTL expires abort signals nobody is listening for.
	AbortSignalTTL time.Duration `yaml:"abortSignalTTL"`

	// HeartbeatInterval must match the runners' reporting interval; offline
	// detection thresholds derive from it.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// RateLimit is the per-group concurrent dispatch ceiling.
	RateLimit int64 `yaml:"rateLimit"`

	// PresignTTL is the lifetime of presigned URLs handed to runners.
	PresignTTL time.Duration `yaml:"presignTTL"`
}

func (c *Config) ApplyDefaults() {
	if c.TaskRetries <= 0 {
		c.TaskRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.PickupTimeout <= 0 {
		c.PickupTimeout = time.Minute
	}
	if c.TaskBodyTTL <= 0 {
		c.TaskBodyTTL = time.Hour
	}
	if c.AbortSignalTTL <= 0 {
		c.AbortSignalTTL = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 2
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = time.Hour
	}
}

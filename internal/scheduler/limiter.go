package scheduler

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

// RejudgeGroup is the shared rate-limit bucket for admin-triggered rejudges,
// so a mass rejudge cannot starve interactive submissions.
const RejudgeGroup = "_rejudge"

// RateLimiter caps concurrent dispatches per rate-limit group. An empty
// group bypasses limiting, which one-off problem-setup compiles rely on.
type RateLimiter struct {
	max  int64
	sems *xsync.MapOf[string, *semaphore.Weighted]
}

func NewRateLimiter(max int64) *RateLimiter {
	return &RateLimiter{
		max:  max,
		sems: xsync.NewMapOf[string, *semaphore.Weighted](),
	}
}

// Acquire blocks until the group has a free slot. The returned release
// function must be called exactly once.
func (l *RateLimiter) Acquire(ctx context.Context, group string) (func(), error) {
	if group == "" {
		return func() {}, nil
	}
	sem, _ := l.sems.LoadOrCompute(group, func() *semaphore.Weighted {
		return semaphore.NewWeighted(l.max)
	})
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

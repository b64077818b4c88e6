package fetcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Limit caps the number of tasks in flight. Default: 10.
	Limit int
	// Politeness is waited by every task after it acquires a slot.
	Politeness time.Duration
	// Throttle optionally caps the aggregate request rate.
	Throttle *AdaptiveLimiter
}

// Pool bounds how many fetch tasks run at once and paces each of them.
type Pool struct {
	limit      int
	politeness time.Duration
	throttle   *AdaptiveLimiter
}

// NewPool creates a Pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Politeness < 0 {
		opts.Politeness = 0
	}
	return &Pool{limit: opts.Limit, politeness: opts.Politeness, throttle: opts.Throttle}
}

// Limit returns the concurrency bound.
func (p *Pool) Limit() int { return p.limit }

func (p *Pool) pace(ctx context.Context) error {
	if p.politeness > 0 {
		t := time.NewTimer(p.politeness)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if p.throttle != nil {
		return p.throttle.Wait(ctx)
	}
	return ctx.Err()
}

// Run paces and runs a single task on the caller's goroutine.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.pace(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// FetchAll runs fetchOne once per item with at most p.Limit() in flight and
// returns the successful results in completion order. Failed items are
// logged and dropped; they never cancel their siblings.
func FetchAll[T, R any](ctx context.Context, p *Pool, items []T, fetchOne func(ctx context.Context, item T) (R, error)) []R {
	var (
		mu      sync.Mutex
		results = make([]R, 0, len(items))
		g       errgroup.Group
	)
	g.SetLimit(p.limit)

	for i, item := range items {
		g.Go(func() error {
			if err := p.pace(ctx); err != nil {
				zap.L().Debug("fetch task skipped", zap.Int("item", i), zap.Error(err))
				return nil
			}
			r, err := fetchOne(ctx, item)
			if err != nil {
				zap.L().Warn("fetch task dropped", zap.Int("item", i), zap.Error(err))
				return nil
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

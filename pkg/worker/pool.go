// Package worker provides the goroutine pool used for notification fan-out.
//
// Fan-out work goes through the pool so a burst of sends cannot spawn an
// unbounded number of goroutines.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"anoa.com/residencenotify/pkg/logger"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool for awaited fan-out.
type Pool struct {
	pool *ants.Pool
	name string
}

// NewPool creates a blocking pool of the given size.
func NewPool(name string, size int) (*Pool, error) {
	panicHandler := func(p interface{}) {
		logger.Error("worker panic recovered",
			zap.String("pool", name),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	p, err := ants.NewPool(size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name}, nil
}

// Group runs every task on the pool and waits for all of them. Tasks are not
// skipped on cancellation; a task the pool rejects runs inline on the caller's
// goroutine, so every task runs exactly once.
func (p *Pool) Group(ctx context.Context, tasks []Task) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			task(ctx)
		})
		if err != nil {
			wg.Done()
			task(ctx)
		}
	}
	wg.Wait()
}

// Shutdown waits up to timeout for running tasks, then releases the pool.
func (p *Pool) Shutdown(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("worker pool shutdown timeout", zap.String("pool", p.name), zap.Error(err))
	}
}

// Metrics reports pool occupancy for the health endpoint.
func (p *Pool) Metrics() map[string]int {
	return map[string]int{
		"running": p.pool.Running(),
		"free":    p.pool.Free(),
		"cap":     p.pool.Cap(),
	}
}

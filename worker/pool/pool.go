package pool

import (
	"context"
	"sync"
)

// WorkerPool caps how many jobs run at once across all callers.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		sem: make(chan struct{}, maxWorkers),
	}
}

// Do runs job in the caller's goroutine while holding a slot.
func (p *WorkerPool) Do(ctx context.Context, job func(context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	p.wg.Add(1)
	defer p.wg.Done()
	return job(ctx)
}

// Wait blocks until every job started through Do has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// DefaultPoolSize is used when a non-positive size is given.
const DefaultPoolSize = 2

// Pool runs tasks on a bounded set of goroutines.
type Pool struct {
	pool    *ants.Pool
	handler Handler
	log     *slog.Logger
	wg      sync.WaitGroup
}

// NewPool creates a Pool of size workers. Submissions block while every
// worker is busy.
func NewPool(size int, handler Handler, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{handler: handler, log: log}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		log.Error("Task panicked", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Dispatch implements Dispatcher. The task keeps running after ctx ends.
func (p *Pool) Dispatch(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	taskCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		defer p.wg.Done()
		if err := p.handler(taskCtx, t); err != nil {
			p.log.ErrorContext(taskCtx, "Task failed",
				"jobId", t.JobID,
				"videoId", t.VideoID,
				"error", err,
			)
		}
	})
	if err != nil {
		p.wg.Done()
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

// Running returns the number of busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Close waits for submitted tasks to finish, or for ctx to end, then
// releases the workers.
func (p *Pool) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.pool.Release()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}
}

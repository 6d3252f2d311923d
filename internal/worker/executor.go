package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("executor is shut down")

// Executor runs submitted jobs in the background, at most limit at a time.
// Jobs receive a context owned by the executor, not by the submitter, so a
// finished HTTP request does not cancel the work it started.
type Executor struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	log *slog.Logger
}

func New(limit int64, log *slog.Logger) *Executor {
	if limit <= 0 {
		limit = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:    semaphore.NewWeighted(limit),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Submit schedules fn and returns immediately. It fails with ErrClosed once
// Shutdown has been called. A job still waiting for a slot when Shutdown
// gives up is called with an already cancelled context.
func (e *Executor) Submit(name string, fn func(ctx context.Context)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			// Still called, with the cancelled context, so the job can record
			// that it never ran.
			e.log.Warn("job cancelled before start", "job", name, "err", err)
			e.run(name, fn)
			return
		}
		defer e.sem.Release(1)

		e.run(name, fn)
	}()
	return nil
}

func (e *Executor) run(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job panic recovered", "job", name, "panic", r)
		}
	}()
	fn(e.ctx)
}

// Shutdown stops accepting jobs and waits for running ones. If ctx ends
// first, the job context is cancelled and ctx's error is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

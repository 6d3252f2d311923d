package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutor_RunsJobBeforeShutdownReturns(t *testing.T) {
	t.Parallel()

	e := New(2, nil)

	var ran atomic.Bool
	if err := e.Submit("job", func(ctx context.Context) {
		if ctx.Err() != nil {
			t.Errorf("expected live job context, got %v", ctx.Err())
		}
		ran.Store(true)
	}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("expected job to run before shutdown returned")
	}
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	e := New(2, nil)

	var (
		cur, peak atomic.Int64
		release   = make(chan struct{})
		started   = make(chan struct{}, 5)
	)
	for range 5 {
		if err := e.Submit("job", func(ctx context.Context) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			started <- struct{}{}
			<-release
			cur.Add(-1)
		}); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}

	<-started
	<-started
	select {
	case <-started:
		t.Fatalf("expected only two jobs to start while the first two block")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if peak.Load() != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", peak.Load())
	}
}

func TestExecutor_RecoversPanics(t *testing.T) {
	t.Parallel()

	e := New(1, nil)

	var after atomic.Bool
	_ = e.Submit("boom", func(ctx context.Context) { panic("boom") })
	_ = e.Submit("after", func(ctx context.Context) { after.Store(true) })

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !after.Load() {
		t.Fatalf("expected executor to keep working after a panic")
	}
}

func TestExecutor_RejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	e := New(1, nil)
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	err := e.Submit("late", func(ctx context.Context) {})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExecutor_ShutdownDeadlineCancelsJobs(t *testing.T) {
	t.Parallel()

	e := New(1, nil)

	cancelled := make(chan struct{})
	_ = e.Submit("slow", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := e.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected job context to be cancelled after shutdown deadline")
	}
}

func TestExecutor_QueuedJobSeesCancelledContextOnShutdownDeadline(t *testing.T) {
	t.Parallel()

	e := New(1, nil)

	release := make(chan struct{})
	defer close(release)
	_ = e.Submit("busy", func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	queued := make(chan error, 1)
	_ = e.Submit("queued", func(ctx context.Context) { queued <- ctx.Err() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = e.Shutdown(ctx)

	select {
	case err := <-queued:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected queued job to see a cancelled context, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected queued job to be called after shutdown deadline")
	}
}

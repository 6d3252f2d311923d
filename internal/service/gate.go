package service

import (
	"context"
	"fmt"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

// RunGate guarantees at most one reminder run per calendar date, across
// restarts and instances. A failed run may be retried the same day.
type RunGate struct {
	runs repo.RunRepository
	now  func() time.Time
}

func NewRunGate(runs repo.RunRepository) *RunGate {
	return &RunGate{runs: runs, now: time.Now}
}

func (g *RunGate) WithClock(now func() time.Time) *RunGate {
	g.now = now
	return g
}

func (g *RunGate) TryAcquire(ctx context.Context, runDate string) (bool, error) {
	ok, err := g.runs.AcquireRun(ctx, runDate, g.now())
	if err != nil {
		return false, fmt.Errorf("acquire run %s: %w", runDate, err)
	}
	return ok, nil
}

func (g *RunGate) Get(ctx context.Context, runDate string) (model.ReminderRun, error) {
	return g.runs.GetRun(ctx, runDate)
}

func (g *RunGate) Complete(ctx context.Context, runDate string, s Summary) error {
	return g.finish(ctx, runDate, model.RunCompleted, nil, s)
}

// Fail closes the run as failed, keeping whatever counts were reached.
func (g *RunGate) Fail(ctx context.Context, runDate, reason string, partial Summary) error {
	return g.finish(ctx, runDate, model.RunFailed, &reason, partial)
}

func (g *RunGate) finish(ctx context.Context, runDate string, status model.RunStatus, reason *string, s Summary) error {
	finished := g.now()
	err := g.runs.FinishRun(ctx, model.ReminderRun{
		RunDate:       runDate,
		Status:        status,
		SuccessCount:  s.SuccessCount,
		ErrorCount:    s.ErrorCount,
		OmittedCount:  s.OmittedCount,
		FailureReason: reason,
		FinishedAt:    &finished,
	})
	if err != nil {
		return fmt.Errorf("finish run %s as %s: %w", runDate, status, err)
	}
	return nil
}

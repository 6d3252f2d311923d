package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
)

const (
	finishTimeout = 10 * time.Second
	staleRunAfter = time.Hour
)

// Submitter runs a job in the background.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context)) error
}

// Reminders starts the daily reminder run. Trigger never blocks on the run
// itself; its outcome is visible only through the audit log.
type Reminders struct {
	gate       *RunGate
	selector   *Selector
	dispatcher *Dispatcher
	exec       Submitter
	loc        *time.Location
	lookahead  int
	log        *slog.Logger

	now func() time.Time
}

func NewReminders(
	gate *RunGate,
	selector *Selector,
	dispatcher *Dispatcher,
	exec Submitter,
	loc *time.Location,
	lookaheadDays int,
	log *slog.Logger,
) *Reminders {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reminders{
		gate:       gate,
		selector:   selector,
		dispatcher: dispatcher,
		exec:       exec,
		loc:        loc,
		lookahead:  lookaheadDays,
		log:        log,
		now:        time.Now,
	}
}

func (r *Reminders) WithClock(now func() time.Time) *Reminders {
	r.now = now
	return r
}

// Trigger reports whether this call started today's run. False means the run
// already happened, is in progress, or could not be started.
func (r *Reminders) Trigger(ctx context.Context) bool {
	today := r.now().In(r.loc)
	runDate := today.Format(model.DateLayout)

	ok, err := r.gate.TryAcquire(ctx, runDate)
	if err != nil {
		r.log.ErrorContext(ctx, "reminder run not acquired", "runDate", runDate, "err", err)
		return false
	}
	if !ok {
		r.log.DebugContext(ctx, "reminder run already handled", "runDate", runDate)
		r.reportStuck(ctx, runDate)
		return false
	}

	err = r.exec.Submit("reminders:"+runDate, func(jobCtx context.Context) {
		r.run(jobCtx, runDate, today)
	})
	if err != nil {
		r.log.ErrorContext(ctx, "reminder run not scheduled", "runDate", runDate, "err", err)
		r.fail(ctx, runDate, "not scheduled: "+err.Error(), Summary{})
		return false
	}

	r.log.InfoContext(ctx, "reminder run started", "runDate", runDate)
	return true
}

func (r *Reminders) run(ctx context.Context, runDate string, today time.Time) {
	var summary Summary
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "reminder run panicked", "runDate", runDate, "panic", rec)
			r.fail(ctx, runDate, fmt.Sprintf("panic: %v", rec), summary)
		}
	}()

	if err := ctx.Err(); err != nil {
		r.log.ErrorContext(ctx, "reminder run interrupted before start", "runDate", runDate, "err", err)
		r.fail(ctx, runDate, "interrupted: "+err.Error(), summary)
		return
	}

	candidates, err := r.selector.SelectEligibleDebts(ctx, today, r.lookahead)
	if err != nil {
		r.log.ErrorContext(ctx, "reminder selection failed", "runDate", runDate, "err", err)
		r.fail(ctx, runDate, err.Error(), summary)
		return
	}

	summary, err = r.dispatcher.Dispatch(ctx, runDate, candidates)
	if err != nil {
		r.log.ErrorContext(ctx, "reminder run interrupted",
			"runDate", runDate,
			"sent", summary.SuccessCount,
			"errors", summary.ErrorCount,
			"omitted", summary.OmittedCount,
			"err", err,
		)
		r.fail(ctx, runDate, "interrupted: "+err.Error(), summary)
		return
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := r.gate.Complete(fctx, runDate, summary); err != nil {
		r.log.ErrorContext(ctx, "reminder run not finalised, it stays in progress for the day",
			"runDate", runDate,
			"sent", summary.SuccessCount,
			"errors", summary.ErrorCount,
			"omitted", summary.OmittedCount,
			"err", err,
		)
		return
	}

	r.log.InfoContext(ctx, summary.Message(),
		"runDate", runDate,
		"sent", summary.SuccessCount,
		"errors", summary.ErrorCount,
		"omitted", summary.OmittedCount,
	)
}

// reportStuck logs a run that has been in progress longer than staleRunAfter;
// a crash or a lost finalisation leaves it there until the next day.
func (r *Reminders) reportStuck(ctx context.Context, runDate string) {
	run, err := r.gate.Get(ctx, runDate)
	if err != nil || run.Status != model.RunInProgress || run.StartedAt == nil {
		return
	}
	if age := r.now().Sub(*run.StartedAt); age > staleRunAfter {
		r.log.ErrorContext(ctx, "reminder run stuck in progress",
			"runDate", runDate,
			"startedAt", *run.StartedAt,
			"attempts", run.Attempts,
			"age", age.String(),
		)
	}
}

func (r *Reminders) fail(ctx context.Context, runDate, reason string, partial Summary) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := r.gate.Fail(fctx, runDate, reason, partial); err != nil {
		r.log.ErrorContext(ctx, "reminder run not marked failed", "runDate", runDate, "err", err)
	}
}

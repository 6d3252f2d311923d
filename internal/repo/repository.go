package repo

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrOpenPaymentExists is returned when a debt already has a live
	// (pending_confirmation or confirmed) payment reference.
	ErrOpenPaymentExists  = errors.New("debt already has an open payment reference")
	ErrDuplicateReference = errors.New("payment reference already taken")

	// ErrStaleStatus is returned by conditional updates whose expected
	// current status no longer matches the stored one.
	ErrStaleStatus = errors.New("record status changed concurrently")
)

type DebtRepository interface {
	GetDebt(ctx context.Context, id string) (model.Debt, error)
	// ListUnpaidDueBetween returns unpaid debts with from <= due_date <= to (dates inclusive).
	ListUnpaidDueBetween(ctx context.Context, from, to time.Time) ([]model.Debt, error)
}

type ContactDirectory interface {
	ContactsForStudents(ctx context.Context, studentIDs []string) (map[string][]model.GuardianContact, error)
}

type PaymentRepository interface {
	CreatePending(ctx context.Context, p model.PendingPayment) error
	GetByReference(ctx context.Context, reference string) (model.PendingPayment, error)
	GetOpenByDebt(ctx context.Context, debtID string) (model.PendingPayment, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)

	// UpdateStatus persists p's status and proof if the stored status is
	// still from, and appends the transition to the audit trail.
	UpdateStatus(ctx context.Context, p model.PendingPayment, from model.PaymentStatus, detail string) error

	// Settle moves a confirmed record to paid: it inserts the payment row,
	// links it, flips the debt to paid and audits the transition, all or
	// nothing. debtFlipped is false when the debt was already marked paid.
	Settle(ctx context.Context, p model.PendingPayment, payment model.Payment) (debtFlipped bool, err error)

	SetReceiptHandle(ctx context.Context, reference, handle string) error

	// RecordRejection appends a refused confirmation to the audit trail
	// without touching the record's status.
	RecordRejection(ctx context.Context, reference string, status model.PaymentStatus, at time.Time, detail string) error

	ListTransitions(ctx context.Context, reference string) ([]model.PaymentTransition, error)
}

type RunRepository interface {
	// AcquireRun atomically creates the run for runDate as in_progress, or
	// restarts a not_started/failed one. It reports false when the run is
	// already in progress or completed.
	AcquireRun(ctx context.Context, runDate string, at time.Time) (bool, error)
	// FinishRun stores the final status and counts; only an in_progress run can finish.
	FinishRun(ctx context.Context, run model.ReminderRun) error
	GetRun(ctx context.Context, runDate string) (model.ReminderRun, error)
}

type EmailLogRepository interface {
	AppendEntry(ctx context.Context, e model.EmailLogEntry) error
	ListEntries(ctx context.Context, f model.EntryFilter) iter.Seq2[model.EmailLogEntry, error]
}

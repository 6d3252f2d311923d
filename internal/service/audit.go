package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

var csvHeader = []string{
	"send_date",
	"student",
	"recipient_contact",
	"concept",
	"due_date",
	"outcome",
	"error_message",
}

// AuditLog is the read side of reminder runs, email outcomes and payment
// transitions.
type AuditLog struct {
	entries  repo.EmailLogRepository
	runs     repo.RunRepository
	payments repo.PaymentRepository
	loc      *time.Location
}

func NewAuditLog(entries repo.EmailLogRepository, runs repo.RunRepository, payments repo.PaymentRepository, loc *time.Location) *AuditLog {
	if loc == nil {
		loc = time.UTC
	}
	return &AuditLog{entries: entries, runs: runs, payments: payments, loc: loc}
}

// ListEntries yields matching log entries newest first. An invalid filter is
// reported as the first and only element.
func (a *AuditLog) ListEntries(ctx context.Context, f model.EntryFilter) iter.Seq2[model.EmailLogEntry, error] {
	if err := CheckFilter(f); err != nil {
		return func(yield func(model.EmailLogEntry, error) bool) {
			yield(model.EmailLogEntry{}, err)
		}
	}
	return a.entries.ListEntries(ctx, f)
}

func (a *AuditLog) GetRun(ctx context.Context, runDate string) (model.ReminderRun, error) {
	if _, err := time.Parse(model.DateLayout, runDate); err != nil {
		return model.ReminderRun{}, &ValidationError{Fields: []FieldError{{Field: "date", Error: "date must be formatted as YYYY-MM-DD"}}}
	}
	run, err := a.runs.GetRun(ctx, runDate)
	if errors.Is(err, repo.ErrNotFound) {
		return model.ReminderRun{}, ErrRunNotFound
	}
	return run, err
}

func (a *AuditLog) ListTransitions(ctx context.Context, reference string) ([]model.PaymentTransition, error) {
	trs, err := a.payments.ListTransitions(ctx, reference)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReferenceNotFound
	}
	return trs, err
}

// ExportCSV writes every matching entry as one CSV row. Multiple contacts
// share the recipient_contact cell, separated by "; ".
func (a *AuditLog) ExportCSV(ctx context.Context, w io.Writer, f model.EntryFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for e, err := range a.ListEntries(ctx, f) {
		if err != nil {
			return err
		}
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		if err := cw.Write([]string{
			e.SentAt.In(a.loc).Format("2006-01-02 15:04"),
			e.StudentName,
			strings.Join(e.RecipientContacts, "; "),
			e.ConceptName,
			e.DueDate.Format(model.DateLayout),
			string(e.Outcome),
			msg,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CheckFilter validates the optional fields of an audit filter.
func CheckFilter(f model.EntryFilter) error {
	var fields []FieldError
	if f.Status != "" && !f.Status.Valid() {
		fields = append(fields, FieldError{Field: "status", Error: fmt.Sprintf("status must be one of %s, %s, %s", model.OutcomeSent, model.OutcomeError, model.OutcomeOmitted)})
	}
	for _, d := range []struct{ name, value string }{{"dateFrom", f.DateFrom}, {"dateTo", f.DateTo}} {
		if d.value == "" {
			continue
		}
		if _, err := time.Parse(model.DateLayout, d.value); err != nil {
			fields = append(fields, FieldError{Field: d.name, Error: d.name + " must be formatted as YYYY-MM-DD"})
		}
	}
	if len(fields) == 0 && f.DateFrom != "" && f.DateTo != "" && f.DateFrom > f.DateTo {
		fields = append(fields, FieldError{Field: "dateTo", Error: "dateTo must not be before dateFrom"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

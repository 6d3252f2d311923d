package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

type Summary struct {
	SuccessCount   int
	ErrorCount     int
	OmittedCount   int
	ErrorDetails   []string
	OmittedDetails []string
}

// Message renders the summary for the person who triggered the run.
func (s Summary) Message() string {
	errs := "errors"
	if s.ErrorCount == 1 {
		errs = "error"
	}
	return fmt.Sprintf("Reminders processed: %d sent, %d %s, %d omitted.", s.SuccessCount, s.ErrorCount, errs, s.OmittedCount)
}

const (
	defaultSubject = `Payment reminder: {{.ConceptName}} due {{.DueDate}}`
	defaultBody    = `Dear guardian,

This is a reminder that the payment "{{.ConceptName}}" for {{.StudentName}}
of {{.Amount}} is due on {{.DueDate}}.

If you have already paid, please disregard this message.
`
)

type reminderData struct {
	StudentName string
	ConceptName string
	Amount      string
	DueDate     string
}

// Dispatcher sends one reminder per candidate and records every outcome in
// the email log. A failing recipient never stops the batch.
type Dispatcher struct {
	mailer  Mailer
	entries repo.EmailLogRepository
	subject *template.Template
	body    *template.Template
	log     *slog.Logger

	now func() time.Time
}

func NewDispatcher(mailer Mailer, entries repo.EmailLogRepository, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		mailer:  mailer,
		entries: entries,
		subject: template.Must(template.New("subject").Parse(defaultSubject)),
		body:    template.Must(template.New("body").Parse(defaultBody)),
		log:     log,
		now:     time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch sends a reminder for each candidate in order. When ctx ends it
// stops before the next candidate and returns ctx's error with the summary
// reached so far; candidates not attempted get no log entry.
func (d *Dispatcher) Dispatch(ctx context.Context, runDate string, candidates []Candidate) (Summary, error) {
	var s Summary
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return s, fmt.Errorf("dispatch stopped after %d of %d candidates: %w", i, len(candidates), err)
		}

		entry := model.EmailLogEntry{
			ID:                uuid.New(),
			RunDate:           runDate,
			StudentID:         c.Debt.StudentID,
			StudentName:       c.Debt.StudentName,
			DebtID:            c.Debt.ID,
			ConceptName:       c.Debt.ConceptName,
			DueDate:           c.Debt.DueDate,
			RecipientContacts: c.Contacts,
		}

		switch {
		case c.Omitted || len(c.Contacts) == 0:
			reason := c.OmitReason
			if reason == "" {
				reason = "no valid guardian email address"
			}
			s.OmittedCount++
			s.OmittedDetails = append(s.OmittedDetails, fmt.Sprintf("debt %s (%s): %s", c.Debt.ID, c.Debt.StudentName, reason))
			entry.Outcome = model.OutcomeOmitted
			entry.ErrorMessage = &reason
		default:
			err := d.send(ctx, c)
			if err != nil && ctx.Err() != nil {
				// Interrupted, not refused by the provider: left for the retry.
				return s, fmt.Errorf("dispatch stopped after %d of %d candidates: %w", i, len(candidates), ctx.Err())
			}
			if err != nil {
				msg := err.Error()
				s.ErrorCount++
				s.ErrorDetails = append(s.ErrorDetails, fmt.Sprintf("debt %s (%s): %s", c.Debt.ID, strings.Join(c.Contacts, ", "), msg))
				entry.Outcome = model.OutcomeError
				entry.ErrorMessage = &msg
			} else {
				s.SuccessCount++
				entry.Outcome = model.OutcomeSent
			}
		}

		entry.SentAt = d.now()
		if err := d.entries.AppendEntry(context.WithoutCancel(ctx), entry); err != nil {
			d.log.ErrorContext(ctx, "email log write failed",
				"runDate", runDate,
				"debtId", c.Debt.ID,
				"outcome", entry.Outcome,
				"err", err,
			)
		}
	}
	return s, nil
}

func (d *Dispatcher) send(ctx context.Context, c Candidate) error {
	data := reminderData{
		StudentName: c.Debt.StudentName,
		ConceptName: c.Debt.ConceptName,
		Amount:      "$" + c.Debt.Amount.StringFixed(2),
		DueDate:     c.Debt.DueDate.Format("02/01/2006"),
	}

	var subject, body strings.Builder
	if err := d.subject.Execute(&subject, data); err != nil {
		return fmt.Errorf("render subject: %w", err)
	}
	if err := d.body.Execute(&body, data); err != nil {
		return fmt.Errorf("render body: %w", err)
	}
	return d.mailer.Send(ctx, c.Contacts, subject.String(), body.String())
}

package model

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Acquirable reports whether a run in this status may be (re)started.
func (s RunStatus) Acquirable() bool {
	return s == RunNotStarted || s == RunFailed
}

type Outcome string

const (
	OutcomeSent    Outcome = "enviado"
	OutcomeError   Outcome = "error"
	OutcomeOmitted Outcome = "omitido"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSent, OutcomeError, OutcomeOmitted:
		return true
	}
	return false
}

// DateLayout is the calendar-date format used for run dates everywhere.
const DateLayout = "2006-01-02"

type ReminderRun struct {
	RunDate       string     `json:"runDate"`
	Status        RunStatus  `json:"status"`
	SuccessCount  int        `json:"successCount"`
	ErrorCount    int        `json:"errorCount"`
	OmittedCount  int        `json:"omittedCount"`
	Attempts      int        `json:"attempts"`
	FailureReason *string    `json:"failureReason"`
	StartedAt     *time.Time `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
}

type EmailLogEntry struct {
	ID                uuid.UUID `json:"id"`
	RunDate           string    `json:"runDate"`
	StudentID         string    `json:"studentId"`
	StudentName       string    `json:"studentName"`
	DebtID            string    `json:"debtId"`
	ConceptName       string    `json:"conceptName"`
	DueDate           time.Time `json:"dueDate"`
	RecipientContacts []string  `json:"recipientContacts"`
	Outcome           Outcome   `json:"outcome"`
	ErrorMessage      *string   `json:"errorMessage"`
	SentAt            time.Time `json:"sentAt"`
}

// EntryFilter narrows the audit log; zero fields match everything.
type EntryFilter struct {
	Status   Outcome
	DateFrom string
	DateTo   string
	Search   string
}

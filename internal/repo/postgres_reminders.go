package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
)

func (r *Postgres) AcquireRun(ctx context.Context, runDate string, at time.Time) (bool, error) {
	// One statement: the unique run_date plus the conditional DO UPDATE make
	// the check-and-set atomic across callers and instances.
	var got time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO reminder_runs (run_date, status, attempts, started_at)
		VALUES ($1::date, 'in_progress', 1, $2)
		ON CONFLICT (run_date) DO UPDATE
		SET status = 'in_progress',
		    attempts = reminder_runs.attempts + 1,
		    started_at = EXCLUDED.started_at,
		    finished_at = NULL,
		    failure_reason = NULL,
		    success_count = 0,
		    error_count = 0,
		    omitted_count = 0
		WHERE reminder_runs.status IN ('not_started', 'failed')
		RETURNING run_date
	`, runDate, at).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Postgres) FinishRun(ctx context.Context, run model.ReminderRun) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE reminder_runs
		SET status = $2,
		    success_count = $3,
		    error_count = $4,
		    omitted_count = $5,
		    failure_reason = $6,
		    finished_at = $7
		WHERE run_date = $1::date AND status = 'in_progress'
	`, run.RunDate, string(run.Status), run.SuccessCount, run.ErrorCount, run.OmittedCount,
		nullString(run.FailureReason), run.FinishedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetRun(ctx, run.RunDate); err != nil {
		return err
	}
	return ErrStaleStatus
}

func (r *Postgres) GetRun(ctx context.Context, runDate string) (model.ReminderRun, error) {
	var (
		run      model.ReminderRun
		date     time.Time
		status   string
		reason   sql.NullString
		started  sql.NullTime
		finished sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT run_date, status, success_count, error_count, omitted_count,
		       attempts, failure_reason, started_at, finished_at
		FROM reminder_runs
		WHERE run_date = $1::date
	`, runDate).Scan(
		&date, &status, &run.SuccessCount, &run.ErrorCount, &run.OmittedCount,
		&run.Attempts, &reason, &started, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReminderRun{}, ErrNotFound
	}
	if err != nil {
		return model.ReminderRun{}, err
	}

	run.RunDate = date.Format(model.DateLayout)
	run.Status = model.RunStatus(status)
	run.FailureReason = stringPtr(reason)
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func (r *Postgres) AppendEntry(ctx context.Context, e model.EmailLogEntry) error {
	contacts := e.RecipientContacts
	if contacts == nil {
		contacts = []string{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_log_entries (
			id, run_date, student_id, student_name, debt_id, concept_name,
			due_date, recipient_contacts, outcome, error_message, sent_at
		) VALUES ($1, $2::date, $3, $4, $5, $6, $7::date, $8, $9, $10, $11)
	`, e.ID, e.RunDate, e.StudentID, e.StudentName, e.DebtID, e.ConceptName,
		e.DueDate.Format(model.DateLayout), contacts, string(e.Outcome), nullString(e.ErrorMessage), e.SentAt)
	return err
}

// ListEntries streams matching rows newest first; rows are read only as the
// caller pulls them and the cursor is closed when iteration stops.
func (r *Postgres) ListEntries(ctx context.Context, f model.EntryFilter) iter.Seq2[model.EmailLogEntry, error] {
	return func(yield func(model.EmailLogEntry, error) bool) {
		where, args := entryWhere(f)
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, run_date, student_id, student_name, debt_id, concept_name,
			       due_date, recipient_contacts, outcome, error_message, sent_at
			FROM email_log_entries
		`+where+`
			ORDER BY run_date DESC, sent_at DESC, id
		`, args...)
		if err != nil {
			yield(model.EmailLogEntry{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e        model.EmailLogEntry
				runDate  time.Time
				outcome  string
				errMsg   sql.NullString
				contacts []string
			)
			if err := rows.Scan(
				&e.ID, &runDate, &e.StudentID, &e.StudentName, &e.DebtID, &e.ConceptName,
				&e.DueDate, r.types.SQLScanner(&contacts), &outcome, &errMsg, &e.SentAt,
			); err != nil {
				yield(model.EmailLogEntry{}, err)
				return
			}
			e.RunDate = runDate.Format(model.DateLayout)
			e.RecipientContacts = contacts
			e.Outcome = model.Outcome(outcome)
			e.ErrorMessage = stringPtr(errMsg)
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.EmailLogEntry{}, err)
		}
	}
}

func entryWhere(f model.EntryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("outcome = $%d", string(f.Status))
	}
	if f.DateFrom != "" {
		add("run_date >= $%d::date", f.DateFrom)
	}
	if f.DateTo != "" {
		add("run_date <= $%d::date", f.DateTo)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		add(`(student_name || ' ' || concept_name || ' ' || array_to_string(recipient_contacts, ' ')) ILIKE $%d`,
			"%"+escapeLike(q)+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

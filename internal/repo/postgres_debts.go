package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
)

const debtColumns = `id, student_id, student_name, concept_id, concept_name, amount, due_date, paid`

func (r *Postgres) GetDebt(ctx context.Context, id string) (model.Debt, error) {
	var d model.Debt
	err := r.db.QueryRowContext(ctx, `SELECT `+debtColumns+` FROM debts WHERE id = $1`, id).Scan(
		&d.ID, &d.StudentID, &d.StudentName, &d.ConceptID, &d.ConceptName, &d.Amount, &d.DueDate, &d.Paid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Debt{}, ErrNotFound
	}
	return d, err
}

func (r *Postgres) ListUnpaidDueBetween(ctx context.Context, from, to time.Time) ([]model.Debt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+debtColumns+`
		FROM debts
		WHERE NOT paid AND due_date BETWEEN $1::date AND $2::date
		ORDER BY due_date ASC, id ASC
	`, from.Format(model.DateLayout), to.Format(model.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Debt
	for rows.Next() {
		var d model.Debt
		if err := rows.Scan(
			&d.ID, &d.StudentID, &d.StudentName, &d.ConceptID, &d.ConceptName, &d.Amount, &d.DueDate, &d.Paid,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Postgres) ContactsForStudents(ctx context.Context, studentIDs []string) (map[string][]model.GuardianContact, error) {
	out := make(map[string][]model.GuardianContact, len(studentIDs))
	if len(studentIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, name, email
		FROM guardian_contacts
		WHERE student_id = ANY($1)
		ORDER BY student_id, id
	`, studentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c model.GuardianContact
		if err := rows.Scan(&c.StudentID, &c.Name, &c.Email); err != nil {
			return nil, err
		}
		out[c.StudentID] = append(out[c.StudentID], c)
	}
	return out, rows.Err()
}

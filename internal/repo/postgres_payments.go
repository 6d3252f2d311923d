package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/school-billing/internal/model"
)

const pendingColumns = `
	id, reference, debt_id, student_id, concept_id, amount,
	bank_routing_id, bank_name, account_holder, expires_at, status,
	linked_payment_id, proof_transaction_id, proof_amount, proof_received_at,
	receipt_handle, created_at, updated_at`

func (r *Postgres) CreatePending(ctx context.Context, p model.PendingPayment) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_payments (
				id, reference, debt_id, student_id, concept_id, amount,
				bank_routing_id, bank_name, account_holder, expires_at, status,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		`, p.ID, p.Reference, p.DebtID, p.StudentID, p.ConceptID, p.Amount,
			p.BankRoutingID, p.BankName, p.AccountHolder, p.ExpiresAt, string(p.Status),
			p.CreatedAt)
		if err != nil {
			if name, ok := uniqueConstraint(err); ok {
				if name == "pending_payments_open_debt_key" {
					return ErrOpenPaymentExists
				}
				return ErrDuplicateReference
			}
			return err
		}
		return insertTransition(ctx, tx, model.PaymentTransition{
			Reference: p.Reference,
			To:        p.Status,
			At:        p.CreatedAt,
			Detail:    "reference issued",
		})
	})
}

func (r *Postgres) GetByReference(ctx context.Context, reference string) (model.PendingPayment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_payments WHERE reference = $1`, reference)
	return scanPending(row)
}

func (r *Postgres) GetOpenByDebt(ctx context.Context, debtID string) (model.PendingPayment, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_payments
		WHERE debt_id = $1 AND status IN ('pending_confirmation', 'confirmed')
	`, debtID)
	return scanPending(row)
}

func (r *Postgres) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_payments WHERE reference = $1)`, reference,
	).Scan(&exists)
	return exists, err
}

func (r *Postgres) UpdateStatus(ctx context.Context, p model.PendingPayment, from model.PaymentStatus, detail string) error {
	var (
		proofTx       sql.NullString
		proofAmount   decimal.NullDecimal
		proofReceived sql.NullTime
	)
	if p.Proof != nil {
		proofTx = sql.NullString{String: p.Proof.BankTransactionID, Valid: true}
		if p.Proof.Amount != nil {
			proofAmount = decimal.NullDecimal{Decimal: *p.Proof.Amount, Valid: true}
		}
		if p.Proof.ReceivedAt != nil {
			proofReceived = sql.NullTime{Time: *p.Proof.ReceivedAt, Valid: true}
		}
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_payments
			SET status = $3,
			    proof_transaction_id = $4,
			    proof_amount = $5,
			    proof_received_at = $6,
			    updated_at = $7
			WHERE reference = $1 AND status = $2
		`, p.Reference, string(from), string(p.Status), proofTx, proofAmount, proofReceived, p.UpdatedAt)
		if err != nil {
			return err
		}
		if err := expectOneRow(ctx, tx, res, p.Reference); err != nil {
			return err
		}
		return insertTransition(ctx, tx, model.PaymentTransition{
			Reference: p.Reference,
			From:      from,
			To:        p.Status,
			At:        p.UpdatedAt,
			Detail:    detail,
		})
	})
}

func (r *Postgres) Settle(ctx context.Context, p model.PendingPayment, payment model.Payment) (bool, error) {
	var flipped bool
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_payments
			SET status = 'paid', linked_payment_id = $2, updated_at = $3
			WHERE reference = $1 AND status = 'confirmed'
		`, p.Reference, payment.ID, p.UpdatedAt)
		if err != nil {
			return err
		}
		if err := expectOneRow(ctx, tx, res, p.Reference); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, debt_id, reference, amount, bank_transaction_id, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, payment.ID, payment.DebtID, payment.Reference, payment.Amount, payment.BankTransactionID, payment.PaidAt); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `UPDATE debts SET paid = TRUE WHERE id = $1 AND NOT paid`, payment.DebtID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		flipped = n == 1

		return insertTransition(ctx, tx, model.PaymentTransition{
			Reference: p.Reference,
			From:      model.Confirmed,
			To:        model.Paid,
			At:        p.UpdatedAt,
			Detail:    "settled as payment " + payment.ID.String(),
		})
	})
	if err != nil {
		return false, err
	}
	return flipped, nil
}

func (r *Postgres) SetReceiptHandle(ctx context.Context, reference, handle string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_payments
		SET receipt_handle = COALESCE(receipt_handle, $2)
		WHERE reference = $1
	`, reference, handle)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Postgres) RecordRejection(ctx context.Context, reference string, status model.PaymentStatus, at time.Time, detail string) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_transitions (reference, from_status, to_status, at, detail)
		SELECT reference, status, status, $2, $3
		FROM pending_payments
		WHERE reference = $1 AND status = $4
	`, reference, at, detail, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := r.ReferenceExists(ctx, reference)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

func (r *Postgres) ListTransitions(ctx context.Context, reference string) ([]model.PaymentTransition, error) {
	exists, err := r.ReferenceExists(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT reference, from_status, to_status, at, detail
		FROM payment_transitions
		WHERE reference = $1
		ORDER BY id ASC
	`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PaymentTransition
	for rows.Next() {
		var (
			t    model.PaymentTransition
			from sql.NullString
			to   string
		)
		if err := rows.Scan(&t.Reference, &from, &to, &t.At, &t.Detail); err != nil {
			return nil, err
		}
		t.From = model.PaymentStatus(from.String)
		t.To = model.PaymentStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// expectOneRow turns a zero-row conditional update into ErrNotFound or
// ErrStaleStatus depending on whether the record exists at all.
func expectOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, reference string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_payments WHERE reference = $1)`, reference,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleStatus
}

func insertTransition(ctx context.Context, tx *sql.Tx, t model.PaymentTransition) error {
	var from sql.NullString
	if t.From != "" {
		from = sql.NullString{String: string(t.From), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_transitions (reference, from_status, to_status, at, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, t.Reference, from, string(t.To), t.At, t.Detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (model.PendingPayment, error) {
	var (
		p             model.PendingPayment
		status        string
		linked        uuid.NullUUID
		proofTx       sql.NullString
		proofAmount   decimal.NullDecimal
		proofReceived sql.NullTime
		receipt       sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Reference, &p.DebtID, &p.StudentID, &p.ConceptID, &p.Amount,
		&p.BankRoutingID, &p.BankName, &p.AccountHolder, &p.ExpiresAt, &status,
		&linked, &proofTx, &proofAmount, &proofReceived,
		&receipt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PendingPayment{}, ErrNotFound
	}
	if err != nil {
		return model.PendingPayment{}, err
	}

	p.Status = model.PaymentStatus(status)
	if linked.Valid {
		id := linked.UUID
		p.LinkedPaymentID = &id
	}
	if proofTx.Valid {
		proof := &model.ConfirmationProof{BankTransactionID: proofTx.String}
		if proofAmount.Valid {
			amt := proofAmount.Decimal
			proof.Amount = &amt
		}
		if proofReceived.Valid {
			at := proofReceived.Time
			proof.ReceivedAt = &at
		}
		p.Proof = proof
	}
	p.ReceiptHandle = stringPtr(receipt)
	return p, nil
}

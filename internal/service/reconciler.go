package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/school-billing/internal/cache"
	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

// ReceiptIssuer is the external service that turns a settled payment into a
// downloadable receipt.
type ReceiptIssuer interface {
	Issue(ctx context.Context, p model.Payment) (handle string, err error)
}

// PaymentView is what pollers see for a reference.
type PaymentView struct {
	Payment       model.PendingPayment
	ReceiptHandle *string
	PollAfter     time.Duration
}

// Reconciler drives a reference through its lifecycle:
// pending_confirmation -> confirmed -> paid, or pending_confirmation -> expired.
type Reconciler struct {
	payments  repo.PaymentRepository
	issuer    ReceiptIssuer
	receipts  cache.ReceiptCache
	validate  *Validator
	pollAfter time.Duration
	log       *slog.Logger

	now func() time.Time
}

func NewReconciler(
	payments repo.PaymentRepository,
	issuer ReceiptIssuer,
	receipts cache.ReceiptCache,
	validate *Validator,
	pollAfter time.Duration,
	log *slog.Logger,
) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		payments:  payments,
		issuer:    issuer,
		receipts:  receipts,
		validate:  validate,
		pollAfter: pollAfter,
		log:       log,
		now:       time.Now,
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// GetStatus returns the current state of reference, expiring it first if its
// window has passed.
func (r *Reconciler) GetStatus(ctx context.Context, reference string) (PaymentView, error) {
	p, err := r.load(ctx, reference)
	if err != nil {
		return PaymentView{}, err
	}
	p, err = r.expireIfDue(ctx, p)
	if err != nil {
		return PaymentView{}, err
	}
	return r.view(ctx, p), nil
}

// Reconcile records a bank confirmation. Repeating the same confirmation is a
// no-op; a contradicting one is a conflict.
func (r *Reconciler) Reconcile(ctx context.Context, reference string, proof model.ConfirmationProof) (PaymentView, error) {
	if err := r.validate.Struct(proof); err != nil {
		return PaymentView{}, err
	}

	for range 3 {
		p, err := r.load(ctx, reference)
		if err != nil {
			return PaymentView{}, err
		}

		now := r.now()
		if p.ExpiredAt(now) {
			if _, err := expirePending(ctx, r.payments, p, now); err != nil && !errors.Is(err, repo.ErrStaleStatus) {
				return PaymentView{}, err
			}
			p.Status = model.Expired
			return PaymentView{}, r.reject(ctx, p, proof, now, "reference expired at "+p.ExpiresAt.UTC().Format(time.RFC3339))
		}

		if proof.Amount != nil && !proof.Amount.Equal(p.Amount) {
			return PaymentView{}, r.reject(ctx, p, proof, now, fmt.Sprintf("confirmed amount %s differs from %s", proof.Amount.StringFixed(2), p.Amount.StringFixed(2)))
		}

		switch p.Status {
		case model.Confirmed, model.Paid:
			if p.Proof != nil && p.Proof.BankTransactionID == proof.BankTransactionID {
				return r.view(ctx, p), nil
			}
			existing := ""
			if p.Proof != nil {
				existing = p.Proof.BankTransactionID
			}
			return PaymentView{}, r.reject(ctx, p, proof, now, fmt.Sprintf("reference already %s by bank transaction %s", p.Status, existing))
		case model.Expired:
			return PaymentView{}, r.reject(ctx, p, proof, now, "reference is expired")
		}

		next := p
		pr := proof
		next.Proof = &pr
		if err := next.Transition(model.Confirmed, now); err != nil {
			return PaymentView{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		err = r.payments.UpdateStatus(ctx, next, model.PendingConfirmation, "confirmed by bank transaction "+proof.BankTransactionID)
		if errors.Is(err, repo.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return PaymentView{}, fmt.Errorf("confirm reference: %w", err)
		}

		r.log.InfoContext(ctx, "payment reference confirmed",
			"reference", next.Reference,
			"bankTransactionId", proof.BankTransactionID,
		)
		return r.view(ctx, next), nil
	}
	return PaymentView{}, fmt.Errorf("%w: reference %s kept changing", ErrReconciliationConflict, reference)
}

// reject surfaces a contradicting confirmation to operators: it is logged and
// kept on the reference's audit trail, and the caller gets a conflict.
func (r *Reconciler) reject(ctx context.Context, p model.PendingPayment, proof model.ConfirmationProof, now time.Time, reason string) error {
	r.log.WarnContext(ctx, "bank confirmation rejected",
		"reference", p.Reference,
		"bankTransactionId", proof.BankTransactionID,
		"status", p.Status,
		"reason", reason,
	)
	detail := fmt.Sprintf("rejected bank transaction %s: %s", proof.BankTransactionID, reason)
	if err := r.payments.RecordRejection(ctx, p.Reference, p.Status, now, detail); err != nil {
		r.log.ErrorContext(ctx, "rejected confirmation not audited",
			"reference", p.Reference,
			"bankTransactionId", proof.BankTransactionID,
			"err", err,
		)
	}
	return fmt.Errorf("%w: %s: %s", ErrReconciliationConflict, p.Reference, reason)
}

// Settle records the payment for a confirmed reference, marks its debt paid
// and obtains the receipt. Settling a paid reference only retries the receipt.
func (r *Reconciler) Settle(ctx context.Context, reference string) (PaymentView, error) {
	p, err := r.load(ctx, reference)
	if err != nil {
		return PaymentView{}, err
	}
	p, err = r.expireIfDue(ctx, p)
	if err != nil {
		return PaymentView{}, err
	}

	switch p.Status {
	case model.Paid:
		return r.view(ctx, r.ensureReceipt(ctx, p)), nil
	case model.Confirmed:
	default:
		return PaymentView{}, fmt.Errorf("%w: %v", ErrInvalidTransition, &model.TransitionError{From: p.Status, To: model.Paid})
	}

	now := r.now()
	payment := model.Payment{
		ID:        uuid.New(),
		DebtID:    p.DebtID,
		Reference: p.Reference,
		Amount:    p.Amount,
		PaidAt:    now,
	}
	if p.Proof != nil {
		payment.BankTransactionID = p.Proof.BankTransactionID
	}

	next := p
	if err := next.Transition(model.Paid, now); err != nil {
		return PaymentView{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	next.LinkedPaymentID = &payment.ID

	flipped, err := r.payments.Settle(ctx, next, payment)
	if errors.Is(err, repo.ErrStaleStatus) {
		// Someone else settled or changed it first; report their outcome.
		cur, lerr := r.load(ctx, reference)
		if lerr != nil {
			return PaymentView{}, lerr
		}
		if cur.Status == model.Paid {
			return r.view(ctx, r.ensureReceipt(ctx, cur)), nil
		}
		return PaymentView{}, fmt.Errorf("%w: %v", ErrInvalidTransition, &model.TransitionError{From: cur.Status, To: model.Paid})
	}
	if err != nil {
		return PaymentView{}, fmt.Errorf("settle reference: %w", err)
	}
	if !flipped {
		r.log.WarnContext(ctx, "debt was already marked paid", "debtId", p.DebtID, "reference", p.Reference)
	}

	r.log.InfoContext(ctx, "payment settled",
		"reference", next.Reference,
		"paymentId", payment.ID,
		"debtId", next.DebtID,
	)
	return r.view(ctx, r.ensureReceipt(ctx, next)), nil
}

func (r *Reconciler) load(ctx context.Context, reference string) (model.PendingPayment, error) {
	p, err := r.payments.GetByReference(ctx, reference)
	if errors.Is(err, repo.ErrNotFound) {
		return model.PendingPayment{}, ErrReferenceNotFound
	}
	if err != nil {
		return model.PendingPayment{}, fmt.Errorf("load reference: %w", err)
	}
	return p, nil
}

func (r *Reconciler) expireIfDue(ctx context.Context, p model.PendingPayment) (model.PendingPayment, error) {
	now := r.now()
	if !p.ExpiredAt(now) {
		return p, nil
	}
	next, err := expirePending(ctx, r.payments, p, now)
	if errors.Is(err, repo.ErrStaleStatus) {
		return r.load(ctx, p.Reference)
	}
	if err != nil {
		return model.PendingPayment{}, fmt.Errorf("expire reference: %w", err)
	}
	r.log.InfoContext(ctx, "payment reference expired", "reference", p.Reference, "expiresAt", p.ExpiresAt)
	return next, nil
}

// ensureReceipt attaches a receipt handle to a paid record. Failures are
// logged and leave the handle empty so a later settle can retry.
func (r *Reconciler) ensureReceipt(ctx context.Context, p model.PendingPayment) model.PendingPayment {
	if p.ReceiptHandle != nil || p.Status != model.Paid || p.LinkedPaymentID == nil {
		return p
	}

	handle, ok, err := r.receipts.GetReceipt(ctx, p.Reference)
	if err != nil {
		r.log.WarnContext(ctx, "receipt cache read failed", "reference", p.Reference, "err", err)
	}
	if !ok {
		payment := model.Payment{
			ID:        *p.LinkedPaymentID,
			DebtID:    p.DebtID,
			Reference: p.Reference,
			Amount:    p.Amount,
			PaidAt:    p.UpdatedAt,
		}
		if p.Proof != nil {
			payment.BankTransactionID = p.Proof.BankTransactionID
		}
		handle, err = r.issuer.Issue(ctx, payment)
		if err != nil {
			r.log.ErrorContext(ctx, "receipt issue failed", "reference", p.Reference, "err", err)
			return p
		}
		if err := r.receipts.StoreReceipt(ctx, p.Reference, handle); err != nil {
			r.log.WarnContext(ctx, "receipt cache write failed", "reference", p.Reference, "err", err)
		}
	}

	if err := r.payments.SetReceiptHandle(ctx, p.Reference, handle); err != nil {
		r.log.ErrorContext(ctx, "receipt handle not persisted", "reference", p.Reference, "err", err)
		return p
	}
	// The first stored handle wins if two settles raced.
	if cur, err := r.payments.GetByReference(ctx, p.Reference); err == nil {
		return cur
	}
	p.ReceiptHandle = &handle
	return p
}

func (r *Reconciler) view(ctx context.Context, p model.PendingPayment) PaymentView {
	v := PaymentView{
		Payment:       p,
		ReceiptHandle: p.ReceiptHandle,
		PollAfter:     r.pollAfter,
	}
	if v.ReceiptHandle == nil && p.Status == model.Paid {
		if h, ok, err := r.receipts.GetReceipt(ctx, p.Reference); err == nil && ok {
			v.ReceiptHandle = &h
		}
	}
	if p.Status.Terminal() {
		v.PollAfter = 0
	}
	return v
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

const maxIssueAttempts = 5

// BankAccount is the destination account printed on every reference.
type BankAccount struct {
	RoutingID string
	Name      string
	Holder    string
}

type GenerateRequest struct {
	DebtID    string          `json:"debtId" validate:"required,max=64"`
	StudentID string          `json:"studentId" validate:"required,max=64"`
	ConceptID string          `json:"conceptId" validate:"required,max=64"`
	Amount    decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

// ReferenceGenerator issues bank-transfer references for debts. A debt has at
// most one open reference; asking again returns it until it expires.
type ReferenceGenerator struct {
	debts    repo.DebtRepository
	payments repo.PaymentRepository
	node     *snowflake.Node
	bank     BankAccount
	expiry   time.Duration
	validate *Validator
	log      *slog.Logger

	now func() time.Time
}

func NewReferenceGenerator(
	debts repo.DebtRepository,
	payments repo.PaymentRepository,
	node *snowflake.Node,
	bank BankAccount,
	expiry time.Duration,
	validate *Validator,
	log *slog.Logger,
) *ReferenceGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &ReferenceGenerator{
		debts:    debts,
		payments: payments,
		node:     node,
		bank:     bank,
		expiry:   expiry,
		validate: validate,
		log:      log,
		now:      time.Now,
	}
}

func (g *ReferenceGenerator) WithClock(now func() time.Time) *ReferenceGenerator {
	g.now = now
	return g
}

func (g *ReferenceGenerator) Generate(ctx context.Context, req GenerateRequest) (model.PendingPayment, error) {
	if err := g.validate.Struct(req); err != nil {
		return model.PendingPayment{}, err
	}

	debt, err := g.debts.GetDebt(ctx, req.DebtID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.PendingPayment{}, ErrDebtNotFound
	}
	if err != nil {
		return model.PendingPayment{}, fmt.Errorf("load debt: %w", err)
	}
	if debt.Paid {
		return model.PendingPayment{}, ErrDebtAlreadyPaid
	}
	if debt.StudentID != req.StudentID || debt.ConceptID != req.ConceptID {
		return model.PendingPayment{}, ErrDebtMismatch
	}
	if !debt.Amount.Equal(req.Amount) {
		return model.PendingPayment{}, fmt.Errorf("%w: debt is %s, requested %s", ErrAmountMismatch, debt.Amount.StringFixed(2), req.Amount.StringFixed(2))
	}

	for range maxIssueAttempts {
		open, err := g.payments.GetOpenByDebt(ctx, debt.ID)
		switch {
		case err == nil:
			now := g.now()
			if !open.ExpiredAt(now) {
				return open, nil
			}
			// Superseded: the stale reference is closed before a new one is minted.
			if _, err := expirePending(ctx, g.payments, open, now); err != nil && !errors.Is(err, repo.ErrStaleStatus) {
				return model.PendingPayment{}, err
			}
			continue
		case !errors.Is(err, repo.ErrNotFound):
			return model.PendingPayment{}, fmt.Errorf("load open reference: %w", err)
		}

		p, err := g.mint(ctx, debt)
		switch {
		case err == nil:
			g.log.InfoContext(ctx, "payment reference issued",
				"reference", p.Reference,
				"debtId", p.DebtID,
				"expiresAt", p.ExpiresAt,
			)
			return p, nil
		case errors.Is(err, repo.ErrOpenPaymentExists), errors.Is(err, repo.ErrDuplicateReference):
			// Lost a race; the next pass returns the winner or retries with a new id.
			continue
		default:
			return model.PendingPayment{}, err
		}
	}
	return model.PendingPayment{}, fmt.Errorf("issue reference for debt %s: gave up after %d attempts", debt.ID, maxIssueAttempts)
}

func (g *ReferenceGenerator) mint(ctx context.Context, debt model.Debt) (model.PendingPayment, error) {
	ref := g.newReference()
	taken, err := g.payments.ReferenceExists(ctx, ref)
	if err != nil {
		return model.PendingPayment{}, fmt.Errorf("check reference: %w", err)
	}
	if taken {
		return model.PendingPayment{}, repo.ErrDuplicateReference
	}

	now := g.now()
	p := model.PendingPayment{
		ID:            uuid.New(),
		Reference:     ref,
		DebtID:        debt.ID,
		StudentID:     debt.StudentID,
		ConceptID:     debt.ConceptID,
		Amount:        debt.Amount,
		BankRoutingID: g.bank.RoutingID,
		BankName:      g.bank.Name,
		AccountHolder: g.bank.Holder,
		ExpiresAt:     now.Add(g.expiry),
		Status:        model.PendingConfirmation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.payments.CreatePending(ctx, p); err != nil {
		return model.PendingPayment{}, err
	}
	return p, nil
}

// newReference renders a snowflake id in base32, e.g. REF-BFOPZMQ5ZWYYY.
func (g *ReferenceGenerator) newReference() string {
	return "REF-" + strings.ToUpper(g.node.Generate().Base32())
}

// expirePending closes a pending record whose window has passed.
func expirePending(ctx context.Context, payments repo.PaymentRepository, p model.PendingPayment, now time.Time) (model.PendingPayment, error) {
	next := p
	if err := next.Transition(model.Expired, now); err != nil {
		return p, err
	}
	if err := payments.UpdateStatus(ctx, next, model.PendingConfirmation, "expired at "+p.ExpiresAt.UTC().Format(time.RFC3339)); err != nil {
		return p, err
	}
	return next, nil
}

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PendingConfirmation PaymentStatus = "pending_confirmation"
	Confirmed           PaymentStatus = "confirmed"
	Expired             PaymentStatus = "expired"
	Paid                PaymentStatus = "paid"
)

// transitions lists every allowed edge of the payment state machine.
var transitions = map[PaymentStatus][]PaymentStatus{
	PendingConfirmation: {Confirmed, Expired},
	Confirmed:           {Paid},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PendingConfirmation, Confirmed, Expired, Paid:
		return true
	}
	return false
}

func (s PaymentStatus) Terminal() bool {
	return s == Expired || s == Paid
}

// Open reports whether the record still counts as the live payment of its debt.
func (s PaymentStatus) Open() bool {
	return s == PendingConfirmation || s == Confirmed
}

func CanTransition(from, to PaymentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From PaymentStatus
	To   PaymentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid payment transition %s -> %s", e.From, e.To)
}

type ConfirmationProof struct {
	BankTransactionID string           `json:"bankTransactionId" validate:"required,max=64"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	ReceivedAt        *time.Time       `json:"receivedAt,omitempty"`
}

type PendingPayment struct {
	ID            uuid.UUID
	Reference     string
	DebtID        string
	StudentID     string
	ConceptID     string
	Amount        decimal.Decimal
	BankRoutingID string
	BankName      string
	AccountHolder string
	ExpiresAt     time.Time
	Status        PaymentStatus

	LinkedPaymentID *uuid.UUID
	Proof           *ConfirmationProof
	ReceiptHandle   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiredAt reports whether a pending record has outlived its window at now.
// Confirmed records never expire.
func (p PendingPayment) ExpiredAt(now time.Time) bool {
	return p.Status == PendingConfirmation && now.After(p.ExpiresAt)
}

// Transition moves p to the next status, rejecting edges outside the state machine.
func (p *PendingPayment) Transition(to PaymentStatus, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return &TransitionError{From: p.Status, To: to}
	}
	p.Status = to
	p.UpdatedAt = at
	return nil
}

// Payment is the settlement row created when a reference reaches paid.
type Payment struct {
	ID                uuid.UUID
	DebtID            string
	Reference         string
	Amount            decimal.Decimal
	BankTransactionID string
	PaidAt            time.Time
}

type PaymentTransition struct {
	Reference string        `json:"reference"`
	From      PaymentStatus `json:"from"`
	To        PaymentStatus `json:"to"`
	At        time.Time     `json:"at"`
	Detail    string        `json:"detail,omitempty"`
}

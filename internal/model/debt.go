package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Debt is owned by the billing side; this module only reads it and flips Paid.
type Debt struct {
	ID          string
	StudentID   string
	StudentName string
	ConceptID   string
	ConceptName string
	Amount      decimal.Decimal
	DueDate     time.Time
	Paid        bool
}

type GuardianContact struct {
	StudentID string
	Name      string
	Email     string
}

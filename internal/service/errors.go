package service

import "errors"

var (
	ErrDebtNotFound           = errors.New("debt not found")
	ErrDebtAlreadyPaid        = errors.New("debt is already paid")
	ErrDebtMismatch           = errors.New("student or concept does not match the debt")
	ErrAmountMismatch         = errors.New("amount does not match the debt amount")
	ErrReferenceNotFound      = errors.New("payment reference not found")
	ErrReconciliationConflict = errors.New("confirmation conflicts with the payment record")
	ErrInvalidTransition      = errors.New("invalid payment status transition")
	ErrRunNotFound            = errors.New("reminder run not found")
)

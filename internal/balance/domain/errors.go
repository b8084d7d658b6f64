package domain

import (
	"errors"
	"fmt"
)

// Precondition failures. They are returned before any row is written.
var (
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvoiceIsDraft       = errors.New("invoice_is_draft")
	ErrInvoiceDeleted       = errors.New("invoice_deleted")
	ErrInvoiceNotReversable = errors.New("invoice_not_reversable")
	ErrInvoiceNotPayable    = errors.New("invoice_not_payable")
	ErrInvoiceNotCancelable = errors.New("invoice_not_cancelable")
	ErrInvoiceNotCancelled  = errors.New("invoice_not_cancelled")
	ErrInvoiceNotProRatable = errors.New("invoice_not_pro_ratable")
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrPaymentDeleted       = errors.New("payment_deleted")
	ErrClientNotFound       = errors.New("client_not_found")
	ErrClientMismatch       = errors.New("client_mismatch")
	ErrCreditNotFound       = errors.New("credit_not_found")
	ErrQuoteNotFound        = errors.New("quote_not_found")
)

var preconditionErrors = []error{
	ErrInvoiceNotFound,
	ErrInvoiceIsDraft,
	ErrInvoiceDeleted,
	ErrInvoiceNotReversable,
	ErrInvoiceNotPayable,
	ErrInvoiceNotCancelable,
	ErrInvoiceNotCancelled,
	ErrInvoiceNotProRatable,
	ErrPaymentNotFound,
	ErrPaymentDeleted,
	ErrClientNotFound,
	ErrClientMismatch,
	ErrCreditNotFound,
	ErrQuoteNotFound,
}

// ValidationError rejects a request whose input is malformed or exceeds
// what the payment can cover. Op names the operation that rejected it.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: validation failed: %s: %s", e.Op, e.Field, e.Reason)
}

func NewValidationError(op, field, reason string) error {
	return &ValidationError{Op: op, Field: field, Reason: reason}
}

// ConsistencyError aborts the surrounding transaction. Error() stays generic;
// Detail and Err are for server-side logs only.
type ConsistencyError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ConsistencyError) Error() string {
	return "balance consistency violation"
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConsistency(err error) bool {
	var target *ConsistencyError
	return errors.As(err, &target)
}

func IsPrecondition(err error) bool {
	for _, sentinel := range preconditionErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

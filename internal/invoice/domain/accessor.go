package domain

import "github.com/shopspring/decimal"

// PayableAmount returns the amount currently due: the partial-due override
// when one is set, otherwise the balance.
func (d Document) PayableAmount() decimal.Decimal {
	if d.Partial.IsPositive() {
		return d.Partial
	}
	return d.Balance
}

// AmountPaid is what has been collected against the document so far.
func (d Document) AmountPaid() decimal.Decimal {
	return d.Amount.Sub(d.Balance)
}

// AcceptsPayment reports whether payments may be allocated to the document.
func (d Document) AcceptsPayment() bool {
	if d.IsDeleted {
		return false
	}
	switch d.Status {
	case StatusDraft, StatusCancelled, StatusReversed:
		return false
	default:
		return true
	}
}

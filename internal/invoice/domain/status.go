package domain

import (
	"errors"
)

var ErrDraftStatusResolution = errors.New("status_resolution_on_draft")

// resolveStatus derives the lifecycle status from balance against amount.
// CANCELLED and REVERSED are only reached through explicit mutations, and
// negative or inflated balances leave the status untouched.
func resolveStatus(d Document, settled Status) (Status, error) {
	switch d.Status {
	case StatusDraft:
		return d.Status, ErrDraftStatusResolution
	case StatusCancelled, StatusReversed:
		return d.Status, nil
	}

	switch {
	case d.Balance.IsZero():
		return settled, nil
	case d.Amount.Equal(d.Balance):
		return StatusSent, nil
	case d.Balance.IsPositive() && d.Balance.LessThan(d.Amount):
		return StatusPartial, nil
	default:
		return d.Status, nil
	}
}

// UpdateStatus recomputes an invoice status after a balance mutation. It is
// idempotent and rejects drafts, which leave DRAFT only through mark sent.
func UpdateStatus(inv *Invoice) error {
	status, err := resolveStatus(inv.Document, StatusPaid)
	if err != nil {
		return err
	}
	inv.Status = status
	return nil
}

// UpdateCreditStatus is UpdateStatus for credits, whose settled state is APPLIED.
func UpdateCreditStatus(credit *Credit) error {
	status, err := resolveStatus(credit.Document, StatusApplied)
	if err != nil {
		return err
	}
	credit.Status = status
	return nil
}

package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"gorm.io/gorm"
)

// maxRenameAttempts bounds the search for a free "<number>_deleted_<n>".
const maxRenameAttempts = 1000

// MarkInvoiceDeleted soft-deletes an invoice and unwinds everything it
// contributed to the client and its payments. Deleting twice is a no-op.
func (s *Service) MarkInvoiceDeleted(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var result *invoicedomain.Invoice
	err := s.run(ctx, conn, opMarkInvoiceDeleted, func(ctx context.Context, tx *gorm.DB) error {
		client, invoice, err := s.lockClientAndInvoice(ctx, tx, conn.CompanyID, invoiceID)
		if err != nil {
			return err
		}
		result = invoice
		if invoice.IsDeleted {
			return nil
		}
		now := s.now()

		pivots, err := s.paymentRepo.ListPivotsForTarget(ctx, tx, conn.CompanyID, paymentdomain.PaymentableInvoices, invoice.ID)
		if err != nil {
			return err
		}

		adjustment := decimal.Zero
		shares := make(map[snowflake.ID]*allocationShare)
		for _, pivot := range pivots {
			adjustment = adjustment.Add(pivot.Net())
			share, ok := shares[pivot.PaymentID]
			if !ok {
				share = &allocationShare{}
				shares[pivot.PaymentID] = share
			}
			share.add(pivot)
		}
		paymentIDs := make([]snowflake.ID, 0, len(shares))
		for id := range shares {
			paymentIDs = append(paymentIDs, id)
		}
		sort.Slice(paymentIDs, func(i, j int) bool { return paymentIDs[i] < paymentIDs[j] })

		payments, err := s.paymentRepo.LockMany(ctx, tx, conn.CompanyID, paymentIDs)
		if err != nil {
			return err
		}
		// Net of refunds on both sides, so a partly refunded payment that
		// only ever paid this invoice still counts as wholly for it.
		totalPayments := decimal.Zero
		for _, p := range payments {
			totalPayments = totalPayments.Add(p.Amount.Sub(p.Refunded))
		}

		// Payments that were entirely for this invoice go with it; shared
		// payments shrink by this invoice's share and stay alive.
		wholly := len(payments) > 0 && adjustment.Equal(totalPayments)
		for i := range payments {
			payment := &payments[i]
			share := shares[payment.ID]
			if wholly {
				payment.IsDeleted = true
				payment.DeletedAt = &now
			} else {
				payment.Amount = payment.Amount.Sub(share.gross)
				payment.Applied = payment.Applied.Sub(share.gross)
				payment.Refunded = decimal.Max(payment.Refunded.Sub(share.refunded), decimal.Zero)
			}
			payment.UpdatedAt = now
			if err := s.paymentRepo.Save(ctx, tx, payment); err != nil {
				return err
			}
			if net := share.net(); !net.IsZero() {
				notes := fmt.Sprintf("Invoice %s deleted - allocation returned to payment %s", invoice.NumberOrEmpty(), paymentLabel(payment))
				if err := s.appendLedger(ctx, tx, opMarkInvoiceDeleted, conn.CompanyID, ledgerdomain.PaymentOwner(payment.ID), net, notes); err != nil {
					return err
				}
			}
		}

		if err := s.paymentRepo.SoftDeletePivotsForTarget(ctx, tx, conn.CompanyID, paymentdomain.PaymentableInvoices, invoice.ID, now); err != nil {
			return err
		}

		outstanding := invoice.Balance
		client.AdjustBalance(outstanding.Neg(), adjustment.Neg())

		if err := s.renameDeleted(ctx, tx, invoice); err != nil {
			return err
		}
		if err := s.invoiceRepo.DetachInvoice(ctx, tx, conn.CompanyID, invoice.ID); err != nil {
			return err
		}

		invoice.IsDeleted = true
		invoice.DeletedAt = &now
		if err := s.saveInvoice(ctx, tx, invoice); err != nil {
			return err
		}

		owner := ledgerdomain.InvoiceOwner(invoice.ID)
		if !adjustment.IsZero() {
			if err := s.appendLedger(ctx, tx, opMarkInvoiceDeleted, conn.CompanyID, owner, adjustment.Neg(), "Invoice deleted - reducing ledger balance"); err != nil {
				return err
			}
		}
		if !outstanding.IsZero() {
			if err := s.appendLedger(ctx, tx, opMarkInvoiceDeleted, conn.CompanyID, owner, outstanding.Neg(), "Invoice deleted - removing outstanding balance"); err != nil {
				return err
			}
		}

		if err := s.saveClient(ctx, tx, client); err != nil {
			return err
		}
		for i := range payments {
			if err := s.verifyPayment(ctx, tx, opMarkInvoiceDeleted, &payments[i]); err != nil {
				return err
			}
		}
		if err := s.verifyClient(ctx, tx, opMarkInvoiceDeleted, client); err != nil {
			return err
		}

		return s.publish(ctx, tx, conn.CompanyID, events.EventInvoiceDeleted, map[string]any{
			"entity_kind":      string(invoicedomain.EntityInvoice),
			"invoice_id":       invoice.ID.String(),
			"client_id":        invoice.ClientID.String(),
			"number":           invoice.NumberOrEmpty(),
			"paid_adjustment":  adjustment.String(),
			"balance_adjusted": outstanding.String(),
			"payments_deleted": wholly,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// renameDeleted frees the invoice number for reuse: "<n>_<suffix>", then
// "<n>_<suffix>_1", "<n>_<suffix>_2" until one is unused.
func (s *Service) renameDeleted(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	base := invoice.NumberOrEmpty()
	if base == "" {
		return nil
	}
	suffix := s.config().DeletedSuffix

	for x := 0; x < maxRenameAttempts; x++ {
		candidate := fmt.Sprintf("%s_%s", base, suffix)
		if x > 0 {
			candidate = fmt.Sprintf("%s_%s_%d", base, suffix, x)
		}
		available, err := s.numbering.IsAvailable(ctx, tx, invoice.CompanyID, invoicedomain.EntityInvoice, candidate)
		if err != nil {
			return err
		}
		if available {
			invoice.Number = &candidate
			return nil
		}
	}
	return &balancedomain.ConsistencyError{
		Op:     opMarkInvoiceDeleted,
		Detail: fmt.Sprintf("no free deleted number for invoice %s", invoice.ID),
	}
}

// allocationShare is what one payment put into the invoice being deleted.
type allocationShare struct {
	gross    decimal.Decimal
	refunded decimal.Decimal
}

func (a *allocationShare) add(pivot paymentdomain.Paymentable) {
	a.gross = a.gross.Add(pivot.Amount)
	a.refunded = a.refunded.Add(pivot.Refunded)
}

func (a *allocationShare) net() decimal.Decimal {
	return a.gross.Sub(a.refunded)
}

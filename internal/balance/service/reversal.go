package service

import (
	"context"
	"fmt"
	"time"

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

// ReverseInvoice writes off what is still owed on an invoice and turns what
// was collected into a credit. The client's net position does not change.
func (s *Service) ReverseInvoice(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	current, err := s.invoiceRepo.FindInvoice(ctx, conn.DB, conn.CompanyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := reversable(current); err != nil {
		return nil, err
	}

	var result *invoicedomain.Invoice
	err = s.run(ctx, conn, opReverseInvoice, func(ctx context.Context, tx *gorm.DB) error {
		invoice, err := s.reverseInvoice(ctx, tx, conn.CompanyID, invoiceID)
		if err != nil {
			return err
		}
		result = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func reversable(invoice *invoicedomain.Invoice) error {
	switch {
	case invoice == nil:
		return balancedomain.ErrInvoiceNotFound
	case invoice.IsDeleted:
		return balancedomain.ErrInvoiceDeleted
	case invoice.IsDraft():
		return balancedomain.ErrInvoiceIsDraft
	case invoice.Status == invoicedomain.StatusReversed:
		return balancedomain.ErrInvoiceNotReversable
	default:
		return nil
	}
}

func (s *Service) reverseInvoice(ctx context.Context, tx *gorm.DB, companyID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	client, invoice, err := s.lockClientAndInvoice(ctx, tx, companyID, invoiceID)
	if err != nil {
		return nil, err
	}
	// The pre-check ran outside the transaction; the status may have moved since.
	if err := reversable(invoice); err != nil {
		return nil, err
	}

	if invoice.Status == invoicedomain.StatusCancelled {
		if err := s.restoreCancellation(ctx, tx, opReverseInvoice, client, invoice); err != nil {
			return nil, err
		}
	}

	now := s.now()
	balanceRemaining := invoice.Balance
	totalPaid := invoice.AmountPaid()

	pivots, err := s.paymentRepo.ListPivotsForTarget(ctx, tx, companyID, paymentdomain.PaymentableInvoices, invoice.ID)
	if err != nil {
		return nil, err
	}
	// Net allocation pulled back from each payment, in payment id order.
	returned := make(map[snowflake.ID]decimal.Decimal)
	var paymentOrder []snowflake.ID
	for i := range pivots {
		pivot := &pivots[i]
		reduction := pivot.Net()
		if !reduction.IsPositive() {
			continue
		}
		if _, ok := returned[pivot.PaymentID]; !ok {
			paymentOrder = append(paymentOrder, pivot.PaymentID)
		}
		returned[pivot.PaymentID] = returned[pivot.PaymentID].Add(reduction)

		pivot.Amount = pivot.Refunded
		pivot.UpdatedAt = now
		if err := s.paymentRepo.SavePivot(ctx, tx, pivot); err != nil {
			return nil, err
		}
	}

	notes := fmt.Sprintf("Credit for reversal of %s", invoice.NumberOrEmpty())
	var credit *invoicedomain.Credit
	if totalPaid.IsPositive() {
		credit, err = s.createReversalCredit(ctx, tx, invoice, totalPaid, notes, now)
		if err != nil {
			return nil, err
		}
		if err := s.markCreditSent(ctx, tx, opReverseInvoice, client, credit); err != nil {
			return nil, err
		}
		credit.PaidToDate = totalPaid
		credit.UpdatedAt = now
		if err := s.invoiceRepo.SaveCredit(ctx, tx, credit); err != nil {
			return nil, err
		}

		// Payments keep their applied total: what left the invoice now backs the credit.
		for _, paymentID := range paymentOrder {
			if err := s.paymentRepo.InsertPivot(ctx, tx, &paymentdomain.Paymentable{
				ID:              s.genID.Generate(),
				CompanyID:       companyID,
				PaymentID:       paymentID,
				PaymentableType: paymentdomain.PaymentableCredits,
				PaymentableID:   credit.ID,
				Amount:          returned[paymentID],
				Refunded:        decimal.Zero,
				CreatedAt:       now,
				UpdatedAt:       now,
			}); err != nil {
				return nil, err
			}
		}
	}

	invoice.Balance = decimal.Zero
	invoice.Partial = decimal.Zero
	invoice.PartialDueDate = nil
	invoice.PaidToDate = decimal.Zero
	invoice.Status = invoicedomain.StatusReversed
	if err := s.saveInvoice(ctx, tx, invoice); err != nil {
		return nil, err
	}
	if !balanceRemaining.IsZero() {
		if err := s.appendLedger(ctx, tx, opReverseInvoice, companyID, ledgerdomain.InvoiceOwner(invoice.ID), balanceRemaining.Neg(), notes); err != nil {
			return nil, err
		}
	}

	client.AdjustBalance(balanceRemaining.Neg(), totalPaid.Neg())
	if err := s.saveClient(ctx, tx, client); err != nil {
		return nil, err
	}

	if len(paymentOrder) > 0 {
		payments, err := s.paymentRepo.LockMany(ctx, tx, companyID, paymentOrder)
		if err != nil {
			return nil, err
		}
		for i := range payments {
			if err := s.verifyPayment(ctx, tx, opReverseInvoice, &payments[i]); err != nil {
				return nil, err
			}
		}
	}
	if err := s.verifyClient(ctx, tx, opReverseInvoice, client); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"entity_kind":     string(invoicedomain.EntityInvoice),
		"invoice_id":      invoice.ID.String(),
		"client_id":       invoice.ClientID.String(),
		"balance_written": balanceRemaining.String(),
		"total_paid":      totalPaid.String(),
	}
	if credit != nil {
		payload["credit_id"] = credit.ID.String()
		if err := s.publish(ctx, tx, companyID, events.EventCreditCreated, map[string]any{
			"entity_kind": string(invoicedomain.EntityCredit),
			"credit_id":   credit.ID.String(),
			"invoice_id":  invoice.ID.String(),
			"client_id":   credit.ClientID.String(),
			"amount":      credit.Amount.String(),
		}); err != nil {
			return nil, err
		}
	}
	if err := s.publish(ctx, tx, companyID, events.EventInvoiceReversed, payload); err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Service) createReversalCredit(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, amount decimal.Decimal, notes string, now time.Time) (*invoicedomain.Credit, error) {
	invoiceID := invoice.ID
	credit := &invoicedomain.Credit{
		Document: invoicedomain.Document{
			ID:         s.genID.Generate(),
			CompanyID:  invoice.CompanyID,
			ClientID:   invoice.ClientID,
			Status:     invoicedomain.StatusDraft,
			Date:       now,
			Amount:     amount,
			Balance:    decimal.Zero,
			Partial:    decimal.Zero,
			PaidToDate: decimal.Zero,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		InvoiceID: &invoiceID,
		Lines: []invoicedomain.LineItem{
			invoicedomain.NewLineItem("", notes, decimal.NewFromInt(1), amount),
		},
	}
	if err := s.invoiceRepo.CreateCredit(ctx, tx, credit); err != nil {
		return nil, err
	}
	return credit, nil
}

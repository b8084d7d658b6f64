package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"github.com/smallbiznis/invoicebalance/pkg/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) ApplyPayment(ctx context.Context, conn tenant.Conn, req balancedomain.ApplyPaymentRequest) (*paymentdomain.Payment, error) {
	allocations, err := normalizeAllocations(req)
	if err != nil {
		return nil, err
	}

	var result *paymentdomain.Payment
	err = s.run(ctx, conn, opApplyPayment, func(ctx context.Context, tx *gorm.DB) error {
		payment, err := s.applyPayment(ctx, tx, conn.CompanyID, req.PaymentID, allocations)
		if err != nil {
			return err
		}
		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// normalizeAllocations validates the request and folds the gateway fee into
// the fee-bearing invoice's allocation.
func normalizeAllocations(req balancedomain.ApplyPaymentRequest) ([]balancedomain.Allocation, error) {
	if req.PaymentID == 0 {
		return nil, balancedomain.NewValidationError(opApplyPayment, "payment_id", "is required")
	}
	if len(req.Allocations) == 0 {
		return nil, balancedomain.NewValidationError(opApplyPayment, "allocations", "at least one allocation is required")
	}
	if req.FeeTotal.IsNegative() {
		return nil, balancedomain.NewValidationError(opApplyPayment, "fee_total", "must not be negative")
	}
	if req.FeeTotal.IsPositive() && req.FeeInvoiceID == nil {
		return nil, balancedomain.NewValidationError(opApplyPayment, "fee_invoice_id", "is required when fee_total is set")
	}

	seen := make(map[snowflake.ID]struct{}, len(req.Allocations))
	out := make([]balancedomain.Allocation, 0, len(req.Allocations)+1)
	for i, alloc := range req.Allocations {
		field := fmt.Sprintf("allocations[%d]", i)
		if alloc.InvoiceID == 0 {
			return nil, balancedomain.NewValidationError(opApplyPayment, field+".invoice_id", "is required")
		}
		if !alloc.Amount.IsPositive() {
			return nil, balancedomain.NewValidationError(opApplyPayment, field+".amount", "must be greater than zero")
		}
		if _, dup := seen[alloc.InvoiceID]; dup {
			return nil, balancedomain.NewValidationError(opApplyPayment, field+".invoice_id", "invoice allocated more than once")
		}
		seen[alloc.InvoiceID] = struct{}{}
		out = append(out, alloc)
	}

	if req.FeeInvoiceID != nil && req.FeeTotal.IsPositive() {
		feeInvoiceID := *req.FeeInvoiceID
		folded := false
		for i := range out {
			if out[i].InvoiceID == feeInvoiceID {
				out[i].Amount = out[i].Amount.Add(req.FeeTotal)
				folded = true
				break
			}
		}
		if !folded {
			out = append(out, balancedomain.Allocation{InvoiceID: feeInvoiceID, Amount: req.FeeTotal})
		}
	}
	return out, nil
}

func (s *Service) applyPayment(
	ctx context.Context,
	tx *gorm.DB,
	companyID snowflake.ID,
	paymentID snowflake.ID,
	allocations []balancedomain.Allocation,
) (*paymentdomain.Payment, error) {
	payment, err := s.paymentRepo.FindByID(ctx, tx, companyID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, balancedomain.ErrPaymentNotFound
	}

	// Lock order: client, invoices by ascending id, then the payment.
	client, err := s.lockClient(ctx, tx, companyID, payment.ClientID)
	if err != nil {
		return nil, err
	}

	ids := make([]snowflake.ID, 0, len(allocations))
	for _, alloc := range allocations {
		ids = append(ids, alloc.InvoiceID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked, err := s.invoiceRepo.LockInvoices(ctx, tx, companyID, ids)
	if err != nil {
		return nil, err
	}
	invoices := make(map[snowflake.ID]*invoicedomain.Invoice, len(locked))
	for i := range locked {
		invoices[locked[i].ID] = &locked[i]
	}

	payment, err = s.paymentRepo.FindByIDForUpdate(ctx, tx, companyID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, balancedomain.ErrPaymentNotFound
	}
	if payment.IsDeleted {
		return nil, balancedomain.ErrPaymentDeleted
	}

	requested := decimal.Zero
	for _, alloc := range allocations {
		requested = requested.Add(alloc.Amount)
	}
	if requested.GreaterThan(payment.Unapplied()) {
		return nil, balancedomain.NewValidationError(opApplyPayment, "allocations", "allocated total exceeds the unapplied payment amount")
	}

	for _, alloc := range allocations {
		invoice, ok := invoices[alloc.InvoiceID]
		if !ok {
			return nil, balancedomain.ErrInvoiceNotFound
		}
		if invoice.ClientID != payment.ClientID {
			return nil, balancedomain.ErrClientMismatch
		}
		switch {
		case invoice.IsDeleted:
			return nil, balancedomain.ErrInvoiceDeleted
		case invoice.IsDraft():
			return nil, balancedomain.ErrInvoiceIsDraft
		case !invoice.AcceptsPayment():
			return nil, balancedomain.ErrInvoiceNotPayable
		}
	}

	precision := s.config().PrecisionFor(client.CurrencyCode)
	now := s.now()
	totalApplied := decimal.Zero
	touched := make([]map[string]any, 0, len(allocations))

	for _, alloc := range allocations {
		invoice := invoices[alloc.InvoiceID]

		requestedAmount := money.Round(alloc.Amount, precision)
		payable := invoice.PayableAmount()
		applied := money.Min(requestedAmount, payable)
		capped := requestedAmount.GreaterThan(payable)
		s.obsMetrics.RecordAllocation(ctx, capped)
		if capped {
			s.log.Info("allocation capped at payable amount",
				zap.String("invoice_id", invoice.ID.String()),
				zap.String("requested", requestedAmount.String()),
				zap.String("payable", payable.String()),
			)
		}
		if !applied.IsPositive() {
			continue
		}
		// Re-checked under the invoice row lock so concurrent payments cannot jointly overshoot.
		if invoice.Balance.Sub(applied).IsNegative() {
			return nil, &balancedomain.ConsistencyError{
				Op:     opApplyPayment,
				Detail: fmt.Sprintf("invoice %s balance %s cannot absorb %s", invoice.ID, invoice.Balance, applied),
			}
		}

		if err := s.allocate(ctx, tx, payment, applied, invoice.ID, now); err != nil {
			return nil, err
		}

		invoice.Partial = decimal.Zero
		invoice.PartialDueDate = nil
		invoice.Balance = invoice.Balance.Sub(applied)
		invoice.PaidToDate = invoice.PaidToDate.Add(applied)
		if err := invoicedomain.UpdateStatus(invoice); err != nil {
			return nil, err
		}
		if err := s.saveInvoice(ctx, tx, invoice); err != nil {
			return nil, err
		}

		notes := fmt.Sprintf("Payment %s applied to invoice %s", paymentLabel(payment), invoice.NumberOrEmpty())
		if err := s.appendLedger(ctx, tx, opApplyPayment, companyID, ledgerdomain.PaymentOwner(payment.ID), applied.Neg(), notes); err != nil {
			return nil, err
		}

		client.AdjustBalance(applied.Neg(), applied)
		payment.Applied = payment.Applied.Add(applied)
		totalApplied = totalApplied.Add(applied)

		touched = append(touched, map[string]any{
			"invoice_id": invoice.ID.String(),
			"amount":     applied.String(),
			"status":     string(invoice.Status),
		})
		if err := s.publish(ctx, tx, companyID, events.EventInvoiceUpdated, map[string]any{
			"entity_kind": string(invoicedomain.EntityInvoice),
			"invoice_id":  invoice.ID.String(),
			"client_id":   invoice.ClientID.String(),
			"balance":     invoice.Balance.String(),
			"status":      string(invoice.Status),
		}); err != nil {
			return nil, err
		}
	}

	payment.UpdatedAt = now
	if err := s.paymentRepo.Save(ctx, tx, payment); err != nil {
		return nil, err
	}
	if err := s.saveClient(ctx, tx, client); err != nil {
		return nil, err
	}

	if err := s.verifyPayment(ctx, tx, opApplyPayment, payment); err != nil {
		return nil, err
	}
	if err := s.verifyClient(ctx, tx, opApplyPayment, client); err != nil {
		return nil, err
	}

	if err := s.publish(ctx, tx, companyID, events.EventPaymentApplied, map[string]any{
		"payment_id":  payment.ID.String(),
		"client_id":   payment.ClientID.String(),
		"applied":     totalApplied.String(),
		"allocations": touched,
	}); err != nil {
		return nil, err
	}
	return payment, nil
}

// allocate records applied on the payment's pivot row for the invoice,
// adding to an existing allocation from an earlier application.
func (s *Service) allocate(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, applied decimal.Decimal, invoiceID snowflake.ID, now time.Time) error {
	pivot, err := s.paymentRepo.FindPivot(ctx, tx, payment.CompanyID, payment.ID, paymentdomain.PaymentableInvoices, invoiceID)
	if err != nil {
		return err
	}
	if pivot == nil {
		return s.paymentRepo.InsertPivot(ctx, tx, &paymentdomain.Paymentable{
			ID:              s.genID.Generate(),
			CompanyID:       payment.CompanyID,
			PaymentID:       payment.ID,
			PaymentableType: paymentdomain.PaymentableInvoices,
			PaymentableID:   invoiceID,
			Amount:          applied,
			Refunded:        decimal.Zero,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	pivot.Amount = pivot.Amount.Add(applied)
	pivot.UpdatedAt = now
	return s.paymentRepo.SavePivot(ctx, tx, pivot)
}

func paymentLabel(payment *paymentdomain.Payment) string {
	if payment.Number != nil && *payment.Number != "" {
		return *payment.Number
	}
	return payment.ID.String()
}

package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	clientdomain "github.com/smallbiznis/invoicebalance/internal/client/domain"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"gorm.io/gorm"
)

// MarkSent moves a draft invoice into the receivable set. Non-draft invoices
// are returned unchanged.
func (s *Service) MarkSent(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var result *invoicedomain.Invoice
	err := s.run(ctx, conn, opMarkSent, func(ctx context.Context, tx *gorm.DB) error {
		client, invoice, err := s.lockClientAndInvoice(ctx, tx, conn.CompanyID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.IsDeleted {
			return balancedomain.ErrInvoiceDeleted
		}
		result = invoice
		if !invoice.IsDraft() {
			return nil
		}

		if err := s.ensureInvitations(ctx, tx, conn.CompanyID, invoicedomain.EntityInvoice, invoice.ID); err != nil {
			return err
		}
		if err := s.assignNumber(ctx, tx, &invoice.Document, invoicedomain.EntityInvoice); err != nil {
			return err
		}
		if invoice.DueDate == nil && client.PaymentTerms > 0 {
			due := invoice.Date.AddDate(0, 0, client.PaymentTerms)
			invoice.DueDate = &due
		}

		invoice.Status = invoicedomain.StatusSent
		invoice.Balance = invoice.Balance.Add(invoice.Amount)
		if err := s.saveInvoice(ctx, tx, invoice); err != nil {
			return err
		}

		notes := fmt.Sprintf("Invoice %s marked as sent.", invoice.NumberOrEmpty())
		if err := s.appendLedger(ctx, tx, opMarkSent, conn.CompanyID, ledgerdomain.InvoiceOwner(invoice.ID), invoice.Amount, notes); err != nil {
			return err
		}

		client.AdjustBalance(invoice.Amount, decimal.Zero)
		if err := s.saveClient(ctx, tx, client); err != nil {
			return err
		}
		if err := s.verifyClient(ctx, tx, opMarkSent, client); err != nil {
			return err
		}

		return s.publish(ctx, tx, conn.CompanyID, events.EventInvoiceMarkedSent, map[string]any{
			"entity_kind": string(invoicedomain.EntityInvoice),
			"invoice_id":  invoice.ID.String(),
			"client_id":   invoice.ClientID.String(),
			"number":      invoice.NumberOrEmpty(),
			"amount":      invoice.Amount.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkCreditSent opens a draft credit for use: its balance becomes available
// on the client's credit balance.
func (s *Service) MarkCreditSent(ctx context.Context, conn tenant.Conn, creditID snowflake.ID) (*invoicedomain.Credit, error) {
	var result *invoicedomain.Credit
	err := s.run(ctx, conn, opMarkCreditSent, func(ctx context.Context, tx *gorm.DB) error {
		found, err := s.invoiceRepo.FindCredit(ctx, tx, conn.CompanyID, creditID)
		if err != nil {
			return err
		}
		if found == nil {
			return balancedomain.ErrCreditNotFound
		}
		client, err := s.lockClient(ctx, tx, conn.CompanyID, found.ClientID)
		if err != nil {
			return err
		}
		credit, err := s.invoiceRepo.LockCredit(ctx, tx, conn.CompanyID, creditID)
		if err != nil {
			return err
		}
		result = credit
		if credit.IsDeleted || !credit.IsDraft() {
			return nil
		}
		if err := s.markCreditSent(ctx, tx, opMarkCreditSent, client, credit); err != nil {
			return err
		}
		return s.saveClient(ctx, tx, client)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// markCreditSent expects the client row to be locked already. It saves the
// credit and adjusts the client in memory; the caller saves the client.
func (s *Service) markCreditSent(ctx context.Context, tx *gorm.DB, op string, client *clientdomain.Client, credit *invoicedomain.Credit) error {
	if err := s.ensureInvitations(ctx, tx, credit.CompanyID, invoicedomain.EntityCredit, credit.ID); err != nil {
		return err
	}
	if err := s.assignNumber(ctx, tx, &credit.Document, invoicedomain.EntityCredit); err != nil {
		return err
	}

	credit.Status = invoicedomain.StatusSent
	credit.Balance = credit.Balance.Add(credit.Amount)
	credit.UpdatedAt = s.now()
	if err := s.invoiceRepo.SaveCredit(ctx, tx, credit); err != nil {
		return err
	}

	notes := fmt.Sprintf("Credit %s marked as sent.", credit.NumberOrEmpty())
	if err := s.appendLedger(ctx, tx, op, credit.CompanyID, ledgerdomain.CreditOwner(credit.ID), credit.Amount, notes); err != nil {
		return err
	}

	client.CreditBalance = client.CreditBalance.Add(credit.Amount)
	return s.publish(ctx, tx, credit.CompanyID, events.EventCreditMarkedSent, map[string]any{
		"entity_kind": string(invoicedomain.EntityCredit),
		"credit_id":   credit.ID.String(),
		"client_id":   credit.ClientID.String(),
		"number":      credit.NumberOrEmpty(),
		"amount":      credit.Amount.String(),
	})
}

// MarkQuoteSent numbers a draft quote and sets its validity date. Quotes
// carry no receivable balance.
func (s *Service) MarkQuoteSent(ctx context.Context, conn tenant.Conn, quoteID snowflake.ID) (*invoicedomain.Quote, error) {
	var result *invoicedomain.Quote
	err := s.run(ctx, conn, opMarkQuoteSent, func(ctx context.Context, tx *gorm.DB) error {
		quote, err := s.invoiceRepo.LockQuote(ctx, tx, conn.CompanyID, quoteID)
		if err != nil {
			return err
		}
		if quote == nil {
			return balancedomain.ErrQuoteNotFound
		}
		result = quote
		if quote.IsDeleted || !quote.IsDraft() {
			return nil
		}

		client, err := s.clientRepo.FindByID(ctx, tx, conn.CompanyID, quote.ClientID)
		if err != nil {
			return err
		}
		if client == nil {
			return balancedomain.ErrClientNotFound
		}

		if err := s.ensureInvitations(ctx, tx, conn.CompanyID, invoicedomain.EntityQuote, quote.ID); err != nil {
			return err
		}
		if quote.DueDate == nil && client.QuoteValidUntil > 0 {
			validUntil := quote.Date.AddDate(0, 0, client.QuoteValidUntil)
			quote.DueDate = &validUntil
		}
		if err := s.assignNumber(ctx, tx, &quote.Document, invoicedomain.EntityQuote); err != nil {
			return err
		}
		quote.Status = invoicedomain.StatusSent
		quote.UpdatedAt = s.now()
		if err := s.invoiceRepo.SaveQuote(ctx, tx, quote); err != nil {
			return err
		}

		return s.publish(ctx, tx, conn.CompanyID, events.EventQuoteMarkedSent, map[string]any{
			"entity_kind": string(invoicedomain.EntityQuote),
			"quote_id":    quote.ID.String(),
			"client_id":   quote.ClientID.String(),
			"number":      quote.NumberOrEmpty(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

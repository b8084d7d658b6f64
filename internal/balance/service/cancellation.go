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

// CancelInvoice writes off the outstanding balance of a sent or partially
// paid invoice. What it changed is kept on the invoice so the cancellation
// can be reversed.
func (s *Service) CancelInvoice(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var result *invoicedomain.Invoice
	err := s.run(ctx, conn, opCancelInvoice, func(ctx context.Context, tx *gorm.DB) error {
		client, invoice, err := s.lockClientAndInvoice(ctx, tx, conn.CompanyID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.IsDeleted {
			return balancedomain.ErrInvoiceDeleted
		}
		if invoice.Status != invoicedomain.StatusSent && invoice.Status != invoicedomain.StatusPartial {
			return balancedomain.ErrInvoiceNotCancelable
		}

		writeOff := invoice.Balance
		invoice.Backup = invoicedomain.NewCancellationBackup(invoice.Document)
		invoice.Balance = decimal.Zero
		invoice.Partial = decimal.Zero
		invoice.PartialDueDate = nil
		invoice.Status = invoicedomain.StatusCancelled
		if err := s.saveInvoice(ctx, tx, invoice); err != nil {
			return err
		}

		notes := fmt.Sprintf("Invoice %s cancelled.", invoice.NumberOrEmpty())
		if err := s.appendLedger(ctx, tx, opCancelInvoice, conn.CompanyID, ledgerdomain.InvoiceOwner(invoice.ID), writeOff.Neg(), notes); err != nil {
			return err
		}

		client.AdjustBalance(writeOff.Neg(), decimal.Zero)
		if err := s.saveClient(ctx, tx, client); err != nil {
			return err
		}
		if err := s.verifyClient(ctx, tx, opCancelInvoice, client); err != nil {
			return err
		}

		result = invoice
		return s.publish(ctx, tx, conn.CompanyID, events.EventInvoiceCancelled, map[string]any{
			"entity_kind": string(invoicedomain.EntityInvoice),
			"invoice_id":  invoice.ID.String(),
			"client_id":   invoice.ClientID.String(),
			"written_off": writeOff.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) ReverseCancellation(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var result *invoicedomain.Invoice
	err := s.run(ctx, conn, opReverseCancellation, func(ctx context.Context, tx *gorm.DB) error {
		client, invoice, err := s.lockClientAndInvoice(ctx, tx, conn.CompanyID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.IsDeleted {
			return balancedomain.ErrInvoiceDeleted
		}
		if invoice.Status != invoicedomain.StatusCancelled {
			return balancedomain.ErrInvoiceNotCancelled
		}
		if err := s.restoreCancellation(ctx, tx, opReverseCancellation, client, invoice); err != nil {
			return err
		}
		if err := s.saveClient(ctx, tx, client); err != nil {
			return err
		}
		if err := s.verifyClient(ctx, tx, opReverseCancellation, client); err != nil {
			return err
		}
		result = invoice
		return s.publish(ctx, tx, conn.CompanyID, events.EventInvoiceRestored, map[string]any{
			"entity_kind": string(invoicedomain.EntityInvoice),
			"invoice_id":  invoice.ID.String(),
			"client_id":   invoice.ClientID.String(),
			"balance":     invoice.Balance.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// restoreCancellation puts back the balance, partial and status saved by
// CancelInvoice. The client is adjusted in memory; the caller saves it.
func (s *Service) restoreCancellation(ctx context.Context, tx *gorm.DB, op string, client *clientdomain.Client, invoice *invoicedomain.Invoice) error {
	backup := invoice.Backup.Data()
	if !backup.Cancelled {
		return &balancedomain.ConsistencyError{
			Op:     op,
			Detail: fmt.Sprintf("invoice %s is cancelled but carries no cancellation backup", invoice.ID),
		}
	}

	invoice.Balance = backup.Balance
	invoice.Partial = backup.Partial
	invoice.PartialDueDate = backup.PartialDueDate
	invoice.Status = backup.Status
	invoice.Backup = invoicedomain.ClearedCancellationBackup()
	if err := s.saveInvoice(ctx, tx, invoice); err != nil {
		return err
	}

	notes := fmt.Sprintf("Cancellation of invoice %s reversed.", invoice.NumberOrEmpty())
	if err := s.appendLedger(ctx, tx, op, invoice.CompanyID, ledgerdomain.InvoiceOwner(invoice.ID), backup.Balance, notes); err != nil {
		return err
	}

	client.AdjustBalance(backup.Balance, decimal.Zero)
	return nil
}

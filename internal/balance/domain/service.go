// Package domain declares the balance mutation engine: every operation that
// changes what a client owes runs in one transaction on the company's
// connection and leaves client.balance equal to the sum of its live invoice
// balances.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
)

// Allocation assigns part of a payment to one invoice.
type Allocation struct {
	InvoiceID snowflake.ID
	Amount    decimal.Decimal
}

type ApplyPaymentRequest struct {
	PaymentID   snowflake.ID
	Allocations []Allocation
	// FeeInvoiceID receives FeeTotal on top of its allocation.
	FeeInvoiceID *snowflake.ID
	FeeTotal     decimal.Decimal
}

type Service interface {
	// ApplyPayment allocates a payment across invoices. Each allocation is
	// capped at the invoice's payable amount; any excess stays unapplied on
	// the payment. The engine does not deduplicate: applying the same request
	// twice applies it twice.
	ApplyPayment(ctx context.Context, conn tenant.Conn, req ApplyPaymentRequest) (*paymentdomain.Payment, error)
	ReverseInvoice(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error)
	MarkInvoiceDeleted(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error)
	MarkSent(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error)
	MarkCreditSent(ctx context.Context, conn tenant.Conn, creditID snowflake.ID) (*invoicedomain.Credit, error)
	MarkQuoteSent(ctx context.Context, conn tenant.Conn, quoteID snowflake.ID) (*invoicedomain.Quote, error)
	CancelInvoice(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error)
	ReverseCancellation(ctx context.Context, conn tenant.Conn, invoiceID snowflake.ID) (*invoicedomain.Invoice, error)
	// VerifyClient checks client.balance against its live invoices.
	VerifyClient(ctx context.Context, conn tenant.Conn, clientID snowflake.ID) error
}

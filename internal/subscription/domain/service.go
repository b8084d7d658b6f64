package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"gorm.io/gorm"
)

type Service interface {
	// ProRate bills a plan change against the last invoice of the current
	// plan. It produces either an invoice or a credit, never both, and
	// marks the document sent in the same transaction.
	ProRate(ctx context.Context, conn tenant.Conn, req ProRateRequest) (*ProRateResult, error)
	// CalculateUpgradePrice returns nil when the client has more than one
	// outstanding invoice on the recurring invoice's subscription.
	CalculateUpgradePrice(ctx context.Context, conn tenant.Conn, recurringID, targetID snowflake.ID) (*decimal.Decimal, error)
	CancellationRefund(ctx context.Context, conn tenant.Conn, subscriptionID, clientID snowflake.ID) (RefundDecision, error)
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// LatestInvoice returns the newest non-deleted invoice billed on the
	// subscription to the client.
	LatestInvoice(ctx context.Context, db *gorm.DB, companyID, subscriptionID, clientID snowflake.ID) (*invoicedomain.Invoice, error)
}

type ProRateRequest struct {
	LastInvoiceID        snowflake.ID
	TargetSubscriptionID snowflake.ID
}

type ProRateResult struct {
	Invoice *invoicedomain.Invoice
	Credit  *invoicedomain.Credit
	Charge  decimal.Decimal
	Refund  decimal.Decimal
	Total   decimal.Decimal
}

type RefundDecision struct {
	InvoiceID snowflake.ID
	Eligible  bool
	Amount    decimal.Decimal
}

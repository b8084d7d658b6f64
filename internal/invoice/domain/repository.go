package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads and writes documents on whatever *gorm.DB it is handed,
// so callers decide whether it joins an open transaction.
type Repository interface {
	FindInvoice(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Invoice, error)
	LockInvoice(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Invoice, error)
	LockInvoices(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID) ([]Invoice, error)
	CreateInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	SaveInvoice(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	ListLiveInvoices(ctx context.Context, db *gorm.DB, companyID, clientID snowflake.ID) ([]Invoice, error)
	ListOutstandingBySubscription(ctx context.Context, db *gorm.DB, companyID, subscriptionID snowflake.ID) ([]Invoice, error)

	FindCredit(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Credit, error)
	LockCredit(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Credit, error)
	CreateCredit(ctx context.Context, db *gorm.DB, credit *Credit) error
	SaveCredit(ctx context.Context, db *gorm.DB, credit *Credit) error

	FindQuote(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Quote, error)
	LockQuote(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Quote, error)
	SaveQuote(ctx context.Context, db *gorm.DB, quote *Quote) error

	FindRecurring(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*RecurringInvoice, error)

	// NumberTaken reports whether any document of kind, deleted ones included, uses number.
	NumberTaken(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind EntityKind, number string) (bool, error)

	CountInvitations(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind EntityKind, entityID snowflake.ID) (int64, error)
	CreateInvitation(ctx context.Context, db *gorm.DB, invitation *Invitation) error
	MarkInvitationsSent(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind EntityKind, entityID snowflake.ID, at time.Time) error

	// DetachInvoice nulls task and expense references to a deleted invoice.
	DetachInvoice(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) error
}

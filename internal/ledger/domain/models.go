// Package domain defines the append-only balance ledger. Each invoice,
// payment and credit owns its own sequence of entries; every entry carries
// the signed adjustment and the running balance after it. Rows are never
// updated or deleted and are not the source of truth for current balances.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OwnerType string

const (
	OwnerInvoice OwnerType = "invoice"
	OwnerPayment OwnerType = "payment"
	OwnerCredit  OwnerType = "credit"
)

func (t OwnerType) Valid() bool {
	switch t {
	case OwnerInvoice, OwnerPayment, OwnerCredit:
		return true
	default:
		return false
	}
}

// Owner identifies the entity whose ledger an entry belongs to.
type Owner struct {
	Type OwnerType
	ID   snowflake.ID
}

func InvoiceOwner(id snowflake.ID) Owner { return Owner{Type: OwnerInvoice, ID: id} }
func PaymentOwner(id snowflake.ID) Owner { return Owner{Type: OwnerPayment, ID: id} }
func CreditOwner(id snowflake.ID) Owner  { return Owner{Type: OwnerCredit, ID: id} }

type LedgerEntry struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	CompanyID      snowflake.ID    `gorm:"not null;index"`
	OwnerType      OwnerType       `gorm:"type:text;not null;index:idx_ledger_entries_owner,priority:1"`
	OwnerID        snowflake.ID    `gorm:"not null;index:idx_ledger_entries_owner,priority:2"`
	Adjustment     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	RunningBalance decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Notes          string          `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Service appends to and reads owner ledgers. Append must run on the same
// transaction as the balance mutation it documents.
type Service interface {
	Append(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, owner Owner, adjustment decimal.Decimal, notes string) (*LedgerEntry, error)
	History(ctx context.Context, db *gorm.DB, companyID snowflake.ID, owner Owner) ([]LedgerEntry, error)
	Balance(ctx context.Context, db *gorm.DB, companyID snowflake.ID, owner Owner) (decimal.Decimal, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidOwner        = errors.New("invalid_ledger_owner")
)

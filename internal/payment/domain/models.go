package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusRefunded          Status = "REFUNDED"
)

// Payment is money received from a client. Applied is the portion allocated
// to invoices and credits and always equals the sum of its live pivots.
type Payment struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	CompanyID snowflake.ID    `gorm:"not null;index"`
	ClientID  snowflake.ID    `gorm:"not null;index"`
	Number    *string         `gorm:"type:text;index"`
	Status    Status          `gorm:"type:text;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Applied   decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Refunded  decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Date      time.Time       `gorm:"not null"`
	IsDeleted bool            `gorm:"not null;index"`
	DeletedAt *time.Time      `gorm:""`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// Unapplied is the part of the payment not yet allocated to any document.
func (p Payment) Unapplied() decimal.Decimal {
	return p.Amount.Sub(p.Applied)
}

// PaymentableType names the document table a pivot row points at.
type PaymentableType string

const (
	PaymentableInvoices PaymentableType = "invoices"
	PaymentableCredits  PaymentableType = "credits"
)

// Paymentable records one allocation of a payment to an invoice or credit.
// Deleted rows are soft-deleted and drop out of default queries.
type Paymentable struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	CompanyID       snowflake.ID    `gorm:"not null;index"`
	PaymentID       snowflake.ID    `gorm:"not null;index"`
	PaymentableType PaymentableType `gorm:"type:text;not null;index:idx_paymentables_target,priority:1"`
	PaymentableID   snowflake.ID    `gorm:"not null;index:idx_paymentables_target,priority:2"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Refunded        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreatedAt       time.Time       `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"not null"`
	DeletedAt       gorm.DeletedAt  `gorm:"index"`
}

func (Paymentable) TableName() string { return "paymentables" }

// Net is the allocation still standing after refunds.
func (p Paymentable) Net() decimal.Decimal {
	return p.Amount.Sub(p.Refunded)
}

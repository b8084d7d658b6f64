package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Client is the rollup of every live invoice it owns. Balance always equals
// the sum of its live invoice balances.
type Client struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	CompanyID       snowflake.ID    `gorm:"not null;index"`
	Name            string          `gorm:"type:text;not null"`
	CurrencyCode    string          `gorm:"type:text;not null"`
	Balance         decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	PaidToDate      decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreditBalance   decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	PaymentTerms    int             `gorm:"not null"`
	QuoteValidUntil int             `gorm:"not null"`
	CreatedAt       time.Time       `gorm:"not null"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

func (Client) TableName() string { return "clients" }

// AdjustBalance applies an invoice balance delta and a paid-to-date delta together.
func (c *Client) AdjustBalance(balance, paidToDate decimal.Decimal) {
	c.Balance = c.Balance.Add(balance)
	c.PaidToDate = c.PaidToDate.Add(paidToDate)
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Client, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Client, error)
	Insert(ctx context.Context, db *gorm.DB, client *Client) error
	Save(ctx context.Context, db *gorm.DB, client *Client) error
}

var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidCurrency = errors.New("invalid_currency")
)

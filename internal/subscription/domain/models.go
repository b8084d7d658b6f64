// Package domain contains subscription plans and the pro-ration rules used
// when a client changes plan mid-cycle.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrRecurringNotFound    = errors.New("recurring_invoice_not_found")
	ErrNoSubscription       = errors.New("document_has_no_subscription")
	ErrUnknownFrequency     = errors.New("unknown_frequency")
	ErrInvalidRequest       = errors.New("invalid_request")
)

// Subscription is a plan a client can be billed on. RefundPeriod is the
// window, in seconds from the invoice date, in which a cancellation is
// refunded in full.
type Subscription struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	CompanyID    snowflake.ID    `gorm:"not null;index"`
	Name         string          `gorm:"type:text;not null"`
	ProductKey   string          `gorm:"type:text"`
	Price        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	FrequencyID  Frequency       `gorm:"not null"`
	RefundPeriod int64           `gorm:"not null;default:0"`
	CreatedAt    time.Time       `gorm:"not null"`
	UpdatedAt    time.Time       `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Package domain holds the monetary documents whose balances the engine
// mutates: invoices, credits, quotes and recurring invoices, plus the rows
// that hang off them (invitations, tasks, expenses).
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EntityKind is the closed set of document kinds. Handlers that need the
// concrete model switch on it instead of resolving types by name.
type EntityKind string

const (
	EntityInvoice          EntityKind = "invoice"
	EntityQuote            EntityKind = "quote"
	EntityCredit           EntityKind = "credit"
	EntityRecurringInvoice EntityKind = "recurring_invoice"
)

func (k EntityKind) Valid() bool {
	switch k {
	case EntityInvoice, EntityQuote, EntityCredit, EntityRecurringInvoice:
		return true
	default:
		return false
	}
}

// Status represents document lifecycle states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSent      Status = "SENT"
	StatusPartial   Status = "PARTIAL"
	StatusPaid      Status = "PAID"
	StatusApplied   Status = "APPLIED"
	StatusCancelled Status = "CANCELLED"
	StatusReversed  Status = "REVERSED"

	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

// Document carries the columns shared by every monetary document.
type Document struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	CompanyID      snowflake.ID    `gorm:"not null;index"`
	ClientID       snowflake.ID    `gorm:"not null;index"`
	Number         *string         `gorm:"type:text;index"`
	Status         Status          `gorm:"type:text;not null"`
	Date           time.Time       `gorm:"not null"`
	DueDate        *time.Time      `gorm:""`
	Amount         decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Balance        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Partial        decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	PartialDueDate *time.Time      `gorm:""`
	PaidToDate     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	IsDeleted      bool            `gorm:"not null;index"`
	DeletedAt      *time.Time      `gorm:""`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (d Document) IsDraft() bool { return d.Status == StatusDraft }

// NumberOrEmpty returns the assigned number, or "" before mark sent.
func (d Document) NumberOrEmpty() string {
	if d.Number == nil {
		return ""
	}
	return *d.Number
}

// LineItem is one billed line. Lines are stored as a JSON array on the document.
type LineItem struct {
	ProductKey string          `json:"product_key"`
	Notes      string          `json:"notes"`
	Quantity   decimal.Decimal `json:"quantity"`
	Cost       decimal.Decimal `json:"cost"`
	LineTotal  decimal.Decimal `json:"line_total"`
}

// NewLineItem builds a line whose total is quantity * cost.
func NewLineItem(productKey, notes string, quantity, cost decimal.Decimal) LineItem {
	return LineItem{
		ProductKey: productKey,
		Notes:      notes,
		Quantity:   quantity,
		Cost:       cost,
		LineTotal:  quantity.Mul(cost),
	}
}

// CancellationBackup records what cancelling an invoice changed so the
// cancellation can be reversed.
type CancellationBackup struct {
	Cancelled      bool            `json:"cancelled"`
	Status         Status          `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
	Partial        decimal.Decimal `json:"partial"`
	PartialDueDate *time.Time      `json:"partial_due_date,omitempty"`
}

type Invoice struct {
	Document
	RecurringID    *snowflake.ID                          `gorm:"index"`
	SubscriptionID *snowflake.ID                          `gorm:"index"`
	Lines          datatypes.JSONSlice[LineItem]          `gorm:"type:json"`
	Backup         datatypes.JSONType[CancellationBackup] `gorm:"type:json"`
}

func (Invoice) TableName() string { return "invoices" }

type Credit struct {
	Document
	InvoiceID      *snowflake.ID                 `gorm:"index"`
	SubscriptionID *snowflake.ID                 `gorm:"index"`
	Lines          datatypes.JSONSlice[LineItem] `gorm:"type:json"`
}

func (Credit) TableName() string { return "credits" }

type Quote struct {
	Document
	InvoiceID *snowflake.ID                 `gorm:"index"`
	Lines     datatypes.JSONSlice[LineItem] `gorm:"type:json"`
}

func (Quote) TableName() string { return "quotes" }

type RecurringInvoice struct {
	Document
	SubscriptionID  *snowflake.ID                 `gorm:"index"`
	FrequencyID     int                           `gorm:"not null"`
	NextSendDate    *time.Time                    `gorm:""`
	RemainingCycles int                           `gorm:"not null"`
	Lines           datatypes.JSONSlice[LineItem] `gorm:"type:json"`
}

func (RecurringInvoice) TableName() string { return "recurring_invoices" }

// Invitation is the per-contact link to a sent document.
type Invitation struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	CompanyID  snowflake.ID `gorm:"not null;index"`
	EntityKind EntityKind   `gorm:"type:text;not null;index:idx_invitations_entity,priority:1"`
	EntityID   snowflake.ID `gorm:"not null;index:idx_invitations_entity,priority:2"`
	Key        string       `gorm:"type:text;not null;uniqueIndex"`
	SentAt     *time.Time   `gorm:""`
	CreatedAt  time.Time    `gorm:"not null"`
}

func (Invitation) TableName() string { return "invitations" }

// Task is billable time that may be attached to an invoice.
type Task struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	CompanyID   snowflake.ID  `gorm:"not null;index"`
	InvoiceID   *snowflake.ID `gorm:"index"`
	Description string        `gorm:"type:text"`
	CreatedAt   time.Time     `gorm:"not null"`
	UpdatedAt   time.Time     `gorm:"not null"`
}

func (Task) TableName() string { return "tasks" }

// Expense is a billable cost that may be attached to an invoice.
type Expense struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	CompanyID snowflake.ID    `gorm:"not null;index"`
	InvoiceID *snowflake.ID   `gorm:"index"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (Expense) TableName() string { return "expenses" }

// NewCancellationBackup snapshots the fields cancelling doc will overwrite.
func NewCancellationBackup(doc Document) datatypes.JSONType[CancellationBackup] {
	return datatypes.NewJSONType(CancellationBackup{
		Cancelled:      true,
		Status:         doc.Status,
		Balance:        doc.Balance,
		Partial:        doc.Partial,
		PartialDueDate: doc.PartialDueDate,
	})
}

func ClearedCancellationBackup() datatypes.JSONType[CancellationBackup] {
	return datatypes.NewJSONType(CancellationBackup{})
}

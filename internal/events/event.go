// Package events implements the post-commit outbox. Engine operations write
// typed events inside their transaction; a Worker dispatches them to handlers
// after commit so a failing side effect never rolls back financial state.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventInvoiceUpdated    = "invoice.updated"
	EventInvoiceReversed   = "invoice.reversed"
	EventInvoiceMarkedSent = "invoice.marked_sent"
	EventInvoiceDeleted    = "invoice.deleted"
	EventInvoiceCancelled  = "invoice.cancelled"
	EventInvoiceRestored   = "invoice.cancellation_reversed"
	EventPaymentApplied    = "payment.applied"
	EventCreditCreated     = "credit.created"
	EventCreditMarkedSent  = "credit.marked_sent"
	EventQuoteMarkedSent   = "quote.marked_sent"
)

// Event is what producers hand to Outbox.PublishTx.
type Event struct {
	CompanyID snowflake.ID
	Type      string
	Payload   map[string]any
	// DedupeKey collapses repeated publishes of the same fact into one row.
	DedupeKey string
}

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusDispatched OutboxStatus = "DISPATCHED"
	OutboxStatusDead       OutboxStatus = "DEAD"
)

type OutboxEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	CompanyID     snowflake.ID   `gorm:"not null;index"`
	EventType     string         `gorm:"type:text;not null;index"`
	Payload       datatypes.JSON `gorm:"type:json;not null"`
	DedupeKey     string         `gorm:"type:text;not null;uniqueIndex"`
	Status        OutboxStatus   `gorm:"type:text;not null;index:idx_outbox_events_due,priority:1"`
	Attempts      int            `gorm:"not null"`
	NextAttemptAt time.Time      `gorm:"not null;index:idx_outbox_events_due,priority:2"`
	LastError     string         `gorm:"type:text"`
	DispatchedAt  *time.Time     `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

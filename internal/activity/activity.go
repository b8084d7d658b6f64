// Package activity keeps the audit trail of balance changes. It consumes
// outbox events after commit and stores one Activity per event, plus a
// Backup snapshot of the document the event is about.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Type int

const (
	TypeInvoiceUpdated Type = iota + 1
	TypeInvoiceSent
	TypeInvoiceReversed
	TypeInvoiceDeleted
	TypeInvoiceCancelled
	TypeInvoiceRestored
	TypePaymentApplied
	TypeCreditCreated
	TypeCreditSent
	TypeQuoteSent
)

var eventTypes = map[string]Type{
	events.EventInvoiceUpdated:    TypeInvoiceUpdated,
	events.EventInvoiceMarkedSent: TypeInvoiceSent,
	events.EventInvoiceReversed:   TypeInvoiceReversed,
	events.EventInvoiceDeleted:    TypeInvoiceDeleted,
	events.EventInvoiceCancelled:  TypeInvoiceCancelled,
	events.EventInvoiceRestored:   TypeInvoiceRestored,
	events.EventPaymentApplied:    TypePaymentApplied,
	events.EventCreditCreated:     TypeCreditCreated,
	events.EventCreditMarkedSent:  TypeCreditSent,
	events.EventQuoteMarkedSent:   TypeQuoteSent,
}

// EventTypes lists the outbox events the handler records.
func EventTypes() []string {
	out := make([]string, 0, len(eventTypes))
	for t := range eventTypes {
		out = append(out, t)
	}
	return out
}

type Activity struct {
	ID         snowflake.ID             `gorm:"primaryKey"`
	CompanyID  snowflake.ID             `gorm:"not null;index"`
	EventID    snowflake.ID             `gorm:"not null;uniqueIndex"`
	TypeID     Type                     `gorm:"not null"`
	EntityKind invoicedomain.EntityKind `gorm:"type:text"`
	EntityID   *snowflake.ID            `gorm:"index"`
	ClientID   *snowflake.ID            `gorm:"index"`
	PaymentID  *snowflake.ID            `gorm:"index"`
	Payload    datatypes.JSON           `gorm:"type:json"`
	CreatedAt  time.Time                `gorm:"not null"`
}

func (Activity) TableName() string { return "activities" }

// Backup is the state of a document at the time of an activity.
type Backup struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	CompanyID  snowflake.ID    `gorm:"not null;index"`
	ActivityID snowflake.ID    `gorm:"not null;uniqueIndex"`
	Amount     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	JSONBackup datatypes.JSON  `gorm:"type:json"`
	CreatedAt  time.Time       `gorm:"not null"`
}

func (Backup) TableName() string { return "backups" }

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  invoicedomain.Repository
}

type Handler struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  invoicedomain.Repository
}

func NewHandler(p Params) *Handler {
	return &Handler{
		log:   p.Log.Named("activity.handler"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Handle records evt. Redelivered events are ignored.
func (h *Handler) Handle(ctx context.Context, tx *gorm.DB, evt events.OutboxEvent) error {
	typeID, ok := eventTypes[evt.EventType]
	if !ok {
		return fmt.Errorf("activity: unsupported event type %q", evt.EventType)
	}

	var payload map[string]any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("activity: decode payload: %w", err)
	}

	act := &Activity{
		ID:         h.genID.Generate(),
		CompanyID:  evt.CompanyID,
		EventID:    evt.ID,
		TypeID:     typeID,
		EntityKind: invoicedomain.EntityKind(stringField(payload, "entity_kind")),
		ClientID:   idField(payload, "client_id"),
		PaymentID:  idField(payload, "payment_id"),
		Payload:    datatypes.JSON(evt.Payload),
		CreatedAt:  h.clock.Now().UTC(),
	}
	if act.EntityKind.Valid() {
		act.EntityID = idField(payload, entityIDKey(act.EntityKind))
	}

	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(act)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if act.EntityID == nil {
		return nil
	}
	return h.backup(ctx, tx, act)
}

func (h *Handler) backup(ctx context.Context, tx *gorm.DB, act *Activity) error {
	amount, snapshot, err := h.snapshot(ctx, tx, act.CompanyID, act.EntityKind, *act.EntityID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		h.log.Warn("activity document missing, backup skipped",
			zap.String("entity_kind", string(act.EntityKind)),
			zap.String("entity_id", act.EntityID.String()),
		)
		return nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&Backup{
		ID:         h.genID.Generate(),
		CompanyID:  act.CompanyID,
		ActivityID: act.ID,
		Amount:     amount,
		JSONBackup: datatypes.JSON(raw),
		CreatedAt:  act.CreatedAt,
	}).Error
}

func (h *Handler) snapshot(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, kind invoicedomain.EntityKind, id snowflake.ID) (decimal.Decimal, any, error) {
	switch kind {
	case invoicedomain.EntityInvoice:
		doc, err := h.repo.FindInvoice(ctx, tx, companyID, id)
		if err != nil || doc == nil {
			return decimal.Zero, nil, err
		}
		return doc.Amount, doc, nil
	case invoicedomain.EntityCredit:
		doc, err := h.repo.FindCredit(ctx, tx, companyID, id)
		if err != nil || doc == nil {
			return decimal.Zero, nil, err
		}
		return doc.Amount, doc, nil
	case invoicedomain.EntityQuote:
		doc, err := h.repo.FindQuote(ctx, tx, companyID, id)
		if err != nil || doc == nil {
			return decimal.Zero, nil, err
		}
		return doc.Amount, doc, nil
	case invoicedomain.EntityRecurringInvoice:
		doc, err := h.repo.FindRecurring(ctx, tx, companyID, id)
		if err != nil || doc == nil {
			return decimal.Zero, nil, err
		}
		return doc.Amount, doc, nil
	default:
		return decimal.Zero, nil, fmt.Errorf("activity: unknown entity kind %q", kind)
	}
}

func entityIDKey(kind invoicedomain.EntityKind) string {
	return string(kind) + "_id"
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func idField(payload map[string]any, key string) *snowflake.ID {
	raw := stringField(payload, key)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return nil
	}
	return &id
}

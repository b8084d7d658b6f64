package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidEvent = errors.New("invalid_event")
)

type Outbox struct {
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	notify chan struct{}
}

func NewOutbox(log *zap.Logger, genID *snowflake.Node, c clock.Clock) *Outbox {
	return &Outbox{
		log:    log.Named("events.outbox"),
		genID:  genID,
		clock:  c,
		notify: make(chan struct{}, 1),
	}
}

// PublishTx stores evt on tx. The row becomes visible to the worker only
// when the caller's transaction commits.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	if o == nil {
		return nil
	}
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.CompanyID == 0 || evt.Type == "" {
		return ErrInvalidEvent
	}

	id := o.genID.Generate()
	if evt.DedupeKey == "" {
		evt.DedupeKey = evt.Type + ":" + id.String()
	}

	payload := correlation.InjectIntoPayload(ctx, evt.Payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := o.clock.Now().UTC()
	row := OutboxEvent{
		ID:            id,
		CompanyID:     evt.CompanyID,
		EventType:     evt.Type,
		Payload:       datatypes.JSON(raw),
		DedupeKey:     evt.DedupeKey,
		Status:        OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row).Error
}

// Notify wakes the worker after a commit. It never blocks.
func (o *Outbox) Notify() {
	if o == nil {
		return
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Wake is signalled by Notify.
func (o *Outbox) Wake() <-chan struct{} {
	if o == nil {
		return nil
	}
	return o.notify
}

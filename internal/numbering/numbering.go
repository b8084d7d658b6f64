// Package numbering hands out sequential, per-company document numbers.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxSkips bounds how many taken numbers Next steps over before giving up.
const maxSkips = 1000

var ErrNumberSpaceExhausted = errors.New("number_space_exhausted")

// Counter is the last number issued for one document kind of one company.
type Counter struct {
	CompanyID  snowflake.ID             `gorm:"primaryKey"`
	EntityKind invoicedomain.EntityKind `gorm:"primaryKey;type:text"`
	Prefix     string                   `gorm:"type:text;not null"`
	Value      int64                    `gorm:"not null"`
	UpdatedAt  time.Time                `gorm:"not null"`
}

func (Counter) TableName() string { return "number_counters" }

type Service interface {
	// Next reserves the next free number. It must run inside the transaction
	// that stores the number so a rollback also releases the reservation.
	Next(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, kind invoicedomain.EntityKind) (string, error)
	IsAvailable(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind invoicedomain.EntityKind, number string) (bool, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Repo      invoicedomain.Repository
	EngineCfg *config.EngineConfigHolder `optional:"true"`
}

type service struct {
	log       *zap.Logger
	clock     clock.Clock
	repo      invoicedomain.Repository
	engineCfg *config.EngineConfigHolder
}

func NewService(p Params) Service {
	return &service{
		log:       p.Log.Named("numbering.service"),
		clock:     p.Clock,
		repo:      p.Repo,
		engineCfg: p.EngineCfg,
	}
}

func (s *service) Next(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, kind invoicedomain.EntityKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}

	now := s.clock.Now().UTC()
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Counter{CompanyID: companyID, EntityKind: kind, UpdatedAt: now}).Error; err != nil {
		return "", err
	}

	var counter Counter
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND entity_kind = ?", companyID, kind).
		First(&counter).Error; err != nil {
		return "", err
	}

	padding := s.engineCfg.Get().NumberPadding
	for i := 0; i < maxSkips; i++ {
		counter.Value++
		number := format(counter.Prefix, counter.Value, padding)

		taken, err := s.repo.NumberTaken(ctx, tx, companyID, kind, number)
		if err != nil {
			return "", err
		}
		if taken {
			s.log.Debug("number already taken, skipping", zap.String("number", number), zap.String("kind", string(kind)))
			continue
		}

		if err := tx.WithContext(ctx).
			Model(&Counter{}).
			Where("company_id = ? AND entity_kind = ?", companyID, kind).
			Updates(map[string]any{"value": counter.Value, "updated_at": now}).Error; err != nil {
			return "", err
		}
		return number, nil
	}
	return "", ErrNumberSpaceExhausted
}

func (s *service) IsAvailable(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind invoicedomain.EntityKind, number string) (bool, error) {
	if number == "" {
		return false, nil
	}
	taken, err := s.repo.NumberTaken(ctx, db, companyID, kind, number)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

func format(prefix string, value int64, padding int) string {
	return fmt.Sprintf("%s%0*d", prefix, padding, value)
}

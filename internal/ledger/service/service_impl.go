package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/invoicebalance/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.NewSystemClock()
	}
	return &Service{
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

// Append adds adjustment to the owner's last running balance (zero when the
// ledger is empty) and inserts the new entry. The previous entry is read with
// a row lock so two writers on one owner cannot compute the same running balance.
func (s *Service) Append(
	ctx context.Context,
	tx *gorm.DB,
	companyID snowflake.ID,
	owner ledgerdomain.Owner,
	adjustment decimal.Decimal,
	notes string,
) (*ledgerdomain.LedgerEntry, error) {
	if companyID == 0 {
		return nil, ledgerdomain.ErrInvalidOrganization
	}
	if !owner.Type.Valid() || owner.ID == 0 {
		return nil, ledgerdomain.ErrInvalidOwner
	}

	last, err := s.last(ctx, tx.Clauses(clause.Locking{Strength: "UPDATE"}), companyID, owner)
	if err != nil {
		return nil, err
	}
	running := adjustment
	if last != nil {
		running = last.RunningBalance.Add(adjustment)
	}

	entry := ledgerdomain.LedgerEntry{
		ID:             s.genID.Generate(),
		CompanyID:      companyID,
		OwnerType:      owner.Type,
		OwnerID:        owner.ID,
		Adjustment:     adjustment,
		RunningBalance: running,
		Notes:          notes,
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(owner.Type), 1)
	s.log.Debug("ledger entry appended",
		zap.String("owner_type", string(owner.Type)),
		zap.String("owner_id", owner.ID.String()),
		zap.String("adjustment", adjustment.String()),
		zap.String("running_balance", running.String()),
	)
	return &entry, nil
}

func (s *Service) History(ctx context.Context, db *gorm.DB, companyID snowflake.ID, owner ledgerdomain.Owner) ([]ledgerdomain.LedgerEntry, error) {
	if !owner.Type.Valid() || owner.ID == 0 {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	var entries []ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("company_id = ? AND owner_type = ? AND owner_id = ?", companyID, owner.Type, owner.ID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// Balance returns the latest running balance, or zero for an empty ledger.
func (s *Service) Balance(ctx context.Context, db *gorm.DB, companyID snowflake.ID, owner ledgerdomain.Owner) (decimal.Decimal, error) {
	if !owner.Type.Valid() || owner.ID == 0 {
		return decimal.Zero, ledgerdomain.ErrInvalidOwner
	}
	last, err := s.last(ctx, db, companyID, owner)
	if err != nil {
		return decimal.Zero, err
	}
	if last == nil {
		return decimal.Zero, nil
	}
	return last.RunningBalance, nil
}

func (s *Service) last(ctx context.Context, db *gorm.DB, companyID snowflake.ID, owner ledgerdomain.Owner) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("company_id = ? AND owner_type = ? AND owner_id = ?", companyID, owner.Type, owner.ID).
		Order("created_at DESC, id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

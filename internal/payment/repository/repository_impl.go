package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	payments repository.Store[domain.Payment]
}

func Provide() domain.Repository {
	return &repo{payments: repository.NewStore[domain.Payment]()}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Payment, error) {
	return r.payments.FindByID(ctx, db, companyID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Payment, error) {
	return r.payments.FindByIDForUpdate(ctx, db, companyID, id)
}

func (r *repo) LockMany(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID) ([]domain.Payment, error) {
	return r.payments.ListForUpdate(ctx, db, companyID, ids)
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return r.payments.Create(ctx, db, payment)
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return r.payments.Save(ctx, db, payment)
}

func (r *repo) FindPivot(ctx context.Context, db *gorm.DB, companyID, paymentID snowflake.ID, kind domain.PaymentableType, targetID snowflake.ID) (*domain.Paymentable, error) {
	var pivot domain.Paymentable
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND payment_id = ? AND paymentable_type = ? AND paymentable_id = ?",
			companyID, paymentID, kind, targetID).
		First(&pivot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pivot, nil
}

func (r *repo) InsertPivot(ctx context.Context, db *gorm.DB, pivot *domain.Paymentable) error {
	return db.WithContext(ctx).Create(pivot).Error
}

func (r *repo) SavePivot(ctx context.Context, db *gorm.DB, pivot *domain.Paymentable) error {
	return db.WithContext(ctx).Save(pivot).Error
}

func (r *repo) ListPivotsForTarget(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind domain.PaymentableType, targetID snowflake.ID) ([]domain.Paymentable, error) {
	var pivots []domain.Paymentable
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND paymentable_type = ? AND paymentable_id = ?", companyID, kind, targetID).
		Order("payment_id ASC, id ASC").
		Find(&pivots).Error
	return pivots, err
}

func (r *repo) ListPivotsForPayment(ctx context.Context, db *gorm.DB, companyID, paymentID snowflake.ID) ([]domain.Paymentable, error) {
	var pivots []domain.Paymentable
	err := db.WithContext(ctx).
		Where("company_id = ? AND payment_id = ?", companyID, paymentID).
		Order("id ASC").
		Find(&pivots).Error
	return pivots, err
}

func (r *repo) SoftDeletePivotsForTarget(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind domain.PaymentableType, targetID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE paymentables SET deleted_at = ?, updated_at = ?
		 WHERE company_id = ? AND paymentable_type = ? AND paymentable_id = ? AND deleted_at IS NULL`,
		at,
		at,
		companyID,
		kind,
		targetID,
	).Error
}

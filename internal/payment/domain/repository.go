package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*Payment, error)
	LockMany(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID) ([]Payment, error)
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	Save(ctx context.Context, db *gorm.DB, payment *Payment) error

	FindPivot(ctx context.Context, db *gorm.DB, companyID, paymentID snowflake.ID, kind PaymentableType, targetID snowflake.ID) (*Paymentable, error)
	InsertPivot(ctx context.Context, db *gorm.DB, pivot *Paymentable) error
	SavePivot(ctx context.Context, db *gorm.DB, pivot *Paymentable) error
	ListPivotsForTarget(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind PaymentableType, targetID snowflake.ID) ([]Paymentable, error)
	ListPivotsForPayment(ctx context.Context, db *gorm.DB, companyID, paymentID snowflake.ID) ([]Paymentable, error)
	SoftDeletePivotsForTarget(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind PaymentableType, targetID snowflake.ID, at time.Time) error
}

// Package paymenthash stores what a pending gateway payment is meant to pay
// and applies it exactly once when the gateway confirms.
package paymenthash

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/events"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrHashNotFound = errors.New("payment_hash_not_found")
	ErrHashConsumed = errors.New("payment_hash_consumed")
	ErrEmptyHash    = errors.New("payment_hash_empty")
)

// Data is the payload captured when the client starts checkout.
type Data struct {
	Invoices     []InvoiceAmount `json:"invoices"`
	CreditsTotal decimal.Decimal `json:"credits_total"`
}

type InvoiceAmount struct {
	InvoiceID snowflake.ID    `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type PaymentHash struct {
	ID           snowflake.ID             `gorm:"primaryKey"`
	CompanyID    snowflake.ID             `gorm:"not null;index"`
	Hash         string                   `gorm:"type:text;not null;uniqueIndex"`
	Data         datatypes.JSONType[Data] `gorm:"type:json"`
	FeeTotal     decimal.Decimal          `gorm:"type:numeric(20,6);not null"`
	FeeInvoiceID *snowflake.ID            `gorm:""`
	PaymentID    *snowflake.ID            `gorm:"index"`
	ConsumedAt   *time.Time               `gorm:""`
	CreatedAt    time.Time                `gorm:"not null"`
	UpdatedAt    time.Time                `gorm:"not null"`
}

func (PaymentHash) TableName() string { return "payment_hashes" }

type CreateRequest struct {
	Invoices     []InvoiceAmount
	CreditsTotal decimal.Decimal
	FeeInvoiceID *snowflake.ID
	FeeTotal     decimal.Decimal
}

type Service interface {
	Create(ctx context.Context, conn tenant.Conn, req CreateRequest) (*PaymentHash, error)
	FindByHash(ctx context.Context, conn tenant.Conn, hash string) (*PaymentHash, error)
	// Consume applies the hash's allocations to paymentID. A hash can be
	// consumed once; a failed application leaves it untouched.
	Consume(ctx context.Context, conn tenant.Conn, hash string, paymentID snowflake.ID) (*paymentdomain.Payment, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Balance balancedomain.Service
	Outbox  *events.Outbox `optional:"true"`
}

type service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	balance balancedomain.Service
	outbox  *events.Outbox
}

func NewService(p Params) Service {
	return &service{
		log:     p.Log.Named("paymenthash.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		balance: p.Balance,
		outbox:  p.Outbox,
	}
}

const opCreate = "create_payment_hash"

func (s *service) Create(ctx context.Context, conn tenant.Conn, req CreateRequest) (*PaymentHash, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if len(req.Invoices) == 0 {
		return nil, balancedomain.NewValidationError(opCreate, "invoices", "at least one invoice is required")
	}
	if req.FeeTotal.IsNegative() {
		return nil, balancedomain.NewValidationError(opCreate, "fee_total", "must not be negative")
	}

	now := s.clock.Now().UTC()
	ph := &PaymentHash{
		ID:           s.genID.Generate(),
		CompanyID:    conn.CompanyID,
		Hash:         strings.ToLower(ulid.Make().String()),
		Data:         datatypes.NewJSONType(Data{Invoices: req.Invoices, CreditsTotal: req.CreditsTotal}),
		FeeTotal:     req.FeeTotal,
		FeeInvoiceID: req.FeeInvoiceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := conn.DB.WithContext(ctx).Create(ph).Error; err != nil {
		return nil, err
	}
	return ph, nil
}

func (s *service) FindByHash(ctx context.Context, conn tenant.Conn, hash string) (*PaymentHash, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return find(ctx, conn.DB, conn.CompanyID, hash, false)
}

func (s *service) Consume(ctx context.Context, conn tenant.Conn, hash string, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(hash) == "" {
		return nil, ErrEmptyHash
	}

	var payment *paymentdomain.Payment
	err := conn.Transaction(ctx, func(tx *gorm.DB) error {
		ph, err := find(ctx, tx, conn.CompanyID, hash, true)
		if err != nil {
			return err
		}
		if ph == nil {
			return ErrHashNotFound
		}
		if ph.ConsumedAt != nil {
			return ErrHashConsumed
		}

		data := ph.Data.Data()
		req := balancedomain.ApplyPaymentRequest{
			PaymentID:    paymentID,
			Allocations:  make([]balancedomain.Allocation, 0, len(data.Invoices)),
			FeeInvoiceID: ph.FeeInvoiceID,
			FeeTotal:     ph.FeeTotal,
		}
		for _, inv := range data.Invoices {
			req.Allocations = append(req.Allocations, balancedomain.Allocation{InvoiceID: inv.InvoiceID, Amount: inv.Amount})
		}

		payment, err = s.balance.ApplyPayment(ctx, conn.WithTx(tx), req)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		ph.PaymentID = &paymentID
		ph.ConsumedAt = &now
		ph.UpdatedAt = now
		return tx.WithContext(ctx).Save(ph).Error
	})
	if err != nil {
		s.log.Warn("payment hash not consumed",
			zap.String("hash", hash),
			zap.String("payment_id", paymentID.String()),
			zap.Error(err),
		)
		return nil, err
	}
	s.outbox.Notify()
	return payment, nil
}

func find(ctx context.Context, db *gorm.DB, companyID snowflake.ID, hash string, lock bool) (*PaymentHash, error) {
	q := db.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ph PaymentHash
	err := q.Where("company_id = ? AND hash = ?", companyID, strings.ToLower(strings.TrimSpace(hash))).First(&ph).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ph, nil
}

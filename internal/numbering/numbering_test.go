package numbering

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/invoicebalance/internal/invoice/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (*gorm.DB, Service) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&Counter{},
		&invoicedomain.Invoice{},
		&invoicedomain.Credit{},
		&invoicedomain.Quote{},
		&invoicedomain.RecurringInvoice{},
	))

	svc := NewService(Params{
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)),
		Repo:      invoicerepo.Provide(),
		EngineCfg: config.NewStaticEngineConfigHolder(config.DefaultEngineConfig()),
	})
	return db, svc
}

func TestNextIsSequentialPerKind(t *testing.T) {
	db, svc := setup(t)
	ctx := context.Background()

	first, err := svc.Next(ctx, db, 1, invoicedomain.EntityInvoice)
	require.NoError(t, err)
	require.Equal(t, "0001", first)

	second, err := svc.Next(ctx, db, 1, invoicedomain.EntityInvoice)
	require.NoError(t, err)
	require.Equal(t, "0002", second)

	credit, err := svc.Next(ctx, db, 1, invoicedomain.EntityCredit)
	require.NoError(t, err)
	require.Equal(t, "0001", credit)

	otherCompany, err := svc.Next(ctx, db, 2, invoicedomain.EntityInvoice)
	require.NoError(t, err)
	require.Equal(t, "0001", otherCompany)
}

func TestNextSkipsTakenNumbers(t *testing.T) {
	db, svc := setup(t)
	ctx := context.Background()

	taken := "0001"
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&invoicedomain.Invoice{Document: invoicedomain.Document{
		ID:        10,
		CompanyID: 1,
		ClientID:  1,
		Number:    &taken,
		Status:    invoicedomain.StatusSent,
		Date:      now,
		Amount:    decimal.NewFromInt(10),
		Balance:   decimal.NewFromInt(10),
		CreatedAt: now,
		UpdatedAt: now,
	}}).Error)

	next, err := svc.Next(ctx, db, 1, invoicedomain.EntityInvoice)
	require.NoError(t, err)
	require.Equal(t, "0002", next)

	available, err := svc.IsAvailable(ctx, db, 1, invoicedomain.EntityInvoice, "0001")
	require.NoError(t, err)
	require.False(t, available)

	available, err = svc.IsAvailable(ctx, db, 1, invoicedomain.EntityInvoice, "0001_deleted")
	require.NoError(t, err)
	require.True(t, available)
}

func TestNextRollsBackWithTransaction(t *testing.T) {
	db, svc := setup(t)
	ctx := context.Background()

	_ = db.Transaction(func(tx *gorm.DB) error {
		number, err := svc.Next(ctx, tx, 1, invoicedomain.EntityQuote)
		require.NoError(t, err)
		require.Equal(t, "0001", number)
		return fmt.Errorf("abort")
	})

	number, err := svc.Next(ctx, db, 1, invoicedomain.EntityQuote)
	require.NoError(t, err)
	require.Equal(t, "0001", number)
}

package paymenthash

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	balanceservice "github.com/smallbiznis/invoicebalance/internal/balance/service"
	clientdomain "github.com/smallbiznis/invoicebalance/internal/client/domain"
	clientrepo "github.com/smallbiznis/invoicebalance/internal/client/repository"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/invoicebalance/internal/invoice/repository"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/invoicebalance/internal/ledger/service"
	"github.com/smallbiznis/invoicebalance/internal/numbering"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/invoicebalance/internal/payment/repository"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const companyID = snowflake.ID(3003)

type fixture struct {
	ctx     context.Context
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	conn    tenant.Conn
	balance balancedomain.Service
	svc     Service
	client  *clientdomain.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&clientdomain.Client{},
		&invoicedomain.Invoice{},
		&invoicedomain.Credit{},
		&invoicedomain.Quote{},
		&invoicedomain.RecurringInvoice{},
		&invoicedomain.Invitation{},
		&invoicedomain.Task{},
		&invoicedomain.Expense{},
		&paymentdomain.Payment{},
		&paymentdomain.Paymentable{},
		&ledgerdomain.LedgerEntry{},
		&numbering.Counter{},
		&PaymentHash{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))
	engineCfg := config.NewStaticEngineConfigHolder(config.DefaultEngineConfig())
	invoices := invoicerepo.Provide()

	balance := balanceservice.NewService(balanceservice.Params{
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		EngineCfg:   engineCfg,
		InvoiceRepo: invoices,
		ClientRepo:  clientrepo.Provide(),
		PaymentRepo: paymentrepo.Provide(),
		Ledger:      ledgerservice.NewService(ledgerservice.Params{Log: zap.NewNop(), GenID: node, Clock: fake}),
		Numbering: numbering.NewService(numbering.Params{
			Log:       zap.NewNop(),
			Clock:     fake,
			Repo:      invoices,
			EngineCfg: engineCfg,
		}),
	})

	now := fake.Now()
	client := &clientdomain.Client{
		ID:            node.Generate(),
		CompanyID:     companyID,
		Name:          "Umbrella",
		CurrencyCode:  "USD",
		Balance:       decimal.Zero,
		PaidToDate:    decimal.Zero,
		CreditBalance: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, clientrepo.Provide().Insert(context.Background(), db, client))

	return &fixture{
		ctx:     context.Background(),
		db:      db,
		node:    node,
		clock:   fake,
		conn:    tenant.NewConn(companyID, db),
		balance: balance,
		svc:     NewService(Params{Log: zap.NewNop(), GenID: node, Clock: fake, Balance: balance}),
		client:  client,
	}
}

func (f *fixture) sentInvoice(t *testing.T, amount int64) *invoicedomain.Invoice {
	t.Helper()
	now := f.clock.Now()
	invoice := &invoicedomain.Invoice{Document: invoicedomain.Document{
		ID:         f.node.Generate(),
		CompanyID:  companyID,
		ClientID:   f.client.ID,
		Status:     invoicedomain.StatusDraft,
		Date:       now,
		Amount:     decimal.NewFromInt(amount),
		Balance:    decimal.Zero,
		Partial:    decimal.Zero,
		PaidToDate: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	require.NoError(t, f.db.Create(invoice).Error)
	sent, err := f.balance.MarkSent(f.ctx, f.conn, invoice.ID)
	require.NoError(t, err)
	return sent
}

func (f *fixture) payment(t *testing.T, amount int64) *paymentdomain.Payment {
	t.Helper()
	now := f.clock.Now()
	payment := &paymentdomain.Payment{
		ID:        f.node.Generate(),
		CompanyID: companyID,
		ClientID:  f.client.ID,
		Status:    paymentdomain.StatusCompleted,
		Amount:    decimal.NewFromInt(amount),
		Applied:   decimal.Zero,
		Refunded:  decimal.Zero,
		Date:      now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(payment).Error)
	return payment
}

func TestConsumeAppliesOnce(t *testing.T) {
	f := newFixture(t)
	invoice := f.sentInvoice(t, 100)
	payment := f.payment(t, 100)

	ph, err := f.svc.Create(f.ctx, f.conn, CreateRequest{
		Invoices:     []InvoiceAmount{{InvoiceID: invoice.ID, Amount: decimal.NewFromInt(95)}},
		FeeInvoiceID: &invoice.ID,
		FeeTotal:     decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Len(t, ph.Hash, 26)

	found, err := f.svc.FindByHash(f.ctx, f.conn, ph.Hash)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Len(t, found.Data.Data().Invoices, 1)

	applied, err := f.svc.Consume(f.ctx, f.conn, ph.Hash, payment.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(applied.Applied))

	var stored invoicedomain.Invoice
	require.NoError(t, f.db.First(&stored, "id = ?", invoice.ID).Error)
	assert.Equal(t, invoicedomain.StatusPaid, stored.Status)

	consumed, err := f.svc.FindByHash(f.ctx, f.conn, ph.Hash)
	require.NoError(t, err)
	require.NotNil(t, consumed.ConsumedAt)
	require.NotNil(t, consumed.PaymentID)
	assert.Equal(t, payment.ID, *consumed.PaymentID)

	_, err = f.svc.Consume(f.ctx, f.conn, ph.Hash, payment.ID)
	require.ErrorIs(t, err, ErrHashConsumed)

	var pivots []paymentdomain.Paymentable
	require.NoError(t, f.db.Find(&pivots, "payment_id = ?", payment.ID).Error)
	require.Len(t, pivots, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(pivots[0].Amount))
}

func TestConsumeFailureLeavesHashOpen(t *testing.T) {
	f := newFixture(t)
	invoice := f.sentInvoice(t, 100)
	small := f.payment(t, 10)

	ph, err := f.svc.Create(f.ctx, f.conn, CreateRequest{
		Invoices: []InvoiceAmount{{InvoiceID: invoice.ID, Amount: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Consume(f.ctx, f.conn, ph.Hash, small.ID)
	require.True(t, balancedomain.IsValidation(err))

	reloaded, err := f.svc.FindByHash(f.ctx, f.conn, ph.Hash)
	require.NoError(t, err)
	assert.Nil(t, reloaded.ConsumedAt)

	enough := f.payment(t, 50)
	_, err = f.svc.Consume(f.ctx, f.conn, ph.Hash, enough.ID)
	require.NoError(t, err)
}

func TestConsumeUnknownHash(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Consume(f.ctx, f.conn, "01hzzzzzzzzzzzzzzzzzzzzzzz", f.node.Generate())
	require.ErrorIs(t, err, ErrHashNotFound)

	_, err = f.svc.Consume(f.ctx, f.conn, " ", f.node.Generate())
	require.ErrorIs(t, err, ErrEmptyHash)

	_, err = f.svc.Create(f.ctx, f.conn, CreateRequest{})
	require.True(t, balancedomain.IsValidation(err))
}

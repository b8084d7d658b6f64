package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	clientdomain "github.com/smallbiznis/invoicebalance/internal/client/domain"
	clientrepo "github.com/smallbiznis/invoicebalance/internal/client/repository"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/invoicebalance/internal/invoice/repository"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/invoicebalance/internal/ledger/service"
	"github.com/smallbiznis/invoicebalance/internal/numbering"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/invoicebalance/internal/payment/repository"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testCompanyID = snowflake.ID(1001)

type harness struct {
	t       *testing.T
	ctx     context.Context
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	conn    tenant.Conn
	svc     balancedomain.Service
	ledger  ledgerdomain.Service
	invoice invoicedomain.Repository
	payment paymentdomain.Repository
	outbox  *events.Outbox
}

type harnessOption func(*Params)

func withLedger(l ledgerdomain.Service) harnessOption {
	return func(p *Params) { p.Ledger = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
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
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))
	engineCfg := config.NewStaticEngineConfigHolder(config.DefaultEngineConfig())
	invoices := invoicerepo.Provide()

	ledger := ledgerservice.NewService(ledgerservice.Params{Log: zap.NewNop(), GenID: node, Clock: fake})
	params := Params{
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		EngineCfg:   engineCfg,
		InvoiceRepo: invoices,
		ClientRepo:  clientrepo.Provide(),
		PaymentRepo: paymentrepo.Provide(),
		Ledger:      ledger,
		Numbering: numbering.NewService(numbering.Params{
			Log:       zap.NewNop(),
			Clock:     fake,
			Repo:      invoices,
			EngineCfg: engineCfg,
		}),
		Outbox: events.NewOutbox(zap.NewNop(), node, fake),
	}
	for _, opt := range opts {
		opt(&params)
	}

	return &harness{
		t:       t,
		ctx:     context.Background(),
		db:      db,
		node:    node,
		clock:   fake,
		conn:    tenant.NewConn(testCompanyID, db),
		svc:     NewService(params),
		ledger:  ledger,
		invoice: invoices,
		payment: params.PaymentRepo,
		outbox:  params.Outbox,
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func (h *harness) createClient(paymentTerms int) *clientdomain.Client {
	h.t.Helper()
	now := h.clock.Now()
	client := &clientdomain.Client{
		ID:              h.node.Generate(),
		CompanyID:       testCompanyID,
		Name:            "Globex",
		CurrencyCode:    "USD",
		Balance:         decimal.Zero,
		PaidToDate:      decimal.Zero,
		CreditBalance:   decimal.Zero,
		PaymentTerms:    paymentTerms,
		QuoteValidUntil: 30,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(h.t, clientrepo.Provide().Insert(h.ctx, h.db, client))
	return client
}

func (h *harness) draftDocument(clientID snowflake.ID, amount string) invoicedomain.Document {
	now := h.clock.Now()
	return invoicedomain.Document{
		ID:         h.node.Generate(),
		CompanyID:  testCompanyID,
		ClientID:   clientID,
		Status:     invoicedomain.StatusDraft,
		Date:       now,
		Amount:     dec(amount),
		Balance:    decimal.Zero,
		Partial:    decimal.Zero,
		PaidToDate: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (h *harness) createDraftInvoice(clientID snowflake.ID, amount string) *invoicedomain.Invoice {
	h.t.Helper()
	invoice := &invoicedomain.Invoice{Document: h.draftDocument(clientID, amount)}
	require.NoError(h.t, h.invoice.CreateInvoice(h.ctx, h.db, invoice))
	return invoice
}

func (h *harness) createSentInvoice(clientID snowflake.ID, amount string) *invoicedomain.Invoice {
	h.t.Helper()
	draft := h.createDraftInvoice(clientID, amount)
	sent, err := h.svc.MarkSent(h.ctx, h.conn, draft.ID)
	require.NoError(h.t, err)
	return sent
}

func (h *harness) createPayment(clientID snowflake.ID, amount string) *paymentdomain.Payment {
	h.t.Helper()
	now := h.clock.Now()
	payment := &paymentdomain.Payment{
		ID:        h.node.Generate(),
		CompanyID: testCompanyID,
		ClientID:  clientID,
		Status:    paymentdomain.StatusCompleted,
		Amount:    dec(amount),
		Applied:   decimal.Zero,
		Refunded:  decimal.Zero,
		Date:      now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(h.t, h.payment.Insert(h.ctx, h.db, payment))
	return payment
}

func (h *harness) apply(paymentID snowflake.ID, allocations ...balancedomain.Allocation) *paymentdomain.Payment {
	h.t.Helper()
	payment, err := h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:   paymentID,
		Allocations: allocations,
	})
	require.NoError(h.t, err)
	return payment
}

func alloc(invoiceID snowflake.ID, amount string) balancedomain.Allocation {
	return balancedomain.Allocation{InvoiceID: invoiceID, Amount: dec(amount)}
}

func (h *harness) reloadClient(id snowflake.ID) *clientdomain.Client {
	h.t.Helper()
	var client clientdomain.Client
	require.NoError(h.t, h.db.First(&client, "id = ?", id).Error)
	return &client
}

func (h *harness) reloadInvoice(id snowflake.ID) *invoicedomain.Invoice {
	h.t.Helper()
	var invoice invoicedomain.Invoice
	require.NoError(h.t, h.db.First(&invoice, "id = ?", id).Error)
	return &invoice
}

func (h *harness) reloadPayment(id snowflake.ID) *paymentdomain.Payment {
	h.t.Helper()
	var payment paymentdomain.Payment
	require.NoError(h.t, h.db.First(&payment, "id = ?", id).Error)
	return &payment
}

func (h *harness) history(owner ledgerdomain.Owner) []ledgerdomain.LedgerEntry {
	h.t.Helper()
	entries, err := h.ledger.History(h.ctx, h.db, testCompanyID, owner)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) eventCount(eventType string) int64 {
	h.t.Helper()
	var count int64
	require.NoError(h.t, h.db.Model(&events.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

// requireInvariants checks the client rollup and every live payment's allocations.
func (h *harness) requireInvariants(clientID snowflake.ID) {
	h.t.Helper()
	require.NoError(h.t, h.svc.VerifyClient(h.ctx, h.conn, clientID))

	var payments []paymentdomain.Payment
	require.NoError(h.t, h.db.Where("client_id = ? AND is_deleted = ?", clientID, false).Find(&payments).Error)
	for _, payment := range payments {
		pivots, err := h.payment.ListPivotsForPayment(h.ctx, h.db, testCompanyID, payment.ID)
		require.NoError(h.t, err)
		sum := decimal.Zero
		for _, p := range pivots {
			require.False(h.t, p.Net().IsNegative())
			sum = sum.Add(p.Amount)
		}
		requireDecimal(h.t, payment.Applied.String(), sum)
	}
}

// woken drains one pending worker wake-up, reporting whether there was one.
func (h *harness) woken() bool {
	select {
	case <-h.outbox.Wake():
		return true
	default:
		return false
	}
}

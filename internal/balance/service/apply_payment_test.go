package service

import (
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestApplyPaymentPartial(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100.00")
	payment := h.createPayment(client.ID, "40.00")

	applied := h.apply(payment.ID, alloc(invoice.ID, "40.00"))
	requireDecimal(t, "40", applied.Applied)

	stored := h.reloadInvoice(invoice.ID)
	requireDecimal(t, "60", stored.Balance)
	requireDecimal(t, "40", stored.PaidToDate)
	require.Equal(t, invoicedomain.StatusPartial, stored.Status)

	c := h.reloadClient(client.ID)
	requireDecimal(t, "60", c.Balance)
	requireDecimal(t, "40", c.PaidToDate)

	entries := h.history(ledgerdomain.PaymentOwner(payment.ID))
	require.Len(t, entries, 1)
	requireDecimal(t, "-40", entries[0].Adjustment)
	requireDecimal(t, "-40", entries[0].RunningBalance)

	require.Equal(t, int64(1), h.eventCount(events.EventPaymentApplied))
	h.requireInvariants(client.ID)
}

func TestApplyPaymentCapsAtPayableAmount(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "150")

	applied := h.apply(payment.ID, alloc(invoice.ID, "150"))
	requireDecimal(t, "100", applied.Applied)
	requireDecimal(t, "50", applied.Unapplied())

	stored := h.reloadInvoice(invoice.ID)
	require.True(t, stored.Balance.IsZero())
	require.Equal(t, invoicedomain.StatusPaid, stored.Status)
	h.requireInvariants(client.ID)

	// The excess stays on the payment; a second application has nothing left to pay.
	again := h.apply(payment.ID, alloc(invoice.ID, "50"))
	requireDecimal(t, "100", again.Applied)
	require.False(t, h.reloadInvoice(invoice.ID).Balance.IsNegative())
	h.requireInvariants(client.ID)
}

func TestApplyPaymentHonoursPartialDue(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	require.NoError(t, h.db.Model(&invoicedomain.Invoice{}).Where("id = ?", invoice.ID).Update("partial", "30").Error)
	payment := h.createPayment(client.ID, "50")

	applied := h.apply(payment.ID, alloc(invoice.ID, "50"))
	requireDecimal(t, "30", applied.Applied)

	stored := h.reloadInvoice(invoice.ID)
	requireDecimal(t, "70", stored.Balance)
	require.True(t, stored.Partial.IsZero())
	h.requireInvariants(client.ID)
}

func TestApplyPaymentAcrossInvoicesWithFee(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	a := h.createSentInvoice(client.ID, "100")
	b := h.createSentInvoice(client.ID, "50")
	payment := h.createPayment(client.ID, "160")

	feeInvoice := b.ID
	applied, err := h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:    payment.ID,
		Allocations:  []balancedomain.Allocation{alloc(a.ID, "100"), alloc(b.ID, "45")},
		FeeInvoiceID: &feeInvoice,
		FeeTotal:     dec("5"),
	})
	require.NoError(t, err)
	requireDecimal(t, "150", applied.Applied)

	require.Equal(t, invoicedomain.StatusPaid, h.reloadInvoice(a.ID).Status)
	require.Equal(t, invoicedomain.StatusPaid, h.reloadInvoice(b.ID).Status)

	c := h.reloadClient(client.ID)
	require.True(t, c.Balance.IsZero())
	requireDecimal(t, "150", c.PaidToDate)

	entries := h.history(ledgerdomain.PaymentOwner(payment.ID))
	require.Len(t, entries, 2)
	requireDecimal(t, "-150", entries[1].RunningBalance)
	require.Equal(t, int64(2), h.eventCount(events.EventInvoiceUpdated))
	h.requireInvariants(client.ID)
}

func TestApplyPaymentAccumulatesExistingAllocation(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "100")

	h.apply(payment.ID, alloc(invoice.ID, "25"))
	applied := h.apply(payment.ID, alloc(invoice.ID, "25"))
	requireDecimal(t, "50", applied.Applied)

	pivots, err := h.payment.ListPivotsForPayment(h.ctx, h.db, testCompanyID, payment.ID)
	require.NoError(t, err)
	require.Len(t, pivots, 1)
	requireDecimal(t, "50", pivots[0].Amount)
	h.requireInvariants(client.ID)
}

func TestApplyPaymentValidation(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "40")

	tests := []struct {
		name string
		req  balancedomain.ApplyPaymentRequest
	}{
		{name: "missing payment", req: balancedomain.ApplyPaymentRequest{Allocations: []balancedomain.Allocation{alloc(invoice.ID, "1")}}},
		{name: "no allocations", req: balancedomain.ApplyPaymentRequest{PaymentID: payment.ID}},
		{name: "zero amount", req: balancedomain.ApplyPaymentRequest{PaymentID: payment.ID, Allocations: []balancedomain.Allocation{{InvoiceID: invoice.ID, Amount: decimal.Zero}}}},
		{name: "duplicate invoice", req: balancedomain.ApplyPaymentRequest{PaymentID: payment.ID, Allocations: []balancedomain.Allocation{alloc(invoice.ID, "10"), alloc(invoice.ID, "10")}}},
		{name: "negative fee", req: balancedomain.ApplyPaymentRequest{PaymentID: payment.ID, Allocations: []balancedomain.Allocation{alloc(invoice.ID, "10")}, FeeTotal: dec("-1")}},
		{name: "exceeds payment", req: balancedomain.ApplyPaymentRequest{PaymentID: payment.ID, Allocations: []balancedomain.Allocation{alloc(invoice.ID, "40.01")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ApplyPayment(h.ctx, h.conn, tt.req)
			require.Error(t, err)
			var invalid *balancedomain.ValidationError
			require.ErrorAs(t, err, &invalid)
			require.Equal(t, "apply_payment", invalid.Op)
		})
	}

	requireDecimal(t, "100", h.reloadInvoice(invoice.ID).Balance)
	require.True(t, h.reloadPayment(payment.ID).Applied.IsZero())
	require.Empty(t, h.history(ledgerdomain.PaymentOwner(payment.ID)))
}

func TestApplyPaymentPreconditions(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	other := h.createClient(0)
	draft := h.createDraftInvoice(client.ID, "100")
	foreign := h.createSentInvoice(other.ID, "100")
	payment := h.createPayment(client.ID, "100")

	_, err := h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:   payment.ID,
		Allocations: []balancedomain.Allocation{alloc(draft.ID, "10")},
	})
	require.ErrorIs(t, err, balancedomain.ErrInvoiceIsDraft)

	_, err = h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:   payment.ID,
		Allocations: []balancedomain.Allocation{alloc(foreign.ID, "10")},
	})
	require.ErrorIs(t, err, balancedomain.ErrClientMismatch)

	_, err = h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:   snowflake.ID(42),
		Allocations: []balancedomain.Allocation{alloc(foreign.ID, "10")},
	})
	require.ErrorIs(t, err, balancedomain.ErrPaymentNotFound)

	_, err = h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:   payment.ID,
		Allocations: []balancedomain.Allocation{alloc(snowflake.ID(43), "10")},
	})
	require.ErrorIs(t, err, balancedomain.ErrInvoiceNotFound)
	require.True(t, balancedomain.IsPrecondition(err))

	h.requireInvariants(client.ID)
	h.requireInvariants(other.ID)
}

func TestApplyPaymentInCallerTransactionDefersNotify(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "40")
	h.woken()

	rollback := errors.New("caller rolled back")
	err := h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.svc.ApplyPayment(h.ctx, h.conn.WithTx(tx), balancedomain.ApplyPaymentRequest{
			PaymentID:   payment.ID,
			Allocations: []balancedomain.Allocation{alloc(invoice.ID, "40")},
		})
		require.NoError(t, err)
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	require.False(t, h.woken())
	require.True(t, h.reloadPayment(payment.ID).Applied.IsZero())
	requireDecimal(t, "100", h.reloadInvoice(invoice.ID).Balance)
	require.Zero(t, h.eventCount(events.EventPaymentApplied))

	h.apply(payment.ID, alloc(invoice.ID, "40"))
	require.True(t, h.woken())
	h.requireInvariants(client.ID)
}

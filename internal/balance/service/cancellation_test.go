package service

import (
	"testing"

	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	"github.com/stretchr/testify/require"
)

func TestCancelAndRestoreInvoice(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "40")
	h.apply(payment.ID, alloc(invoice.ID, "40"))

	cancelled, err := h.svc.CancelInvoice(h.ctx, h.conn, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.StatusCancelled, cancelled.Status)

	stored := h.reloadInvoice(invoice.ID)
	require.True(t, stored.Balance.IsZero())
	backup := stored.Backup.Data()
	require.True(t, backup.Cancelled)
	require.Equal(t, invoicedomain.StatusPartial, backup.Status)
	requireDecimal(t, "60", backup.Balance)
	require.True(t, h.reloadClient(client.ID).Balance.IsZero())
	h.requireInvariants(client.ID)

	restored, err := h.svc.ReverseCancellation(h.ctx, h.conn, invoice.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.StatusPartial, restored.Status)
	requireDecimal(t, "60", restored.Balance)
	require.False(t, h.reloadInvoice(invoice.ID).Backup.Data().Cancelled)

	c := h.reloadClient(client.ID)
	requireDecimal(t, "60", c.Balance)
	requireDecimal(t, "40", c.PaidToDate)

	entries := h.history(ledgerdomain.InvoiceOwner(invoice.ID))
	require.Len(t, entries, 3)
	requireDecimal(t, "-60", entries[1].Adjustment)
	requireDecimal(t, "100", entries[2].RunningBalance)

	require.Equal(t, int64(1), h.eventCount(events.EventInvoiceCancelled))
	require.Equal(t, int64(1), h.eventCount(events.EventInvoiceRestored))
	h.requireInvariants(client.ID)
}

func TestCancelInvoiceRejections(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	draft := h.createDraftInvoice(client.ID, "100")
	paid := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "100")
	h.apply(payment.ID, alloc(paid.ID, "100"))

	_, err := h.svc.CancelInvoice(h.ctx, h.conn, draft.ID)
	require.ErrorIs(t, err, balancedomain.ErrInvoiceNotCancelable)

	_, err = h.svc.CancelInvoice(h.ctx, h.conn, paid.ID)
	require.ErrorIs(t, err, balancedomain.ErrInvoiceNotCancelable)

	_, err = h.svc.ReverseCancellation(h.ctx, h.conn, paid.ID)
	require.ErrorIs(t, err, balancedomain.ErrInvoiceNotCancelled)

	require.Zero(t, h.eventCount(events.EventInvoiceCancelled))
	h.requireInvariants(client.ID)
}

func TestCancelledInvoiceRejectsPayment(t *testing.T) {
	h := newHarness(t)
	client := h.createClient(0)
	invoice := h.createSentInvoice(client.ID, "100")
	payment := h.createPayment(client.ID, "10")

	_, err := h.svc.CancelInvoice(h.ctx, h.conn, invoice.ID)
	require.NoError(t, err)

	_, err = h.svc.ApplyPayment(h.ctx, h.conn, balancedomain.ApplyPaymentRequest{
		PaymentID:   payment.ID,
		Allocations: []balancedomain.Allocation{alloc(invoice.ID, "10")},
	})
	require.ErrorIs(t, err, balancedomain.ErrInvoiceNotPayable)
}

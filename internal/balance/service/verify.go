package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	clientdomain "github.com/smallbiznis/invoicebalance/internal/client/domain"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"gorm.io/gorm"
)

func (s *Service) VerifyClient(ctx context.Context, conn tenant.Conn, clientID snowflake.ID) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	client, err := s.clientRepo.FindByID(ctx, conn.DB, conn.CompanyID, clientID)
	if err != nil {
		return err
	}
	if client == nil {
		return balancedomain.ErrClientNotFound
	}
	return s.checkClient(ctx, conn.DB, "verify_client", client)
}

// verifyClient enforces client.balance == sum of live invoice balances
// before the transaction commits. It can be switched off via engine config.
func (s *Service) verifyClient(ctx context.Context, tx *gorm.DB, op string, client *clientdomain.Client) error {
	if !s.config().VerifyConsistency {
		return nil
	}
	return s.checkClient(ctx, tx, op, client)
}

func (s *Service) checkClient(ctx context.Context, db *gorm.DB, op string, client *clientdomain.Client) error {
	invoices, err := s.invoiceRepo.ListLiveInvoices(ctx, db, client.CompanyID, client.ID)
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, inv := range invoices {
		sum = sum.Add(inv.Balance)
	}
	if !sum.Equal(client.Balance) {
		return &balancedomain.ConsistencyError{
			Op:     op,
			Detail: fmt.Sprintf("client %s balance %s != live invoice balances %s", client.ID, client.Balance, sum),
		}
	}
	return nil
}

// verifyPayment enforces payment.applied == sum of its live pivot amounts.
func (s *Service) verifyPayment(ctx context.Context, tx *gorm.DB, op string, payment *paymentdomain.Payment) error {
	if !s.config().VerifyConsistency || payment.IsDeleted {
		return nil
	}
	pivots, err := s.paymentRepo.ListPivotsForPayment(ctx, tx, payment.CompanyID, payment.ID)
	if err != nil {
		return err
	}
	sum := decimal.Zero
	for _, p := range pivots {
		sum = sum.Add(p.Amount)
	}
	if !sum.Equal(payment.Applied) {
		return &balancedomain.ConsistencyError{
			Op:     op,
			Detail: fmt.Sprintf("payment %s applied %s != allocations %s", payment.ID, payment.Applied, sum),
		}
	}
	return nil
}

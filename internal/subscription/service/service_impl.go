package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/companycontext"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	obslogger "github.com/smallbiznis/invoicebalance/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/invoicebalance/internal/observability/metrics"
	"github.com/smallbiznis/invoicebalance/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/invoicebalance/internal/subscription/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"github.com/smallbiznis/invoicebalance/pkg/money"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opProRate = "pro_rate"

	// Pro-rata amounts are always rounded to cents, whatever the currency.
	proRataPrecision int32 = 2

	productKeyCharge = "Pro-rata charge"
	productKeyRefund = "Refund"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        subscriptiondomain.Repository
	InvoiceRepo invoicedomain.Repository
	Balance     balancedomain.Service
	Outbox      *events.Outbox      `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	invoiceRepo invoicedomain.Repository
	balance     balancedomain.Service
	outbox      *events.Outbox
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		balance:     p.Balance,
		outbox:      p.Outbox,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) ProRate(ctx context.Context, conn tenant.Conn, req subscriptiondomain.ProRateRequest) (*subscriptiondomain.ProRateResult, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if req.LastInvoiceID == 0 || req.TargetSubscriptionID == 0 {
		return nil, subscriptiondomain.ErrInvalidRequest
	}

	ctx = companycontext.WithCompanyID(ctx, conn.CompanyID)
	ctx, span := tracing.Start(ctx, "subscription."+opProRate,
		attribute.String("company_id", conn.CompanyID.String()),
		attribute.String("target_subscription_id", req.TargetSubscriptionID.String()),
	)

	var result *subscriptiondomain.ProRateResult
	started := time.Now()
	err := conn.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.proRate(ctx, conn.WithTx(tx), req)
		return err
	})
	elapsed := time.Since(started)
	tracing.End(span, err)

	log := obslogger.WithContext(ctx, s.log)
	if err != nil {
		s.obsMetrics.RecordBalanceMutation(ctx, opProRate, "error", elapsed)
		log.Warn("pro-ration failed", zap.String("last_invoice_id", req.LastInvoiceID.String()), zap.Error(err))
		return nil, err
	}
	s.outbox.Notify()
	s.obsMetrics.RecordBalanceMutation(ctx, opProRate, "success", elapsed)
	log.Info("plan change pro-rated",
		zap.String("last_invoice_id", req.LastInvoiceID.String()),
		zap.String("charge", result.Charge.String()),
		zap.String("refund", result.Refund.String()),
		zap.String("total", result.Total.String()),
	)
	return result, nil
}

func (s *Service) proRate(ctx context.Context, conn tenant.Conn, req subscriptiondomain.ProRateRequest) (*subscriptiondomain.ProRateResult, error) {
	last, err := s.invoiceRepo.FindInvoice(ctx, conn.DB, conn.CompanyID, req.LastInvoiceID)
	if err != nil {
		return nil, err
	}
	switch {
	case last == nil:
		return nil, balancedomain.ErrInvoiceNotFound
	case last.IsDeleted:
		return nil, balancedomain.ErrInvoiceDeleted
	case last.IsDraft():
		return nil, balancedomain.ErrInvoiceIsDraft
	case !last.AcceptsPayment():
		// Cancelled invoices were written off and reversed ones already
		// returned their payments as a credit.
		return nil, balancedomain.ErrInvoiceNotProRatable
	case last.SubscriptionID == nil:
		return nil, subscriptiondomain.ErrNoSubscription
	}

	current, err := s.findSubscription(ctx, conn, *last.SubscriptionID)
	if err != nil {
		return nil, err
	}
	target, err := s.findSubscription(ctx, conn, req.TargetSubscriptionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p, err := newProration(last, current.FrequencyID, now)
	if err != nil {
		return nil, err
	}

	result := &subscriptiondomain.ProRateResult{}
	// Unpaid: charge for the days used. Paid: refund the days left.
	switch {
	case last.Balance.IsPositive():
		result.Charge = p.charge()
	case last.Status == invoicedomain.StatusPaid:
		result.Refund = p.refund()
	}
	result.Total = target.Price.Add(result.Charge).Sub(result.Refund)

	lines := proRataLines(last, target, p, result.Charge, result.Refund)
	if result.Total.IsPositive() {
		invoice := &invoicedomain.Invoice{
			Document:       s.draft(last, result.Total, now),
			SubscriptionID: &target.ID,
			Lines:          lines,
		}
		if err := s.invoiceRepo.CreateInvoice(ctx, conn.DB, invoice); err != nil {
			return nil, err
		}
		sent, err := s.balance.MarkSent(ctx, conn, invoice.ID)
		if err != nil {
			return nil, err
		}
		result.Invoice = sent
		return result, nil
	}

	for i := range lines {
		lines[i] = negate(lines[i])
	}
	credit := &invoicedomain.Credit{
		Document:       s.draft(last, result.Total.Neg(), now),
		SubscriptionID: &target.ID,
		Lines:          lines,
	}
	if err := s.invoiceRepo.CreateCredit(ctx, conn.DB, credit); err != nil {
		return nil, err
	}
	sent, err := s.balance.MarkCreditSent(ctx, conn, credit.ID)
	if err != nil {
		return nil, err
	}
	result.Credit = sent
	return result, nil
}

func (s *Service) CalculateUpgradePrice(ctx context.Context, conn tenant.Conn, recurringID, targetID snowflake.ID) (*decimal.Decimal, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	recurring, err := s.invoiceRepo.FindRecurring(ctx, conn.DB, conn.CompanyID, recurringID)
	if err != nil {
		return nil, err
	}
	if recurring == nil {
		return nil, subscriptiondomain.ErrRecurringNotFound
	}
	if recurring.SubscriptionID == nil {
		return nil, subscriptiondomain.ErrNoSubscription
	}
	current, err := s.findSubscription(ctx, conn, *recurring.SubscriptionID)
	if err != nil {
		return nil, err
	}
	target, err := s.findSubscription(ctx, conn, targetID)
	if err != nil {
		return nil, err
	}

	outstanding, err := s.invoiceRepo.ListOutstandingBySubscription(ctx, conn.DB, conn.CompanyID, current.ID)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, inv := range outstanding {
		if inv.ClientID == recurring.ClientID && inv.Balance.IsPositive() {
			count++
		}
	}
	// A plan change in the middle of several open cycles cannot be priced.
	if count > 1 {
		return nil, nil
	}

	price := target.Price
	last, err := s.repo.LatestInvoice(ctx, conn.DB, conn.CompanyID, current.ID, recurring.ClientID)
	if err != nil {
		return nil, err
	}
	if last != nil && last.Status == invoicedomain.StatusPaid {
		p, err := newProration(last, current.FrequencyID, s.now())
		if err != nil {
			return nil, err
		}
		price = price.Sub(p.refund())
	}
	return &price, nil
}

// CancellationRefund decides whether cancelling now refunds the latest
// invoice in full: it must be paid off and still inside the refund window.
func (s *Service) CancellationRefund(ctx context.Context, conn tenant.Conn, subscriptionID, clientID snowflake.ID) (subscriptiondomain.RefundDecision, error) {
	if err := conn.Validate(); err != nil {
		return subscriptiondomain.RefundDecision{}, err
	}
	sub, err := s.findSubscription(ctx, conn, subscriptionID)
	if err != nil {
		return subscriptiondomain.RefundDecision{}, err
	}
	last, err := s.repo.LatestInvoice(ctx, conn.DB, conn.CompanyID, sub.ID, clientID)
	if err != nil {
		return subscriptiondomain.RefundDecision{}, err
	}
	if last == nil {
		return subscriptiondomain.RefundDecision{Amount: decimal.Zero}, nil
	}

	decision := subscriptiondomain.RefundDecision{InvoiceID: last.ID, Amount: decimal.Zero}
	windowEnd := last.Date.Add(time.Duration(sub.RefundPeriod) * time.Second)
	if windowEnd.After(s.now()) && last.Balance.IsZero() && last.AcceptsPayment() {
		decision.Eligible = true
		decision.Amount = last.Amount
	}
	return decision, nil
}

func (s *Service) findSubscription(ctx context.Context, conn tenant.Conn, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, conn.DB, conn.CompanyID, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", subscriptiondomain.ErrSubscriptionNotFound, id)
	}
	return sub, nil
}

func (s *Service) draft(last *invoicedomain.Invoice, amount decimal.Decimal, now time.Time) invoicedomain.Document {
	return invoicedomain.Document{
		ID:         s.genID.Generate(),
		CompanyID:  last.CompanyID,
		ClientID:   last.ClientID,
		Status:     invoicedomain.StatusDraft,
		Date:       now,
		Amount:     amount,
		Balance:    decimal.Zero,
		Partial:    decimal.Zero,
		PaidToDate: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// proration is the position of now inside the billing cycle an invoice opened.
type proration struct {
	amount  decimal.Decimal
	days    int
	elapsed int
}

func newProration(invoice *invoicedomain.Invoice, frequency subscriptiondomain.Frequency, now time.Time) (proration, error) {
	days, err := subscriptiondomain.FrequencyDays(frequency, now)
	if err != nil {
		return proration{}, err
	}
	elapsed := subscriptiondomain.DaysBetween(invoice.Date, now)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > days {
		elapsed = days
	}
	return proration{amount: invoice.Amount, days: days, elapsed: elapsed}, nil
}

func (p proration) charge() decimal.Decimal {
	return p.share(p.elapsed)
}

func (p proration) refund() decimal.Decimal {
	return p.share(p.days - p.elapsed)
}

func (p proration) share(days int) decimal.Decimal {
	if p.days <= 0 {
		return decimal.Zero
	}
	v := p.amount.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(p.days)))
	return money.Round(v, proRataPrecision)
}

// proRataLines itemizes a plan change as it appears on an invoice.
func proRataLines(last *invoicedomain.Invoice, target *subscriptiondomain.Subscription, p proration, charge, refund decimal.Decimal) []invoicedomain.LineItem {
	one := decimal.NewFromInt(1)
	lines := []invoicedomain.LineItem{
		invoicedomain.NewLineItem(target.ProductKey, target.Name, one, target.Price),
	}
	if charge.IsPositive() {
		notes := fmt.Sprintf("%s: %d of %d days used on invoice %s", productKeyCharge, p.elapsed, p.days, last.NumberOrEmpty())
		lines = append(lines, invoicedomain.NewLineItem(productKeyCharge, notes, one, charge))
	}
	if refund.IsPositive() {
		notes := fmt.Sprintf("%s: %d unused days on invoice %s", productKeyRefund, p.days-p.elapsed, last.NumberOrEmpty())
		lines = append(lines, invoicedomain.NewLineItem(productKeyRefund, notes, one, refund.Neg()))
	}
	return lines
}

func negate(line invoicedomain.LineItem) invoicedomain.LineItem {
	return invoicedomain.NewLineItem(line.ProductKey, line.Notes, line.Quantity, line.Cost.Neg())
}

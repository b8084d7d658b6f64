package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	clientdomain "github.com/smallbiznis/invoicebalance/internal/client/domain"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/companycontext"
	"github.com/smallbiznis/invoicebalance/internal/config"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	"github.com/smallbiznis/invoicebalance/internal/numbering"
	obslogger "github.com/smallbiznis/invoicebalance/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/invoicebalance/internal/observability/metrics"
	"github.com/smallbiznis/invoicebalance/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"github.com/smallbiznis/invoicebalance/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opApplyPayment        = "apply_payment"
	opReverseInvoice      = "reverse_invoice"
	opMarkInvoiceDeleted  = "mark_invoice_deleted"
	opMarkSent            = "mark_sent"
	opMarkCreditSent      = "mark_credit_sent"
	opMarkQuoteSent       = "mark_quote_sent"
	opCancelInvoice       = "cancel_invoice"
	opReverseCancellation = "reverse_cancellation"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	EngineCfg   *config.EngineConfigHolder `optional:"true"`
	InvoiceRepo invoicedomain.Repository
	ClientRepo  clientdomain.Repository
	PaymentRepo paymentdomain.Repository
	Ledger      ledgerdomain.Service
	Numbering   numbering.Service
	Outbox      *events.Outbox      `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	engineCfg   *config.EngineConfigHolder
	invoiceRepo invoicedomain.Repository
	clientRepo  clientdomain.Repository
	paymentRepo paymentdomain.Repository
	ledger      ledgerdomain.Service
	numbering   numbering.Service
	outbox      *events.Outbox
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		log:         p.Log.Named("balance.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		engineCfg:   p.EngineCfg,
		invoiceRepo: p.InvoiceRepo,
		clientRepo:  p.ClientRepo,
		paymentRepo: p.PaymentRepo,
		ledger:      p.Ledger,
		numbering:   p.Numbering,
		outbox:      p.Outbox,
		obsMetrics:  p.ObsMetrics,
	}
}

// run executes fn in one transaction on conn. Events written by fn are only
// announced to the worker after the commit succeeds.
func (s *Service) run(ctx context.Context, conn tenant.Conn, op string, fn func(ctx context.Context, tx *gorm.DB) error) error {
	if err := conn.Validate(); err != nil {
		return err
	}

	ctx = companycontext.WithCompanyID(ctx, conn.CompanyID)
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	ctx, span := tracing.Start(ctx, "balance."+op,
		attribute.String("company_id", conn.CompanyID.String()),
	)

	// Nested under a caller's transaction the commit below is a savepoint;
	// the caller notifies the worker once its own commit lands.
	nested := conn.InTransaction()
	started := time.Now()
	err := conn.Transaction(ctx, func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
	elapsed := time.Since(started)
	tracing.End(span, err)

	log := obslogger.WithContext(ctx, s.log).With(zap.String("operation", op))
	switch {
	case err == nil && nested:
		log.Debug("balance operation staged in caller transaction")
	case err == nil:
		s.outbox.Notify()
		s.obsMetrics.RecordBalanceMutation(ctx, op, "success", elapsed)
	case balancedomain.IsConsistency(err):
		s.obsMetrics.RecordBalanceMutation(ctx, op, "consistency_violation", elapsed)
		s.obsMetrics.RecordConsistencyViolation(ctx, op)
		fields := []zap.Field{zap.Error(err)}
		var ce *balancedomain.ConsistencyError
		if errors.As(err, &ce) {
			fields = append(fields, zap.String("detail", ce.Detail), zap.NamedError("cause", ce.Err))
		}
		log.Error("balance consistency violation, transaction rolled back", fields...)
	case balancedomain.IsValidation(err), balancedomain.IsPrecondition(err):
		s.obsMetrics.RecordBalanceMutation(ctx, op, "rejected", elapsed)
		log.Info("balance operation rejected", zap.Error(err))
	default:
		s.obsMetrics.RecordBalanceMutation(ctx, op, "error", elapsed)
		log.Error("balance operation failed", zap.Error(err))
	}
	return err
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) config() config.EngineConfig {
	return s.engineCfg.Get()
}

// appendLedger writes one ledger row. A failed append is a consistency
// violation and aborts the operation.
func (s *Service) appendLedger(ctx context.Context, tx *gorm.DB, op string, companyID snowflake.ID, owner ledgerdomain.Owner, adjustment decimal.Decimal, notes string) error {
	if _, err := s.ledger.Append(ctx, tx, companyID, owner, adjustment, notes); err != nil {
		return &balancedomain.ConsistencyError{
			Op:     op,
			Detail: "ledger append failed for " + string(owner.Type) + " " + owner.ID.String(),
			Err:    err,
		}
	}
	return nil
}

func (s *Service) lockClient(ctx context.Context, tx *gorm.DB, companyID, clientID snowflake.ID) (*clientdomain.Client, error) {
	client, err := s.clientRepo.FindByIDForUpdate(ctx, tx, companyID, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, balancedomain.ErrClientNotFound
	}
	return client, nil
}

// lockClientAndInvoice reads the invoice to find its client, then locks the
// client before the invoice to keep the engine-wide lock order.
func (s *Service) lockClientAndInvoice(ctx context.Context, tx *gorm.DB, companyID, invoiceID snowflake.ID) (*clientdomain.Client, *invoicedomain.Invoice, error) {
	found, err := s.invoiceRepo.FindInvoice(ctx, tx, companyID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if found == nil {
		return nil, nil, balancedomain.ErrInvoiceNotFound
	}
	client, err := s.lockClient(ctx, tx, companyID, found.ClientID)
	if err != nil {
		return nil, nil, err
	}
	invoice, err := s.invoiceRepo.LockInvoice(ctx, tx, companyID, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		return nil, nil, balancedomain.ErrInvoiceNotFound
	}
	return client, invoice, nil
}

func (s *Service) saveClient(ctx context.Context, tx *gorm.DB, client *clientdomain.Client) error {
	client.UpdatedAt = s.now()
	return s.clientRepo.Save(ctx, tx, client)
}

func (s *Service) saveInvoice(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	invoice.UpdatedAt = s.now()
	return s.invoiceRepo.SaveInvoice(ctx, tx, invoice)
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, eventType string, payload map[string]any) error {
	return s.outbox.PublishTx(ctx, tx, events.Event{
		CompanyID: companyID,
		Type:      eventType,
		Payload:   payload,
	})
}

// ensureInvitations creates the default invitation when a document has none and stamps all of them sent.
func (s *Service) ensureInvitations(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, kind invoicedomain.EntityKind, entityID snowflake.ID) error {
	count, err := s.invoiceRepo.CountInvitations(ctx, tx, companyID, kind, entityID)
	if err != nil {
		return err
	}
	now := s.now()
	if count == 0 {
		if err := s.invoiceRepo.CreateInvitation(ctx, tx, &invoicedomain.Invitation{
			ID:         s.genID.Generate(),
			CompanyID:  companyID,
			EntityKind: kind,
			EntityID:   entityID,
			Key:        ulid.Make().String(),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
	}
	return s.invoiceRepo.MarkInvitationsSent(ctx, tx, companyID, kind, entityID, now)
}

// assignNumber leaves an existing number alone.
func (s *Service) assignNumber(ctx context.Context, tx *gorm.DB, doc *invoicedomain.Document, kind invoicedomain.EntityKind) error {
	if doc.NumberOrEmpty() != "" {
		return nil
	}
	number, err := s.numbering.Next(ctx, tx, doc.CompanyID, kind)
	if err != nil {
		return err
	}
	doc.Number = &number
	return nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	"github.com/smallbiznis/invoicebalance/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	invoices  repository.Store[domain.Invoice]
	credits   repository.Store[domain.Credit]
	quotes    repository.Store[domain.Quote]
	recurring repository.Store[domain.RecurringInvoice]
}

func Provide() domain.Repository {
	return &repo{
		invoices:  repository.NewStore[domain.Invoice](),
		credits:   repository.NewStore[domain.Credit](),
		quotes:    repository.NewStore[domain.Quote](),
		recurring: repository.NewStore[domain.RecurringInvoice](),
	}
}

func (r *repo) FindInvoice(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Invoice, error) {
	return r.invoices.FindByID(ctx, db, companyID, id)
}

func (r *repo) LockInvoice(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Invoice, error) {
	return r.invoices.FindByIDForUpdate(ctx, db, companyID, id)
}

func (r *repo) LockInvoices(ctx context.Context, db *gorm.DB, companyID snowflake.ID, ids []snowflake.ID) ([]domain.Invoice, error) {
	return r.invoices.ListForUpdate(ctx, db, companyID, ids)
}

func (r *repo) CreateInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return r.invoices.Create(ctx, db, invoice)
}

func (r *repo) SaveInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return r.invoices.Save(ctx, db, invoice)
}

func (r *repo) ListLiveInvoices(ctx context.Context, db *gorm.DB, companyID, clientID snowflake.ID) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("company_id = ? AND client_id = ? AND is_deleted = ?", companyID, clientID, false).
		Where("status <> ?", domain.StatusDraft).
		Order("id ASC").
		Find(&invoices).Error
	return invoices, err
}

func (r *repo) ListOutstandingBySubscription(ctx context.Context, db *gorm.DB, companyID, subscriptionID snowflake.ID) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("company_id = ? AND subscription_id = ? AND is_deleted = ?", companyID, subscriptionID, false).
		Where("status IN ?", []domain.Status{domain.StatusSent, domain.StatusPartial}).
		Order("date DESC, id DESC").
		Find(&invoices).Error
	return invoices, err
}

func (r *repo) FindCredit(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Credit, error) {
	return r.credits.FindByID(ctx, db, companyID, id)
}

func (r *repo) LockCredit(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Credit, error) {
	return r.credits.FindByIDForUpdate(ctx, db, companyID, id)
}

func (r *repo) CreateCredit(ctx context.Context, db *gorm.DB, credit *domain.Credit) error {
	return r.credits.Create(ctx, db, credit)
}

func (r *repo) SaveCredit(ctx context.Context, db *gorm.DB, credit *domain.Credit) error {
	return r.credits.Save(ctx, db, credit)
}

func (r *repo) FindQuote(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Quote, error) {
	return r.quotes.FindByID(ctx, db, companyID, id)
}

func (r *repo) LockQuote(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Quote, error) {
	return r.quotes.FindByIDForUpdate(ctx, db, companyID, id)
}

func (r *repo) SaveQuote(ctx context.Context, db *gorm.DB, quote *domain.Quote) error {
	return r.quotes.Save(ctx, db, quote)
}

func (r *repo) FindRecurring(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.RecurringInvoice, error) {
	return r.recurring.FindByID(ctx, db, companyID, id)
}

func (r *repo) NumberTaken(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind domain.EntityKind, number string) (bool, error) {
	var count int64
	var err error
	switch kind {
	case domain.EntityInvoice:
		count, err = r.invoices.Count(ctx, db, "company_id = ? AND number = ?", companyID, number)
	case domain.EntityCredit:
		count, err = r.credits.Count(ctx, db, "company_id = ? AND number = ?", companyID, number)
	case domain.EntityQuote:
		count, err = r.quotes.Count(ctx, db, "company_id = ? AND number = ?", companyID, number)
	case domain.EntityRecurringInvoice:
		count, err = r.recurring.Count(ctx, db, "company_id = ? AND number = ?", companyID, number)
	default:
		return false, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) CountInvitations(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind domain.EntityKind, entityID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Invitation{}).
		Where("company_id = ? AND entity_kind = ? AND entity_id = ?", companyID, kind, entityID).
		Count(&count).Error
	return count, err
}

func (r *repo) CreateInvitation(ctx context.Context, db *gorm.DB, invitation *domain.Invitation) error {
	return db.WithContext(ctx).Create(invitation).Error
}

func (r *repo) MarkInvitationsSent(ctx context.Context, db *gorm.DB, companyID snowflake.ID, kind domain.EntityKind, entityID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Invitation{}).
		Where("company_id = ? AND entity_kind = ? AND entity_id = ? AND sent_at IS NULL", companyID, kind, entityID).
		Update("sent_at", at).Error
}

func (r *repo) DetachInvoice(ctx context.Context, db *gorm.DB, companyID, invoiceID snowflake.ID) error {
	if err := db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("company_id = ? AND invoice_id = ?", companyID, invoiceID).
		Update("invoice_id", nil).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).
		Model(&domain.Expense{}).
		Where("company_id = ? AND invoice_id = ?", companyID, invoiceID).
		Update("invoice_id", nil).Error
}

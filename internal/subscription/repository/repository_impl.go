package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	"github.com/smallbiznis/invoicebalance/internal/subscription/domain"
	"github.com/smallbiznis/invoicebalance/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	subscriptions repository.Store[domain.Subscription]
}

func Provide() domain.Repository {
	return &repo{subscriptions: repository.NewStore[domain.Subscription]()}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Subscription, error) {
	return r.subscriptions.FindByID(ctx, db, companyID, id)
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	if subscription.Name == "" {
		return domain.ErrInvalidRequest
	}
	if _, err := subscription.FrequencyID.Next(subscription.CreatedAt); err != nil {
		return err
	}
	return r.subscriptions.Create(ctx, db, subscription)
}

func (r *repo) LatestInvoice(ctx context.Context, db *gorm.DB, companyID, subscriptionID, clientID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("company_id = ? AND subscription_id = ? AND client_id = ? AND is_deleted = ?", companyID, subscriptionID, clientID, false).
		Order("id DESC").
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

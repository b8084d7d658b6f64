package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/internal/client/domain"
	"github.com/smallbiznis/invoicebalance/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	store repository.Store[domain.Client]
}

func Provide() domain.Repository {
	return &repo{store: repository.NewStore[domain.Client]()}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Client, error) {
	return r.store.FindByID(ctx, db, companyID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, companyID, id snowflake.ID) (*domain.Client, error) {
	return r.store.FindByIDForUpdate(ctx, db, companyID, id)
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, client *domain.Client) error {
	if client.Name == "" {
		return domain.ErrInvalidName
	}
	if client.CurrencyCode == "" {
		return domain.ErrInvalidCurrency
	}
	return r.store.Create(ctx, db, client)
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, client *domain.Client) error {
	return r.store.Save(ctx, db, client)
}

// Package tenant resolves the database connection that owns a company's rows.
// Every engine operation receives a Conn explicitly instead of reading a
// process-wide "current connection".
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/pkg/rls"
	"gorm.io/gorm"
)

var (
	ErrCompanyNotFound = errors.New("company_not_found")
	ErrInvalidCompany  = errors.New("invalid_company")
	ErrNoConnection    = errors.New("tenant_connection_missing")
)

// Company is the tenant boundary. Shard names a dbresolver source; empty means the primary database.
type Company struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null"`
	Slug      string       `gorm:"type:text;not null;uniqueIndex"`
	Shard     string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

func (Company) TableName() string { return "companies" }

// Conn is a company-scoped handle on the database that stores its rows.
type Conn struct {
	CompanyID snowflake.ID
	DB        *gorm.DB

	rls bool
}

// NewConn builds a Conn without routing. Tests and single-database deployments use it directly.
func NewConn(companyID snowflake.ID, db *gorm.DB) Conn {
	return Conn{CompanyID: companyID, DB: db}
}

func (c Conn) Validate() error {
	if c.CompanyID == 0 {
		return ErrInvalidCompany
	}
	if c.DB == nil {
		return ErrNoConnection
	}
	return nil
}

// Transaction runs fn in a transaction on the company's database. When Conn
// already wraps a transaction, gorm nests it as a savepoint.
func (c Conn) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.rls {
			if err := rls.WithTenant(tx, c.CompanyID); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

// InTransaction reports whether Conn wraps an open transaction, in which
// case a commit of Transaction is only a savepoint release.
func (c Conn) InTransaction() bool {
	if c.DB == nil || c.DB.Statement == nil {
		return false
	}
	committer, ok := c.DB.Statement.ConnPool.(gorm.TxCommitter)
	return ok && committer != nil
}

// WithTx returns a copy of c bound to an open transaction.
func (c Conn) WithTx(tx *gorm.DB) Conn {
	c.DB = tx
	return c
}

package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/invoicebalance/internal/activity"
	clientdomain "github.com/smallbiznis/invoicebalance/internal/client/domain"
	"github.com/smallbiznis/invoicebalance/internal/events"
	invoicedomain "github.com/smallbiznis/invoicebalance/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/invoicebalance/internal/ledger/domain"
	"github.com/smallbiznis/invoicebalance/internal/numbering"
	paymentdomain "github.com/smallbiznis/invoicebalance/internal/payment/domain"
	"github.com/smallbiznis/invoicebalance/internal/paymenthash"
	subscriptiondomain "github.com/smallbiznis/invoicebalance/internal/subscription/domain"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations. Tables, indexes
// and the company row-level-security policies all live there.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Models lists every table the engine owns, in dependency order.
func Models() []any {
	return []any{
		&tenant.Company{},
		&clientdomain.Client{},
		&subscriptiondomain.Subscription{},
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
		&paymenthash.PaymentHash{},
		&events.OutboxEvent{},
		&activity.Activity{},
		&activity.Backup{},
	}
}

// AutoMigrate creates the schema from the gorm models. It is used for
// dialects the embedded SQL does not target (sqlite, mysql).
func AutoMigrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

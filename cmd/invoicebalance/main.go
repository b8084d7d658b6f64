package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicebalance/internal/activity"
	"github.com/smallbiznis/invoicebalance/internal/balance"
	"github.com/smallbiznis/invoicebalance/internal/client"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	"github.com/smallbiznis/invoicebalance/internal/events"
	"github.com/smallbiznis/invoicebalance/internal/invoice"
	"github.com/smallbiznis/invoicebalance/internal/ledger"
	"github.com/smallbiznis/invoicebalance/internal/migration"
	"github.com/smallbiznis/invoicebalance/internal/numbering"
	"github.com/smallbiznis/invoicebalance/internal/observability"
	"github.com/smallbiznis/invoicebalance/internal/payment"
	"github.com/smallbiznis/invoicebalance/internal/paymenthash"
	"github.com/smallbiznis/invoicebalance/internal/server"
	"github.com/smallbiznis/invoicebalance/internal/subscription"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"github.com/smallbiznis/invoicebalance/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		tenant.Module,
		migration.Module,

		// Repositories
		client.Module,
		invoice.Module,
		payment.Module,

		// Engine
		ledger.Module,
		numbering.Module,
		balance.Module,
		subscription.Module,
		paymenthash.Module,

		// Post-commit side effects
		events.Module,
		activity.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

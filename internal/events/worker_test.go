package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	obsmetrics "github.com/smallbiznis/invoicebalance/internal/observability/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticSources []*gorm.DB

func (s staticSources) Sources(context.Context) ([]*gorm.DB, error) { return s, nil }

type fixture struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	outbox  *Outbox
	worker  *Worker
	metrics *obsmetrics.OutboxMetrics
	reg     *prometheus.Registry
}

func setup(t *testing.T) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&OutboxEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))

	engineCfg := config.DefaultEngineConfig()
	engineCfg.Outbox.MaxAttempts = 2
	engineCfg.Outbox.BaseBackoff = time.Minute

	reg := prometheus.NewRegistry()
	metrics, err := obsmetrics.NewOutboxMetricsWithRegistry(reg, obsmetrics.Config{ServiceName: "test"})
	require.NoError(t, err)

	outbox := NewOutbox(zap.NewNop(), node, fake)
	worker := NewWorker(WorkerParams{
		Log:       zap.NewNop(),
		Clock:     fake,
		Sources:   staticSources{db},
		Outbox:    outbox,
		EngineCfg: config.NewStaticEngineConfigHolder(engineCfg),
		Metrics:   metrics,
	})
	return fixture{db: db, clock: fake, outbox: outbox, worker: worker, metrics: metrics, reg: reg}
}

func publish(t *testing.T, f fixture, evt Event) {
	t.Helper()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.outbox.PublishTx(context.Background(), tx, evt)
	}))
}

func TestPublishTxDeduplicates(t *testing.T) {
	f := setup(t)
	evt := Event{CompanyID: 1, Type: EventInvoiceUpdated, Payload: map[string]any{"invoice_id": "9"}, DedupeKey: "invoice.updated:9:1"}

	publish(t, f, evt)
	publish(t, f, evt)

	var count int64
	require.NoError(t, f.db.Model(&OutboxEvent{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestPublishTxRejectsIncompleteEvents(t *testing.T) {
	f := setup(t)
	err := f.outbox.PublishTx(context.Background(), f.db, Event{Type: EventInvoiceUpdated})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPublishTxRollsBackWithCaller(t *testing.T) {
	f := setup(t)
	_ = f.db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, f.outbox.PublishTx(context.Background(), tx, Event{CompanyID: 1, Type: EventInvoiceDeleted}))
		return errors.New("rollback")
	})

	var count int64
	require.NoError(t, f.db.Model(&OutboxEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRunOnceDispatchesToHandlers(t *testing.T) {
	f := setup(t)
	var seen []string
	f.worker.Register(EventPaymentApplied, func(ctx context.Context, tx *gorm.DB, evt OutboxEvent) error {
		seen = append(seen, evt.EventType)
		return nil
	})

	publish(t, f, Event{CompanyID: 1, Type: EventPaymentApplied})
	publish(t, f, Event{CompanyID: 1, Type: EventQuoteMarkedSent})

	handled, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, handled)
	require.Equal(t, []string{EventPaymentApplied}, seen)

	var rows []OutboxEvent
	require.NoError(t, f.db.Order("id ASC").Find(&rows).Error)
	for _, row := range rows {
		require.Equal(t, OutboxStatusDispatched, row.Status)
		require.NotNil(t, row.DispatchedAt)
	}
	// One series per (event_type, result): applied/success and marked_sent/skipped.
	count, err := testutil.GatherAndCount(f.reg, "invoicebalance_outbox_dispatched_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRunOnceRetriesThenDeadLetters(t *testing.T) {
	f := setup(t)
	f.worker.Register(EventInvoiceReversed, func(ctx context.Context, tx *gorm.DB, evt OutboxEvent) error {
		return errors.New("webhook down")
	})
	publish(t, f, Event{CompanyID: 1, Type: EventInvoiceReversed})

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	var row OutboxEvent
	require.NoError(t, f.db.First(&row).Error)
	require.Equal(t, OutboxStatusPending, row.Status)
	require.Equal(t, 1, row.Attempts)
	require.Equal(t, "webhook down", row.LastError)
	require.True(t, row.NextAttemptAt.After(f.clock.Now()))

	// Not due yet.
	handled, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, handled)

	f.clock.Advance(2 * time.Minute)
	_, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.db.First(&row).Error)
	require.Equal(t, OutboxStatusDead, row.Status)
	require.Equal(t, 2, row.Attempts)
}

func TestFailingHandlerWritesAreRolledBack(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.db.Exec("CREATE TABLE side_effects (id INTEGER PRIMARY KEY)").Error)
	f.worker.Register(EventInvoiceDeleted, func(ctx context.Context, tx *gorm.DB, evt OutboxEvent) error {
		if err := tx.Exec("INSERT INTO side_effects (id) VALUES (1)").Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	publish(t, f, Event{CompanyID: 1, Type: EventInvoiceDeleted})

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Table("side_effects").Count(&count).Error)
	require.Zero(t, count)
}

func TestBackoff(t *testing.T) {
	require.Equal(t, time.Second, backoff(time.Second, 1))
	require.Equal(t, 4*time.Second, backoff(time.Second, 3))
	require.Equal(t, time.Hour, backoff(time.Second, 40))
}

func TestNilLockerIsSafe(t *testing.T) {
	var locker *Locker
	require.Nil(t, NewLocker(nil))
	require.NoError(t, locker.Release(context.Background(), "k", "t"))
	_, _, err := locker.TryLock(context.Background(), "k", time.Second)
	require.Error(t, err)
}

package events

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/smallbiznis/invoicebalance/internal/clock"
	"github.com/smallbiznis/invoicebalance/internal/config"
	obsmetrics "github.com/smallbiznis/invoicebalance/internal/observability/metrics"
	"github.com/smallbiznis/invoicebalance/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const leaseKey = "invoicebalance:outbox:lease"

// Handler processes one event. It runs inside a savepoint on the event's own
// database, so a failing handler leaves no partial writes behind.
type Handler func(ctx context.Context, tx *gorm.DB, evt OutboxEvent) error

// SourceLister returns every database holding outbox rows.
type SourceLister interface {
	Sources(ctx context.Context) ([]*gorm.DB, error)
}

type WorkerParams struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Sources   SourceLister
	Outbox    *Outbox
	EngineCfg *config.EngineConfigHolder `optional:"true"`
	Metrics   *obsmetrics.OutboxMetrics  `optional:"true"`
	Locker    *Locker                    `optional:"true"`
}

type Worker struct {
	log       *zap.Logger
	clock     clock.Clock
	sources   SourceLister
	outbox    *Outbox
	engineCfg *config.EngineConfigHolder
	metrics   *obsmetrics.OutboxMetrics
	locker    *Locker

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		log:       p.Log.Named("events.worker"),
		clock:     p.Clock,
		sources:   p.Sources,
		outbox:    p.Outbox,
		engineCfg: p.EngineCfg,
		metrics:   p.Metrics,
		locker:    p.Locker,
		handlers:  make(map[string][]Handler),
	}
}

// Register adds h for eventType. Several handlers may share a type.
func (w *Worker) Register(eventType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[eventType] = append(w.handlers[eventType], h)
}

func (w *Worker) RunForever(ctx context.Context) {
	interval := w.engineCfg.Get().Outbox.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("outbox poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.outbox.Wake():
		}
	}
}

// RunOnce dispatches one batch per source and returns the number of events handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	w.metrics.IncPollRun()
	cfg := w.engineCfg.Get().Outbox

	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, leaseKey, cfg.LeaseTTL)
		if err != nil {
			return 0, fmt.Errorf("acquire outbox lease: %w", err)
		}
		if !ok {
			w.metrics.IncLeaseSkipped()
			return 0, nil
		}
		defer func() {
			if err := w.locker.Release(context.Background(), leaseKey, token); err != nil {
				w.log.Warn("release outbox lease failed", zap.Error(err))
			}
		}()
	}

	sources, err := w.sources.Sources(ctx)
	if err != nil {
		return 0, err
	}

	var (
		total   int
		backlog int
		runErr  error
	)
	for _, db := range sources {
		handled, pending, err := w.dispatchSource(ctx, db, cfg)
		total += handled
		backlog += pending
		if err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	w.metrics.SetBacklog(backlog)
	return total, runErr
}

func (w *Worker) dispatchSource(ctx context.Context, db *gorm.DB, cfg config.OutboxConfig) (int, int, error) {
	handled := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := w.clock.Now().UTC()

		var batch []OutboxEvent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", OutboxStatusPending, now).
			Order("id ASC").
			Limit(cfg.BatchSize).
			Find(&batch).Error; err != nil {
			return err
		}

		for i := range batch {
			w.dispatch(ctx, tx, &batch[i], cfg, now)
			handled++
		}
		return nil
	})
	if err != nil {
		return handled, 0, err
	}

	var pending int64
	if err := db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("status = ?", OutboxStatusPending).
		Count(&pending).Error; err != nil {
		return handled, 0, err
	}
	return handled, int(pending), nil
}

func (w *Worker) dispatch(ctx context.Context, tx *gorm.DB, evt *OutboxEvent, cfg config.OutboxConfig, now time.Time) {
	w.mu.RLock()
	handlers := w.handlers[evt.EventType]
	w.mu.RUnlock()

	ctx = correlation.ContextFromPayload(ctx, evt.Payload)
	log := w.log.With(
		zap.String("correlation_id", correlation.ExtractCorrelationID(ctx)),
		zap.String("event_id", evt.ID.String()),
		zap.String("event_type", evt.EventType),
		zap.String("company_id", evt.CompanyID.String()),
	)

	started := time.Now()
	err := tx.Transaction(func(sp *gorm.DB) error {
		for _, h := range handlers {
			if err := h(ctx, sp, *evt); err != nil {
				return err
			}
		}
		return nil
	})
	w.metrics.ObserveDispatch(evt.EventType, time.Since(started))

	evt.Attempts++
	evt.UpdatedAt = now
	result := obsmetrics.DispatchResultSuccess
	switch {
	case err == nil && len(handlers) == 0:
		result = obsmetrics.DispatchResultSkipped
		evt.Status = OutboxStatusDispatched
		evt.DispatchedAt = &now
	case err == nil:
		evt.Status = OutboxStatusDispatched
		evt.DispatchedAt = &now
		evt.LastError = ""
	case evt.Attempts >= cfg.MaxAttempts:
		result = obsmetrics.DispatchResultDead
		evt.Status = OutboxStatusDead
		evt.LastError = err.Error()
		w.metrics.IncFailure(err)
		log.Error("outbox event dead-lettered", zap.Int("attempts", evt.Attempts), zap.Error(err))
	default:
		result = obsmetrics.DispatchResultRetry
		evt.LastError = err.Error()
		evt.NextAttemptAt = now.Add(backoff(cfg.BaseBackoff, evt.Attempts))
		w.metrics.IncFailure(err)
		log.Warn("outbox event failed, will retry",
			zap.Int("attempts", evt.Attempts),
			zap.Time("next_attempt_at", evt.NextAttemptAt),
			zap.Error(err),
		)
	}
	w.metrics.IncDispatched(evt.EventType, result)

	if err := tx.Save(evt).Error; err != nil {
		log.Error("outbox event status update failed", zap.Error(err))
	}
}

// backoff doubles base per attempt and caps at one hour.
func backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d <= 0 || d > time.Hour {
		return time.Hour
	}
	return d
}

package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/invoicebalance/pkg/db"
)

const (
	DispatchResultSuccess = "success"
	DispatchResultRetry   = "retry"
	DispatchResultDead    = "dead"
	DispatchResultSkipped = "skipped"
)

const (
	DispatchReasonDeadlineExceeded     = "deadline_exceeded"
	DispatchReasonDBLockTimeout        = "db_lock_timeout"
	DispatchReasonSerializationFailure = "serialization_failure"
	DispatchReasonUniqueViolation      = "unique_violation"
	DispatchReasonHandler              = "handler"
)

// OutboxMetrics captures post-commit event dispatch health.
type OutboxMetrics struct {
	dispatched   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	backlog      prometheus.Gauge
	pollRuns     prometheus.Counter
	leaseSkipped prometheus.Counter
}

// NewOutboxMetrics registers the outbox collectors on the default registry.
func NewOutboxMetrics(cfg Config) (*OutboxMetrics, error) {
	return NewOutboxMetricsWithRegistry(prometheus.DefaultRegisterer, cfg)
}

// NewOutboxMetricsWithRegistry registers the outbox collectors on registerer.
func NewOutboxMetricsWithRegistry(registerer prometheus.Registerer, cfg Config) (*OutboxMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "invoicebalance"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &OutboxMetrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoicebalance_outbox_dispatched_total",
			Help:        "Outbox events dispatched by type and result.",
			ConstLabels: constLabels,
		}, []string{"event_type", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "invoicebalance_outbox_failures_total",
			Help:        "Outbox dispatch failures by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "invoicebalance_outbox_dispatch_duration_seconds",
			Help:        "Time spent in outbox handlers per event type.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"event_type"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "invoicebalance_outbox_backlog",
			Help:        "Pending outbox events seen by the last poll.",
			ConstLabels: constLabels,
		}),
		pollRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoicebalance_outbox_poll_runs_total",
			Help:        "Outbox poll iterations.",
			ConstLabels: constLabels,
		}),
		leaseSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "invoicebalance_outbox_lease_skipped_total",
			Help:        "Polls skipped because another worker held the lease.",
			ConstLabels: constLabels,
		}),
	}

	for _, collector := range []prometheus.Collector{m.dispatched, m.failures, m.duration, m.backlog, m.pollRuns, m.leaseSkipped} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *OutboxMetrics) IncDispatched(eventType, result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(eventType, result).Inc()
}

func (m *OutboxMetrics) IncFailure(err error) {
	if m == nil || err == nil {
		return
	}
	m.failures.WithLabelValues(ClassifyDispatchReason(err)).Inc()
}

func (m *OutboxMetrics) ObserveDispatch(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *OutboxMetrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *OutboxMetrics) IncPollRun() {
	if m == nil {
		return
	}
	m.pollRuns.Inc()
}

func (m *OutboxMetrics) IncLeaseSkipped() {
	if m == nil {
		return
	}
	m.leaseSkipped.Inc()
}

// ClassifyDispatchReason maps dispatch errors to low-cardinality reasons.
func ClassifyDispatchReason(err error) string {
	switch {
	case err == nil:
		return DispatchReasonHandler
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return DispatchReasonDeadlineExceeded
	case db.IsLockTimeout(err):
		return DispatchReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return DispatchReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return DispatchReasonUniqueViolation
	default:
		return DispatchReasonHandler
	}
}

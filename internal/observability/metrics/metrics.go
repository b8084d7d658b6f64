package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the balance engine instruments. A nil *Metrics is a valid
// no-op so services can be built without observability in tests.
type Metrics struct {
	mutations       metric.Int64Counter
	mutationSeconds metric.Float64Histogram
	ledgerEntries   metric.Int64Counter
	allocations     metric.Int64Counter
	violations      metric.Int64Counter
}

// NewProvider installs the global meter provider. Disabled configs get a
// noop provider so instruments stay cheap.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := newExporter(ctx, cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)

	log = log.Named("metrics")
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("flushing meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}
	log.Info("metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.mutations, "invoicebalance_balance_mutations_total", "Balance engine operations by outcome."},
		{&m.ledgerEntries, "invoicebalance_ledger_entries_total", "Ledger entries written by owner type."},
		{&m.allocations, "invoicebalance_payment_allocations_total", "Invoice allocations applied by payments."},
		{&m.violations, "invoicebalance_consistency_violations_total", "Operations rolled back by a failed balance check."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
	}

	m.mutationSeconds, err = meter.Float64Histogram("invoicebalance_balance_mutation_duration_seconds",
		metric.WithDescription("Wall time of a balance operation including its transaction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	return m, nil
}

// RecordBalanceMutation counts one engine operation and observes how long
// it held its transaction.
func (m *Metrics) RecordBalanceMutation(ctx context.Context, operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	opAttr := attribute.String("operation", strings.TrimSpace(operation))
	m.mutations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(opAttr, attribute.String("result", result))...))
	if elapsed > 0 {
		m.mutationSeconds.Record(ctx, elapsed.Seconds(), metric.WithAttributes(FilterAttributes(opAttr)...))
	}
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, ownerType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("owner_type", strings.TrimSpace(ownerType)))
	m.ledgerEntries.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordAllocation counts one invoice allocation; capped means the request
// asked for more than the invoice's payable amount.
func (m *Metrics) RecordAllocation(ctx context.Context, capped bool) {
	if m == nil {
		return
	}
	reason := "exact"
	if capped {
		reason = "capped"
	}
	m.allocations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

func (m *Metrics) RecordConsistencyViolation(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.violations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "invoicebalance"
}

func newExporter(ctx context.Context, protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Company, client and document ids never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":  {},
	"result":     {},
	"owner_type": {},
	"event_type": {},
	"reason":     {},
}

func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}

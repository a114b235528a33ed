// Package metrics exposes the billing engine's otel instruments. A disabled
// config swaps in the noop provider so call sites never branch.
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
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	paymentsApplied    metric.Int64Counter
	paymentsDuplicate  metric.Int64Counter
	refundsRecorded    metric.Int64Counter
	dispatchOutcomes   metric.Int64Counter
	invoicesGenerated  metric.Int64Counter
	overdueTransitions metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the billing instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "lessonbill"
	}
	meter := provider.Meter(name)

	paymentsApplied, err := meter.Int64Counter("lessonbill_payments_applied_total")
	if err != nil {
		return nil, err
	}
	paymentsDuplicate, err := meter.Int64Counter("lessonbill_payments_duplicate_total")
	if err != nil {
		return nil, err
	}
	refundsRecorded, err := meter.Int64Counter("lessonbill_refunds_recorded_total")
	if err != nil {
		return nil, err
	}
	dispatchOutcomes, err := meter.Int64Counter("lessonbill_dispatch_outcomes_total")
	if err != nil {
		return nil, err
	}
	invoicesGenerated, err := meter.Int64Counter("lessonbill_invoices_generated_total")
	if err != nil {
		return nil, err
	}
	overdueTransitions, err := meter.Int64Counter("lessonbill_overdue_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentsApplied:    paymentsApplied,
		paymentsDuplicate:  paymentsDuplicate,
		refundsRecorded:    refundsRecorded,
		dispatchOutcomes:   dispatchOutcomes,
		invoicesGenerated:  invoicesGenerated,
		overdueTransitions: overdueTransitions,
	}, nil
}

// RecordPaymentApplied increments applied payment counts.
func (m *Metrics) RecordPaymentApplied(ctx context.Context, method string, full bool) {
	if m == nil {
		return
	}
	outcome := "partial"
	if full {
		outcome = "full"
	}
	attrs := FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("outcome", outcome),
	)
	m.paymentsApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentDuplicate increments duplicate-detection counts.
func (m *Metrics) RecordPaymentDuplicate(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.paymentsDuplicate.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefund increments refund counts.
func (m *Metrics) RecordRefund(ctx context.Context, full bool) {
	if m == nil {
		return
	}
	outcome := "partial"
	if full {
		outcome = "full"
	}
	attrs := FilterAttributes(attribute.String("outcome", outcome))
	m.refundsRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDispatchOutcome increments class-change dispatch counts.
func (m *Metrics) RecordDispatchOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.dispatchOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvoiceGenerated increments generator counts.
func (m *Metrics) RecordInvoiceGenerated(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.invoicesGenerated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOverdueTransition increments overdue tick counts.
func (m *Metrics) RecordOverdueTransition(ctx context.Context) {
	if m == nil {
		return
	}
	m.overdueTransitions.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"method":  {},
	"outcome": {},
	"reason":  {},
	"source":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

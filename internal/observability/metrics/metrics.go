// Package metrics exposes application-level otel instruments.
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

// Metrics exposes the engine's counters.
type Metrics struct {
	usageIngested     metric.Int64Counter
	usageDeduplicated metric.Int64Counter
	aggregateWrites   metric.Int64Counter
	invoicesBuilt     metric.Int64Counter
	settlementActions metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tally"
	}
	meter := provider.Meter(name)

	usageIngested, err := meter.Int64Counter("tally_usage_events_ingested_total")
	if err != nil {
		return nil, err
	}
	usageDeduplicated, err := meter.Int64Counter("tally_usage_events_deduplicated_total")
	if err != nil {
		return nil, err
	}
	aggregateWrites, err := meter.Int64Counter("tally_usage_aggregate_writes_total")
	if err != nil {
		return nil, err
	}
	invoicesBuilt, err := meter.Int64Counter("tally_invoices_built_total")
	if err != nil {
		return nil, err
	}
	settlementActions, err := meter.Int64Counter("tally_settlement_actions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIngested:     usageIngested,
		usageDeduplicated: usageDeduplicated,
		aggregateWrites:   aggregateWrites,
		invoicesBuilt:     invoicesBuilt,
		settlementActions: settlementActions,
	}, nil
}

// RecordUsageIngest counts a processed batch split into new and duplicate rows.
func (m *Metrics) RecordUsageIngest(ctx context.Context, inserted, deduplicated int) {
	if m == nil {
		return
	}
	if inserted > 0 {
		m.usageIngested.Add(ctx, int64(inserted))
	}
	if deduplicated > 0 {
		m.usageDeduplicated.Add(ctx, int64(deduplicated))
	}
}

// RecordAggregateWrite counts an aggregate write by mode (replace, increment).
func (m *Metrics) RecordAggregateWrite(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.aggregateWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordInvoiceBuilt counts a built invoice by resulting status.
func (m *Metrics) RecordInvoiceBuilt(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.invoicesBuilt.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSettlement counts a settlement action so "money moved" is
// distinguishable from "bookkeeping changed".
func (m *Metrics) RecordSettlement(ctx context.Context, event, action string) {
	if m == nil {
		return
	}
	m.settlementActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("action", action),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}

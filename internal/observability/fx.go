// Package observability wires the metrics provider and instruments.
package observability

import (
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(NewMetricsConfig),
	fx.Provide(metrics.NewProvider),
	fx.Provide(metrics.New),
)

func NewMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.MetricsProtocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}

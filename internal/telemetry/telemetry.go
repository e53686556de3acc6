// Package telemetry wires OpenTelemetry metrics for the reporting pipeline.
//
// Telemetry is disabled by default. When disabled a no-op meter provider is
// installed and instruments cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "reportline"

var shutdownFns []func(context.Context) error

// Options selects exporters.
type Options struct {
	Enabled bool
	// Stdout periodically prints metrics; handy in development.
	Stdout      bool
	ServiceName string
	Version     string
	Interval    time.Duration
}

// Init installs the global meter provider.
func Init(ctx context.Context, opts Options) error {
	if !opts.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "reportline"
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if opts.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(opts.Interval)),
		))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes metrics and shuts down providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

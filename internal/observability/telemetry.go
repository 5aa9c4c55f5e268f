// Package observability wires OpenTelemetry metrics for the realtime layer.
package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const shutdownTimeout = 5 * time.Second

// Telemetry owns the meter provider and the realtime instruments.
type Telemetry struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	metrics       *Metrics
	shutdownOnce  sync.Once
}

// Init builds telemetry for cfg. When the exporter is "none" the returned
// Telemetry records into a no-op provider and Metrics still works.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	tel := &Telemetry{config: cfg}

	if !cfg.ShouldEnable() {
		m, err := InitMetrics(noop.NewMeterProvider())
		if err != nil {
			return nil, nil, err
		}
		tel.metrics = m
		return tel, func() {}, nil
	}

	mp, _, err := initMeterProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	tel.meterProvider = mp
	otel.SetMeterProvider(mp)

	m, err := InitMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	tel.metrics = m

	return tel, tel.Cleanup, nil
}

// MeterProvider returns the active meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Metrics returns the realtime instruments.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

// Shutdown flushes pending metrics and closes the provider. Safe to call twice.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		if t.meterProvider == nil {
			return
		}
		var errs []error
		if e := t.meterProvider.ForceFlush(ctx); e != nil {
			errs = append(errs, e)
		}
		if e := t.meterProvider.Shutdown(ctx); e != nil {
			errs = append(errs, e)
		}
		err = errors.Join(errs...)
	})
	return err
}

// Cleanup is a convenience for defer.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

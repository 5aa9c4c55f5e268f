package observability

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Attribute keys used on realtime instruments.
var (
	AttrTable     = attribute.Key("realtime.table")
	AttrEventKind = attribute.Key("realtime.event")
	AttrChannel   = attribute.Key("realtime.channel_kind")
	AttrReason    = attribute.Key("realtime.reconnect_reason")
	AttrConnected = attribute.Key("realtime.connected")
)

// Reconnect reasons.
const (
	ReasonBackoff = "backoff"
	ReasonHealth  = "health"
	ReasonManual  = "manual"
)

// Metrics holds the realtime metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Events            metric.Int64Counter
	Reconnects        metric.Int64Counter
	ConnectionChanges metric.Int64Counter
	ChannelsOpen      metric.Int64UpDownCounter
}

// InitMetrics creates the realtime instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("frontdesk/realtime")

	m := &Metrics{}
	var err error

	m.Events, err = meter.Int64Counter(
		"realtime.events",
		metric.WithDescription("Events delivered to subscription callbacks"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	m.Reconnects, err = meter.Int64Counter(
		"realtime.reconnects",
		metric.WithDescription("Full channel-set rebuilds"),
		metric.WithUnit("{reconnect}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.ConnectionChanges, err = meter.Int64Counter(
		"realtime.connection_changes",
		metric.WithDescription("Transitions of the connected flag"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection changes counter: %w", err)
	}

	m.ChannelsOpen, err = meter.Int64UpDownCounter(
		"realtime.channels_open",
		metric.WithDescription("Channels currently owned by managers"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channels gauge: %w", err)
	}

	return m, nil
}

// RecordEvent counts one delivered event. kind is "system" for lifecycle events.
func (m *Metrics) RecordEvent(ctx context.Context, table, kind string) {
	if m == nil {
		return
	}
	m.Events.Add(ctx, 1, metric.WithAttributes(AttrTable.String(table), AttrEventKind.String(kind)))
}

// RecordReconnect counts one channel-set rebuild.
func (m *Metrics) RecordReconnect(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

// RecordConnection counts a change of the connected flag.
func (m *Metrics) RecordConnection(ctx context.Context, connected bool) {
	if m == nil {
		return
	}
	m.ConnectionChanges.Add(ctx, 1, metric.WithAttributes(AttrConnected.Bool(connected)))
}

// AddChannels adjusts the open-channel gauge by delta.
func (m *Metrics) AddChannels(ctx context.Context, delta int64, kind string) {
	if m == nil || delta == 0 {
		return
	}
	m.ChannelsOpen.Add(ctx, delta, metric.WithAttributes(AttrChannel.String(kind)))
}

// initMeterProvider builds the meter provider for cfg.Exporter.
func initMeterProvider(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, sdkmetric.Reader, error) {
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "otlp":
		conn, err := grpc.NewClient(cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP client: %w", err)
		}
		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, reader, nil
}

package delegation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "agentrelay/delegation"

// instruments 是 OTel 侧的联系与 ask 指标; Prometheus 侧见 metrics.Collector.
// 导出与否由全局 MeterProvider 决定, 未启用时为 noop.
type instruments struct {
	contactTotal metric.Int64Counter
	askDuration  metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var (
		in  instruments
		err error
	)
	in.contactTotal, err = meter.Int64Counter("agentrelay.contact.total",
		metric.WithDescription("Total number of contact requests by action and outcome"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	in.askDuration, err = meter.Float64Histogram("agentrelay.ask.duration",
		metric.WithDescription("Duration of synchronous asks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120))
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *instruments) recordContact(ctx context.Context, action, outcome string) {
	if in == nil {
		return
	}
	in.contactTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func (in *instruments) recordAsk(ctx context.Context, outcome string, elapsed time.Duration) {
	if in == nil {
		return
	}
	in.askDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

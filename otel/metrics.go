package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/switchboard/bus"
)

// RegistryMetrics translates registry change events into OpenTelemetry
// metrics.
type RegistryMetrics struct {
	changes  metric.Int64Counter
	revision metric.Int64Gauge
}

// NewRegistryMetrics creates the registry instruments on meter.
func NewRegistryMetrics(meter metric.Meter) (*RegistryMetrics, error) {
	changes, err := meter.Int64Counter("switchboard.registry.changes",
		metric.WithDescription("Number of applied registry mutations"),
	)
	if err != nil {
		return nil, err
	}

	revision, err := meter.Int64Gauge("switchboard.registry.revision",
		metric.WithDescription("Latest registry revision"),
	)
	if err != nil {
		return nil, err
	}

	return &RegistryMetrics{changes: changes, revision: revision}, nil
}

// Handle records one registry event.
func (m *RegistryMetrics) Handle(e bus.Event) {
	ctx := context.Background()
	m.revision.Record(ctx, int64(e.Revision))
	m.changes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(e.Kind)),
		attribute.String("topic", string(e.Kind.Topic())),
	))
}

// Run consumes sub until ctx ends or the subscription closes.
func (m *RegistryMetrics) Run(ctx context.Context, sub bus.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			m.Handle(e)
		}
	}
}

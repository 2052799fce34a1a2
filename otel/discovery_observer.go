// Package otel records switchboard discovery and registry activity into
// OpenTelemetry metrics and traces.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/switchboard/discovery"
)

// DiscoveryObserver records probe and pass outcomes.
type DiscoveryObserver struct {
	tracer trace.Tracer

	probes  metric.Int64Counter
	passes  metric.Int64Counter
	latency metric.Float64Histogram
}

// NewDiscoveryObserver creates an observer bound to the provided meter and
// tracer. tracer may be nil to record metrics only.
func NewDiscoveryObserver(meter metric.Meter, tracer trace.Tracer) (*DiscoveryObserver, error) {
	probes, err := meter.Int64Counter(
		"switchboard.discovery.probes",
		metric.WithDescription("Number of provider probes"),
	)
	if err != nil {
		return nil, err
	}
	passes, err := meter.Int64Counter(
		"switchboard.discovery.passes",
		metric.WithDescription("Number of discovery passes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"switchboard.discovery.probe.latency",
		metric.WithDescription("Provider probe latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DiscoveryObserver{
		tracer:  tracer,
		probes:  probes,
		passes:  passes,
		latency: latency,
	}, nil
}

// ObserveProbe records one probe result. The span is back-dated to the probe
// start so it lines up with the pass span.
func (o *DiscoveryObserver) ObserveProbe(observation discovery.ProbeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider_id", observation.ProviderID),
		attribute.String("kind", string(observation.Kind)),
		attribute.String("status", string(observation.Status)),
		attribute.Bool("abandoned", observation.Abandoned),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.probes.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "discovery.probe",
		trace.WithTimestamp(observation.Started),
		trace.WithAttributes(append(attrs, attribute.String("pass_id", observation.PassID))...),
	)
	if observation.ErrorCode != "" {
		span.SetStatus(codes.Error, observation.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(observation.Started.Add(observation.Duration)))
}

// ObservePass records one completed or cancelled discovery pass.
func (o *DiscoveryObserver) ObservePass(observation discovery.PassObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("cancelled", observation.Cancelled),
	}
	o.passes.Add(context.Background(), 1, metric.WithAttributes(attrs...))

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(context.Background(), "discovery.pass",
		trace.WithTimestamp(observation.Started),
		trace.WithAttributes(append(attrs,
			attribute.String("pass_id", observation.PassID),
			attribute.Int("providers", observation.Providers),
			attribute.Int("reachable", observation.Reachable),
			attribute.Int("unreachable", observation.Unreachable),
			attribute.Int("abandoned", observation.Abandoned),
			attribute.Int("skipped", observation.Skipped),
		)...),
	)
	if observation.Cancelled {
		span.SetStatus(codes.Error, "cancelled")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(observation.Started.Add(observation.Duration)))
}

var _ discovery.Observer = (*DiscoveryObserver)(nil)

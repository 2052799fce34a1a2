package otel_test

import (
	"context"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/switchboard/bus"
	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/discovery"
	sbotel "github.com/petal-labs/switchboard/otel"
)

func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	return reader, metric.NewMeterProvider(metric.WithReader(reader))
}

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	return exporter, sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDiscoveryObserver_RecordsMetricsAndSpans(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()

	observer, err := sbotel.NewDiscoveryObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewDiscoveryObserver() error = %v", err)
	}

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	observer.ObserveProbe(discovery.ProbeObservation{
		PassID:     "pass-1",
		ProviderID: "weather",
		Kind:       catalog.KindHTTP,
		Status:     catalog.StatusReachable,
		Started:    started,
		Duration:   120 * time.Millisecond,
	})
	observer.ObserveProbe(discovery.ProbeObservation{
		PassID:     "pass-1",
		ProviderID: "search",
		Kind:       catalog.KindMCP,
		Status:     catalog.StatusUnreachable,
		Started:    started,
		Duration:   3 * time.Second,
		ErrorCode:  "TIMEOUT",
	})
	observer.ObservePass(discovery.PassObservation{
		PassID:      "pass-1",
		Started:     started,
		Duration:    3 * time.Second,
		Providers:   2,
		Reachable:   1,
		Unreachable: 1,
	})

	rm := collectMetrics(t, reader)
	probes := findMetric(rm, "switchboard.discovery.probes")
	if probes == nil || sumOf(t, probes) != 2 {
		t.Fatalf("switchboard.discovery.probes = %#v, want 2", probes)
	}
	passes := findMetric(rm, "switchboard.discovery.passes")
	if passes == nil || sumOf(t, passes) != 1 {
		t.Fatalf("switchboard.discovery.passes = %#v, want 1", passes)
	}
	latency := findMetric(rm, "switchboard.discovery.probe.latency")
	if latency == nil {
		t.Fatal("switchboard.discovery.probe.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("latency type = %T, want Histogram[float64]", latency.Data)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	if spans[0].Name != "discovery.probe" || spans[0].Status.Code != otelcodes.Ok {
		t.Fatalf("first span = %s %v", spans[0].Name, spans[0].Status)
	}
	if !spans[0].StartTime.Equal(started) || !spans[0].EndTime.Equal(started.Add(120*time.Millisecond)) {
		t.Fatalf("probe span times = %v..%v", spans[0].StartTime, spans[0].EndTime)
	}
	if spans[1].Status.Code != otelcodes.Error || spans[1].Status.Description != "TIMEOUT" {
		t.Fatalf("failed probe status = %v", spans[1].Status)
	}
	if spans[2].Name != "discovery.pass" {
		t.Fatalf("third span = %s, want discovery.pass", spans[2].Name)
	}
}

func TestDiscoveryObserver_NilIsSafe(t *testing.T) {
	var observer *sbotel.DiscoveryObserver
	observer.ObserveProbe(discovery.ProbeObservation{})
	observer.ObservePass(discovery.PassObservation{})
}

func TestDiscoveryObserver_MetricsOnly(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := sbotel.NewDiscoveryObserver(mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("NewDiscoveryObserver() error = %v", err)
	}
	observer.ObservePass(discovery.PassObservation{Cancelled: true})
	if passes := findMetric(collectMetrics(t, reader), "switchboard.discovery.passes"); passes == nil {
		t.Fatal("passes metric not found")
	}
}

func TestRegistryMetrics_RunConsumesEvents(t *testing.T) {
	reader, mp := newTestMeter()
	metrics, err := sbotel.NewRegistryMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewRegistryMetrics() error = %v", err)
	}

	b := bus.NewMemBus(bus.MemBusConfig{})
	sub := b.SubscribeAll()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		metrics.Run(ctx, sub)
		close(done)
	}()

	b.Publish(bus.Event{Kind: bus.EventServiceUpserted, Key: "a", Revision: 1})
	b.Publish(bus.Event{Kind: bus.EventAgentUpserted, Key: "planner", Revision: 2})
	b.Publish(bus.Event{Kind: bus.EventServiceRemoved, Key: "a", Revision: 3})

	deadline := time.Now().Add(2 * time.Second)
	for {
		changes := findMetric(collectMetrics(t, reader), "switchboard.registry.changes")
		if changes != nil && sumOf(t, changes) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry changes = %#v, want 3", changes)
		}
		time.Sleep(10 * time.Millisecond)
	}

	revision := findMetric(collectMetrics(t, reader), "switchboard.registry.revision")
	gauge, ok := revision.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Fatalf("revision gauge = %#v, want 3", revision.Data)
	}

	cancel()
	<-done
}

func TestSetupTracing_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := sbotel.SetupTracing(context.Background(), sbotel.TracingConfig{})
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestSetupTracing_RequiresServiceName(t *testing.T) {
	if _, err := sbotel.SetupTracing(context.Background(), sbotel.TracingConfig{Endpoint: "http://localhost:4318"}); err == nil {
		t.Fatal("SetupTracing() error = nil, want missing service name")
	}
}

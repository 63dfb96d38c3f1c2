package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	data, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: unexpected data type %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordAgent(t *testing.T) {
	reader := setupTestMeter(t)
	ctx := context.Background()

	RecordAgent(ctx, AgentMetrics{AgentID: "a", Phase: "research", Outcome: "completed", Attempts: 3, Duration: 20 * time.Millisecond})
	RecordAgent(ctx, AgentMetrics{AgentID: "b", Phase: "research", Outcome: "skipped", Attempts: 1})

	metrics := collect(t, reader)

	runs, ok := metrics["aivis.agent.runs_total"]
	if !ok {
		t.Fatal("missing aivis.agent.runs_total")
	}
	if got := sumValue(t, runs); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
	dp := runs.Data.(metricdata.Sum[int64]).DataPoints[0]
	if _, ok := dp.Attributes.Value(attribute.Key("agent.outcome")); !ok {
		t.Error("expected agent.outcome attribute")
	}

	if got := sumValue(t, metrics["aivis.agent.retries_total"]); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}

	latency, ok := metrics["aivis.agent.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected histogram for aivis.agent.duration")
	}
	// Zero durations are not recorded.
	if len(latency.DataPoints) != 1 || latency.DataPoints[0].Count != 1 {
		t.Errorf("expected one latency sample, got %+v", latency.DataPoints)
	}
}

func TestRecordLimiterPhaseCompressionGeneration(t *testing.T) {
	reader := setupTestMeter(t)
	ctx := context.Background()

	RecordLimiterWait(ctx, 5*time.Millisecond, false)
	RecordLimiterWait(ctx, time.Second, true)
	RecordPhase(ctx, "research", "completed")
	RecordCompression(ctx, true)
	RecordGeneration(ctx, "openai", false)

	metrics := collect(t, reader)

	if got := sumValue(t, metrics["aivis.limiter.timeouts_total"]); got != 1 {
		t.Errorf("limiter timeouts = %d, want 1", got)
	}
	wait, ok := metrics["aivis.limiter.wait"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected histogram for aivis.limiter.wait")
	}
	var samples uint64
	for _, dp := range wait.DataPoints {
		samples += dp.Count
	}
	if samples != 2 {
		t.Errorf("limiter wait samples = %d, want 2", samples)
	}
	for _, name := range []string{"aivis.phase.outcomes_total", "aivis.context.compressions_total", "aivis.generation.calls_total"} {
		if got := sumValue(t, metrics[name]); got != 1 {
			t.Errorf("%s = %d, want 1", name, got)
		}
	}
}

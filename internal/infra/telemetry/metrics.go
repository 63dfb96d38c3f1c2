// Package telemetry records engine metrics through the OpenTelemetry metric
// API. Instruments are created lazily from the global MeterProvider, so
// recording is a no-op until a provider is installed.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "aivis.engine"

var (
	metricsOnce    sync.Once
	metricsInitErr error

	agentRunCounter     metric.Int64Counter
	agentRetryCounter   metric.Int64Counter
	agentLatency        metric.Float64Histogram
	limiterWaitLatency  metric.Float64Histogram
	limiterTimeoutCount metric.Int64Counter
	compressionCounter  metric.Int64Counter
	phaseOutcomeCounter metric.Int64Counter
	generationCallCount metric.Int64Counter
)

// AgentMetrics captures the fields recorded for one finished agent.
type AgentMetrics struct {
	AgentID  string
	Phase    string
	Outcome  string // completed, failed, skipped
	Attempts int
	Duration time.Duration
}

// RecordAgent emits counters and histograms describing one agent run.
func RecordAgent(ctx context.Context, m AgentMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.id", m.AgentID),
		attribute.String("phase.name", m.Phase),
		attribute.String("agent.outcome", m.Outcome),
	)
	agentRunCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		agentLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Attempts > 1 {
		agentRetryCounter.Add(ctx, int64(m.Attempts-1), attrs)
	}
}

// RecordLimiterWait records how long an acquire waited and whether it timed out.
func RecordLimiterWait(ctx context.Context, waited time.Duration, timedOut bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	limiterWaitLatency.Record(ctx, float64(waited)/float64(time.Millisecond),
		metric.WithAttributes(attribute.Bool("limiter.timed_out", timedOut)))
	if timedOut {
		limiterTimeoutCount.Add(ctx, 1)
	}
}

// RecordCompression counts a compression run and whether it reached budget.
func RecordCompression(ctx context.Context, withinBudget bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	compressionCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("compression.within_budget", withinBudget)))
}

// RecordPhase counts a phase outcome.
func RecordPhase(ctx context.Context, phase, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	phaseOutcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase.name", phase),
		attribute.String("phase.outcome", outcome),
	))
}

// RecordGeneration counts a call to the generation service.
func RecordGeneration(ctx context.Context, backend string, ok bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	generationCallCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("generation.backend", backend),
		attribute.Bool("generation.ok", ok),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		agentRunCounter, metricsInitErr = meter.Int64Counter(
			"aivis.agent.runs_total",
			metric.WithDescription("Agent executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}
		agentRetryCounter, metricsInitErr = meter.Int64Counter(
			"aivis.agent.retries_total",
			metric.WithDescription("Retry attempts performed by retry-policy agents"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}
		agentLatency, metricsInitErr = meter.Float64Histogram(
			"aivis.agent.duration",
			metric.WithDescription("Agent execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}
		limiterWaitLatency, metricsInitErr = meter.Float64Histogram(
			"aivis.limiter.wait",
			metric.WithDescription("Time spent queued for a generation slot"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}
		limiterTimeoutCount, metricsInitErr = meter.Int64Counter(
			"aivis.limiter.timeouts_total",
			metric.WithDescription("Acquire calls that timed out in the wait queue"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}
		compressionCounter, metricsInitErr = meter.Int64Counter(
			"aivis.context.compressions_total",
			metric.WithDescription("Job context compression runs"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}
		phaseOutcomeCounter, metricsInitErr = meter.Int64Counter(
			"aivis.phase.outcomes_total",
			metric.WithDescription("Phase outcomes partitioned by kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}
		generationCallCount, metricsInitErr = meter.Int64Counter(
			"aivis.generation.calls_total",
			metric.WithDescription("Calls made to the generation service"),
			metric.WithUnit("{count}"),
		)
	})
	return metricsInitErr
}

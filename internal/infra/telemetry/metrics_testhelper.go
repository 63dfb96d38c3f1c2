package telemetry

import "sync"

// ResetMetricsForTest clears cached instruments so tests can bind them to a
// fresh MeterProvider. Test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	agentRunCounter = nil
	agentRetryCounter = nil
	agentLatency = nil
	limiterWaitLatency = nil
	limiterTimeoutCount = nil
	compressionCounter = nil
	phaseOutcomeCounter = nil
	generationCallCount = nil
}

package observability

import (
	"time"
)

// NoOpMetricsClient implements MetricsClient without recording anything.
// Used in tests and when metrics are disabled.
type NoOpMetricsClient struct{}

// NewNoOpMetricsClient creates a metrics client that discards everything
func NewNoOpMetricsClient() MetricsClient { return &NoOpMetricsClient{} }

func (m *NoOpMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (m *NoOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *NoOpMetricsClient) RecordDuration(name string, duration time.Duration)                   {}
func (m *NoOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (m *NoOpMetricsClient) Close() error { return nil }

package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient backed by a Prometheus
// registry. Collectors are created lazily on first use and cached, so the
// caller does not have to declare every metric up front.
type PrometheusMetricsClient struct {
	registry   prometheus.Registerer
	namespace  string
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client registering collectors
// on the given registerer
func NewPrometheusMetricsClient(registry prometheus.Registerer, namespace string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

func (m *PrometheusMetricsClient) counter(name string, labels map[string]string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelKeys(labels))
	m.registry.MustRegister(c)
	m.counters[name] = c
	return c
}

func (m *PrometheusMetricsClient) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelKeys(labels))
	m.registry.MustRegister(g)
	m.gauges[name] = g
	return g
}

func (m *PrometheusMetricsClient) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	m.registry.MustRegister(h)
	m.histograms[name] = h
	return h
}

// IncrementCounter increments a counter without labels
func (m *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	m.counter(name, nil).With(nil).Add(value)
}

// IncrementCounterWithLabels increments a counter with labels
func (m *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.counter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge value
func (m *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram records a histogram observation
func (m *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.histogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// RecordDuration records a duration as a histogram observation in seconds
func (m *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	m.histogram(name, nil).With(nil).Observe(duration.Seconds())
}

// StartTimer returns a function that records the elapsed time when called
func (m *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.histogram(name, labels).With(prometheus.Labels(labels)).Observe(time.Since(start).Seconds())
	}
}

// Close is a no-op for the Prometheus client
func (m *PrometheusMetricsClient) Close() error { return nil }

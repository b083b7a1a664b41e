// internal/utils/metrics.go
package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric, value updated with atomic operations
type Counter struct {
	name  string
	value int64
}

// Gauge metric, value updated with atomic operations
type Gauge struct {
	name  string
	value int64
}

// Histogram metric tracking count, sum, min, max
type Histogram struct {
	name  string
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsCollector{
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
	})
	return globalMetrics
}

func (m *MetricsCollector) counter(name string) *Counter {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; !ok {
		c = &Counter{name: name}
		m.counters[name] = c
	}
	return c
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(&m.counter(name).value, 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(&m.counter(name).value, value)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&c.value)
}

func (m *MetricsCollector) gauge(name string) *Gauge {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok = m.gauges[name]; !ok {
		g = &Gauge{name: name}
		m.gauges[name] = g
	}
	return g
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(&m.gauge(name).value, value)
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(&m.gauge(name).value, 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(&m.gauge(name).value, -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&g.value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{name: name, min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]interface{})

	counters := make(map[string]int64)
	for name, c := range m.counters {
		counters[name] = atomic.LoadInt64(&c.value)
	}
	metrics["counters"] = counters

	gauges := make(map[string]int64)
	for name, g := range m.gauges {
		gauges[name] = atomic.LoadInt64(&g.value)
	}
	metrics["gauges"] = gauges

	histograms := make(map[string]map[string]int64)
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}
	metrics["histograms"] = histograms

	return metrics
}

// AppMetrics records application-level metrics for the narrative engine
type AppMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewAppMetrics creates a new application metrics instance
func NewAppMetrics() *AppMetrics {
	return &AppMetrics{
		metrics: GetMetricsCollector(),
		logger:  GetLogger(),
	}
}

// RecordAPIRequest records metrics for an API request
func (am *AppMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	am.metrics.IncrementCounter("api_requests_total")
	am.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	am.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	am.metrics.IncrementCounter("api_responses_" + string(rune('0'+statusCode/100)) + "xx")

	am.logger.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordLLMRequest records metrics for an LLM request
func (am *AppMetrics) RecordLLMRequest(provider, model string, tokensUsed int, duration time.Duration) {
	am.metrics.IncrementCounter("llm_requests_total")
	am.metrics.IncrementCounter("llm_requests_" + provider)
	am.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	am.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	am.logger.Info("LLM request completed", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordContextBuild records metrics for one prompt assembly
func (am *AppMetrics) RecordContextBuild(strategy string, tokensUsed int, duration time.Duration) {
	am.metrics.IncrementCounter("context_builds_total")
	am.metrics.IncrementCounter("context_builds_" + strategy)
	am.metrics.RecordHistogram("context_tokens_used", int64(tokensUsed))
	am.metrics.RecordHistogram("context_build_time_ms", duration.Milliseconds())
}

// RecordExtraction records metrics for a post-commit extraction pass
func (am *AppMetrics) RecordExtraction(kind string, ok bool, duration time.Duration) {
	am.metrics.IncrementCounter("extractions_total")
	am.metrics.IncrementCounter("extractions_" + kind)
	if !ok {
		am.metrics.IncrementCounter("extractions_failed")
	}
	am.metrics.RecordHistogram("extraction_time_ms", duration.Milliseconds())
}

// RecordChoice records metrics for a reader choice
func (am *AppMetrics) RecordChoice(storyID int64, branched bool) {
	am.metrics.IncrementCounter("choices_total")
	if branched {
		am.metrics.IncrementCounter("choices_branched")
	}
}

// RecordError records an error metric
func (am *AppMetrics) RecordError(errorType, component string) {
	am.metrics.IncrementCounter("errors_total")
	am.metrics.IncrementCounter("errors_" + errorType)
	am.metrics.IncrementCounter("errors_" + component)

	am.logger.Error("Error recorded", map[string]interface{}{
		"type":      errorType,
		"component": component,
	})
}

// StartMetricsCollection starts background metrics collection
func (am *AppMetrics) StartMetricsCollection(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics := am.metrics.GetMetrics()
				am.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": metrics,
				})
			}
		}
	}()
}

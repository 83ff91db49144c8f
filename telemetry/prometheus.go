package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics is a Metrics recorder backed by Prometheus. Collectors are
// created lazily per metric name with the tag keys seen on first use; later
// calls must use the same tag keys for a given name.
type PromMetrics struct {
	reg prometheus.Registerer
	ns  string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// Compile-time check that PromMetrics implements Metrics.
var _ Metrics = (*PromMetrics)(nil)

// NewPromMetrics constructs a Metrics recorder that registers collectors on
// reg under the given namespace. A nil reg uses the default registerer.
func NewPromMetrics(reg prometheus.Registerer, namespace string) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMetrics{
		reg:        reg,
		ns:         namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncCounter increments the named counter by value.
func (m *PromMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: m.ns, Name: name}, keys)
		m.reg.MustRegister(c)
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.WithLabelValues(vals...).Add(value)
}

// RecordTimer records duration in seconds on the named histogram.
func (m *PromMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: m.ns, Name: name}, keys)
		m.reg.MustRegister(h)
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.WithLabelValues(vals...).Observe(duration.Seconds())
}

// RecordGauge sets the named gauge to value.
func (m *PromMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: m.ns, Name: name}, keys)
		m.reg.MustRegister(g)
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.WithLabelValues(vals...).Set(value)
}

// splitTags separates alternating key/value tag pairs. An odd trailing key is
// paired with an empty value.
func splitTags(tags []string) (keys, vals []string) {
	for i := 0; i < len(tags); i += 2 {
		keys = append(keys, tags[i])
		if i+1 < len(tags) {
			vals = append(vals, tags[i+1])
		} else {
			vals = append(vals, "")
		}
	}
	return keys, vals
}

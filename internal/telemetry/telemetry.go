package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric is the aggregated value of one name and label set. For timers Value
// is the total in milliseconds, with Count observations and Max the largest.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Count     int64             `json:"count,omitempty"`
	Max       float64           `json:"max,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector aggregates run metrics in memory and periodically writes them to
// the log.
type Collector struct {
	mu       sync.RWMutex
	metrics  map[string]*Metric
	enabled  bool
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector. A positive flushInterval starts a
// goroutine logging the metrics at that interval until Shutdown.
func NewCollector(enabled bool, flushInterval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		metrics:  make(map[string]*Metric),
		enabled:  enabled,
		interval: flushInterval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if enabled && flushInterval > 0 {
		go c.periodicFlush()
	} else {
		close(c.done)
	}
	return c
}

func (c *Collector) Enabled() bool { return c.enabled }

// Counter adds value to a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.update(name, Counter, labels, func(m *Metric) {
		m.Value += value
		m.Count++
	})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.update(name, Gauge, labels, func(m *Metric) {
		m.Value = value
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	ms := float64(duration) / float64(time.Millisecond)
	c.update(name, Timer, labels, func(m *Metric) {
		m.Unit = "ms"
		m.Value += ms
		m.Count++
		if ms > m.Max {
			m.Max = ms
		}
	})
}

func (c *Collector) update(name string, typ MetricType, labels map[string]string, fn func(*Metric)) {
	if !c.enabled {
		return
	}
	key := metricKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: copyLabels(labels)}
		c.metrics[key] = m
	}
	fn(m)
	m.Timestamp = time.Now()
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// GetMetrics returns a copy of current metrics ordered by name and labels.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.metrics))
	for k := range c.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		m := *c.metrics[k]
		m.Labels = copyLabels(m.Labels)
		result = append(result, m)
	}
	return result
}

// Value returns the aggregated value of a metric, or zero if it was never recorded.
func (c *Collector) Value(name string, labels map[string]string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.metrics[metricKey(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// FlushMetrics writes the current aggregates to the log.
func (c *Collector) FlushMetrics() error {
	metrics := c.GetMetrics()
	if len(metrics) == 0 {
		return nil
	}
	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		ev := log.Info().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value)
		if metric.Type == Timer {
			ev = ev.Int64("count", metric.Count).Float64("max", metric.Max)
		}
		ev.Interface("labels", metric.Labels).Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() error {
	c.cancel()
	<-c.done
	if !c.enabled {
		return nil
	}
	return c.FlushMetrics()
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool, flushInterval time.Duration) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		_ = globalCollector.Shutdown()
	}
	globalCollector = NewCollector(enabled, flushInterval)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

// CounterGlobal increments a counter using the global collector
func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

// GaugeGlobal sets a gauge using the global collector
func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

// TimerGlobal records a timer using the global collector
func TimerGlobal(name string, duration time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, duration, labels)
}

// Shutdown shuts down the global collector
func Shutdown() error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown()
	}
	return nil
}

package obs

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

const defaultMaxSamples = 1000

// Metrics is a registry of named counters and histograms. Metric instances
// are created lazily on first access and memoized.
type Metrics struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	maxSamples int
}

// NewMetrics creates a registry. maxSamples bounds per-label-key histogram
// retention; <=0 uses the default.
func NewMetrics(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &Metrics{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		maxSamples: maxSamples,
	}
}

// Counter returns the named counter, creating it on first use.
func (m *Metrics) Counter(name string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = &Counter{Name: name, values: make(map[string]float64)}
		m.counters[name] = c
	}
	return c
}

// Histogram returns the named histogram, creating it on first use.
func (m *Metrics) Histogram(name string) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[name]
	if !ok {
		h = &Histogram{Name: name, maxSamples: m.maxSamples, values: make(map[string][]float64)}
		m.histograms[name] = h
	}
	return h
}

// LabelKey renders a label map as a sorted "k=v" comma-joined string. This
// is the only mechanism for label-dimensioned aggregation.
func LabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Counter accumulates label-keyed totals.
type Counter struct {
	Name   string
	mu     sync.Mutex
	values map[string]float64
}

// Add increments the counter for the given labels.
func (c *Counter) Add(labels map[string]string, n float64) {
	key := LabelKey(labels)
	c.mu.Lock()
	c.values[key] += n
	c.mu.Unlock()
}

// Inc adds 1 for the given labels.
func (c *Counter) Inc(labels map[string]string) { c.Add(labels, 1) }

// Value returns the accumulated total for the given labels.
func (c *Counter) Value(labels map[string]string) float64 {
	key := LabelKey(labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// Histogram retains the most recent maxSamples observations per label key
// (reservoir by truncation, not sampling).
type Histogram struct {
	Name       string
	mu         sync.Mutex
	maxSamples int
	values     map[string][]float64
}

// Observe records a sample for the given labels, dropping the oldest sample
// once the per-key retention bound is reached.
func (h *Histogram) Observe(labels map[string]string, v float64) {
	key := LabelKey(labels)
	h.mu.Lock()
	defer h.mu.Unlock()
	samples := append(h.values[key], v)
	if over := len(samples) - h.maxSamples; over > 0 {
		samples = append([]float64(nil), samples[over:]...)
	}
	h.values[key] = samples
}

// Count returns the number of retained samples for the given labels.
func (h *Histogram) Count(labels map[string]string) int {
	key := LabelKey(labels)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values[key])
}

// Percentile computes the p-th percentile (0–100) of the retained samples
// for the given labels by sorting a copy on demand. Returns 0 when no
// samples exist. Query volume is far lower than write volume, so the sort
// cost is acceptable.
func (h *Histogram) Percentile(labels map[string]string, p float64) float64 {
	key := LabelKey(labels)
	h.mu.Lock()
	samples := append([]float64(nil), h.values[key]...)
	h.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	rank := p / 100 * float64(len(samples)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return samples[lo]
	}
	frac := rank - float64(lo)
	return samples[lo] + frac*(samples[hi]-samples[lo])
}

// Package metrics is a small dependency-free metrics registry with counters,
// gauges and histograms, exposed in the Prometheus text format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels attach dimensions to a metric series.
type Labels map[string]string

// Counter is a monotonically increasing value.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()            { c.value.Add(1) }
func (c *Counter) Add(delta int64) { c.value.Add(delta) }
func (c *Counter) Value() int64    { return c.value.Load() }

// Gauge is a value that moves both ways.
type Gauge struct {
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64frombits(old) + delta
		if g.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (g *Gauge) Inc()           { g.Add(1) }
func (g *Gauge) Dec()           { g.Add(-1) }
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// DurationBuckets covers task execution times from sub-second handler calls
// to multi-minute publishes, in milliseconds.
var DurationBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000, 300000}

// Histogram tracks a value distribution over fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	bounds  []float64
	counts  []int64
	sum     float64
	samples int64
}

func newHistogram(bounds []float64) *Histogram {
	if len(bounds) == 0 {
		bounds = DurationBuckets
	}
	return &Histogram{
		bounds: bounds,
		counts: make([]int64, len(bounds)+1),
	}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := len(h.bounds)
	for i, bound := range h.bounds {
		if v <= bound {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sum += v
	h.samples++
}

// ObserveDuration records a duration in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d) / float64(time.Millisecond))
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type series struct {
	name   string
	labels Labels
}

// Registry hands out metric instances keyed by name and label set. Series
// are created on first use and live for the process lifetime.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	meta       map[string]series
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		meta:       make(map[string]series),
	}
}

func seriesKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func (r *Registry) Counter(name string, labels Labels) *Counter {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{}
	r.counters[key] = c
	r.meta[key] = series{name: name, labels: labels}
	return c
}

func (r *Registry) Gauge(name string, labels Labels) *Gauge {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[key] = g
	r.meta[key] = series{name: name, labels: labels}
	return g
}

func (r *Registry) Histogram(name string, labels Labels, bounds []float64) *Histogram {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := newHistogram(bounds)
	r.histograms[key] = h
	r.meta[key] = series{name: name, labels: labels}
	return h
}

// Handler serves the registry in the Prometheus text exposition format.
// Series are emitted in sorted key order so scrapes are deterministic.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		r.mu.RLock()
		defer r.mu.RUnlock()

		typed := make([]string, 0, len(r.counters))
		for key := range r.counters {
			typed = append(typed, key)
		}
		sort.Strings(typed)
		for _, key := range typed {
			s := r.meta[key]
			fmt.Fprintf(w, "# TYPE %s counter\n", s.name)
			fmt.Fprintf(w, "%s %s\n", formatSeries(s), formatValue(float64(r.counters[key].Value())))
		}

		typed = typed[:0]
		for key := range r.gauges {
			typed = append(typed, key)
		}
		sort.Strings(typed)
		for _, key := range typed {
			s := r.meta[key]
			fmt.Fprintf(w, "# TYPE %s gauge\n", s.name)
			fmt.Fprintf(w, "%s %s\n", formatSeries(s), formatValue(r.gauges[key].Value()))
		}

		typed = typed[:0]
		for key := range r.histograms {
			typed = append(typed, key)
		}
		sort.Strings(typed)
		for _, key := range typed {
			writeHistogram(w, r.meta[key], r.histograms[key])
		}
	})
}

func writeHistogram(w http.ResponseWriter, s series, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# TYPE %s histogram\n", s.name)
	cumulative := int64(0)
	for i, bound := range h.bounds {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s %d\n", formatSeries(series{
			name:   s.name + "_bucket",
			labels: withLabel(s.labels, "le", formatValue(bound)),
		}), cumulative)
	}
	cumulative += h.counts[len(h.bounds)]
	fmt.Fprintf(w, "%s %d\n", formatSeries(series{
		name:   s.name + "_bucket",
		labels: withLabel(s.labels, "le", "+Inf"),
	}), cumulative)
	fmt.Fprintf(w, "%s %s\n", formatSeries(series{name: s.name + "_sum", labels: s.labels}), formatValue(h.sum))
	fmt.Fprintf(w, "%s %d\n", formatSeries(series{name: s.name + "_count", labels: s.labels}), h.samples)
}

func withLabel(labels Labels, k, v string) Labels {
	out := make(Labels, len(labels)+1)
	for lk, lv := range labels {
		out[lk] = lv
	}
	out[k] = v
	return out
}

func formatSeries(s series) string {
	if len(s.labels) == 0 {
		return s.name
	}
	keys := make([]string, 0, len(s.labels))
	for k := range s.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(s.name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(s.labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrLabelCountMismatch is returned when the number of label values doesn't match the defined labels.
var ErrLabelCountMismatch = errors.New("label count mismatch")

// ErrNegativeCounterValue is returned when attempting to add a negative value to a counter.
var ErrNegativeCounterValue = errors.New("counter cannot be decreased")

// ErrDuplicateMetric is returned when registering a metric with a name that is already registered.
var ErrDuplicateMetric = errors.New("duplicate metric name")

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples for exposition.
	Collect() []Sample
}

// Sample is a single exposed value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// float stores a float64 in a uint64 for atomic access.
type float struct{ bits atomic.Uint64 }

func (f *float) load() float64 { return math.Float64frombits(f.bits.Load()) }

func (f *float) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *float) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// family holds the series of one metric, keyed by label values.
type family[S any] struct {
	name       string
	help       string
	kind       MetricType
	labelNames []string
	create     func() *S

	mu     sync.RWMutex
	series map[string]*S
	labels map[string]map[string]string
}

func newFamily[S any](name, help string, kind MetricType, labelNames []string, create func() *S) family[S] {
	return family[S]{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: labelNames,
		create:     create,
		series:     make(map[string]*S),
		labels:     make(map[string]map[string]string),
	}
}

func (f *family[S]) Name() string     { return f.name }
func (f *family[S]) Help() string     { return f.help }
func (f *family[S]) Type() MetricType { return f.kind }

func (f *family[S]) get(values []string) (*S, error) {
	if len(values) != len(f.labelNames) {
		return nil, fmt.Errorf("%w: %s %s expected %d labels, got %d", ErrLabelCountMismatch, f.kind, f.name, len(f.labelNames), len(values))
	}

	key := strings.Join(values, "\x00")
	f.mu.RLock()
	s, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return s, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok = f.series[key]; ok {
		return s, nil
	}
	lbls := make(map[string]string, len(values))
	for i, n := range f.labelNames {
		lbls[n] = values[i]
	}
	s = f.create()
	f.series[key] = s
	f.labels[key] = lbls
	return s, nil
}

func (f *family[S]) each(fn func(labels map[string]string, s *S)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(f.labels[k], f.series[k])
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	family[float]
}

// CounterVec is one labelled counter series.
type CounterVec struct{ v *float }

// WithLabels returns the series for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	v, err := c.get(values)
	if err != nil {
		return nil, err
	}
	return &CounterVec{v: v}, nil
}

// Inc increments an unlabelled counter.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabelled counter.
func (c *Counter) Add(delta float64) error {
	vec, err := c.WithLabels()
	if err != nil {
		return err
	}
	if err := vec.Add(delta); err != nil {
		return fmt.Errorf("%w: counter %s", err, c.name)
	}
	return nil
}

// Value returns the current value of a series, zero if it does not exist.
func (c *Counter) Value(values ...string) float64 {
	vec, err := c.WithLabels(values...)
	if err != nil {
		return 0
	}
	return vec.v.load()
}

// Collect returns all metric samples.
func (c *Counter) Collect() []Sample {
	var out []Sample
	c.each(func(l map[string]string, v *float) {
		out = append(out, Sample{Name: c.name, Labels: l, Value: v.load()})
	})
	return out
}

// Inc increments the counter by 1.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta. Negative values are rejected.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return ErrNegativeCounterValue
	}
	v.v.add(delta)
	return nil
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	family[float]
}

// GaugeVec is one labelled gauge series.
type GaugeVec struct{ v *float }

// WithLabels returns the series for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	v, err := g.get(values)
	if err != nil {
		return nil, err
	}
	return &GaugeVec{v: v}, nil
}

// Set sets an unlabelled gauge.
func (g *Gauge) Set(value float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Set(value)
	return nil
}

// Inc increments an unlabelled gauge.
func (g *Gauge) Inc() error { return g.Add(1) }

// Dec decrements an unlabelled gauge.
func (g *Gauge) Dec() error { return g.Add(-1) }

// Add adds delta to an unlabelled gauge.
func (g *Gauge) Add(delta float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Add(delta)
	return nil
}

// Value returns the current value of a series.
func (g *Gauge) Value(values ...string) float64 {
	vec, err := g.WithLabels(values...)
	if err != nil {
		return 0
	}
	return vec.v.load()
}

// Collect returns all metric samples.
func (g *Gauge) Collect() []Sample {
	var out []Sample
	g.each(func(l map[string]string, v *float) {
		out = append(out, Sample{Name: g.name, Labels: l, Value: v.load()})
	})
	return out
}

func (v *GaugeVec) Set(value float64) { v.v.store(value) }
func (v *GaugeVec) Inc()              { v.v.add(1) }
func (v *GaugeVec) Dec()              { v.v.add(-1) }
func (v *GaugeVec) Add(delta float64) { v.v.add(delta) }

type histSeries struct {
	counts []atomic.Uint64 // per bucket, not cumulative
	sum    float
	count  atomic.Uint64
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	family[histSeries]
	buckets []float64 // sorted upper bounds ending in +Inf
}

// HistogramVec is one labelled histogram series.
type HistogramVec struct {
	h *Histogram
	s *histSeries
}

// WithLabels returns the series for the given label values.
func (h *Histogram) WithLabels(values ...string) (*HistogramVec, error) {
	s, err := h.get(values)
	if err != nil {
		return nil, err
	}
	return &HistogramVec{h: h, s: s}, nil
}

// Observe records a value in an unlabelled histogram.
func (h *Histogram) Observe(value float64) error {
	vec, err := h.WithLabels()
	if err != nil {
		return err
	}
	vec.Observe(value)
	return nil
}

// Count returns the number of observations of a series.
func (h *Histogram) Count(values ...string) uint64 {
	vec, err := h.WithLabels(values...)
	if err != nil {
		return 0
	}
	return vec.s.count.Load()
}

// Observe records a value.
func (v *HistogramVec) Observe(value float64) {
	i := sort.SearchFloat64s(v.h.buckets, value)
	if i == len(v.h.buckets) { // NaN
		i--
	}
	v.s.counts[i].Add(1)
	v.s.sum.add(value)
	v.s.count.Add(1)
}

// Collect returns bucket, sum and count samples for every series.
func (h *Histogram) Collect() []Sample {
	var out []Sample
	h.each(func(l map[string]string, s *histSeries) {
		var cumulative uint64
		for i, bound := range h.buckets {
			cumulative += s.counts[i].Load()
			bl := make(map[string]string, len(l)+1)
			for k, v := range l {
				bl[k] = v
			}
			bl["le"] = formatFloat(bound)
			out = append(out, Sample{Name: h.name + "_bucket", Labels: bl, Value: float64(cumulative)})
		}
		out = append(out,
			Sample{Name: h.name + "_sum", Labels: l, Value: s.sum.load()},
			Sample{Name: h.name + "_count", Labels: l, Value: float64(s.count.Load())},
		)
	})
	return out
}

// Registry holds registered metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a counter.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	c := &Counter{newFamily(name, help, MetricTypeCounter, labels, func() *float { return &float{} })}
	r.register(c)
	return c
}

// NewGauge creates and registers a gauge.
func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	g := &Gauge{newFamily(name, help, MetricTypeGauge, labels, func() *float { return &float{} })}
	r.register(g)
	return g
}

// NewHistogram creates and registers a histogram. A +Inf bucket is added
// when missing.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	if len(sorted) == 0 || !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}

	h := &Histogram{buckets: sorted}
	h.family = newFamily(name, help, MetricTypeHistogram, labels, func() *histSeries {
		return &histSeries{counts: make([]atomic.Uint64, len(sorted))}
	})
	r.register(h)
	return h
}

// register panics on a duplicate name, since the exposition would be invalid.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// WriteTo writes every metric with samples in the text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	metrics := append([]Metric(nil), r.metrics...)
	r.mu.RUnlock()

	cw := &countingWriter{w: w}
	for _, m := range metrics {
		samples := m.Collect()
		if len(samples) == 0 {
			continue
		}
		fmt.Fprintf(cw, "# HELP %s %s\n", m.Name(), escape(m.Help(), false))
		fmt.Fprintf(cw, "# TYPE %s %s\n", m.Name(), m.Type())
		for _, s := range samples {
			if len(s.Labels) == 0 {
				fmt.Fprintf(cw, "%s %s\n", s.Name, formatFloat(s.Value))
			} else {
				fmt.Fprintf(cw, "%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
			}
		}
	}
	return cw.n, cw.err
}

// Handler serves the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = r.WriteTo(w)
	})
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escape(labels[k], true))
		b.WriteByte('"')
	}
	return b.String()
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escape(s string, quote bool) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	if quote {
		s = strings.ReplaceAll(s, `"`, `\"`)
	}
	return strings.ReplaceAll(s, "\n", `\n`)
}

// DefaultBuckets are histogram bounds in seconds, tuned for in-process
// resolution where most decisions take well under a millisecond.
var DefaultBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

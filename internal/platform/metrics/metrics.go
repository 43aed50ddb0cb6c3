// Package metrics is a small registry that renders counters and gauges in
// the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{
		collectors: map[string]collector{},
	}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder

		r.mu.RLock()
		names := make([]string, 0, len(r.collectors))
		for name := range r.collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		collectors := make([]collector, 0, len(names))
		for _, name := range names {
			collectors = append(collectors, r.collectors[name])
		}
		r.mu.RUnlock()

		for _, c := range collectors {
			c.writePrometheus(&sb)
		}
		_, _ = w.Write([]byte(sb.String()))
	})
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string {
	return g.opts.Name
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) writePrometheus(sb *strings.Builder) {
	g.mu.RLock()
	v := g.value
	g.mu.RUnlock()
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, floatToString(v))
}

// GaugeFuncVec is a labelled gauge whose values are read at scrape time.
type GaugeFuncVec struct {
	opts       Opts
	labelNames []string

	mu  sync.RWMutex
	fns map[string]func() float64
}

func NewGaugeFuncVec(opts Opts, labelNames []string) *GaugeFuncVec {
	copied := make([]string, len(labelNames))
	copy(copied, labelNames)
	return &GaugeFuncVec{
		opts:       opts,
		labelNames: copied,
		fns:        map[string]func() float64{},
	}
}

func (g *GaugeFuncVec) name() string {
	return g.opts.Name
}

// Set installs fn for the label combination, replacing any previous one.
// A nil fn removes the series.
func (g *GaugeFuncVec) Set(fn func() float64, labelValues ...string) {
	if len(labelValues) != len(g.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	g.mu.Lock()
	if fn == nil {
		delete(g.fns, key)
	} else {
		g.fns[key] = fn
	}
	g.mu.Unlock()
}

func (g *GaugeFuncVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)

	g.mu.RLock()
	keys := make([]string, 0, len(g.fns))
	for key := range g.fns {
		keys = append(keys, key)
	}
	fns := make(map[string]func() float64, len(g.fns))
	for key, fn := range g.fns {
		fns[key] = fn
	}
	g.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		writeSeries(sb, g.opts.Name, g.labelNames, strings.Split(key, "\xff"), fns[key]())
	}
}

type CounterVec struct {
	opts       Opts
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	copied := make([]string, len(labelNames))
	copy(copied, labelNames)
	return &CounterVec{
		opts:       opts,
		labelNames: copied,
		values:     map[string]float64{},
	}
}

func (c *CounterVec) name() string {
	return c.opts.Name
}

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, labelValues: values}
}

// Value returns the current count for one label combination.
func (c *CounterVec) Value(labelValues ...string) float64 {
	key := strings.Join(labelValues, "\xff")
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *CounterVec) add(labelValues []string, delta float64) {
	if len(labelValues) != len(c.labelNames) {
		return
	}
	key := strings.Join(labelValues, "\xff")
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *CounterVec) writePrometheus(sb *strings.Builder) {
	writeMetricHead(sb, c.opts.Name, "counter", c.opts.Help)

	c.mu.RLock()
	entries := make([]struct {
		key   string
		value float64
	}, 0, len(c.values))
	for key, value := range c.values {
		entries = append(entries, struct {
			key   string
			value float64
		}{key: key, value: value})
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})

	for _, entry := range entries {
		writeSeries(sb, c.opts.Name, c.labelNames, strings.Split(entry.key, "\xff"), entry.value)
	}
}

type Counter struct {
	parent      *CounterVec
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

func writeSeries(sb *strings.Builder, name string, labelNames, labelValues []string, v float64) {
	sb.WriteString(name)
	if len(labelNames) > 0 {
		sb.WriteString("{")
		for idx, labelName := range labelNames {
			if idx > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(labelName)
			sb.WriteString(`="`)
			sb.WriteString(escapeLabelValue(labelValues[idx]))
			sb.WriteString(`"`)
		}
		sb.WriteString("}")
	}
	sb.WriteString(" ")
	sb.WriteString(floatToString(v))
	sb.WriteString("\n")
}

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

// scrapeGauge is an unlabelled gauge read at scrape time.
func scrapeGauge(name, help string, fn func() float64) *GaugeFuncVec {
	g := NewGaugeFuncVec(Opts{Name: name, Help: help}, nil)
	g.Set(fn)
	return g
}

func heapStat(read func(*runtime.MemStats) uint64) func() float64 {
	return func() float64 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		return float64(read(&mem))
	}
}

func init() {
	Default.MustRegister(
		scrapeGauge("process_uptime_seconds", "Seconds since process start.", func() float64 {
			return time.Since(processStart).Seconds()
		}),
		scrapeGauge("go_goroutines", "Number of goroutines.", func() float64 {
			return float64(runtime.NumGoroutine())
		}),
		scrapeGauge("go_memstats_alloc_bytes", "Allocated heap objects in bytes.",
			heapStat(func(m *runtime.MemStats) uint64 { return m.Alloc })),
		scrapeGauge("go_memstats_heap_inuse_bytes", "Heap in-use bytes.",
			heapStat(func(m *runtime.MemStats) uint64 { return m.HeapInuse })),
	)
}

// Package metrics keeps the bot's counters in process and serves them in
// the Prometheus text exposition format (version 0.0.4).
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry the bot's metrics live in.
var Collector = NewMetricsCollector()

const (
	kindCounter   = "counter"
	kindGauge     = "gauge"
	kindHistogram = "histogram"
)

// MetricsCollector groups series into families by metric name. A name is
// bound to one kind; registering it again with another kind panics.
type MetricsCollector struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
}

type family struct {
	name   string
	help   string
	kind   string
	series map[string]series // by label set
}

// series is one labelled time series of a family.
type series interface {
	write(w io.Writer, name, labels string)
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		families:  make(map[string]*family),
		startTime: time.Now(),
	}
}

// Uptime returns how long the collector has existed.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// register returns the series for name and labels, creating it with mk.
func (c *MetricsCollector) register(name, help, kind, labels string, mk func() series) series {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: kind, series: make(map[string]series)}
		c.families[name] = f
	}
	if f.kind != kind {
		panic(fmt.Sprintf("metrics: %s registered as %s, not %s", name, f.kind, kind))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter is a monotonically increasing count.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels, ""), c.Value())
}

// Gauge is a value that goes up and down.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels, ""), g.Value())
}

// Histogram counts observations into fixed upper bounds. Bucket counts are
// kept per bound and made cumulative when rendered.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64 // counts[i]: observations in (bounds[i-1], bounds[i]]
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) write(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var cumulative int64
	for i, b := range h.bounds {
		cumulative += h.counts[i]
		le := `le="` + formatFloat(b) + `"`
		fmt.Fprintf(w, "%s %d\n", seriesName(name+"_bucket", labels, le), cumulative)
	}
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_bucket", labels, `le="+Inf"`), h.count)
	fmt.Fprintf(w, "%s %s\n", seriesName(name+"_sum", labels, ""), formatFloat(h.sum))
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_count", labels, ""), h.count)
}

// Counter returns the counter for name and labels (e.g. `dir="in"`),
// creating it on first use.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.register(name, help, kindCounter, labels, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.register(name, help, kindGauge, labels, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels, creating it with the
// given upper bounds on first use. +Inf is implied and need not be listed.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.register(name, help, kindHistogram, labels, func() series {
		bounds := make([]float64, 0, len(buckets))
		for _, b := range buckets {
			if !math.IsInf(b, 1) && !math.IsNaN(b) {
				bounds = append(bounds, b)
			}
		}
		sort.Float64s(bounds)
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// WriteTo renders every family, sorted by name, followed by the uptime.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	c.mu.Lock()
	families := make([]*family, 0, len(c.families))
	for _, f := range c.families {
		families = append(families, f)
	}
	c.mu.Unlock()
	sort.Slice(families, func(i, j int) bool { return families[i].name < families[j].name })

	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	for _, f := range families {
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		c.mu.Lock()
		labels := make([]string, 0, len(f.series))
		for l := range f.series {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		list := make([]series, len(labels))
		for i, l := range labels {
			list[i] = f.series[l]
		}
		c.mu.Unlock()
		for i, s := range list {
			s.write(cw, f.name, labels[i])
		}
	}
	fmt.Fprintf(cw, "# HELP gmatbot_uptime_seconds Time since start in seconds\n# TYPE gmatbot_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "gmatbot_uptime_seconds %s\n", formatFloat(c.Uptime().Seconds()))

	if err := bw.Flush(); err != nil && cw.err == nil {
		cw.err = err
	}
	return cw.n, cw.err
}

// Handler serves the collector at a scrape endpoint.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// seriesName joins a metric name with its labels and one extra label.
func seriesName(name, labels, extra string) string {
	switch {
	case labels == "" && extra == "":
		return name
	case labels == "":
		return name + "{" + extra + "}"
	case extra == "":
		return name + "{" + labels + "}"
	default:
		return name + "{" + labels + "," + extra + "}"
	}
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

var (
	UpdatesTotal = Collector.Counter("gmatbot_updates_total", "Telegram updates handled", "")

	EventsRecorded = Collector.Counter("gmatbot_events_recorded_total", "Events accepted by the shipper", "")
	EventsShipped  = Collector.Counter("gmatbot_events_shipped_total", "Events uploaded to object storage", "")
	EventsRetried  = Collector.Counter("gmatbot_events_retried_total", "Upload attempts retried after a failure", "")
	EventsFailed   = Collector.Counter("gmatbot_events_failed_total", "Events dropped after delivery failure", "")
	EventsRejected = Collector.Counter("gmatbot_events_rejected_total", "Events rejected because a shard queue was full", "")
	QueuedEvents   = Collector.Gauge("gmatbot_events_queued", "Events waiting in shipper queues", "")

	NotificationsSent   = Collector.Counter("gmatbot_notifications_sent_total", "Admin notifications delivered", "")
	NotificationsFailed = Collector.Counter("gmatbot_notifications_failed_total", "Admin notifications that failed", "")

	ShipLatency = Collector.Histogram("gmatbot_ship_latency_seconds", "Object storage upload latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10})
)

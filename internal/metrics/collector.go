// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for printerbot. It renders text/plain in Prometheus exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// series is one sample line of a counter or gauge family.
type series struct {
	name, help, labels string
	value              int64
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, c.render())
	}
}

// render produces the exposition text. Series sharing a name are grouped
// under a single HELP/TYPE header.
func (c *MetricsCollector) render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP printerbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE printerbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "printerbot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	var counters, gauges []series
	c.counters.Range(func(_, value any) bool {
		ctr := value.(*Counter)
		counters = append(counters, series{ctr.name, ctr.help, ctr.labels, ctr.Value()})
		return true
	})
	c.gauges.Range(func(_, value any) bool {
		g := value.(*Gauge)
		gauges = append(gauges, series{g.name, g.help, g.labels, g.Value()})
		return true
	})
	writeFamilies(&sb, "counter", counters)
	writeFamilies(&sb, "gauge", gauges)

	var histograms []*Histogram
	c.histograms.Range(func(_, value any) bool {
		histograms = append(histograms, value.(*Histogram))
		return true
	})
	sort.Slice(histograms, func(i, j int) bool {
		if histograms[i].name != histograms[j].name {
			return histograms[i].name < histograms[j].name
		}
		return histograms[i].labels < histograms[j].labels
	})
	for _, h := range histograms {
		h.render(&sb)
	}
	return sb.String()
}

func writeFamilies(sb *strings.Builder, kind string, all []series) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].name != all[j].name {
			return all[i].name < all[j].name
		}
		return all[i].labels < all[j].labels
	})
	for i, s := range all {
		if i == 0 || all[i-1].name != s.name {
			fmt.Fprintf(sb, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(sb, "# TYPE %s %s\n", s.name, kind)
		}
		if s.labels != "" {
			fmt.Fprintf(sb, "%s{%s} %d\n", s.name, s.labels, s.value)
		} else {
			fmt.Fprintf(sb, "%s %d\n", s.name, s.value)
		}
	}
}

// render writes the histogram as cumulative buckets ending in +Inf,
// followed by its sum and count.
func (h *Histogram) render(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(sb, "# HELP %s %s\n", h.name, h.help)
	fmt.Fprintf(sb, "# TYPE %s histogram\n", h.name)

	bucketLabels := ""
	if h.labels != "" {
		bucketLabels = h.labels + ","
	}
	for _, b := range h.buckets {
		if math.IsInf(b.le, 1) {
			continue
		}
		fmt.Fprintf(sb, "%s_bucket{%sle=\"%g\"} %d\n", h.name, bucketLabels, b.le, b.count)
	}
	fmt.Fprintf(sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, bucketLabels, h.count)

	suffix := ""
	if h.labels != "" {
		suffix = "{" + h.labels + "}"
	}
	fmt.Fprintf(sb, "%s_sum%s %g\n", h.name, suffix, h.sum)
	fmt.Fprintf(sb, "%s_count%s %d\n", h.name, suffix, h.count)
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesTotal       = Collector.Counter("printerbot_messages_total", "Total chat messages handled", "")
	AttachmentDownloads = Collector.Counter("printerbot_attachment_downloads_total", "Attachments downloaded from the platform", "")
	AttachmentCacheHits = Collector.Counter("printerbot_attachment_cache_hits_total", "Attachments served from the local cache", "")
	RetrievalFailures   = Collector.Counter("printerbot_retrieval_failures_total", "Messages whose attachment fetch failed", "")
	PrintsSucceeded     = Collector.Counter("printerbot_print_jobs_total", "Print commands by result", `result="ok"`)
	PrintsFailed        = Collector.Counter("printerbot_print_jobs_total", "Print commands by result", `result="error"`)
	ScansSucceeded      = Collector.Counter("printerbot_scan_jobs_total", "Scan commands by result", `result="ok"`)
	ScansFailed         = Collector.Counter("printerbot_scan_jobs_total", "Scan commands by result", `result="error"`)
	ConnectedChannels   = Collector.Gauge("printerbot_connected_channels", "Messaging channels currently connected", "")

	CommandLatency = Collector.Histogram("printerbot_command_latency_seconds", "Peripheral command latency in seconds", "",
		[]float64{0.5, 1, 5, 10, 30, 60, 120, 300})
)

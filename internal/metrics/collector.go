package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes migration metrics
type Collector struct {
	itemsTotal   *prometheus.CounterVec
	bytesTotal   prometheus.Counter
	batchesTotal prometheus.Counter
	changelogSeq prometheus.Gauge
	phase        prometheus.Gauge
	duration     prometheus.Histogram
}

// New creates a metrics collector registered on its own registry so two
// collectors in one process (tests) do not collide.
func New() *Collector {
	c := &Collector{
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetshift_items_total",
				Help: "Total number of work items processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assetshift_bytes_total",
				Help: "Total bytes transferred",
			},
		),
		batchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assetshift_batches_total",
				Help: "Total batches committed",
			},
		),
		changelogSeq: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assetshift_changelog_seq",
				Help: "Latest change log sequence number appended",
			},
		),
		phase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assetshift_phase",
				Help: "Current migration phase (0=discover, 1=categorize, 2=transfer, 3=verify, 4=finalize)",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "assetshift_item_duration_seconds",
				Help:    "Time taken to transfer a work item",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	return c
}

// registry builds a registry holding this collector's metrics
func (c *Collector) registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c.itemsTotal, c.bytesTotal, c.batchesTotal, c.changelogSeq, c.phase, c.duration)
	return reg
}

// IncItem increments the item counter for a status (succeeded/failed/skipped)
func (c *Collector) IncItem(status string) {
	c.itemsTotal.WithLabelValues(status).Inc()
}

// AddBytes adds to total bytes transferred
func (c *Collector) AddBytes(bytes int64) {
	c.bytesTotal.Add(float64(bytes))
}

// IncBatch increments committed batches
func (c *Collector) IncBatch() {
	c.batchesTotal.Inc()
}

// SetChangelogSeq records the latest appended sequence number
func (c *Collector) SetChangelogSeq(seq int64) {
	c.changelogSeq.Set(float64(seq))
}

// SetPhase records the current phase index
func (c *Collector) SetPhase(index int) {
	c.phase.Set(float64(index))
}

// ObserveDuration observes the transfer duration of one item
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry(), promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}

// Package metrics is the observability port of the pipeline.
// Stages record through the Recorder interface; the worker and server wire the
// Prometheus implementation, tests use Nop or a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names. Label values are passed positionally in the order listed.
const (
	ScannerRuns      = "scanner_runs_total"      // result
	ScannerPublished = "scanner_published_total" // result
	ScannerFlagged   = "scanner_flagged_total"
	ScannerDuration  = "scanner_run_seconds"

	EngineForwarded = "engine_forwarded_total"
	EngineFires     = "engine_fires_total" // result
	EngineArmed     = "engine_armed_keys"  // partition

	DeliveryTasks      = "delivery_tasks_total" // result
	DeliveryDuplicates = "delivery_duplicates_total"
	DeliveryBatch      = "delivery_batch_seconds"

	OutcomeReports = "outcome_reports_total" // state
	IntakeTasks    = "intake_tasks_total"    // route

	QueueDepth = "queue_depth" // stream
)

const namespace = "taskscheduler"

// Recorder receives measurements by metric name.
// Unknown names are ignored.
type Recorder interface {
	Inc(name string, labels ...string)
	Add(name string, v float64, labels ...string)
	Observe(name string, v float64, labels ...string)
	Set(name string, v float64, labels ...string)
}

// Prometheus implements Recorder on top of client_golang vectors.
type Prometheus struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus registers every pipeline metric on reg.
// Pass prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	p := &Prometheus{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	counter := func(name, help string, labels ...string) {
		p.counters[name] = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) {
		p.histograms[name] = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: name, Help: help,
			Buckets: prometheus.DefBuckets,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) {
		p.gauges[name] = f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help,
		}, labels)
	}

	counter(ScannerRuns, "Bucket scan runs by result", "result")
	counter(ScannerPublished, "Bucket records published to dispatch by result", "result")
	counter(ScannerFlagged, "Bucket records whose scheduledAt maps to another bucket")
	histogram(ScannerDuration, "Duration of a full bucket scan")

	counter(EngineForwarded, "Tasks forwarded to the scheduled bus on receipt")
	counter(EngineFires, "Timer fires by result", "result")
	gauge(EngineArmed, "Keys with a live timer", "partition")

	counter(DeliveryTasks, "Delivery outcomes per task", "result")
	counter(DeliveryDuplicates, "Messages removed by batch dedup")
	histogram(DeliveryBatch, "Duration of a delivery micro-batch")

	counter(OutcomeReports, "Execution reports applied by state", "state")
	counter(IntakeTasks, "Created tasks by routing decision", "route")

	gauge(QueueDepth, "Entries in each stream or delayed set", "stream")

	return p
}

func (p *Prometheus) Inc(name string, labels ...string) {
	p.Add(name, 1, labels...)
}

func (p *Prometheus) Add(name string, v float64, labels ...string) {
	if c, ok := p.counters[name]; ok {
		c.WithLabelValues(labels...).Add(v)
	}
}

func (p *Prometheus) Observe(name string, v float64, labels ...string) {
	if h, ok := p.histograms[name]; ok {
		h.WithLabelValues(labels...).Observe(v)
	}
}

func (p *Prometheus) Set(name string, v float64, labels ...string) {
	if g, ok := p.gauges[name]; ok {
		g.WithLabelValues(labels...).Set(v)
	}
}

// Counter exposes a single counter series, mainly for assertions in tests.
func (p *Prometheus) Counter(name string, labels ...string) prometheus.Counter {
	return p.counters[name].WithLabelValues(labels...)
}

// Gauge exposes a single gauge series.
func (p *Prometheus) Gauge(name string, labels ...string) prometheus.Gauge {
	return p.gauges[name].WithLabelValues(labels...)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) Inc(string, ...string)              {}
func (Nop) Add(string, float64, ...string)     {}
func (Nop) Observe(string, float64, ...string) {}
func (Nop) Set(string, float64, ...string)     {}

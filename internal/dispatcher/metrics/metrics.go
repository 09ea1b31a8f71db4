package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "judge"
	subsystem = "dispatch"

	outcomeLabel = "outcome"
	statusLabel  = "status"
	nodeLabel    = "node"
)

// Attempt outcomes recorded by the dispatcher.
const (
	OutcomeJudged    = "judged"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeFatal     = "fatal"
	OutcomeStale     = "stale"
)

// Collector holds dispatch metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	Registerer prometheus.Registerer

	QueueLength   prometheus.Gauge
	ActiveWorkers prometheus.Gauge
	Attempts      *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	AdmissionWait prometheus.Histogram
	NodeUp        *prometheus.GaugeVec
	SyncTransfers prometheus.Counter
}

// NewCollector creates and registers dispatch metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{Registerer: reg}

	c.QueueLength = c.createGauge("queue_length", "Number of submissions waiting for a dispatch worker")
	c.ActiveWorkers = c.createGauge("active_workers", "Number of workers running an attempt sequence")

	c.Attempts = c.createCounterVec("attempts_total", "Judge attempts by outcome", outcomeLabel)
	c.Verdicts = c.createCounterVec("verdicts_total", "Terminal statuses written by the dispatcher", statusLabel)

	c.AdmissionWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "admission_wait_seconds",
		Help:      "Time spent waiting for an admission lease",
		Buckets:   []float64{.005, .05, .2, .5, 1, 2, 5, 10, 30, 60},
	})
	c.Registerer.MustRegister(c.AdmissionWait)

	c.NodeUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "node_up",
		Help:      "Whether the last health check of a judge node succeeded",
	}, []string{nodeLabel})
	c.Registerer.MustRegister(c.NodeUp)

	c.SyncTransfers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_transfers_total",
		Help:      "Test-data packages transferred to judge nodes",
	})
	c.Registerer.MustRegister(c.SyncTransfers)
	return c
}

func (c *Collector) createGauge(name, help string) prometheus.Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	c.Registerer.MustRegister(gauge)
	return gauge
}

func (c *Collector) createCounterVec(name, help, label string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{label})
	c.Registerer.MustRegister(counter)
	return counter
}

func (c *Collector) SetQueueLength(n int) {
	if c == nil {
		return
	}
	c.QueueLength.Set(float64(n))
}

func (c *Collector) SetActiveWorkers(n int) {
	if c == nil {
		return
	}
	c.ActiveWorkers.Set(float64(n))
}

func (c *Collector) ObserveAttempt(outcome string) {
	if c == nil {
		return
	}
	c.Attempts.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func (c *Collector) ObserveVerdict(status string) {
	if c == nil {
		return
	}
	c.Verdicts.With(prometheus.Labels{statusLabel: status}).Inc()
}

func (c *Collector) ObserveAdmissionWait(seconds float64) {
	if c == nil {
		return
	}
	c.AdmissionWait.Observe(seconds)
}

func (c *Collector) SetNodeUp(node string, up bool) {
	if c == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	c.NodeUp.With(prometheus.Labels{nodeLabel: node}).Set(value)
}

func (c *Collector) IncSyncTransfers() {
	if c == nil {
		return
	}
	c.SyncTransfers.Inc()
}

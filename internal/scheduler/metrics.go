package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	jobsSubmitted  *prometheus.CounterVec
	jobsFinalized  *prometheus.CounterVec
	claimsLost     prometheus.Counter
	modelSwitches  *prometheus.CounterVec
	switchDuration prometheus.Histogram
	queueWait      prometheus.Histogram
	jobsReaped     prometheus.Counter
	loadedModel    *prometheus.GaugeVec
}

// NewMetrics registers the scheduler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferq",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted from producers.",
		}, []string{"type"}),
		jobsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferq",
			Name:      "jobs_finalized_total",
			Help:      "Jobs moved to a terminal status.",
		}, []string{"status"}),
		claimsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: "inferq",
			Name:      "claims_lost_total",
			Help:      "Claims that lost the race for a pending job.",
		}),
		modelSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferq",
			Name:      "model_switches_total",
			Help:      "Backend model loads, by selection reason.",
		}, []string{"reason"}),
		switchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inferq",
			Name:      "model_switch_duration_seconds",
			Help:      "Time spent loading a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inferq",
			Name:      "job_queue_wait_seconds",
			Help:      "Time from submission to claim.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		jobsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "inferq",
			Name:      "jobs_reaped_total",
			Help:      "Stale jobs failed by the reaper.",
		}),
		loadedModel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferq",
			Name:      "loaded_model",
			Help:      "1 for the model the worker believes is resident.",
		}, []string{"model"}),
	}
}

func (m *Metrics) JobSubmitted(jobType string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobFinalized(status string) {
	if m == nil {
		return
	}
	m.jobsFinalized.WithLabelValues(status).Inc()
}

func (m *Metrics) claimLost() {
	if m == nil {
		return
	}
	m.claimsLost.Inc()
}

func (m *Metrics) modelSwitched(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelSwitches.WithLabelValues(reason).Inc()
	m.switchDuration.Observe(d.Seconds())
}

func (m *Metrics) queueWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

func (m *Metrics) reaped() {
	if m == nil {
		return
	}
	m.jobsReaped.Inc()
}

func (m *Metrics) setLoadedModel(model string) {
	if m == nil {
		return
	}
	m.loadedModel.Reset()
	if model != "" {
		m.loadedModel.WithLabelValues(model).Set(1)
	}
}

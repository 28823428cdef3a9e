// Package metrics exposes Prometheus metrics for workers, sessions and
// batches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the worker, session manager and
// orchestrator.
type Recorder interface {
	RecordJob(jobType, outcome string, d time.Duration)
	RecordLogin(accountID string, ok bool)
	RecordQuotaExhausted(accountID string)
	RecordEnqueued(jobType string, n int)
}

// Collector is the Prometheus Recorder.
type Collector struct {
	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	logins         *prometheus.CounterVec
	quotaExhausted *prometheus.CounterVec
	enqueued       *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cafeyard_jobs_total",
			Help: "Job attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cafeyard_job_duration_seconds",
			Help:    "Time spent executing a job attempt.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cafeyard_logins_total",
			Help: "Platform logins by account and result.",
		}, []string{"account", "result"}),
		quotaExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cafeyard_quota_exhausted_total",
			Help: "Post jobs deferred or rejected because the daily quota was used up.",
		}, []string{"account"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cafeyard_jobs_enqueued_total",
			Help: "Jobs enqueued by batch runs.",
		}, []string{"type"}),
	}
	reg.MustRegister(c.jobs, c.jobDuration, c.logins, c.quotaExhausted, c.enqueued)
	return c
}

// RecordJob records one finished attempt.
func (c *Collector) RecordJob(jobType, outcome string, d time.Duration) {
	c.jobs.WithLabelValues(jobType, outcome).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordLogin records a login attempt.
func (c *Collector) RecordLogin(accountID string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.logins.WithLabelValues(accountID, result).Inc()
}

// RecordQuotaExhausted records a quota refusal.
func (c *Collector) RecordQuotaExhausted(accountID string) {
	c.quotaExhausted.WithLabelValues(accountID).Inc()
}

// RecordEnqueued records jobs added by a batch.
func (c *Collector) RecordEnqueued(jobType string, n int) {
	c.enqueued.WithLabelValues(jobType).Add(float64(n))
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordJob(string, string, time.Duration) {}
func (Nop) RecordLogin(string, bool)                {}
func (Nop) RecordQuotaExhausted(string)             {}
func (Nop) RecordEnqueued(string, int)              {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

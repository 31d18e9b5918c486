// ============================================================================
// scoreload metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: count admissions, outcomes and backpressure of the loader and
//          expose them for scraping
//
// Metrics:
//
//   1. Counters:
//      - scoreload_jobs_submitted_total          admitted jobs
//      - scoreload_jobs_rejected_total{reason}   admission | input | shutdown
//      - scoreload_jobs_coalesced_total          duplicate requests joined to a running job
//      - scoreload_jobs_finished_total{outcome}  completed | failed | timed_out
//      - scoreload_backpressure_pauses_total     pause signals sent to workers
//      - scoreload_chunk_events_total{kind}      first | progress | complete
//      - scoreload_cache_lookups_total{result}   hit | miss
//
//   2. Histogram:
//      - scoreload_job_duration_seconds          submit to terminal outcome
//
//   3. Gauge:
//      - scoreload_jobs_running                  workers currently owning a job
//
// Example queries:
//
//   # rejection ratio
//   rate(scoreload_jobs_rejected_total{reason="admission"}[5m]) / rate(scoreload_jobs_submitted_total[5m])
//
//   # 95th percentile load time
//   histogram_quantile(0.95, rate(scoreload_job_duration_seconds_bucket[5m]))
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons
const (
	ReasonAdmission = "admission"
	ReasonInput     = "input"
	ReasonShutdown  = "shutdown"
)

// Collector holds the loader's Prometheus metrics.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsRejected  *prometheus.CounterVec
	jobsCoalesced prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	pauses        prometheus.Counter
	chunkEvents   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec

	jobDuration prometheus.Histogram
	jobsRunning prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoreload_jobs_submitted_total",
			Help: "Total number of load jobs admitted",
		}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoreload_jobs_rejected_total",
			Help: "Total number of load requests rejected before a worker was spawned",
		}, []string{"reason"}),
		jobsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoreload_jobs_coalesced_total",
			Help: "Total number of load requests joined to an in-flight job",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoreload_jobs_finished_total",
			Help: "Total number of load jobs finished, by outcome",
		}, []string{"outcome"}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scoreload_backpressure_pauses_total",
			Help: "Total number of pause signals sent to workers",
		}),
		chunkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoreload_chunk_events_total",
			Help: "Total number of streaming chunk events relayed, by kind",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scoreload_cache_lookups_total",
			Help: "Total number of cache lookups, by result",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoreload_job_duration_seconds",
			Help:    "Time from admission to terminal outcome in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scoreload_jobs_running",
			Help: "Current number of running load jobs",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobsCoalesced,
		c.jobsFinished,
		c.pauses,
		c.chunkEvents,
		c.cacheLookups,
		c.jobDuration,
		c.jobsRunning,
	)
	return c
}

// RecordSubmitted records an admitted job.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
	c.jobsRunning.Inc()
}

// RecordRejected records a request rejected for reason.
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.jobsRejected.WithLabelValues(reason).Inc()
}

// RecordCoalesced records a request joined to an in-flight job.
func (c *Collector) RecordCoalesced() {
	if c == nil {
		return
	}
	c.jobsCoalesced.Inc()
}

// RecordFinished records a terminal outcome and the job's duration.
func (c *Collector) RecordFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(outcome).Inc()
	c.jobDuration.Observe(d.Seconds())
	c.jobsRunning.Dec()
}

// RecordPause records a backpressure pause.
func (c *Collector) RecordPause() {
	if c == nil {
		return
	}
	c.pauses.Inc()
}

// RecordChunk records a relayed chunk event.
func (c *Collector) RecordChunk(kind string) {
	if c == nil {
		return
	}
	c.chunkEvents.WithLabelValues(kind).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Package metrics exposes Prometheus metrics for slurmssh runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage labels for StageDuration.
const (
	StageConnect = "connect"
	StageResolve = "resolve"
	StageStage   = "stage"
	StageSubmit  = "submit"
	StageMonitor = "monitor"
	StageLogs    = "logs"
	StageCleanup = "cleanup"
)

// Collector holds the run metrics on a private registry, so several
// collectors can coexist in one process (tests, library use).
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted    prometheus.Counter
	submissionErrors prometheus.Counter
	statusPolls      *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	inferredFinishes prometheus.Counter
	stageDuration    *prometheus.HistogramVec
	jobsInFlight     prometheus.Gauge
}

// NewCollector creates and registers the slurmssh metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slurmssh_jobs_submitted_total",
			Help: "Total number of jobs accepted by sbatch",
		}),
		submissionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slurmssh_submission_errors_total",
			Help: "Total number of submissions rejected or unparsable",
		}),
		statusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slurmssh_status_polls_total",
			Help: "Status polls by observed status",
		}, []string{"status"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slurmssh_jobs_finished_total",
			Help: "Jobs that reached a final status",
		}, []string{"status"}),
		inferredFinishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slurmssh_jobs_inferred_completed_total",
			Help: "Jobs presumed completed after disappearing from the scheduler",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slurmssh_stage_duration_seconds",
			Help:    "Duration of each run stage in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1800, 3600},
		}, []string{"stage"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slurmssh_jobs_in_flight",
			Help: "Jobs submitted and still being monitored",
		}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.submissionErrors,
		c.statusPolls,
		c.jobsFinished,
		c.inferredFinishes,
		c.stageDuration,
		c.jobsInFlight,
	)
	return c
}

// JobSubmitted records a successful submission.
func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
	c.jobsInFlight.Inc()
}

// SubmissionFailed records a rejected or unparsable submission.
func (c *Collector) SubmissionFailed() {
	c.submissionErrors.Inc()
}

// StatusPolled records one monitor poll.
func (c *Collector) StatusPolled(status string) {
	c.statusPolls.WithLabelValues(status).Inc()
}

// JobFinished records the job's final status.
func (c *Collector) JobFinished(status string, inferred bool) {
	c.jobsFinished.WithLabelValues(status).Inc()
	if inferred {
		c.inferredFinishes.Inc()
	}
	c.jobsInFlight.Dec()
}

// ObserveStage records how long a stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

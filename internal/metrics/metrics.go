// Package metrics exposes master and worker runtime counters as
// Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/protortyp/melon/internal/model"
)

// Master collects the master scheduler's runtime metrics. It
// implements scheduler.Metrics.
type Master struct {
	queueDepth        prometheus.Gauge
	nodeCount         prometheus.Gauge
	placementSuccess  prometheus.Counter
	placementFailure  prometheus.Counter
	nodeEvicted       prometheus.Counter
	jobsTerminal      *prometheus.CounterVec
}

// NewMaster registers and returns a Master metrics collector on reg.
func NewMaster(reg prometheus.Registerer) *Master {
	m := &Master{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "melon", Subsystem: "master", Name: "queue_depth",
			Help: "Number of jobs currently pending placement.",
		}),
		nodeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "melon", Subsystem: "master", Name: "nodes_registered",
			Help: "Number of worker nodes currently registered.",
		}),
		placementSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melon", Subsystem: "master", Name: "placement_success_total",
			Help: "Number of jobs successfully placed onto a worker.",
		}),
		placementFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melon", Subsystem: "master", Name: "placement_failure_total",
			Help: "Number of placement attempts that failed the AssignJob RPC.",
		}),
		nodeEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melon", Subsystem: "master", Name: "nodes_evicted_total",
			Help: "Number of worker nodes evicted by the liveness sweep.",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "melon", Subsystem: "master", Name: "jobs_terminal_total",
			Help: "Number of jobs reaching a terminal status, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.queueDepth, m.nodeCount, m.placementSuccess, m.placementFailure, m.nodeEvicted, m.jobsTerminal)
	return m
}

func (m *Master) SetQueueDepth(n int)      { m.queueDepth.Set(float64(n)) }
func (m *Master) SetNodeCount(n int)       { m.nodeCount.Set(float64(n)) }
func (m *Master) IncPlacementSuccess()     { m.placementSuccess.Inc() }
func (m *Master) IncPlacementFailure()     { m.placementFailure.Inc() }
func (m *Master) IncNodeEvicted()          { m.nodeEvicted.Inc() }
func (m *Master) IncJobTerminal(status model.JobStatus) {
	m.jobsTerminal.WithLabelValues(status.String()).Inc()
}

// Worker collects a worker node's runtime metrics.
type Worker struct {
	jobsRunning    prometheus.Gauge
	jobsCompleted  *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	heartbeatFails prometheus.Counter
}

// NewWorker registers and returns a Worker metrics collector on reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	w := &Worker{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "melon", Subsystem: "worker", Name: "jobs_running",
			Help: "Number of jobs currently supervised on this node.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "melon", Subsystem: "worker", Name: "jobs_completed_total",
			Help: "Number of jobs this node has finished, by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "melon", Subsystem: "worker", Name: "job_duration_seconds",
			Help:    "Wall-clock duration of a supervised job, from start_time to terminal status, by status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"status"}),
		heartbeatFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melon", Subsystem: "worker", Name: "heartbeat_failures_total",
			Help: "Number of heartbeat RPCs that failed to reach the master.",
		}),
	}

	reg.MustRegister(w.jobsRunning, w.jobsCompleted, w.jobDuration, w.heartbeatFails)
	return w
}

func (w *Worker) SetJobsRunning(n int)                   { w.jobsRunning.Set(float64(n)) }
func (w *Worker) IncJobCompleted(status model.JobStatus) { w.jobsCompleted.WithLabelValues(status.String()).Inc() }
func (w *Worker) ObserveJobDuration(status model.JobStatus, seconds float64) {
	w.jobDuration.WithLabelValues(status.String()).Observe(seconds)
}
func (w *Worker) IncHeartbeatFailure() { w.heartbeatFails.Inc() }

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronod/internal/manager"
)

// Metrics owns a private registry: request metrics are observed inline, the
// scheduler and runner counters are read from snapshots at scrape time.
type Metrics struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(mgr *manager.Service) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronod_http_requests_total",
				Help: "API requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chronod_http_request_duration_seconds",
				Help:    "API request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
	m.reg.MustRegister(
		m.requests,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if mgr != nil {
		m.reg.MustRegister(&snapshotCollector{mgr: mgr})
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (m *Metrics) instrument(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		h(rec, r)
		m.duration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(r.Method, strconv.Itoa(rec.code)).Inc()
	}
}

var (
	descJobs = prometheus.NewDesc("chronod_jobs",
		"Jobs known to the scheduler by state.", []string{"state"}, nil)
	descDispatched = prometheus.NewDesc("chronod_scheduler_dispatched_total",
		"Firings handed to the worker pool.", nil, nil)
	descSkipped = prometheus.NewDesc("chronod_scheduler_skipped_total",
		"Firings not dispatched, by reason.", []string{"reason"}, nil)
	descQueue = prometheus.NewDesc("chronod_engine_queue_length",
		"Firings waiting for a worker.", nil, nil)
	descInFlight = prometheus.NewDesc("chronod_engine_in_flight",
		"Firings currently executing.", nil, nil)
	descExecutions = prometheus.NewDesc("chronod_executions_total",
		"Executions recorded by this process, by outcome.", []string{"outcome"}, nil)
	descCallbacks = prometheus.NewDesc("chronod_pending_callbacks",
		"Executions waiting on a webhook.", nil, nil)
)

type snapshotCollector struct {
	mgr *manager.Service
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descJobs, descDispatched, descSkipped, descQueue, descInFlight, descExecutions, descCallbacks} {
		ch <- d
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if sched := c.mgr.Scheduler(); sched != nil {
		snap := sched.Snapshot()
		ch <- prometheus.MustNewConstMetric(descJobs, prometheus.GaugeValue, float64(snap.Jobs-snap.Paused), "active")
		ch <- prometheus.MustNewConstMetric(descJobs, prometheus.GaugeValue, float64(snap.Paused), "paused")
		ch <- prometheus.MustNewConstMetric(descDispatched, prometheus.CounterValue, float64(snap.Dispatched))
		ch <- prometheus.MustNewConstMetric(descSkipped, prometheus.CounterValue, float64(snap.SkippedMisfire), "misfire")
		ch <- prometheus.MustNewConstMetric(descSkipped, prometheus.CounterValue, float64(snap.SkippedMaxInstances), "max_instances")
		ch <- prometheus.MustNewConstMetric(descQueue, prometheus.GaugeValue, float64(snap.Engine.QueueLen))
		ch <- prometheus.MustNewConstMetric(descInFlight, prometheus.GaugeValue, float64(snap.Engine.InFlight))
	}
	st := c.mgr.RunnerStats()
	ch <- prometheus.MustNewConstMetric(descExecutions, prometheus.CounterValue, float64(st.Succeeded), "succeeded")
	ch <- prometheus.MustNewConstMetric(descExecutions, prometheus.CounterValue, float64(st.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(descExecutions, prometheus.CounterValue, float64(st.ScheduledError), "scheduled_error")
	ch <- prometheus.MustNewConstMetric(descCallbacks, prometheus.GaugeValue, float64(len(c.mgr.PendingCallbacks())))
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autobuild/internal/core"
)

const namespace = "autobuild"

// Recorder exports dispatcher activity as Prometheus metrics. It implements
// core.Observer.
type Recorder struct {
	registry *prometheus.Registry

	queued     *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	builds     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueWait  prometheus.Histogram
	queueDepth prometheus.Gauge
	active     prometheus.Gauge
}

// NewRecorder registers the build metrics on a private registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Build requests accepted into the queue.",
		}, []string{"project"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_suppressed_total",
			Help:      "Build requests dropped because the project was already queued or running.",
		}, []string{"project"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Finished builds by result.",
		}, []string{"project", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of finished builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"project"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time jobs spent queued before starting.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a slot, as of the last enqueue.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Occupied job slots.",
		}),
	}
	reg.MustRegister(
		r.queued, r.suppressed, r.builds, r.duration, r.queueWait, r.queueDepth, r.active,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) JobQueued(project string, depth int) {
	r.queued.WithLabelValues(project).Inc()
	r.queueDepth.Set(float64(depth))
}

func (r *Recorder) JobSuppressed(project string) {
	r.suppressed.WithLabelValues(project).Inc()
}

func (r *Recorder) BuildStarted(project string, active int, waited time.Duration) {
	r.active.Set(float64(active))
	r.queueWait.Observe(waited.Seconds())
}

func (r *Recorder) BuildFinished(project string, result core.Result, elapsed time.Duration, active int) {
	r.builds.WithLabelValues(project, string(result)).Inc()
	r.duration.WithLabelValues(project).Observe(elapsed.Seconds())
	r.active.Set(float64(active))
}

var _ core.Observer = (*Recorder)(nil)

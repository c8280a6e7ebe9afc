package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted by Submit.",
	})
	metricFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal state, by state.",
	}, []string{"state"})
	metricRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "jobs_requeued_total",
		Help:      "Jobs put back on the queue after a transport failure.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Entries waiting in the job queue.",
	})
	metricInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "tabs_in_flight",
		Help:      "Tabs currently running a job, per worker port.",
	}, []string{"port"})
	metricRecycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "worker_recycles_total",
		Help:      "Browser replacements by a worker, by reason.",
	}, []string{"port", "reason"})
	metricJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chromepool",
		Subsystem: "engine",
		Name:      "job_duration_seconds",
		Help:      "Time a worker spent running one job attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func recordSubmitted() { metricSubmitted.Inc() }

func recordFinished(s State) { metricFinished.WithLabelValues(s.String()).Inc() }

func recordRequeued() { metricRequeued.Inc() }

func recordQueueDepth(n int) { metricQueueDepth.Set(float64(n)) }

func recordInFlight(port int, n int64) {
	metricInFlight.WithLabelValues(strconv.Itoa(port)).Set(float64(n))
}

func recordRecycle(port int, reason string) {
	metricRecycles.WithLabelValues(strconv.Itoa(port), reason).Inc()
}

func recordJobDuration(seconds float64) { metricJobDuration.Observe(seconds) }

// Package metrics exposes Prometheus collectors for the scrape engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperJobsTotal        *prometheus.CounterVec
	scraperFetchesTotal     *prometheus.CounterVec
	scraperActiveWorkers    prometheus.Gauge
	scraperQueueDepth       prometheus.Gauge
	scraperIdentityPool     *prometheus.GaugeVec
	scraperAdmissionDenials *prometheus.CounterVec
	scraperFetchDuration    *prometheus.HistogramVec
	scraperRateInterval     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		scraperJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetches_total",
				Help: "Fetch attempts, labeled by target kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Workers currently executing a fetch.",
			},
		)

		scraperQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Jobs waiting in the queue.",
			},
		)

		scraperIdentityPool = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_identity_pool",
				Help: "Identity pool composition, labeled by state.",
			},
			[]string{"state"},
		)

		scraperAdmissionDenials = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_admission_denials_total",
				Help: "Dispatch deferrals, labeled by reason (rate, identity).",
			},
			[]string{"reason"},
		)

		scraperFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Fetch latencies, labeled by target kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		scraperRateInterval = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_interval_seconds",
				Help:    "Current per-target inter-request interval, sampled at each observation.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"target"},
		)
	})
}

// ObserveJobTerminal counts a job reaching a terminal state.
func ObserveJobTerminal(state string) {
	if scraperJobsTotal != nil {
		scraperJobsTotal.WithLabelValues(state).Inc()
	}
}

// ObserveFetch counts one fetch attempt and its latency.
func ObserveFetch(kind, outcome string, duration time.Duration) {
	if scraperFetchesTotal != nil {
		scraperFetchesTotal.WithLabelValues(kind, outcome).Inc()
	}
	if scraperFetchDuration != nil {
		scraperFetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// WorkerActive tracks the number of workers inside a fetch.
func WorkerActive(delta float64) {
	if scraperActiveWorkers != nil {
		scraperActiveWorkers.Add(delta)
	}
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(n int) {
	if scraperQueueDepth != nil {
		scraperQueueDepth.Set(float64(n))
	}
}

// SetIdentityPool records pool composition.
func SetIdentityPool(active, cooling, retired int) {
	if scraperIdentityPool != nil {
		scraperIdentityPool.WithLabelValues("active").Set(float64(active))
		scraperIdentityPool.WithLabelValues("cooling").Set(float64(cooling))
		scraperIdentityPool.WithLabelValues("retired").Set(float64(retired))
	}
}

// ObserveAdmissionDenial counts a dispatch deferral.
func ObserveAdmissionDenial(reason string) {
	if scraperAdmissionDenials != nil {
		scraperAdmissionDenials.WithLabelValues(reason).Inc()
	}
}

// ObserveRateInterval samples a target's current interval.
func ObserveRateInterval(target string, interval time.Duration) {
	if scraperRateInterval != nil {
		scraperRateInterval.WithLabelValues(target).Observe(interval.Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package telemetry exposes evaluation metrics in Prometheus format.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "creative_goat"

// Collector owns its registry so several collectors can live in one process
// (tests, embedded servers). A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	passesTotal      *prometheus.CounterVec
	passDuration     prometheus.Histogram
	evaluations      *prometheus.CounterVec
	fetchesTotal     *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	leaseConflicts   prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpRequestTimes *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		passesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "passes_total",
			Help:      "Scheduler passes by result.",
		}, []string{"result"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of one scheduler pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "evaluations_total",
			Help:      "Test evaluations by outcome.",
		}, []string{"outcome"}),
		fetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "metric_fetches_total",
			Help:      "Engagement fetches by result.",
		}, []string{"result"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "metric_fetch_duration_seconds",
			Help:      "Duration of one engagement fetch.",
			Buckets:   prometheus.DefBuckets,
		}),
		leaseConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lease_conflicts_total",
			Help:      "Evaluations skipped because another evaluator held the lease.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpRequestTimes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) RecordPass(err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.passesTotal.WithLabelValues(result).Inc()
	c.passDuration.Observe(d.Seconds())
}

func (c *Collector) RecordEvaluation(outcome string) {
	if c == nil {
		return
	}
	c.evaluations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordFetch(err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.fetchesTotal.WithLabelValues(result).Inc()
	c.fetchDuration.Observe(d.Seconds())
}

func (c *Collector) RecordLeaseConflict() {
	if c == nil {
		return
	}
	c.leaseConflicts.Inc()
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestTimes.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

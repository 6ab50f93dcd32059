// Package metrics exposes Prometheus collectors for runs, markers,
// notifications and HTTP requests on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"changeobserver/internal/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "change_observer"

type Metrics struct {
	reg *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	lastRunTS      prometheus.Gauge
	lastRunMarkers *prometheus.GaugeVec
	markerOutcomes *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Observation runs by trigger and final status",
	}, []string{"trigger", "status"})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of observation runs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	m.lastRunTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run finished",
	})
	m.lastRunMarkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_markers",
		Help:      "Marker counts of the last run",
	}, []string{"kind"})
	m.markerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "marker_outcomes_total",
		Help:      "Per-marker outcomes by pass",
	}, []string{"pass", "outcome"})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification deliveries by channel and result",
	}, []string{"channel", "result"})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status code",
	}, []string{"method", "route", "code"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal, m.runDuration, m.lastRunTS, m.lastRunMarkers,
		m.markerOutcomes, m.notifications, m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RunFinished implements pipeline.Observer.
func (m *Metrics) RunFinished(r pipeline.Result) {
	m.runsTotal.WithLabelValues(r.Trigger, r.Status).Inc()
	m.runDuration.Observe(r.Took.Seconds())
	m.lastRunTS.Set(float64(r.StartedAt.Add(r.Took).Unix()))
	m.lastRunMarkers.WithLabelValues("processed").Set(float64(r.Processed))
	m.lastRunMarkers.WithLabelValues("updated").Set(float64(r.Updated))
	m.lastRunMarkers.WithLabelValues("no_data").Set(float64(r.NoData))
	m.lastRunMarkers.WithLabelValues("failed").Set(float64(r.Failed))
	m.lastRunMarkers.WithLabelValues("notified").Set(float64(r.Notified))
}

// MarkerOutcome implements pipeline.Observer.
func (m *Metrics) MarkerOutcome(pass, outcome string) {
	m.markerOutcomes.WithLabelValues(pass, outcome).Inc()
}

// Delivered, Failed and Deduped implement notifier.Observer.
func (m *Metrics) Delivered(channel string) { m.notifications.WithLabelValues(channel, "sent").Inc() }
func (m *Metrics) Failed(channel string)    { m.notifications.WithLabelValues(channel, "failed").Inc() }
func (m *Metrics) Deduped(channel string)   { m.notifications.WithLabelValues(channel, "deduped").Inc() }

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, code int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Package metrics holds the Prometheus collectors of the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videa"

type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runsInFlight  prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	jobPolls      *prometheus.CounterVec
	pollRetries   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	intake        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Pipeline runs currently executing.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of analysis stages, by stage and outcome.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"stage", "outcome"}),
		jobPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_polls_total",
			Help:      "Status polls made against analysis jobs.",
		}, []string{"stage"}),
		pollRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_poll_retries_total",
			Help:      "Retried status poll calls after transient errors.",
		}, []string{"stage"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route and status.",
		}, []string{"method", "route", "status"}),
		intake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_messages_total",
			Help:      "Queue intake messages, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runsInFlight, m.stageDuration, m.jobPolls, m.pollRetries, m.httpRequests, m.intake,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished records a terminal run outcome (COMPLETED, FAILED).
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StageFinished(stage string, ok bool, d time.Duration, polls, retries int) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if !ok {
		outcome = "failed"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
	m.jobPolls.WithLabelValues(stage).Add(float64(polls))
	m.pollRetries.WithLabelValues(stage).Add(float64(retries))
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) IntakeMessage(result string) {
	if m == nil {
		return
	}
	m.intake.WithLabelValues(result).Inc()
}

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics records run, step and row counts for pipeline runs. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	rows         *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
}

// NewMetrics registers the pipeline collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odsflow_runs_total",
			Help: "Pipeline runs partitioned by pipeline and final status.",
		}, []string{"pipeline", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odsflow_run_duration_seconds",
			Help:    "Wall time of pipeline runs from begin to commit or rollback.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"pipeline"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odsflow_step_total",
			Help: "Pipeline step executions partitioned by step and status.",
		}, []string{"pipeline", "step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odsflow_step_duration_seconds",
			Help:    "Duration of pipeline steps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"pipeline", "step"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odsflow_rows_total",
			Help: "Row counts per kind (staged, violations, inserted, updated, unchanged, deleted).",
		}, []string{"pipeline", "kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "odsflow_last_success_timestamp_seconds",
			Help: "Unix time of the last committed run.",
		}, []string{"pipeline"}),
	}

	m.reg.MustRegister(m.runs, m.runDuration, m.steps, m.stepDuration, m.rows, m.lastSuccess)
	return m
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(pipeline string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.runs.WithLabelValues(pipeline, status).Inc()
	m.runDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	if success {
		m.lastSuccess.WithLabelValues(pipeline).SetToCurrentTime()
	}
}

// RecordStep counts one step execution.
func (m *Metrics) RecordStep(pipeline, step string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.steps.WithLabelValues(pipeline, step, status).Inc()
	m.stepDuration.WithLabelValues(pipeline, step).Observe(d.Seconds())
}

// AddRows adds n to the row counter of the given kind.
func (m *Metrics) AddRows(pipeline, kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(pipeline, kind).Add(float64(n))
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Push sends the current values to a Prometheus Pushgateway.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if job == "" {
		job = "odsflow"
	}
	if err := push.New(gatewayURL, job).Gatherer(m.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

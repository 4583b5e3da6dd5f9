// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ChunksWritten *prometheus.CounterVec
	ChunksRead    *prometheus.CounterVec
	BytesWritten  *prometheus.CounterVec
	BytesRead     *prometheus.CounterVec
	MessagesIn    *prometheus.CounterVec
	MessagesOut   *prometheus.CounterVec
	JobFailures   *prometheus.CounterVec
	JobsRunning   *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	jobLabels := []string{"job_id", "kind"}

	m := &Metrics{
		registry: reg,
		ChunksWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_chunks_written_total",
			Help: "Chunks committed to the object store.",
		}, jobLabels),
		ChunksRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_chunks_read_total",
			Help: "Chunks replayed from the object store.",
		}, jobLabels),
		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_bytes_written_total",
			Help: "Object bytes written to the object store.",
		}, jobLabels),
		BytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_bytes_read_total",
			Help: "Object bytes read from the object store.",
		}, jobLabels),
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_messages_in_total",
			Help: "Messages consumed from the bus.",
		}, jobLabels),
		MessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_messages_out_total",
			Help: "Messages published back to the bus.",
		}, jobLabels),
		JobFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nats3_job_failures_total",
			Help: "Workers that exited with a failure.",
		}, jobLabels),
		JobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nats3_jobs_running",
			Help: "Workers currently running.",
		}, []string{"kind"}),
	}
	// Gauges start visible at zero rather than appearing on first use.
	m.JobsRunning.WithLabelValues("store")
	m.JobsRunning.WithLabelValues("load")
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

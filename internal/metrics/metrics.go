// Package metrics exposes transfer and HTTP counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics records upload, retrieval, channel and request activity.
type Metrics interface {
	ObserveUpload(outcome string, bytes int64, parts int, durationSeconds float64)
	ObserveRetrieval(outcome string, bytes int64, durationSeconds float64)
	ObserveChannelOp(op, outcome string, durationSeconds float64)
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) ObserveUpload(string, int64, int, float64)      {}
func (Noop) ObserveRetrieval(string, int64, float64)        {}
func (Noop) ObserveChannelOp(string, string, float64)       {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadParts    prometheus.Histogram
	uploadLatency  *prometheus.HistogramVec
	retrievals     *prometheus.CounterVec
	retrievalBytes prometheus.Counter
	retrievalTime  *prometheus.HistogramVec
	channelOps     *prometheus.CounterVec
	channelLatency *prometheus.HistogramVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	once           sync.Once
}

// NewProm builds and registers collectors under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by outcome",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes stored by successful uploads",
		}),
		uploadParts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_parts",
			Help:      "Parts per successful upload",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		uploadLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Upload latency by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"outcome"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Retrievals by outcome",
		}, []string{"outcome"}),
		retrievalBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_bytes_total",
			Help:      "Bytes reassembled by successful retrievals",
		}),
		retrievalTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Retrieval latency by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"outcome"}),
		channelOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_operations_total",
			Help:      "Blob channel operations by op and outcome",
		}, []string{"op", "outcome"}),
		channelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_operation_duration_seconds",
			Help:      "Blob channel operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.uploads, p.uploadBytes, p.uploadParts, p.uploadLatency,
			p.retrievals, p.retrievalBytes, p.retrievalTime,
			p.channelOps, p.channelLatency,
			p.requests, p.requestLatency,
		)
	})
}

func (p *Prom) ObserveUpload(outcome string, bytes int64, parts int, durationSeconds float64) {
	p.uploads.WithLabelValues(outcome).Inc()
	p.uploadLatency.WithLabelValues(outcome).Observe(durationSeconds)
	if outcome == OutcomeOK {
		p.uploadBytes.Add(float64(bytes))
		p.uploadParts.Observe(float64(parts))
	}
}

func (p *Prom) ObserveRetrieval(outcome string, bytes int64, durationSeconds float64) {
	p.retrievals.WithLabelValues(outcome).Inc()
	p.retrievalTime.WithLabelValues(outcome).Observe(durationSeconds)
	if outcome == OutcomeOK {
		p.retrievalBytes.Add(float64(bytes))
	}
}

func (p *Prom) ObserveChannelOp(op, outcome string, durationSeconds float64) {
	p.channelOps.WithLabelValues(op, outcome).Inc()
	p.channelLatency.WithLabelValues(op).Observe(durationSeconds)
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestLatency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

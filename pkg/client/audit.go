package client

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuditSink receives one record per mutating API call: target, verb and
// outcome. Sinks are observational only and must never fail the call.
type AuditSink interface {
	RecordMutation(kind ResourceKind, name string, verb string, outcome string, elapsed time.Duration)
}

// SlogAuditSink writes audit records as structured log lines.
type SlogAuditSink struct {
	Logger *slog.Logger
}

func (s *SlogAuditSink) RecordMutation(kind ResourceKind, name string, verb string, outcome string, elapsed time.Duration) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mutation",
		"resource", string(kind),
		"name", name,
		"verb", verb,
		"outcome", outcome,
		"elapsed", elapsed.String(),
	)
}

// NopAuditSink discards audit records. Useful in tests.
type NopAuditSink struct{}

func (NopAuditSink) RecordMutation(ResourceKind, string, string, string, time.Duration) {}

// PrometheusAuditSink counts mutations and observes their latency.
type PrometheusAuditSink struct {
	mutations *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusAuditSink registers the audit metrics with the given
// registry and returns the sink.
func NewPrometheusAuditSink(reg prometheus.Registerer) *PrometheusAuditSink {
	sink := &PrometheusAuditSink{
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "xcat",
				Subsystem: "client",
				Name:      "mutations_total",
				Help:      "Total number of mutating xCat API calls by resource, verb and outcome",
			},
			[]string{"resource", "verb", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "xcat",
				Subsystem: "client",
				Name:      "mutation_duration_seconds",
				Help:      "Duration of mutating xCat API calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
			[]string{"verb"},
		),
	}
	reg.MustRegister(sink.mutations, sink.latency)
	return sink
}

func (p *PrometheusAuditSink) RecordMutation(kind ResourceKind, name string, verb string, outcome string, elapsed time.Duration) {
	p.mutations.WithLabelValues(string(kind), verb, outcome).Inc()
	p.latency.WithLabelValues(verb).Observe(elapsed.Seconds())
}

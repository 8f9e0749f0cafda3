// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// Metrics implements heartflow.Observer.
type Metrics struct {
	reg *prometheus.Registry

	Decisions        *prometheus.CounterVec
	JudgeAttempts    prometheus.Histogram
	JudgeLatency     prometheus.Histogram
	JudgeErrors      *prometheus.CounterVec
	Saves            *prometheus.CounterVec
	AffinityDelta    prometheus.Histogram
	ReplyProbability prometheus.Histogram
	Outbound         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartflow_decisions_total",
				Help: "Decisions by outcome",
			},
			[]string{"outcome"},
		),
		JudgeAttempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "heartflow_judge_attempts",
				Help:    "Model calls needed per judgment",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		JudgeLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "heartflow_judge_latency_seconds",
				Help:    "Judgment latency in seconds, retries included",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 9),
			},
		),
		JudgeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartflow_judge_errors_total",
				Help: "Failed judgments by kind",
			},
			[]string{"kind"},
		),
		Saves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartflow_affinity_saves_total",
				Help: "Affinity ledger saves by result",
			},
			[]string{"result"},
		),
		AffinityDelta: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "heartflow_affinity_delta",
				Help:    "Affinity change applied per judged message",
				Buckets: prometheus.LinearBuckets(-5, 1, 11),
			},
		),
		ReplyProbability: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "heartflow_reply_probability",
				Help:    "Affinity-adjusted reply probability for messages over threshold",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		Outbound: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartflow_outbound_messages_total",
				Help: "Messages sent by channel",
			},
			[]string{"channel"},
		),
	}
}

func (m *Metrics) ObserveDecision(d heartflow.Decision) {
	m.Decisions.WithLabelValues(string(d.Outcome)).Inc()
	switch d.Outcome {
	case heartflow.OutcomeAccept, heartflow.OutcomeReject:
		m.AffinityDelta.Observe(d.AffinityDelta)
		if d.MeetsThreshold {
			m.ReplyProbability.Observe(d.Probability)
		}
	}
}

func (m *Metrics) ObserveJudge(attempts int, elapsed time.Duration, err error) {
	if attempts > 0 {
		m.JudgeAttempts.Observe(float64(attempts))
	}
	m.JudgeLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.JudgeErrors.WithLabelValues(errorKind(err)).Inc()
	}
}

func (m *Metrics) ObserveSave(err error) {
	if err != nil {
		m.Saves.WithLabelValues("error").Inc()
		return
	}
	m.Saves.WithLabelValues("ok").Inc()
}

func (m *Metrics) ObserveOutbound(channel string) {
	m.Outbound.WithLabelValues(channel).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func errorKind(err error) string {
	var (
		cfgErr   *heartflow.ConfigError
		parseErr *heartflow.ParseError
		collErr  *heartflow.CollaboratorError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &collErr):
		return "collaborator"
	default:
		return "other"
	}
}

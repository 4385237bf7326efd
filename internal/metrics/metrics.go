// Package metrics exposes Prometheus collectors for completion streams, the
// push connection, reconciliation and the resource cache.
package metrics

import (
	"net/http"

	"chatsync/internal/chaterr"
	"chatsync/internal/models"
	"chatsync/internal/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics holds every collector on its own registry, so tests and multiple
// instances never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	// StreamsTotal counts finished replies by outcome (completed, cancelled, released, failed).
	StreamsTotal *prometheus.CounterVec
	// StreamErrorsTotal counts failed replies by error kind.
	StreamErrorsTotal *prometheus.CounterVec
	// SendRejectedTotal counts sends refused before any side effect, by error kind.
	SendRejectedTotal *prometheus.CounterVec
	TokensTotal       prometheus.Counter
	UsageTokensTotal  *prometheus.CounterVec
	TimeToFirstToken  prometheus.Histogram
	StreamDuration    *prometheus.HistogramVec

	ConnectionState       *prometheus.GaugeVec
	ConnectionTransitions *prometheus.CounterVec

	// EventsTotal counts push events by type and reconciliation outcome.
	EventsTotal *prometheus.CounterVec

	CacheLookups   *prometheus.CounterVec
	CacheEvictions prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		StreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "finished_total",
			Help:      "Replies finished, by outcome.",
		}, []string{"outcome"}),
		StreamErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Failed replies, by error kind.",
		}, []string{"kind"}),
		SendRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "rejected_total",
			Help:      "Sends rejected before starting, by error kind.",
		}, []string{"kind"}),
		TokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "tokens_received_total",
			Help:      "Token chunks received across all replies.",
		}),
		UsageTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "usage_tokens_total",
			Help:      "Backend reported token usage, by kind and model.",
		}, []string{"kind", "model"}),
		TimeToFirstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "time_to_first_token_seconds",
			Help:      "Latency until the first token of a reply.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Total reply duration, by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		ConnectionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state transitions, by target state.",
		}, []string{"state"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Push events handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Resource cache lookups, by result.",
		}, []string{"result"}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Resources evicted from the cache.",
		}),
	}
	m.ConnectionStateChanged(models.StateDisconnected)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StreamFinished(s stream.Metrics, err *chaterr.Error) {
	outcome := string(s.Outcome)
	m.StreamsTotal.WithLabelValues(outcome).Inc()
	m.StreamDuration.WithLabelValues(outcome).Observe(s.TotalDuration.Seconds())
	m.TokensTotal.Add(float64(s.TokensReceived))
	if s.TokensReceived > 0 {
		m.TimeToFirstToken.Observe(s.TimeToFirstToken.Seconds())
	}
	if err != nil {
		m.StreamErrorsTotal.WithLabelValues(err.Kind.String()).Inc()
	}
	if u := s.Usage; u != nil {
		m.UsageTokensTotal.WithLabelValues("prompt", s.Model).Add(float64(u.PromptTokens))
		m.UsageTokensTotal.WithLabelValues("completion", s.Model).Add(float64(u.CompletionTokens))
		m.UsageTokensTotal.WithLabelValues("cached", s.Model).Add(float64(u.CachedTokens))
	}
}

func (m *Metrics) SendRejected(kind chaterr.Kind) {
	m.SendRejectedTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ConnectionStateChanged(state models.ConnectionState) {
	for _, s := range []models.ConnectionState{models.StateDisconnected, models.StateConnecting, models.StateConnected} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
	m.ConnectionTransitions.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) EventHandled(eventType, outcome string) {
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) CacheHit() {
	m.CacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheEviction() {
	m.CacheEvictions.Inc()
}

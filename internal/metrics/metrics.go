// Package metrics exposes the server's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	TurnsTotal        *prometheus.CounterVec
	DecisionDuration  *prometheus.HistogramVec
	AudioBytesTotal   prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	SweptTotal        prometheus.Counter
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "intake"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions held in memory",
	})

	connectionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of open conversation channels",
	})

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome",
		},
		[]string{"outcome"},
	)

	decisionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Decision engine call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"call", "status"},
	)

	audioBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Audio bytes received from clients",
	})

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported to clients by code",
		},
		[]string{"code"},
	)

	sweptTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Idle sessions evicted from memory",
	})

	registry.MustRegister(
		sessionsActive,
		connectionsActive,
		turnsTotal,
		decisionDuration,
		audioBytesTotal,
		errorsTotal,
		sweptTotal,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		ConnectionsActive: connectionsActive,
		TurnsTotal:        turnsTotal,
		DecisionDuration:  decisionDuration,
		AudioBytesTotal:   audioBytesTotal,
		ErrorsTotal:       errorsTotal,
		SweptTotal:        sweptTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSessionsActive matches session.ManagerConfig.OnActiveChange.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordTurn counts an evaluated, abandoned or failed turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAudio(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.Add(float64(n))
}

func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptTotal.Add(float64(n))
}

func (m *Metrics) observeDecision(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DecisionDuration.WithLabelValues(call, status).Observe(time.Since(start).Seconds())
}

// InstrumentEngine wraps a decision engine so every call is timed.
func InstrumentEngine(engine orchestrator.DecisionEngine, m *Metrics) orchestrator.DecisionEngine {
	if m == nil {
		return engine
	}
	return &instrumentedEngine{next: engine, m: m}
}

type instrumentedEngine struct {
	next orchestrator.DecisionEngine
	m    *Metrics
}

func (e *instrumentedEngine) Decide(ctx context.Context, req orchestrator.Request) (orchestrator.Decision, error) {
	start := time.Now()
	d, err := e.next.Decide(ctx, req)
	e.m.observeDecision("decide", start, err)
	return d, err
}

func (e *instrumentedEngine) Opening(ctx context.Context, req orchestrator.OpenRequest) (string, error) {
	start := time.Now()
	text, err := e.next.Opening(ctx, req)
	e.m.observeDecision("opening", start, err)
	return text, err
}

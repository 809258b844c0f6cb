// Package metrics exposes Prometheus collectors for routing, evaluation,
// LLM calls and the HTTP surface. All collectors live on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "basecamp"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal         *prometheus.CounterVec
	clarifications     prometheus.Counter
	evaluationsTotal   *prometheus.CounterVec
	evaluationScore    *prometheus.HistogramVec
	evaluationDuration prometheus.Histogram
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensTotal     *prometheus.CounterVec
	llmBreakerState    *prometheus.GaugeVec
	retrievalDuration  prometheus.Histogram
	activeSessions     prometheus.Gauge
	maintenanceRuns    *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns handled, by route taken.",
		}, []string{"route"}),
		clarifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clarifications_total",
			Help:      "Turns answered with a clarifying question.",
		}),
		evaluationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_evaluations_total",
			Help:      "Agent relevance evaluations, by agent and outcome.",
		}, []string{"agent", "outcome"}),
		evaluationScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_relevance_score",
			Help:      "Relevance scores produced by agent evaluation.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"agent"}),
		evaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_round_duration_seconds",
			Help:      "Wall time of a full evaluation round across agents.",
			Buckets:   prometheus.DefBuckets,
		}),
		llmRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM requests, by provider and status.",
		}, []string{"provider", "status"}),
		llmRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		llmTokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed, by provider and token type.",
		}, []string{"provider", "token_type"}),
		llmBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "llm_breaker_state",
			Help:      "Circuit breaker state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		retrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Passage retrieval duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held in memory.",
		}),
		maintenanceRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Scheduled maintenance job runs, by job and outcome.",
		}, []string{"job", "outcome"}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordTurn(route string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) RecordClarification() {
	if m == nil {
		return
	}
	m.clarifications.Inc()
}

// RecordEvaluation records one agent's evaluation. Failed evaluations are
// counted but their zero score is not observed.
func (m *Metrics) RecordEvaluation(agent string, score float64, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.evaluationsTotal.WithLabelValues(agent, "failed").Inc()
		return
	}
	m.evaluationsTotal.WithLabelValues(agent, "ok").Inc()
	m.evaluationScore.WithLabelValues(agent).Observe(score)
}

func (m *Metrics) ObserveEvaluationRound(d time.Duration) {
	if m == nil {
		return
	}
	m.evaluationDuration.Observe(d.Seconds())
}

// RecordLLMRequest records a completed LLM call.
func (m *Metrics) RecordLLMRequest(provider string, d time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmRequestsTotal.WithLabelValues(provider, status).Inc()
	m.llmRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// SetBreakerState records a provider's circuit breaker state.
func (m *Metrics) SetBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.llmBreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) ObserveRetrieval(d time.Duration) {
	if m == nil {
		return
	}
	m.retrievalDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordMaintenanceRun counts one run of a scheduled job.
func (m *Metrics) RecordMaintenanceRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.maintenanceRuns.WithLabelValues(job, outcome).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTurn("single")
	m.RecordClarification()
	m.RecordEvaluation("support_bot", 0.8, false)
	m.ObserveEvaluationRound(time.Second)
	m.RecordLLMRequest("openai", time.Second, 1, 1, nil)
	m.ObserveRetrieval(time.Second)
	m.SetActiveSessions(3)
	m.SetBreakerState("openai", 2)
	m.RecordMaintenanceRun("session-reap", nil)
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordTurn("multi")
	m.RecordTurn("multi")
	m.RecordTurn("fallback")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("multi")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("fallback")))

	m.RecordMaintenanceRun("evallog-prune", nil)
	m.RecordMaintenanceRun("evallog-prune", errors.New("database is locked"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("evallog-prune", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("evallog-prune", "error")))

	m.SetBreakerState("openai", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.llmBreakerState.WithLabelValues("openai")))

	m.RecordEvaluation("support_bot", 0.9, false)
	m.RecordEvaluation("support_bot", 0, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("support_bot", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("support_bot", "failed")))

	m.RecordLLMRequest("ollama", time.Millisecond, 10, 5, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmRequestsTotal.WithLabelValues("ollama", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.llmTokensTotal.WithLabelValues("ollama", "prompt")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.llmTokensTotal.WithLabelValues("ollama", "completion")))

	m.SetActiveSessions(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.activeSessions))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordHTTPRequest(http.MethodPost, "/api/v1/chat", 200, 50*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `basecamp_http_requests_total{method="POST",route="/api/v1/chat",status="200"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}

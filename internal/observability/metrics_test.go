package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMiddlewareCountsRequests(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/expenses/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/expenses/42", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := scrape(t, m)
	assert.Contains(t, body, `expenseflow_http_requests_total{code="404",route="/expenses/{id}"} 1`)
	assert.True(t, strings.Contains(body, "expenseflow_http_request_duration_seconds"))
}

func TestDecisionCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveDecision("final_approve")
	m.ObserveDecision("final_approve")
	m.ObserveDecision("reject")
	m.ObserveFallback()

	body := scrape(t, m)
	assert.Contains(t, body, `expenseflow_decisions_total{outcome="final_approve"} 2`)
	assert.Contains(t, body, `expenseflow_decisions_total{outcome="reject"} 1`)
	assert.Contains(t, body, "expenseflow_fallback_approvals_total 1")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("reject")
	m.ObserveFallback()

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

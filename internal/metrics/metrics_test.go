package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Turn(OutcomeReply)
	m.Turn(OutcomeReply)
	m.Turn(OutcomeQuotaDenied)
	m.ExpiredTariffs(3)
	m.ExpiredTariffs(0)
	m.Completion("gemini", CompletionOK, 1500*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues(OutcomeReply)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues(OutcomeQuotaDenied)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.expiredTariffs))
	assert.Equal(t, 1, testutil.CollectAndCount(m.completions))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Turn(OutcomeReply)
		m.Completion("openai", CompletionError, time.Second)
		m.ExpiredTariffs(1)
	})
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Turn(OutcomeSwitch)

	s := NewServer(":0", reg, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, map[string]string{"database": "ok"}, body)

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `advisor_bot_turns_total{outcome="switch"} 1`))
}

func TestHealthReportsFailures(t *testing.T) {
	s := NewServer(":0", prometheus.NewRegistry(), map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "connection refused", body["redis"])
	assert.Equal(t, "ok", body["database"])
}

package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RunFinished(OutcomeCompleted)
	m.RunFinished(OutcomeCompleted)
	m.RunFinished(OutcomeFailed)
	m.AddTokens(100, 20)
	m.StreamDisconnected()
	m.ObserveStage("retrieval", 30*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tokens.WithLabelValues(DirectionInput)))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.tokens.WithLabelValues(DirectionOutput)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stages))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunFinished(OutcomeFailed)
		m.AddTokens(1, 1)
		m.StreamDisconnected()
		m.ObserveStage("generation", time.Second)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunFinished(OutcomeCompleted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `rag_pipeline_runs_total{outcome="completed"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

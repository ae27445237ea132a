package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pacer/api/schemas"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.ObserveDispatch("a1", schemas.ActionComment, schemas.OutcomeSuccess)
	m.ObserveDispatch("a1", schemas.ActionComment, schemas.OutcomeSuccess)
	m.ObserveDispatch("a1", schemas.ActionComment, schemas.OutcomeTransientError)
	m.ObserveDenial("a1", schemas.ActionPost)
	m.ObserveReport("a1", schemas.StatusSucceeded)
	m.ObserveDelay("a1", schemas.ActionComment, 42*time.Second)
	m.SetSessionState("a1", schemas.StateActive)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("a1", "comment", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("a1", "comment", "transient_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LimiterDenials.WithLabelValues("a1", "post")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues("a1", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("a1", "active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("a1", "cold")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Delays))

	m.SetSessionState("a1", schemas.StateRestricted)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionState.WithLabelValues("a1", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("a1", "restricted")))
}

func TestMetrics_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDispatch("a", schemas.ActionPost, schemas.OutcomeSuccess)
		m.ObserveDenial("a", schemas.ActionPost)
		m.ObserveReport("a", schemas.StatusFailed)
		m.ObserveDelay("a", schemas.ActionPost, time.Second)
		m.SetSessionState("a", schemas.StateCold)
	})
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAuthAttemptCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AuthAttempt("password", OutcomeSuccess)
	m.AuthAttempt("password", OutcomeSuccess)
	m.AuthAttempt("github", OutcomeFailure)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.authAttempts.WithLabelValues("password", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authAttempts.WithLabelValues("github", OutcomeFailure)))
}

func TestSessionValidationCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionValidation(ResultFresh)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionValidations.WithLabelValues(ResultFresh)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionValidations.WithLabelValues(ResultValid)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AuthAttempt("password", OutcomeFailure)
		m.SessionValidation(ResultInvalid)
	})
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

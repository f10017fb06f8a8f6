// Package metrics holds the Prometheus counters exported at /metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
//
// COUNTERS AND LABELS:
// A Prometheus counter only goes up. Rates come from the query side, e.g.
//
//	rate(gatekeeper_auth_attempts_total{outcome="failure"}[5m])
//
// Each distinct label combination is its own time series, so label values
// must come from a small fixed set: the Outcome and Result constants below
// and the provider names. Never put a user id, email or session id in a
// label.
//
// The counters are registered on the registry the server builds, not the
// global default one, so tests can create as many Metrics as they like
// without "duplicate metrics collector registration" panics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values shared by the auth counters.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"

	ResultValid   = "valid"
	ResultFresh   = "fresh"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Metrics holds the auth counters. Build it with New; the zero value is not
// usable, but a nil pointer is.
type Metrics struct {
	authAttempts       *prometheus.CounterVec
	sessionValidations *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_auth_attempts_total",
			Help: "Sign-up, sign-in and OAuth login attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		sessionValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_session_validations_total",
			Help: "Session validations by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.authAttempts, m.sessionValidations)
	return m
}

// AuthAttempt counts one login attempt. method is "password", "sign_up",
// "google" or "github".
func (m *Metrics) AuthAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(method, outcome).Inc()
}

// SessionValidation counts one session lookup. result is one of the Result
// constants: valid, fresh (valid and extended), invalid or error.
func (m *Metrics) SessionValidation(result string) {
	if m == nil {
		return
	}
	m.sessionValidations.WithLabelValues(result).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Dispatch.
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "phoneverify_dispatch_total", Help: "Message dispatch outcomes per account."},
		[]string{"account", "outcome"}, // sent | ambiguous | rejected | error | timeout
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phoneverify_dispatch_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Sessions.
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "phoneverify_sessions_created_total", Help: "OTP sessions created."},
	)
	Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "phoneverify_verify_total", Help: "Verification attempt outcomes."},
		[]string{"outcome"}, // verified | mismatch | exhausted | expired | not_found | already_verified
	)
	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "phoneverify_sessions_reaped_total", Help: "Expired sessions deleted by the reaper."},
	)

	// Numbers.
	Validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "phoneverify_validate_total", Help: "Number validation outcomes."},
		[]string{"outcome"}, // valid | invalid | error
	)

	// Health.
	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "phoneverify_probe_total", Help: "Health probe outcomes per account."},
		[]string{"account", "outcome"}, // ok | fail
	)
)

// MustRegister registers the app's collectors on the default registry,
// which already carries the Go and process collectors.
func MustRegister() {
	prometheus.MustRegister(
		Dispatches, DispatchDuration,
		SessionsCreated, Verifications, SessionsReaped,
		Validations, Probes,
	)
}

// Package prom exports protocol observer events as Prometheus metrics.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nitelink/ntl-go/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports protocol metrics to Prometheus.
type Observer struct {
	beaconTotal  *prometheus.CounterVec
	sessionTotal *prometheus.CounterVec
	outcomeTotal *prometheus.CounterVec
	stateTotal   *prometheus.CounterVec
	payloadBytes prometheus.Histogram
}

// NewObserver registers protocol metrics on the registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		beaconTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntl_beacons_total",
			Help: "Beacon decode attempts by result.",
		}, []string{"result"}),
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntl_sessions_total",
			Help: "Sessions started by role.",
		}, []string{"role"}),
		outcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntl_session_outcomes_total",
			Help: "Session outcomes by role and outcome.",
		}, []string{"role", "outcome"}),
		stateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntl_state_transitions_total",
			Help: "Engine state transitions by role and state.",
		}, []string{"role", "state"}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ntl_payload_bytes",
			Help:    "Size of session payload frames.",
			Buckets: prometheus.ExponentialBuckets(16, 2, 8),
		}),
	}
	reg.MustRegister(o.beaconTotal, o.sessionTotal, o.outcomeTotal, o.stateTotal, o.payloadBytes)
	return o
}

func (o *Observer) BeaconDecoded(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	o.beaconTotal.WithLabelValues(result).Inc()
}

func (o *Observer) SessionStarted(role observability.Role) {
	o.sessionTotal.WithLabelValues(string(role)).Inc()
}

func (o *Observer) SessionOutcome(role observability.Role, outcome observability.Outcome) {
	o.outcomeTotal.WithLabelValues(string(role), string(outcome)).Inc()
}

func (o *Observer) PayloadBytes(n int) {
	o.payloadBytes.Observe(float64(n))
}

func (o *Observer) StateChanged(role observability.Role, state string) {
	o.stateTotal.WithLabelValues(string(role), state).Inc()
}

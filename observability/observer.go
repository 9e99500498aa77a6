// Package observability defines the metric event interfaces the protocol
// engines report into. The default observer is a no-op; the prom subpackage
// exports to Prometheus.
package observability

import (
	"sync"
	"sync/atomic"
)

// Role labels which engine produced an event.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Outcome classifies how a session ended.
type Outcome string

const (
	// OutcomeValidated: responder accepted and delivered the record.
	OutcomeValidated Outcome = "validated"
	// OutcomeCompleted: initiator got its write confirmation.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRejectedUnknown: sender id absent from the registry.
	OutcomeRejectedUnknown Outcome = "rejected_unknown"
	// OutcomeRejectedAuth: AEAD open failed.
	OutcomeRejectedAuth Outcome = "rejected_auth"
	// OutcomeRejectedIntegrity: digest mismatch after decryption.
	OutcomeRejectedIntegrity Outcome = "rejected_integrity"
	// OutcomeRejectedMalformed: frame or plaintext too short.
	OutcomeRejectedMalformed Outcome = "rejected_malformed"
	// OutcomeTransportError: radio-level failure ended the session.
	OutcomeTransportError Outcome = "transport_error"
	// OutcomeTimeout: the session did not finish in time.
	OutcomeTimeout Outcome = "timeout"
)

// ProtocolObserver receives engine-level metric events.
type ProtocolObserver interface {
	BeaconDecoded(ok bool)
	SessionStarted(role Role)
	SessionOutcome(role Role, outcome Outcome)
	PayloadBytes(n int)
	StateChanged(role Role, state string)
}

type noopObserver struct{}

func (noopObserver) BeaconDecoded(bool)           {}
func (noopObserver) SessionStarted(Role)          {}
func (noopObserver) SessionOutcome(Role, Outcome) {}
func (noopObserver) PayloadBytes(int)             {}
func (noopObserver) StateChanged(Role, string)    {}

// NoopObserver is a zero-cost observer used when metrics are disabled.
var NoopObserver ProtocolObserver = noopObserver{}

// AtomicObserver swaps its delegate at runtime, so metrics can be enabled
// after the engines have started.
type AtomicObserver struct {
	once sync.Once
	v    atomic.Value
}

type observerHolder struct {
	obs ProtocolObserver
}

// NewAtomicObserver returns an initialized atomic observer.
func NewAtomicObserver() *AtomicObserver {
	a := &AtomicObserver{}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: NoopObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicObserver) Set(obs ProtocolObserver) {
	if obs == nil {
		obs = NoopObserver
	}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: NoopObserver}) })
	a.v.Store(&observerHolder{obs: obs})
}

func (a *AtomicObserver) load() ProtocolObserver {
	a.once.Do(func() { a.v.Store(&observerHolder{obs: NoopObserver}) })
	return a.v.Load().(*observerHolder).obs
}

func (a *AtomicObserver) BeaconDecoded(ok bool)    { a.load().BeaconDecoded(ok) }
func (a *AtomicObserver) SessionStarted(role Role) { a.load().SessionStarted(role) }
func (a *AtomicObserver) SessionOutcome(role Role, outcome Outcome) {
	a.load().SessionOutcome(role, outcome)
}
func (a *AtomicObserver) PayloadBytes(n int) { a.load().PayloadBytes(n) }
func (a *AtomicObserver) StateChanged(role Role, state string) {
	a.load().StateChanged(role, state)
}

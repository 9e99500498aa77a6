// Package initiator drives the battery-constrained role of the NTL protocol:
// discover responder beacons, match them against the trust registry, connect,
// obtain the challenge nonce, and offload one encrypted sensor record per
// session.
package initiator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nitelink/ntl-go/identity"
	"github.com/nitelink/ntl-go/noise"
	"github.com/nitelink/ntl-go/observability"
	"github.com/nitelink/ntl-go/transport"
	"github.com/nitelink/ntl-go/wire"
)

// Config controls initiator timing and the connect gating policy.
type Config struct {
	// RetryCooldown is the anti-oscillation delay between the end of a
	// session (success or failure) and the next scan.
	RetryCooldown time.Duration
	// SessionTimeout bounds a session from connect to write confirmation.
	SessionTimeout time.Duration
	// ConnectUnmatched preserves the legacy behavior of connecting to
	// advertisers absent from the registry. Such sessions cannot complete:
	// without a registry match there are no resource identifiers and no key.
	// Off by default; connects are gated on a registry match.
	ConnectUnmatched bool
}

// DefaultConfig returns conservative initiator defaults.
func DefaultConfig() Config {
	return Config{
		RetryCooldown:  3 * time.Second,
		SessionTimeout: 10 * time.Second,
	}
}

// Observation is the last-known state for one observed sender. Coordinates
// and epoch only change when a beacon carries a new epoch value.
type Observation struct {
	SenderID     uint32
	EpochSeconds uint32
	LatitudeE4   int32
	LongitudeE4  int32
	Addr         string    // Transport address from the latest advertisement.
	SeenAt       time.Time // Last time any beacon from this sender arrived.
	UpdatedAt    time.Time // Last time epoch/coordinates changed.
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger attaches a zap logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithObserver attaches a metrics observer. The default is a no-op.
func WithObserver(obs observability.ProtocolObserver) Option {
	return func(e *Engine) {
		if obs != nil {
			e.obs = obs
		}
	}
}

type timerKind uint8

const (
	timerCooldown timerKind = iota + 1
	timerSession
)

type timerToken struct {
	seq  uint64
	kind timerKind
}

// Engine is the initiator state machine. All radio activity flows through a
// single event loop (Run); accessor methods are safe from other goroutines.
type Engine struct {
	reg  *identity.Registry
	port transport.Port
	cfg  Config
	log  *zap.Logger
	obs  observability.ProtocolObserver
	now  func() time.Time

	timerCh chan timerToken

	mu           sync.Mutex
	state        State
	observations map[uint32]*Observation

	// Active session; owned by the event loop.
	peer            identity.DeviceInfo
	matched         bool
	handle          transport.ConnHandle
	hasConn         bool
	key             [noise.KeySize]byte
	outcomeRecorded bool

	timer    *time.Timer
	timerSeq uint64

	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New builds an initiator engine over the given registry and radio port.
func New(reg *identity.Registry, port transport.Port, cfg Config, opts ...Option) *Engine {
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = DefaultConfig().RetryCooldown
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultConfig().SessionTimeout
	}
	e := &Engine{
		reg:          reg,
		port:         port,
		cfg:          cfg,
		log:          zap.NewNop(),
		obs:          observability.NoopObserver,
		now:          time.Now,
		timerCh:      make(chan timerToken, 1),
		observations: make(map[uint32]*Observation),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the event loop until the context is canceled or Close is
// called. It starts scanning immediately.
func (e *Engine) Run(ctx context.Context) error {
	e.started.Store(true)
	defer close(e.done)
	if err := e.port.StartScan(transport.Filter{VendorID: wire.VendorID}); err != nil {
		return err
	}
	e.mu.Lock()
	e.setStateLocked(StateScanning)
	e.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return ctx.Err()
		case <-e.closed:
			e.teardown()
			return nil
		case ev, ok := <-e.port.Events():
			if !ok {
				e.teardown()
				return transport.ErrPortClosed
			}
			e.handleEvent(ev)
		case tok := <-e.timerCh:
			e.handleTimer(tok)
		}
	}
}

// Close stops the engine. It synchronously halts scanning, releases any
// active connection, and guarantees no timer fires afterwards.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	if e.started.Load() {
		<-e.done
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Observations returns a snapshot of the per-sender observation cache,
// ordered by sender id.
func (e *Engine) Observations() []Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Observation, 0, len(e.observations))
	for _, o := range e.observations {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}

func (e *Engine) handleEvent(ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ev.Kind {
	case transport.EventScanResult:
		e.onScanResultLocked(ev)
	case transport.EventConnected:
		e.onConnectedLocked(ev)
	case transport.EventConnectFailed:
		e.log.Warn("connect failed", zap.String("addr", ev.Addr), zap.Error(ev.Err))
		e.endSessionLocked(observability.OutcomeTransportError)
	case transport.EventServicesDiscovered:
		e.onServicesDiscoveredLocked(ev)
	case transport.EventServiceDiscoveryFailed:
		e.log.Warn("service discovery failed", zap.Error(ev.Err))
		e.endSessionLocked(observability.OutcomeTransportError)
	case transport.EventReadResult:
		e.onChallengeLocked(ev)
	case transport.EventReadFailed:
		e.log.Warn("challenge read failed", zap.Error(ev.Err))
		e.endSessionLocked(observability.OutcomeTransportError)
	case transport.EventWriteResult:
		e.onWriteConfirmedLocked(ev)
	case transport.EventWriteFailed:
		e.log.Warn("payload write failed", zap.Error(ev.Err))
		e.endSessionLocked(observability.OutcomeTransportError)
	case transport.EventDisconnected:
		e.onDisconnectedLocked(ev)
	default:
		// Inbound (responder-side) events do not occur on an initiator port.
	}
}

func (e *Engine) onScanResultLocked(ev transport.Event) {
	frame, err := wire.DecodeBeacon(ev.Value)
	if err != nil {
		e.obs.BeaconDecoded(false)
		e.log.Debug("undecodable beacon", zap.String("addr", ev.Addr), zap.Error(err))
		return
	}
	e.obs.BeaconDecoded(true)
	e.updateObservationLocked(frame, ev.Addr)

	peer, matched := e.reg.FindPeer(frame.SenderID)
	if !matched {
		e.log.Debug("beacon from unknown sender", zap.Uint32("sender_id", frame.SenderID))
		if !e.cfg.ConnectUnmatched {
			return
		}
		peer = identity.DeviceInfo{DeviceID: frame.SenderID}
	} else if !peer.HasGATT() {
		e.log.Debug("matched peer has no session service", zap.Uint32("sender_id", frame.SenderID))
		return
	}
	if e.state != StateScanning {
		return
	}

	var key [noise.KeySize]byte
	if matched {
		key, err = noise.DeriveSessionKey(e.reg.Self().PrivateKey, peer.PublicKey)
		if err != nil {
			e.log.Error("session key derivation failed", zap.Uint32("peer_id", peer.DeviceID), zap.Error(err))
			return
		}
	}

	if err := e.port.StopScan(); err != nil {
		e.log.Warn("stop scan failed", zap.Error(err))
		return
	}
	e.setStateLocked(StatePeerIdentified)
	e.peer = peer
	e.matched = matched
	e.key = key
	e.outcomeRecorded = false
	e.obs.SessionStarted(observability.RoleInitiator)
	e.log.Info("connecting to responder",
		zap.Uint32("peer_id", peer.DeviceID),
		zap.String("addr", ev.Addr),
		zap.Bool("matched", matched))
	if err := e.port.Connect(ev.Addr); err != nil {
		e.log.Warn("connect request failed", zap.Error(err))
		e.endSessionLocked(observability.OutcomeTransportError)
		return
	}
	e.setStateLocked(StateConnecting)
	e.scheduleLocked(timerSession, e.cfg.SessionTimeout)
}

// updateObservationLocked applies the change-detection rule: a repeated
// beacon with an unchanged epoch refreshes liveness only and must not regress
// already-updated location state.
func (e *Engine) updateObservationLocked(f wire.BeaconFrame, addr string) {
	now := e.now()
	o, ok := e.observations[f.SenderID]
	if !ok {
		e.observations[f.SenderID] = &Observation{
			SenderID:     f.SenderID,
			EpochSeconds: f.EpochSeconds,
			LatitudeE4:   f.LatitudeE4,
			LongitudeE4:  f.LongitudeE4,
			Addr:         addr,
			SeenAt:       now,
			UpdatedAt:    now,
		}
		return
	}
	o.Addr = addr
	o.SeenAt = now
	if o.EpochSeconds != f.EpochSeconds {
		o.EpochSeconds = f.EpochSeconds
		o.LatitudeE4 = f.LatitudeE4
		o.LongitudeE4 = f.LongitudeE4
		o.UpdatedAt = now
	}
}

func (e *Engine) onConnectedLocked(ev transport.Event) {
	if e.state != StateConnecting {
		// Late connect for an abandoned session; release it.
		_ = e.port.Disconnect(ev.Handle)
		return
	}
	e.handle = ev.Handle
	e.hasConn = true
	if err := e.port.DiscoverServices(e.handle, e.peer.ServiceUUID); err != nil {
		e.log.Warn("service discovery request failed", zap.Error(err))
		e.endSessionLocked(observability.OutcomeTransportError)
	}
}

func (e *Engine) onServicesDiscoveredLocked(ev transport.Event) {
	if e.state != StateConnecting || ev.Handle != e.handle {
		return
	}
	e.setStateLocked(StateServiceDiscovered)
	if err := e.port.ReadCharacteristic(e.handle, e.peer.ReadCharUUID); err != nil {
		e.log.Warn("challenge read request failed", zap.Error(err))
		e.endSessionLocked(observability.OutcomeTransportError)
	}
}

func (e *Engine) onChallengeLocked(ev transport.Event) {
	if e.state != StateServiceDiscovered || ev.Handle != e.handle {
		return
	}
	if !e.matched {
		e.log.Warn("challenge received for unmatched peer, aborting",
			zap.Uint32("peer_id", e.peer.DeviceID))
		e.endSessionLocked(observability.OutcomeRejectedUnknown)
		return
	}
	if len(ev.Value) != noise.NonceSize {
		e.log.Warn("challenge has wrong size", zap.Int("len", len(ev.Value)))
		e.endSessionLocked(observability.OutcomeRejectedMalformed)
		return
	}
	var nonce [noise.NonceSize]byte
	copy(nonce[:], ev.Value)
	e.setStateLocked(StateChallengeReceived)

	o, ok := e.observations[e.peer.DeviceID]
	if !ok {
		// A session only starts after a beacon, so the cache must hold one.
		e.log.Error("no observation for active peer", zap.Uint32("peer_id", e.peer.DeviceID))
		e.endSessionLocked(observability.OutcomeTransportError)
		return
	}
	rec := wire.SensorRecord{
		EpochSeconds: o.EpochSeconds,
		LatitudeE4:   o.LatitudeE4,
		LongitudeE4:  o.LongitudeE4,
	}
	plaintext := wire.EncodeRecord(rec)
	digest := noise.Digest(plaintext)
	plaintext = append(plaintext, digest[:]...)
	box := noise.Seal(e.key, nonce, plaintext)
	payload := wire.EncodePayload(e.reg.Self().DeviceID, box)
	e.obs.PayloadBytes(len(payload))

	e.setStateLocked(StateSending)
	if err := e.port.WriteCharacteristic(e.handle, e.peer.WriteCharUUID, payload); err != nil {
		e.log.Warn("payload write request failed", zap.Error(err))
		e.endSessionLocked(observability.OutcomeTransportError)
		return
	}
	e.setStateLocked(StateAwaitingConfirmation)
}

func (e *Engine) onWriteConfirmedLocked(ev transport.Event) {
	if e.state != StateAwaitingConfirmation || ev.Handle != e.handle {
		return
	}
	e.log.Info("payload confirmed", zap.Uint32("peer_id", e.peer.DeviceID))
	// One payload per connection; disconnect and cool down.
	e.endSessionLocked(observability.OutcomeCompleted)
}

func (e *Engine) onDisconnectedLocked(ev transport.Event) {
	if !e.hasConn || ev.Handle != e.handle {
		return
	}
	e.hasConn = false
	e.recordOutcomeLocked(observability.OutcomeTransportError)
	e.setStateLocked(StateDisconnected)
	e.scheduleLocked(timerCooldown, e.cfg.RetryCooldown)
}

// endSessionLocked finishes the active session with the given outcome and
// arranges the return to scanning after the cooldown.
func (e *Engine) endSessionLocked(outcome observability.Outcome) {
	e.recordOutcomeLocked(outcome)
	if e.hasConn {
		// The disconnect event schedules the cooldown.
		_ = e.port.Disconnect(e.handle)
		return
	}
	e.setStateLocked(StateDisconnected)
	e.scheduleLocked(timerCooldown, e.cfg.RetryCooldown)
}

func (e *Engine) recordOutcomeLocked(outcome observability.Outcome) {
	if e.outcomeRecorded {
		return
	}
	e.outcomeRecorded = true
	e.obs.SessionOutcome(observability.RoleInitiator, outcome)
}

func (e *Engine) handleTimer(tok timerToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tok.seq != e.timerSeq {
		return // canceled or superseded
	}
	switch tok.kind {
	case timerCooldown:
		e.resetSessionLocked()
		if err := e.port.StartScan(transport.Filter{VendorID: wire.VendorID}); err != nil {
			e.log.Warn("scan restart failed", zap.Error(err))
			e.scheduleLocked(timerCooldown, e.cfg.RetryCooldown)
			return
		}
		e.setStateLocked(StateScanning)
	case timerSession:
		if e.state == StateScanning || e.state == StateIdle {
			return
		}
		e.log.Warn("session timed out", zap.Uint32("peer_id", e.peer.DeviceID), zap.Stringer("state", e.state))
		e.endSessionLocked(observability.OutcomeTimeout)
	}
}

func (e *Engine) scheduleLocked(kind timerKind, d time.Duration) {
	e.cancelTimerLocked()
	e.timerSeq++
	tok := timerToken{seq: e.timerSeq, kind: kind}
	e.timer = time.AfterFunc(d, func() {
		select {
		case e.timerCh <- tok:
		case <-e.closed:
		}
	})
}

func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerSeq++ // invalidate any token already in flight
}

func (e *Engine) resetSessionLocked() {
	e.peer = identity.DeviceInfo{}
	e.matched = false
	e.handle = 0
	e.hasConn = false
	e.key = [noise.KeySize]byte{}
	e.outcomeRecorded = false
}

func (e *Engine) teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimerLocked()
	if e.hasConn {
		_ = e.port.Disconnect(e.handle)
		e.hasConn = false
	}
	_ = e.port.StopScan()
	e.setStateLocked(StateIdle)
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.obs.StateChanged(observability.RoleInitiator, s.String())
	e.log.Debug("state", zap.Stringer("state", s))
}

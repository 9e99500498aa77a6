// Package responder implements the relay role of the NTL protocol: advertise
// the current sensor fix as a beacon, accept one inbound session at a time,
// issue a fresh challenge nonce per read, and validate the encrypted record
// an initiator writes back.
package responder

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"errors"
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

var (
	// ErrNoChallenge reports a payload write that arrived before any
	// challenge nonce was issued on the connection.
	ErrNoChallenge = errors.New("payload before challenge")
	// ErrIntegrity reports a digest mismatch after successful decryption.
	ErrIntegrity = errors.New("record digest mismatch")
)

// Sink receives validated sensor records. Delivery errors are logged and do
// not fail the session.
type Sink interface {
	Deliver(rec wire.SensorRecord, from uint32) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(rec wire.SensorRecord, from uint32) error

func (f SinkFunc) Deliver(rec wire.SensorRecord, from uint32) error { return f(rec, from) }

// Config controls responder timing.
type Config struct {
	// AdvertiseRetryDelay is the retry interval while no sensor fix has
	// arrived yet and advertising is deferred.
	AdvertiseRetryDelay time.Duration
	// ResumeDelay is the pause between the end of an inbound session and
	// the return to advertising.
	ResumeDelay time.Duration
	// SessionIdleTimeout closes inbound sessions that stall between
	// connect and payload validation.
	SessionIdleTimeout time.Duration
}

// DefaultConfig returns conservative responder defaults.
func DefaultConfig() Config {
	return Config{
		AdvertiseRetryDelay: time.Second,
		ResumeDelay:         time.Second,
		SessionIdleTimeout:  15 * time.Second,
	}
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
	timerAdvertiseRetry timerKind = iota + 1
	timerResume
	timerSessionIdle
)

type timerToken struct {
	seq  uint64
	kind timerKind
}

type session struct {
	nonce     [noise.NonceSize]byte
	hasNonce  bool
	startedAt time.Time
	outcome   bool // outcome already recorded for this session
}

type fix struct {
	epoch uint32
	latE4 int32
	lonE4 int32
}

// Engine is the responder state machine. All radio activity flows through a
// single event loop (Run); UpdateFix and accessors are safe from other
// goroutines.
type Engine struct {
	reg  *identity.Registry
	port transport.Port
	sink Sink
	cfg  Config
	log  *zap.Logger
	obs  observability.ProtocolObserver
	now  func() time.Time

	// deriveKey is swapped in tests to prove the unknown-sender path never
	// touches the crypto layer.
	deriveKey func(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([noise.KeySize]byte, error)

	fixCh   chan fix
	timerCh chan timerToken

	mu          sync.Mutex
	state       State
	cur         fix
	hasFix      bool
	advertising bool
	sessions    map[transport.ConnHandle]*session

	timer    *time.Timer
	timerSeq uint64

	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New builds a responder engine over the given registry, radio port, and
// record sink.
func New(reg *identity.Registry, port transport.Port, sink Sink, cfg Config, opts ...Option) *Engine {
	if cfg.AdvertiseRetryDelay <= 0 {
		cfg.AdvertiseRetryDelay = DefaultConfig().AdvertiseRetryDelay
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = DefaultConfig().ResumeDelay
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = DefaultConfig().SessionIdleTimeout
	}
	e := &Engine{
		reg:       reg,
		port:      port,
		sink:      sink,
		cfg:       cfg,
		log:       zap.NewNop(),
		obs:       observability.NoopObserver,
		now:       time.Now,
		deriveKey: noise.DeriveSessionKey,
		fixCh:     make(chan fix, 1),
		timerCh:   make(chan timerToken, 1),
		sessions:  make(map[transport.ConnHandle]*session),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UpdateFix feeds the latest sensor reading. The beacon payload is re-encoded
// and re-advertised unless a session is active. No-op after Close.
func (e *Engine) UpdateFix(epochSeconds uint32, latE4, lonE4 int32) {
	f := fix{epoch: epochSeconds, latE4: latE4, lonE4: lonE4}
	select {
	case e.fixCh <- f:
	case <-e.closed:
	default:
		// Loop is busy; drain the stale fix and replace it.
		select {
		case <-e.fixCh:
		default:
		}
		select {
		case e.fixCh <- f:
		case <-e.closed:
		default:
		}
	}
}

// Run executes the event loop until the context is canceled or Close is
// called. Advertising starts once the first fix arrives.
func (e *Engine) Run(ctx context.Context) error {
	e.started.Store(true)
	defer close(e.done)
	e.mu.Lock()
	if e.hasFix {
		e.startAdvertisingLocked()
	} else {
		e.setStateLocked(StateDeferred)
		e.scheduleLocked(timerAdvertiseRetry, e.cfg.AdvertiseRetryDelay)
	}
	e.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return ctx.Err()
		case <-e.closed:
			e.teardown()
			return nil
		case f := <-e.fixCh:
			e.handleFix(f)
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

// Close stops the engine, halts advertising, and releases inbound sessions.
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

func (e *Engine) handleFix(f fix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cur = f
	e.hasFix = true
	if len(e.sessions) > 0 {
		return // refresh the beacon once the session ends
	}
	e.startAdvertisingLocked()
}

func (e *Engine) beaconLocked() []byte {
	return wire.EncodeBeacon(wire.BeaconFrame{
		SenderID:     e.reg.Self().DeviceID,
		EpochSeconds: e.cur.epoch,
		LatitudeE4:   e.cur.latE4,
		LongitudeE4:  e.cur.lonE4,
	})
}

func (e *Engine) startAdvertisingLocked() {
	if !e.hasFix {
		e.setStateLocked(StateDeferred)
		e.scheduleLocked(timerAdvertiseRetry, e.cfg.AdvertiseRetryDelay)
		return
	}
	if err := e.port.StartAdvertise(e.beaconLocked()); err != nil {
		e.log.Warn("advertise failed", zap.Error(err))
		e.scheduleLocked(timerAdvertiseRetry, e.cfg.AdvertiseRetryDelay)
		return
	}
	e.advertising = true
	e.setStateLocked(StateAdvertising)
}

func (e *Engine) suspendAdvertisingLocked() {
	if !e.advertising {
		return
	}
	if err := e.port.StopAdvertise(); err != nil {
		e.log.Warn("stop advertise failed", zap.Error(err))
	}
	e.advertising = false
}

func (e *Engine) handleEvent(ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ev.Kind {
	case transport.EventInboundConnected:
		e.onInboundConnectedLocked(ev)
	case transport.EventReadRequest:
		e.onReadRequestLocked(ev)
	case transport.EventWriteRequest:
		e.onWriteRequestLocked(ev)
	case transport.EventInboundDisconnected:
		e.onInboundDisconnectedLocked(ev)
	default:
		// Outbound (initiator-side) events do not occur on a responder port.
	}
}

func (e *Engine) onInboundConnectedLocked(ev transport.Event) {
	e.suspendAdvertisingLocked()
	e.cancelTimerLocked()
	e.sessions[ev.Handle] = &session{startedAt: e.now()}
	e.obs.SessionStarted(observability.RoleResponder)
	e.setStateLocked(StateClientConnected)
	e.scheduleLocked(timerSessionIdle, e.cfg.SessionIdleTimeout)
	e.log.Info("client connected", zap.Uint64("handle", uint64(ev.Handle)))
}

func (e *Engine) onReadRequestLocked(ev transport.Event) {
	s, ok := e.sessions[ev.Handle]
	if !ok || ev.Char != e.reg.Self().ReadCharUUID {
		e.log.Debug("read request outside session", zap.Stringer("char", ev.Char))
		_ = e.port.RespondRead(ev.Token, nil)
		return
	}
	e.setStateLocked(StateChallengeIssued)
	nonce, err := noise.GenerateNonce()
	if err != nil {
		e.log.Error("nonce generation failed", zap.Error(err))
		e.rejectLocked(ev.Handle, s, observability.OutcomeTransportError)
		return
	}
	// A repeated read replaces the previous nonce; nothing sealed against
	// the old one can validate afterwards.
	s.nonce = nonce
	s.hasNonce = true
	if err := e.port.RespondRead(ev.Token, nonce[:]); err != nil {
		e.log.Warn("challenge response failed", zap.Error(err))
		e.rejectLocked(ev.Handle, s, observability.OutcomeTransportError)
		return
	}
	e.setStateLocked(StateAwaitingPayload)
}

func (e *Engine) onWriteRequestLocked(ev transport.Event) {
	s, ok := e.sessions[ev.Handle]
	if !ok || ev.Char != e.reg.Self().WriteCharUUID {
		e.log.Debug("write request outside session", zap.Stringer("char", ev.Char))
		return
	}
	rec, from, outcome, err := e.validateLocked(s, ev.Value)
	if outcome != observability.OutcomeValidated {
		e.log.Warn("payload rejected",
			zap.String("outcome", string(outcome)),
			zap.Uint32("sender_id", from),
			zap.Error(err))
		e.rejectLocked(ev.Handle, s, outcome)
		return
	}
	if !s.outcome {
		s.outcome = true
		e.obs.SessionOutcome(observability.RoleResponder, observability.OutcomeValidated)
	}
	e.setStateLocked(StateValidated)
	e.log.Info("record validated",
		zap.Uint32("sender_id", from),
		zap.Uint32("epoch", rec.EpochSeconds),
		zap.Int32("lat_e4", rec.LatitudeE4),
		zap.Int32("lon_e4", rec.LongitudeE4))
	if err := e.sink.Deliver(rec, from); err != nil {
		e.log.Warn("sink delivery failed", zap.Error(err))
	}
}

// validateLocked runs the payload acceptance chain. Unknown senders are
// rejected before any key derivation or decryption happens.
func (e *Engine) validateLocked(s *session, value []byte) (wire.SensorRecord, uint32, observability.Outcome, error) {
	e.obs.PayloadBytes(len(value))
	from, box, err := wire.DecodePayload(value)
	if err != nil {
		return wire.SensorRecord{}, 0, observability.OutcomeRejectedMalformed, err
	}
	peer, found := e.reg.FindPeer(from)
	if !found {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedUnknown, identity.ErrUnknownPeer
	}
	if !s.hasNonce {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedMalformed, ErrNoChallenge
	}
	key, err := e.deriveKey(e.reg.Self().PrivateKey, peer.PublicKey)
	if err != nil {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedAuth, err
	}
	plaintext, err := noise.Open(key, s.nonce, box)
	if err != nil {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedAuth, err
	}
	if len(plaintext) != wire.RecordLen+wire.DigestLen {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedMalformed, wire.ErrShortFrame
	}
	body, suffix := plaintext[:wire.RecordLen], plaintext[wire.RecordLen:]
	digest := noise.Digest(body)
	if !bytes.Equal(digest[:], suffix) {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedIntegrity, ErrIntegrity
	}
	rec, err := wire.DecodeRecord(body)
	if err != nil {
		return wire.SensorRecord{}, from, observability.OutcomeRejectedMalformed, err
	}
	return rec, from, observability.OutcomeValidated, nil
}

func (e *Engine) rejectLocked(h transport.ConnHandle, s *session, outcome observability.Outcome) {
	if !s.outcome {
		s.outcome = true
		e.obs.SessionOutcome(observability.RoleResponder, outcome)
	}
	e.setStateLocked(StateRejected)
	// The disconnect notification drives the return to advertising.
	_ = e.port.Disconnect(h)
}

func (e *Engine) onInboundDisconnectedLocked(ev transport.Event) {
	s, ok := e.sessions[ev.Handle]
	if !ok {
		return
	}
	delete(e.sessions, ev.Handle)
	if !s.outcome {
		e.obs.SessionOutcome(observability.RoleResponder, observability.OutcomeTransportError)
	}
	if len(e.sessions) == 0 {
		e.scheduleLocked(timerResume, e.cfg.ResumeDelay)
	}
	e.log.Info("client disconnected", zap.Uint64("handle", uint64(ev.Handle)))
}

func (e *Engine) handleTimer(tok timerToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tok.seq != e.timerSeq {
		return // canceled or superseded
	}
	switch tok.kind {
	case timerAdvertiseRetry, timerResume:
		if len(e.sessions) > 0 {
			return
		}
		e.startAdvertisingLocked()
	case timerSessionIdle:
		for h, s := range e.sessions {
			e.log.Warn("session idle timeout", zap.Uint64("handle", uint64(h)))
			e.rejectLocked(h, s, observability.OutcomeTimeout)
		}
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

func (e *Engine) teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimerLocked()
	for h := range e.sessions {
		_ = e.port.Disconnect(h)
		delete(e.sessions, h)
	}
	e.suspendAdvertisingLocked()
	e.setStateLocked(StateIdle)
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.obs.StateChanged(observability.RoleResponder, s.String())
	e.log.Debug("state", zap.Stringer("state", s))
}

// Package wsbridge drives a remote radio agent over a websocket. The agent
// owns the physical radio; the bridge multiplexes a command stream and an
// event stream over yamux and exposes the pair as a transport.Port.
package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/nitelink/ntl-go/transport"
)

// Config controls bridge dialing and buffering.
type Config struct {
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// EventBuffer is the capacity of the event channel. A full buffer
	// drops the oldest pending event rather than stalling the agent.
	EventBuffer int
	// Header carries optional headers for the handshake request.
	Header http.Header
	// Yamux overrides the session config when non-nil.
	Yamux *yamux.Config
}

// DefaultConfig returns conservative bridge defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		EventBuffer: 64,
	}
}

// Bridge is a transport.Port whose radio lives in a remote agent process.
type Bridge struct {
	ws      *wsConn
	session *yamux.Session

	ctlMu sync.Mutex
	ctl   *yamux.Stream

	events chan transport.Event

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Port = (*Bridge)(nil)

// Dial connects to a radio agent and opens the control and event streams.
func Dial(ctx context.Context, url string, cfg Config) (*Bridge, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	d := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		if dl := time.Until(deadline); dl < d.HandshakeTimeout {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, url, cfg.Header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	ws := newWSConn(c)
	ycfg := cfg.Yamux
	if ycfg == nil {
		ycfg = yamux.DefaultConfig()
	}
	session, err := yamux.Client(ws, ycfg)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	ctl, err := openStream(session, streamCtl)
	if err != nil {
		_ = session.Close()
		_ = ws.Close()
		return nil, err
	}
	evt, err := openStream(session, streamEvt)
	if err != nil {
		_ = session.Close()
		_ = ws.Close()
		return nil, err
	}
	b := &Bridge{
		ws:      ws,
		session: session,
		ctl:     ctl,
		events:  make(chan transport.Event, cfg.EventBuffer),
		closed:  make(chan struct{}),
	}
	go b.readEvents(evt)
	return b, nil
}

func openStream(session *yamux.Session, kind string) (*yamux.Stream, error) {
	s, err := session.OpenStream()
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(s, hello{Kind: kind}); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// readEvents decodes agent events until the stream or session dies, then
// closes the event channel.
func (b *Bridge) readEvents(evt *yamux.Stream) {
	defer close(b.events)
	for {
		var ae agentEvent
		if err := readEnvelope(evt, &ae); err != nil {
			return
		}
		ev, err := ae.toEvent()
		if err != nil {
			continue // unknown kinds from newer agents are skipped
		}
		select {
		case b.events <- ev:
		case <-b.closed:
			return
		default:
			// Shed the oldest pending event instead of stalling the
			// session read loop.
			select {
			case <-b.events:
			default:
			}
			select {
			case b.events <- ev:
			case <-b.closed:
				return
			default:
			}
		}
	}
}

var kindByName = func() map[string]transport.EventKind {
	m := make(map[string]transport.EventKind)
	for k := transport.EventScanResult; k <= transport.EventWriteRequest; k++ {
		m[k.String()] = k
	}
	return m
}()

var errUnknownKind = errors.New("unknown event kind")

func (ae agentEvent) toEvent() (transport.Event, error) {
	kind, ok := kindByName[ae.Kind]
	if !ok {
		return transport.Event{}, errUnknownKind
	}
	ev := transport.Event{
		Kind:   kind,
		Addr:   ae.Addr,
		Handle: transport.ConnHandle(ae.Handle),
		Value:  ae.Value,
		Token:  transport.ReadToken(ae.Token),
	}
	if ae.Char != "" {
		if id, err := uuid.Parse(ae.Char); err == nil {
			ev.Char = id
		}
	}
	if ae.Error != "" {
		ev.Err = errors.New(ae.Error)
	}
	return ev, nil
}

func (b *Bridge) send(cmd command) error {
	select {
	case <-b.closed:
		return transport.ErrPortClosed
	default:
	}
	b.ctlMu.Lock()
	defer b.ctlMu.Unlock()
	return writeEnvelope(b.ctl, cmd)
}

func (b *Bridge) StartScan(f transport.Filter) error {
	return b.send(command{Op: opStartScan, VendorID: f.VendorID})
}

func (b *Bridge) StopScan() error {
	return b.send(command{Op: opStopScan})
}

func (b *Bridge) StartAdvertise(frame []byte) error {
	return b.send(command{Op: opStartAdvertise, Value: frame})
}

func (b *Bridge) StopAdvertise() error {
	return b.send(command{Op: opStopAdvertise})
}

func (b *Bridge) Connect(addr string) error {
	return b.send(command{Op: opConnect, Addr: addr})
}

func (b *Bridge) Disconnect(h transport.ConnHandle) error {
	return b.send(command{Op: opDisconnect, Handle: uint64(h)})
}

func (b *Bridge) DiscoverServices(h transport.ConnHandle, service uuid.UUID) error {
	return b.send(command{Op: opDiscover, Handle: uint64(h), Char: service.String()})
}

func (b *Bridge) ReadCharacteristic(h transport.ConnHandle, char uuid.UUID) error {
	return b.send(command{Op: opRead, Handle: uint64(h), Char: char.String()})
}

func (b *Bridge) WriteCharacteristic(h transport.ConnHandle, char uuid.UUID, value []byte) error {
	return b.send(command{Op: opWrite, Handle: uint64(h), Char: char.String(), Value: value})
}

func (b *Bridge) RespondRead(token transport.ReadToken, value []byte) error {
	return b.send(command{Op: opRespondRead, Token: uint64(token), Value: value})
}

// Events returns the stream of agent notifications. The channel closes when
// the agent connection dies or the bridge is closed.
func (b *Bridge) Events() <-chan transport.Event {
	return b.events
}

// Close tears down the yamux session and the websocket.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.session.Close()
		if cerr := b.ws.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

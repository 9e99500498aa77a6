// Package loopback provides an in-process radio fabric implementing
// transport.Port. It wires initiator and responder engines together for
// tests and the end-to-end harness without a physical radio.
package loopback

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nitelink/ntl-go/transport"
)

// ErrNotConnectable signals a connect attempt to a port that is not
// currently advertising.
var ErrNotConnectable = errors.New("peer not connectable")

// Fabric routes advertisements, connections, and characteristic traffic
// between the ports attached to it.
type Fabric struct {
	mu         sync.Mutex
	ports      map[string]*Port
	nextHandle uint64
	nextToken  uint64
	reads      map[transport.ReadToken]pendingRead
	links      map[transport.ConnHandle]*link
}

type pendingRead struct {
	requester *Port
	handle    transport.ConnHandle
	char      uuid.UUID
}

// link joins a dialer-side handle to a target-side handle.
type link struct {
	dialer       *Port
	target       *Port
	dialerHandle transport.ConnHandle
	targetHandle transport.ConnHandle
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		ports: make(map[string]*Port),
		reads: make(map[transport.ReadToken]pendingRead),
		links: make(map[transport.ConnHandle]*link),
	}
}

// NewPort attaches a port with the given radio address.
func (f *Fabric) NewPort(addr string) *Port {
	p := &Port{
		fab:    f,
		addr:   addr,
		events: make(chan transport.Event, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	f.mu.Lock()
	f.ports[addr] = p
	f.mu.Unlock()
	go p.pump()
	return p
}

// Port is one loopback radio endpoint.
type Port struct {
	fab  *Fabric
	addr string

	events chan transport.Event
	wake   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	queue       []transport.Event
	closed      bool
	scanning    bool
	filter      transport.Filter
	advertising []byte // nil when not advertising
}

// Addr returns the port's radio address.
func (p *Port) Addr() string { return p.addr }

// Events returns the port's notification stream. The channel closes after
// Close once queued events have drained.
func (p *Port) Events() <-chan transport.Event { return p.events }

// StartScan begins scanning; currently advertising ports are reported
// immediately.
func (p *Port) StartScan(filter transport.Filter) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.isClosed() {
		return transport.ErrPortClosed
	}
	p.mu.Lock()
	p.scanning = true
	p.filter = filter
	p.mu.Unlock()
	for _, other := range f.ports {
		if other == p {
			continue
		}
		other.mu.Lock()
		payload := other.advertising
		other.mu.Unlock()
		if payload != nil {
			p.post(transport.Event{Kind: transport.EventScanResult, Addr: other.addr, Value: payload})
		}
	}
	return nil
}

// StopScan halts scanning.
func (p *Port) StopScan() error {
	if p.isClosed() {
		return transport.ErrPortClosed
	}
	p.mu.Lock()
	p.scanning = false
	p.mu.Unlock()
	return nil
}

// StartAdvertise publishes the payload to every scanning port. Calling it
// again refreshes the payload and re-delivers it, matching a radio that
// broadcasts continuously.
func (p *Port) StartAdvertise(payload []byte) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.isClosed() {
		return transport.ErrPortClosed
	}
	cp := append([]byte(nil), payload...)
	p.mu.Lock()
	p.advertising = cp
	p.mu.Unlock()
	for _, other := range f.ports {
		if other == p {
			continue
		}
		other.mu.Lock()
		scanning := other.scanning
		other.mu.Unlock()
		if scanning {
			other.post(transport.Event{Kind: transport.EventScanResult, Addr: p.addr, Value: cp})
		}
	}
	return nil
}

// StopAdvertise halts advertising.
func (p *Port) StopAdvertise() error {
	if p.isClosed() {
		return transport.ErrPortClosed
	}
	p.mu.Lock()
	p.advertising = nil
	p.mu.Unlock()
	return nil
}

// Connect pairs this port with an advertising target. Failures surface as
// EventConnectFailed, mirroring an asynchronous radio stack.
func (p *Port) Connect(addr string) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.isClosed() {
		return transport.ErrPortClosed
	}
	target, ok := f.ports[addr]
	if !ok || target.isClosed() {
		p.post(transport.Event{Kind: transport.EventConnectFailed, Addr: addr, Err: transport.ErrUnknownAddress})
		return nil
	}
	target.mu.Lock()
	connectable := target.advertising != nil
	target.mu.Unlock()
	if !connectable {
		p.post(transport.Event{Kind: transport.EventConnectFailed, Addr: addr, Err: ErrNotConnectable})
		return nil
	}
	f.nextHandle++
	dh := transport.ConnHandle(f.nextHandle)
	f.nextHandle++
	th := transport.ConnHandle(f.nextHandle)
	l := &link{dialer: p, target: target, dialerHandle: dh, targetHandle: th}
	f.links[dh] = l
	f.links[th] = l
	p.post(transport.Event{Kind: transport.EventConnected, Addr: addr, Handle: dh})
	target.post(transport.Event{Kind: transport.EventInboundConnected, Addr: p.addr, Handle: th})
	return nil
}

// Disconnect tears down the link from either side. Both peers observe the
// disconnect.
func (p *Port) Disconnect(h transport.ConnHandle) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[h]
	if !ok {
		return transport.ErrUnknownHandle
	}
	f.dropLinkLocked(l)
	return nil
}

func (f *Fabric) dropLinkLocked(l *link) {
	delete(f.links, l.dialerHandle)
	delete(f.links, l.targetHandle)
	l.dialer.post(transport.Event{Kind: transport.EventDisconnected, Handle: l.dialerHandle, Addr: l.target.addr})
	l.target.post(transport.Event{Kind: transport.EventInboundDisconnected, Handle: l.targetHandle, Addr: l.dialer.addr})
}

// DiscoverServices reports discovery success for any live link; the loopback
// fabric has no GATT database of its own.
func (p *Port) DiscoverServices(h transport.ConnHandle, service uuid.UUID) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[h]; !ok {
		p.post(transport.Event{Kind: transport.EventServiceDiscoveryFailed, Handle: h, Err: transport.ErrUnknownHandle})
		return nil
	}
	p.post(transport.Event{Kind: transport.EventServicesDiscovered, Handle: h})
	return nil
}

// ReadCharacteristic forwards a read request to the link peer. The peer
// answers through RespondRead.
func (p *Port) ReadCharacteristic(h transport.ConnHandle, char uuid.UUID) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[h]
	if !ok {
		p.post(transport.Event{Kind: transport.EventReadFailed, Handle: h, Char: char, Err: transport.ErrUnknownHandle})
		return nil
	}
	peer, peerHandle := l.peerOf(p, h)
	f.nextToken++
	token := transport.ReadToken(f.nextToken)
	f.reads[token] = pendingRead{requester: p, handle: h, char: char}
	peer.post(transport.Event{Kind: transport.EventReadRequest, Handle: peerHandle, Char: char, Token: token})
	return nil
}

// RespondRead completes a pending read request.
func (p *Port) RespondRead(token transport.ReadToken, value []byte) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.reads[token]
	if !ok {
		return transport.ErrUnknownHandle
	}
	delete(f.reads, token)
	pr.requester.post(transport.Event{
		Kind:   transport.EventReadResult,
		Handle: pr.handle,
		Char:   pr.char,
		Value:  append([]byte(nil), value...),
	})
	return nil
}

// WriteCharacteristic delivers the value to the link peer and acks the write
// at transport level regardless of how the peer judges the payload.
func (p *Port) WriteCharacteristic(h transport.ConnHandle, char uuid.UUID, value []byte) error {
	f := p.fab
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[h]
	if !ok {
		p.post(transport.Event{Kind: transport.EventWriteFailed, Handle: h, Char: char, Err: transport.ErrUnknownHandle})
		return nil
	}
	peer, peerHandle := l.peerOf(p, h)
	peer.post(transport.Event{
		Kind:   transport.EventWriteRequest,
		Handle: peerHandle,
		Char:   char,
		Value:  append([]byte(nil), value...),
	})
	p.post(transport.Event{Kind: transport.EventWriteResult, Handle: h, Char: char})
	return nil
}

// Close detaches the port, tears down its links, and drains the event pump.
func (p *Port) Close() error {
	f := p.fab
	f.mu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.mu.Unlock()
		return nil
	}
	p.closed = true
	p.scanning = false
	p.advertising = nil
	p.mu.Unlock()
	delete(f.ports, p.addr)
	for _, l := range f.links {
		if l.dialer == p || l.target == p {
			f.dropLinkLocked(l)
		}
	}
	f.mu.Unlock()
	close(p.done)
	return nil
}

func (l *link) peerOf(p *Port, h transport.ConnHandle) (*Port, transport.ConnHandle) {
	if p == l.dialer && h == l.dialerHandle {
		return l.target, l.targetHandle
	}
	return l.dialer, l.dialerHandle
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// post enqueues an event for delivery; safe to call under the fabric lock.
func (p *Port) post(ev transport.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pump feeds queued events to the consumer without letting a slow consumer
// block fabric operations.
func (p *Port) pump() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				close(p.events)
				return
			}
			select {
			case <-p.wake:
			case <-p.done:
			}
			continue
		}
		ev := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		select {
		case p.events <- ev:
		case <-p.done:
			close(p.events)
			return
		}
	}
}

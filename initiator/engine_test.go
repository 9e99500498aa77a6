package initiator

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nitelink/ntl-go/identity"
	"github.com/nitelink/ntl-go/noise"
	"github.com/nitelink/ntl-go/transport"
	"github.com/nitelink/ntl-go/wire"
)

type portCall struct {
	op     string
	addr   string
	handle transport.ConnHandle
	char   uuid.UUID
	value  []byte
}

// fakePort records every operation so tests can drive handleEvent directly
// without a running event loop.
type fakePort struct {
	calls  []portCall
	events chan transport.Event
}

func newFakePort() *fakePort {
	return &fakePort{events: make(chan transport.Event, 16)}
}

func (p *fakePort) StartScan(transport.Filter) error {
	p.calls = append(p.calls, portCall{op: "StartScan"})
	return nil
}
func (p *fakePort) StopScan() error {
	p.calls = append(p.calls, portCall{op: "StopScan"})
	return nil
}
func (p *fakePort) StartAdvertise([]byte) error { return nil }
func (p *fakePort) StopAdvertise() error        { return nil }
func (p *fakePort) Connect(addr string) error {
	p.calls = append(p.calls, portCall{op: "Connect", addr: addr})
	return nil
}
func (p *fakePort) Disconnect(h transport.ConnHandle) error {
	p.calls = append(p.calls, portCall{op: "Disconnect", handle: h})
	return nil
}
func (p *fakePort) DiscoverServices(h transport.ConnHandle, svc uuid.UUID) error {
	p.calls = append(p.calls, portCall{op: "DiscoverServices", handle: h, char: svc})
	return nil
}
func (p *fakePort) ReadCharacteristic(h transport.ConnHandle, char uuid.UUID) error {
	p.calls = append(p.calls, portCall{op: "ReadCharacteristic", handle: h, char: char})
	return nil
}
func (p *fakePort) WriteCharacteristic(h transport.ConnHandle, char uuid.UUID, value []byte) error {
	p.calls = append(p.calls, portCall{op: "WriteCharacteristic", handle: h, char: char, value: append([]byte(nil), value...)})
	return nil
}
func (p *fakePort) RespondRead(transport.ReadToken, []byte) error { return nil }
func (p *fakePort) Events() <-chan transport.Event                { return p.events }
func (p *fakePort) Close() error                                  { return nil }

func (p *fakePort) lastCall(t *testing.T) portCall {
	t.Helper()
	if len(p.calls) == 0 {
		t.Fatal("no port calls recorded")
	}
	return p.calls[len(p.calls)-1]
}

func testRegistry(t *testing.T) (*identity.Registry, identity.DeviceInfo) {
	t.Helper()
	selfPriv, selfPub, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	peerPriv, peerPub, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_ = peerPriv
	sk, err := identity.ParsePrivateKey(selfPriv)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	spub, err := identity.ParsePublicKey(selfPub)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	ppub, err := identity.ParsePublicKey(peerPub)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	self := identity.DeviceInfo{DeviceID: 1, PrivateKey: sk, PublicKey: spub}
	peer := identity.DeviceInfo{
		DeviceID:      2,
		PublicKey:     ppub,
		ServiceUUID:   uuid.New(),
		ReadCharUUID:  uuid.New(),
		WriteCharUUID: uuid.New(),
	}
	reg, err := identity.New(self, []identity.DeviceInfo{peer})
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return reg, peer
}

func newTestEngine(t *testing.T) (*Engine, *fakePort, identity.DeviceInfo) {
	t.Helper()
	reg, peer := testRegistry(t)
	port := newFakePort()
	e := New(reg, port, DefaultConfig())
	e.mu.Lock()
	e.setStateLocked(StateScanning)
	e.mu.Unlock()
	return e, port, peer
}

func beaconEvent(senderID, epoch uint32, lat, lon int32, addr string) transport.Event {
	return transport.Event{
		Kind:  transport.EventScanResult,
		Addr:  addr,
		Value: wire.EncodeBeacon(wire.BeaconFrame{SenderID: senderID, EpochSeconds: epoch, LatitudeE4: lat, LongitudeE4: lon}),
	}
}

func TestScanResultFromKnownPeerConnects(t *testing.T) {
	e, port, _ := newTestEngine(t)

	e.handleEvent(beaconEvent(2, 1000, -450000, 1700000, "resp-1"))

	if got := e.State(); got != StateConnecting {
		t.Fatalf("state = %v, want %v", got, StateConnecting)
	}
	c := port.lastCall(t)
	if c.op != "Connect" || c.addr != "resp-1" {
		t.Fatalf("last call = %+v, want Connect resp-1", c)
	}
}

func TestScanResultFromUnknownSenderIsCachedButIgnored(t *testing.T) {
	e, port, _ := newTestEngine(t)

	e.handleEvent(beaconEvent(99, 1000, 10, 20, "stranger"))

	if got := e.State(); got != StateScanning {
		t.Fatalf("state = %v, want %v", got, StateScanning)
	}
	for _, c := range port.calls {
		if c.op == "Connect" {
			t.Fatalf("unexpected Connect to %q", c.addr)
		}
	}
	obs := e.Observations()
	if len(obs) != 1 || obs[0].SenderID != 99 {
		t.Fatalf("observations = %+v, want one entry for sender 99", obs)
	}
}

func TestUndecodableBeaconIsDropped(t *testing.T) {
	e, port, _ := newTestEngine(t)

	e.handleEvent(transport.Event{Kind: transport.EventScanResult, Addr: "x", Value: []byte{1, 2, 3}})

	if got := e.State(); got != StateScanning {
		t.Fatalf("state = %v, want %v", got, StateScanning)
	}
	if len(port.calls) != 0 {
		t.Fatalf("port calls = %+v, want none", port.calls)
	}
	if obs := e.Observations(); len(obs) != 0 {
		t.Fatalf("observations = %+v, want none", obs)
	}
}

func TestObservationUpdatesOnlyOnEpochChange(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.cfg.ConnectUnmatched = false

	type step struct {
		epoch    uint32
		lat, lon int32
	}
	steps := []step{
		{100, 10, 20},
		{100, 99, 99}, // repeat epoch, coords must not move
		{101, 30, 40},
		{101, 77, 77}, // repeat again
	}
	wantLat := []int32{10, 10, 30, 30}
	wantLon := []int32{20, 20, 40, 40}
	wantEpoch := []uint32{100, 100, 101, 101}

	for i, s := range steps {
		e.handleEvent(beaconEvent(99, s.epoch, s.lat, s.lon, "stranger"))
		obs := e.Observations()
		if len(obs) != 1 {
			t.Fatalf("step %d: observations = %d, want 1", i, len(obs))
		}
		o := obs[0]
		if o.EpochSeconds != wantEpoch[i] || o.LatitudeE4 != wantLat[i] || o.LongitudeE4 != wantLon[i] {
			t.Fatalf("step %d: got epoch=%d lat=%d lon=%d, want epoch=%d lat=%d lon=%d",
				i, o.EpochSeconds, o.LatitudeE4, o.LongitudeE4, wantEpoch[i], wantLat[i], wantLon[i])
		}
	}
}

func TestFullSessionSequence(t *testing.T) {
	e, port, peer := newTestEngine(t)

	e.handleEvent(beaconEvent(2, 1000, -450000, 1700000, "resp-1"))
	if e.State() != StateConnecting {
		t.Fatalf("after beacon: state = %v", e.State())
	}

	h := transport.ConnHandle(7)
	e.handleEvent(transport.Event{Kind: transport.EventConnected, Addr: "resp-1", Handle: h})
	c := port.lastCall(t)
	if c.op != "DiscoverServices" || c.char != peer.ServiceUUID {
		t.Fatalf("after connect: last call = %+v", c)
	}

	e.handleEvent(transport.Event{Kind: transport.EventServicesDiscovered, Handle: h})
	c = port.lastCall(t)
	if c.op != "ReadCharacteristic" || c.char != peer.ReadCharUUID {
		t.Fatalf("after discovery: last call = %+v", c)
	}
	if e.State() != StateServiceDiscovered {
		t.Fatalf("after discovery: state = %v", e.State())
	}

	nonce := make([]byte, noise.NonceSize)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	e.handleEvent(transport.Event{Kind: transport.EventReadResult, Handle: h, Value: nonce})
	c = port.lastCall(t)
	if c.op != "WriteCharacteristic" || c.char != peer.WriteCharUUID {
		t.Fatalf("after challenge: last call = %+v", c)
	}
	if e.State() != StateAwaitingConfirmation {
		t.Fatalf("after challenge: state = %v", e.State())
	}

	// The payload must name our device id in the clear and carry a sealed
	// box of the expected size.
	senderID, box, err := wire.DecodePayload(c.value)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if senderID != 1 {
		t.Fatalf("payload sender = %d, want 1", senderID)
	}
	wantBox := wire.RecordLen + wire.DigestLen + noise.TagSize
	if len(box) != wantBox {
		t.Fatalf("box length = %d, want %d", len(box), wantBox)
	}

	e.handleEvent(transport.Event{Kind: transport.EventWriteResult, Handle: h})
	c = port.lastCall(t)
	if c.op != "Disconnect" || c.handle != h {
		t.Fatalf("after confirmation: last call = %+v", c)
	}

	e.handleEvent(transport.Event{Kind: transport.EventDisconnected, Handle: h})
	if e.State() != StateDisconnected {
		t.Fatalf("after disconnect: state = %v", e.State())
	}
}

func TestMalformedChallengeAbortsSession(t *testing.T) {
	e, port, _ := newTestEngine(t)

	e.handleEvent(beaconEvent(2, 1000, 1, 2, "resp-1"))
	h := transport.ConnHandle(3)
	e.handleEvent(transport.Event{Kind: transport.EventConnected, Handle: h})
	e.handleEvent(transport.Event{Kind: transport.EventServicesDiscovered, Handle: h})

	e.handleEvent(transport.Event{Kind: transport.EventReadResult, Handle: h, Value: []byte{1, 2, 3}})

	c := port.lastCall(t)
	if c.op != "Disconnect" {
		t.Fatalf("last call = %+v, want Disconnect", c)
	}
}

func TestConnectFailedReturnsToCooldown(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.handleEvent(beaconEvent(2, 1000, 1, 2, "resp-1"))
	e.handleEvent(transport.Event{Kind: transport.EventConnectFailed, Addr: "resp-1", Err: transport.ErrUnknownAddress})

	if got := e.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want %v", got, StateDisconnected)
	}
}

func TestCooldownTimerResumesScanning(t *testing.T) {
	e, port, _ := newTestEngine(t)
	e.cfg.RetryCooldown = time.Millisecond

	e.handleEvent(beaconEvent(2, 1000, 1, 2, "resp-1"))
	e.handleEvent(transport.Event{Kind: transport.EventConnectFailed, Addr: "resp-1", Err: transport.ErrUnknownAddress})

	select {
	case tok := <-e.timerCh:
		e.handleTimer(tok)
	case <-time.After(2 * time.Second):
		t.Fatal("cooldown timer never fired")
	}

	if got := e.State(); got != StateScanning {
		t.Fatalf("state = %v, want %v", got, StateScanning)
	}
	c := port.lastCall(t)
	if c.op != "StartScan" {
		t.Fatalf("last call = %+v, want StartScan", c)
	}
}

func TestStaleTimerTokenIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.handleEvent(beaconEvent(2, 1000, 1, 2, "resp-1"))
	e.mu.Lock()
	stale := timerToken{seq: e.timerSeq - 1, kind: timerSession}
	e.mu.Unlock()

	e.handleTimer(stale)

	if got := e.State(); got != StateConnecting {
		t.Fatalf("state = %v, want %v (stale token must not fire)", got, StateConnecting)
	}
}

func TestLateConnectForAbandonedSessionIsReleased(t *testing.T) {
	e, port, _ := newTestEngine(t)

	// Connect arriving while still scanning belongs to no session.
	e.handleEvent(transport.Event{Kind: transport.EventConnected, Handle: 42})

	c := port.lastCall(t)
	if c.op != "Disconnect" || c.handle != 42 {
		t.Fatalf("last call = %+v, want Disconnect 42", c)
	}
	if got := e.State(); got != StateScanning {
		t.Fatalf("state = %v, want %v", got, StateScanning)
	}
}

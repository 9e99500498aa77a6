package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nitelink/ntl-go/identity"
	"github.com/nitelink/ntl-go/initiator"
	"github.com/nitelink/ntl-go/responder"
	"github.com/nitelink/ntl-go/transport/loopback"
	"github.com/nitelink/ntl-go/wire"
)

type delivery struct {
	rec  wire.SensorRecord
	from uint32
}

type keyPair struct {
	priv string
	pub  string
}

func genPair(t *testing.T) keyPair {
	t.Helper()
	priv, pub, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return keyPair{priv: priv, pub: pub}
}

func device(t *testing.T, id uint32, kp keyPair, withPriv bool, svc, read, write uuid.UUID) identity.DeviceInfo {
	t.Helper()
	d := identity.DeviceInfo{DeviceID: id, ServiceUUID: svc, ReadCharUUID: read, WriteCharUUID: write}
	pub, err := identity.ParsePublicKey(kp.pub)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	d.PublicKey = pub
	if withPriv {
		priv, err := identity.ParsePrivateKey(kp.priv)
		if err != nil {
			t.Fatalf("ParsePrivateKey: %v", err)
		}
		d.PrivateKey = priv
	}
	return d
}

// mirroredRegistries builds the initiator and responder registry files' in
// memory equivalent: each side holds its own private key and the other's
// public key. trustInitiator=false leaves the initiator out of the
// responder's peer list.
func mirroredRegistries(t *testing.T, trustInitiator bool) (*identity.Registry, *identity.Registry) {
	t.Helper()
	initKP, respKP := genPair(t), genPair(t)
	svc, read, write := uuid.New(), uuid.New(), uuid.New()

	initReg, err := identity.New(
		device(t, 1, initKP, true, uuid.Nil, uuid.Nil, uuid.Nil),
		[]identity.DeviceInfo{device(t, 2, respKP, false, svc, read, write)},
	)
	if err != nil {
		t.Fatalf("initiator registry: %v", err)
	}

	var respPeers []identity.DeviceInfo
	if trustInitiator {
		respPeers = append(respPeers, device(t, 1, initKP, false, uuid.Nil, uuid.Nil, uuid.Nil))
	}
	respReg, err := identity.New(device(t, 2, respKP, true, svc, read, write), respPeers)
	if err != nil {
		t.Fatalf("responder registry: %v", err)
	}
	return initReg, respReg
}

func startEngines(t *testing.T, trustInitiator bool) (*responder.Engine, <-chan delivery) {
	t.Helper()
	initReg, respReg := mirroredRegistries(t, trustInitiator)

	fab := loopback.NewFabric()
	initPort := fab.NewPort("initiator")
	respPort := fab.NewPort("responder")

	delivered := make(chan delivery, 4)
	sink := responder.SinkFunc(func(rec wire.SensorRecord, from uint32) error {
		delivered <- delivery{rec: rec, from: from}
		return nil
	})

	respCfg := responder.DefaultConfig()
	respCfg.ResumeDelay = 20 * time.Millisecond
	respEng := responder.New(respReg, respPort, sink, respCfg)

	initCfg := initiator.DefaultConfig()
	initCfg.RetryCooldown = 50 * time.Millisecond
	initEng := initiator.New(initReg, initPort, initCfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = respEng.Run(ctx) }()
	go func() { _ = initEng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = initEng.Close()
		_ = respEng.Close()
	})
	return respEng, delivered
}

func TestOffloadValidatedEndToEnd(t *testing.T) {
	respEng, delivered := startEngines(t, true)

	respEng.UpdateFix(1000, -450000, 1700000)

	select {
	case d := <-delivered:
		want := wire.SensorRecord{EpochSeconds: 1000, LatitudeE4: -450000, LongitudeE4: 1700000}
		if d.rec != want {
			t.Fatalf("delivered record = %+v, want %+v", d.rec, want)
		}
		if d.from != 1 {
			t.Fatalf("delivered from = %d, want 1", d.from)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no record validated within 5s")
	}
}

func TestRepeatedOffloadAfterFixUpdate(t *testing.T) {
	respEng, delivered := startEngines(t, true)

	respEng.UpdateFix(1000, 10, 20)
	select {
	case d := <-delivered:
		if d.rec.EpochSeconds != 1000 {
			t.Fatalf("first record epoch = %d, want 1000", d.rec.EpochSeconds)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first record not validated within 5s")
	}

	respEng.UpdateFix(1001, 30, 40)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-delivered:
			// The initiator may re-deliver the old fix once before it sees
			// the refreshed beacon.
			if d.rec.EpochSeconds == 1001 {
				if d.rec.LatitudeE4 != 30 || d.rec.LongitudeE4 != 40 {
					t.Fatalf("second record = %+v", d.rec)
				}
				return
			}
		case <-deadline:
			t.Fatal("updated record not validated within 5s")
		}
	}
}

func TestUntrustedInitiatorNeverDelivers(t *testing.T) {
	respEng, delivered := startEngines(t, false)

	respEng.UpdateFix(1000, 1, 2)

	select {
	case d := <-delivered:
		t.Fatalf("unexpected delivery %+v from untrusted initiator", d)
	case <-time.After(500 * time.Millisecond):
		// No delivery is the expected outcome.
	}
}

package identity

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func registryDoc(t *testing.T, selfPriv bool) string {
	t.Helper()
	privA, pubA, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	_, pubB, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if !selfPriv {
		privA = ""
	}
	svc, rd, wr := uuid.NewString(), uuid.NewString(), uuid.NewString()
	return fmt.Sprintf(`{
  "self": {"device_id": 1, "private_key_b64": %q, "public_key_b64": %q},
  "known_peers": [
    {"device_id": 2, "public_key_b64": %q, "service_uuid": %q, "read_char_uuid": %q, "write_char_uuid": %q}
  ]
}`, privA, pubA, pubB, svc, rd, wr)
}

func TestLoadRegistry(t *testing.T) {
	reg, err := Load(strings.NewReader(registryDoc(t, true)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Self().DeviceID != 1 {
		t.Fatalf("self id: got %d want 1", reg.Self().DeviceID)
	}
	if reg.Self().PrivateKey == nil {
		t.Fatalf("self private key missing after load")
	}
	peer, ok := reg.FindPeer(2)
	if !ok {
		t.Fatalf("peer 2 not found")
	}
	if !peer.HasGATT() {
		t.Fatalf("peer 2 should carry characteristic identifiers")
	}
	if peer.PrivateKey != nil {
		t.Fatalf("peer must not carry a private key")
	}
	if _, ok := reg.FindPeer(3); ok {
		t.Fatalf("unexpected match for unknown id 3")
	}
}

func TestLoadRejectsMissingPrivateKey(t *testing.T) {
	_, err := Load(strings.NewReader(registryDoc(t, false)))
	if !errors.Is(err, ErrMissingPrivateKey) {
		t.Fatalf("expected ErrMissingPrivateKey, got %v", err)
	}
	if !errors.Is(err, ErrInvalidRegistry) {
		t.Fatalf("expected ErrInvalidRegistry wrap, got %v", err)
	}
}

func TestLoadRejectsGarbageKey(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	doc := fmt.Sprintf(`{
  "self": {"device_id": 1, "private_key_b64": %q, "public_key_b64": %q},
  "known_peers": [{"device_id": 2, "public_key_b64": "bm90IGEga2V5"}]
}`, priv, pub)
	if _, err := Load(strings.NewReader(doc)); !errors.Is(err, ErrInvalidRegistry) {
		t.Fatalf("expected ErrInvalidRegistry, got %v", err)
	}
}

func TestLoadRejectsIncompleteCharacteristics(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	_, pubB, _ := GenerateKeyPair()
	doc := fmt.Sprintf(`{
  "self": {"device_id": 1, "private_key_b64": %q, "public_key_b64": %q},
  "known_peers": [{"device_id": 2, "public_key_b64": %q, "service_uuid": %q}]
}`, priv, pub, pubB, uuid.NewString())
	if _, err := Load(strings.NewReader(doc)); !errors.Is(err, ErrInvalidRegistry) {
		t.Fatalf("expected ErrInvalidRegistry, got %v", err)
	}
}

func TestNewRejectsDuplicatePeers(t *testing.T) {
	privB64, pubB64, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	priv, err := ParsePrivateKey(privB64)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	pub, err := ParsePublicKey(pubB64)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	self := DeviceInfo{DeviceID: 1, PublicKey: pub, PrivateKey: priv}
	peer := DeviceInfo{DeviceID: 2, PublicKey: pub}
	if _, err := New(self, []DeviceInfo{peer, peer}); !errors.Is(err, ErrInvalidRegistry) {
		t.Fatalf("expected ErrInvalidRegistry for duplicate peers, got %v", err)
	}
}

func TestKeyPairRoundTrip(t *testing.T) {
	privB64, pubB64, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	priv, err := ParsePrivateKey(privB64)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	pub, err := ParsePublicKey(pubB64)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !priv.PublicKey().Equal(pub) {
		t.Fatalf("public key does not match generated private key")
	}
}

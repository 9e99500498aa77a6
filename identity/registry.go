// Package identity holds the pre-shared trust registry: the local device
// identity (including its private key) and the whitelist of known peers.
// The registry is loaded once at startup and read-only afterward; it is the
// security boundary that gates every session.
package identity

import (
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRegistry is wrapped by every registry load failure.
	ErrInvalidRegistry = errors.New("invalid registry")
	// ErrMissingPrivateKey signals a local identity without a private key.
	ErrMissingPrivateKey = errors.New("local identity has no private key")
	// ErrUnknownPeer signals a device id absent from the whitelist.
	ErrUnknownPeer = errors.New("unknown peer")
)

// DeviceInfo describes one device in the trust registry. The GATT identifiers
// are set for the local identity and for peers that act as a responder; they
// stay zero for initiator-only peers.
type DeviceInfo struct {
	DeviceID   uint32
	PublicKey  *ecdh.PublicKey
	PrivateKey *ecdh.PrivateKey // Local identity only.

	ServiceUUID   uuid.UUID // Session GATT service.
	ReadCharUUID  uuid.UUID // Challenge characteristic (read).
	WriteCharUUID uuid.UUID // Payload characteristic (write).
}

// HasGATT reports whether the device publishes session characteristics,
// i.e. whether it can be connected to as a responder.
func (d DeviceInfo) HasGATT() bool {
	return d.ServiceUUID != uuid.Nil
}

// Registry is the immutable trust registry. Safe for concurrent reads.
type Registry struct {
	self  DeviceInfo
	peers map[uint32]DeviceInfo
}

// New builds a registry from already-parsed device records. Used by tests and
// in-process harnesses; file-based callers go through Load.
func New(self DeviceInfo, peers []DeviceInfo) (*Registry, error) {
	if self.PrivateKey == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, ErrMissingPrivateKey)
	}
	if self.PublicKey == nil {
		return nil, fmt.Errorf("%w: self has no public key", ErrInvalidRegistry)
	}
	m := make(map[uint32]DeviceInfo, len(peers))
	for _, p := range peers {
		if p.PublicKey == nil {
			return nil, fmt.Errorf("%w: peer %d has no public key", ErrInvalidRegistry, p.DeviceID)
		}
		if p.PrivateKey != nil {
			return nil, fmt.Errorf("%w: peer %d carries a private key", ErrInvalidRegistry, p.DeviceID)
		}
		if _, dup := m[p.DeviceID]; dup {
			return nil, fmt.Errorf("%w: duplicate peer id %d", ErrInvalidRegistry, p.DeviceID)
		}
		m[p.DeviceID] = p
	}
	return &Registry{self: self, peers: m}, nil
}

// Self returns the local identity, private key included.
func (r *Registry) Self() DeviceInfo { return r.self }

// FindPeer looks up a peer by device id. A miss means the id must not proceed
// to key derivation or connection.
func (r *Registry) FindPeer(id uint32) (DeviceInfo, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// PeerCount returns the number of whitelisted peers.
func (r *Registry) PeerCount() int { return len(r.peers) }

type deviceJSON struct {
	DeviceID      uint32 `json:"device_id"`
	PrivateKeyB64 string `json:"private_key_b64,omitempty"`
	PublicKeyB64  string `json:"public_key_b64"`
	ServiceUUID   string `json:"service_uuid,omitempty"`
	ReadCharUUID  string `json:"read_char_uuid,omitempty"`
	WriteCharUUID string `json:"write_char_uuid,omitempty"`
}

type registryJSON struct {
	Self       deviceJSON   `json:"self"`
	KnownPeers []deviceJSON `json:"known_peers"`
}

// Load parses a registry document. The local identity must carry a private
// key; peers must not.
func Load(r io.Reader) (*Registry, error) {
	var doc registryJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	if doc.Self.PrivateKeyB64 == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, ErrMissingPrivateKey)
	}
	self, err := parseDevice(doc.Self, true)
	if err != nil {
		return nil, fmt.Errorf("%w: self: %w", ErrInvalidRegistry, err)
	}
	peers := make([]DeviceInfo, 0, len(doc.KnownPeers))
	for _, pj := range doc.KnownPeers {
		p, err := parseDevice(pj, false)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d: %w", ErrInvalidRegistry, pj.DeviceID, err)
		}
		peers = append(peers, p)
	}
	return New(self, peers)
}

// LoadFile loads a registry from a JSON file on disk.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func parseDevice(dj deviceJSON, local bool) (DeviceInfo, error) {
	var d DeviceInfo
	d.DeviceID = dj.DeviceID
	if dj.PublicKeyB64 == "" {
		return d, errors.New("missing public key")
	}
	pub, err := ParsePublicKey(dj.PublicKeyB64)
	if err != nil {
		return d, err
	}
	d.PublicKey = pub
	if dj.PrivateKeyB64 != "" {
		if !local {
			return d, errors.New("peer carries a private key")
		}
		priv, err := ParsePrivateKey(dj.PrivateKeyB64)
		if err != nil {
			return d, err
		}
		d.PrivateKey = priv
	}
	// The three characteristic identifiers come as a set or not at all.
	hasAny := dj.ServiceUUID != "" || dj.ReadCharUUID != "" || dj.WriteCharUUID != ""
	if hasAny {
		if dj.ServiceUUID == "" || dj.ReadCharUUID == "" || dj.WriteCharUUID == "" {
			return d, errors.New("incomplete characteristic identifiers")
		}
		if d.ServiceUUID, err = uuid.Parse(dj.ServiceUUID); err != nil {
			return d, fmt.Errorf("service uuid: %w", err)
		}
		if d.ReadCharUUID, err = uuid.Parse(dj.ReadCharUUID); err != nil {
			return d, fmt.Errorf("read characteristic uuid: %w", err)
		}
		if d.WriteCharUUID, err = uuid.Parse(dj.WriteCharUUID); err != nil {
			return d, fmt.Errorf("write characteristic uuid: %w", err)
		}
	}
	return d, nil
}

// DeviceExport is the writable counterpart of a registry entry, used by the
// keygen tool to emit mirrored registry files.
type DeviceExport struct {
	DeviceID      uint32
	PrivateKeyB64 string
	PublicKeyB64  string
	ServiceUUID   string
	ReadCharUUID  string
	WriteCharUUID string
}

// Export serializes a registry document. The local identity keeps its private
// key; peer entries are stripped to public material. Keep the output secret.
func Export(self DeviceExport, peers []DeviceExport) ([]byte, error) {
	doc := registryJSON{Self: exportJSON(self)}
	for _, p := range peers {
		pj := exportJSON(p)
		pj.PrivateKeyB64 = ""
		doc.KnownPeers = append(doc.KnownPeers, pj)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func exportJSON(d DeviceExport) deviceJSON {
	return deviceJSON{
		DeviceID:      d.DeviceID,
		PrivateKeyB64: d.PrivateKeyB64,
		PublicKeyB64:  d.PublicKeyB64,
		ServiceUUID:   d.ServiceUUID,
		ReadCharUUID:  d.ReadCharUUID,
		WriteCharUUID: d.WriteCharUUID,
	}
}

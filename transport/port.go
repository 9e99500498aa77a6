// Package transport defines the boundary to the platform radio stack.
//
// Every radio operation is a non-blocking request; outcomes and peer activity
// are delivered later as Events on a single channel, which keeps each engine a
// single logical thread of control. Implementations live under
// transport/loopback (in-process fabric) and transport/wsbridge (remote radio
// agent).
package transport

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrPortClosed is returned by operations on a closed port.
	ErrPortClosed = errors.New("transport port closed")
	// ErrUnknownAddress signals a connect request to an address the radio
	// cannot resolve.
	ErrUnknownAddress = errors.New("unknown peer address")
	// ErrUnknownHandle signals an operation against a connection that no
	// longer exists.
	ErrUnknownHandle = errors.New("unknown connection handle")
)

// ConnHandle identifies one radio connection. Handles are never reused within
// the lifetime of a port.
type ConnHandle uint64

// ReadToken correlates an inbound read request with its response.
type ReadToken uint64

// Filter restricts scanning to advertisements carrying matching vendor data.
type Filter struct {
	VendorID uint16
}

// EventKind tags the discriminated Event union.
type EventKind uint8

const (
	// EventScanResult carries one decoded advertisement observation.
	EventScanResult EventKind = iota + 1
	// EventConnected confirms an outbound connect.
	EventConnected
	// EventConnectFailed reports an outbound connect failure.
	EventConnectFailed
	// EventDisconnected reports the end of an outbound connection.
	EventDisconnected
	// EventServicesDiscovered confirms service discovery on a connection.
	EventServicesDiscovered
	// EventServiceDiscoveryFailed reports a failed service discovery.
	EventServiceDiscoveryFailed
	// EventReadResult carries the value of a completed characteristic read.
	EventReadResult
	// EventReadFailed reports a failed characteristic read.
	EventReadFailed
	// EventWriteResult confirms a characteristic write.
	EventWriteResult
	// EventWriteFailed reports a failed characteristic write.
	EventWriteFailed
	// EventInboundConnected reports a peer connecting to the local radio.
	EventInboundConnected
	// EventInboundDisconnected reports the end of an inbound connection.
	EventInboundDisconnected
	// EventReadRequest asks the local side to answer a characteristic read.
	EventReadRequest
	// EventWriteRequest delivers a peer's characteristic write.
	EventWriteRequest
)

var eventKindNames = map[EventKind]string{
	EventScanResult:             "scan_result",
	EventConnected:              "connected",
	EventConnectFailed:          "connect_failed",
	EventDisconnected:           "disconnected",
	EventServicesDiscovered:     "services_discovered",
	EventServiceDiscoveryFailed: "service_discovery_failed",
	EventReadResult:             "read_result",
	EventReadFailed:             "read_failed",
	EventWriteResult:            "write_result",
	EventWriteFailed:            "write_failed",
	EventInboundConnected:       "inbound_connected",
	EventInboundDisconnected:    "inbound_disconnected",
	EventReadRequest:            "read_request",
	EventWriteRequest:           "write_request",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one externally-delivered radio notification. Field population
// depends on Kind; unused fields stay zero.
type Event struct {
	Kind   EventKind
	Addr   string     // Peer transport address (scan results, connects).
	Handle ConnHandle // Connection the event belongs to.
	Char   uuid.UUID  // Characteristic involved, if any.
	Value  []byte     // Advertisement bytes, read value, or written value.
	Token  ReadToken  // Response correlation for EventReadRequest.
	Err    error      // Failure detail for *Failed events.
}

// Port is the abstract radio. All methods return quickly; completion and
// failure notifications arrive on Events.
type Port interface {
	// StartScan begins passive scanning for advertisements matching filter.
	StartScan(filter Filter) error
	// StopScan halts scanning. Scan results already queued may still arrive.
	StopScan() error
	// StartAdvertise begins (or refreshes) advertising the given payload.
	StartAdvertise(payload []byte) error
	// StopAdvertise halts advertising.
	StopAdvertise() error
	// Connect initiates a connection to a scanned address.
	Connect(addr string) error
	// Disconnect tears down a connection from either role.
	Disconnect(h ConnHandle) error
	// DiscoverServices starts service discovery for the given service UUID.
	DiscoverServices(h ConnHandle, service uuid.UUID) error
	// ReadCharacteristic issues a read against a peer characteristic.
	ReadCharacteristic(h ConnHandle, char uuid.UUID) error
	// WriteCharacteristic issues a write against a peer characteristic.
	WriteCharacteristic(h ConnHandle, char uuid.UUID, value []byte) error
	// RespondRead answers an EventReadRequest with the given value.
	RespondRead(token ReadToken, value []byte) error
	// Events is the single stream of radio notifications for this port.
	Events() <-chan Event
	// Close releases the radio. Pending operations are abandoned.
	Close() error
}

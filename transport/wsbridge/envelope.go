package wsbridge

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/nitelink/ntl-go/internal/bin"
)

// ErrEnvelopeTooLarge reports a length-prefixed frame above the size guard.
var ErrEnvelopeTooLarge = errors.New("envelope too large")

// maxEnvelopeBytes bounds a single framed JSON message from the agent.
const maxEnvelopeBytes = 1 << 16

// Stream names opened on the yamux session. Each stream starts with a hello
// envelope naming its kind.
const (
	streamCtl = "ctl"
	streamEvt = "evt"
)

type hello struct {
	Kind string `json:"kind"`
}

// command is one radio operation sent to the remote agent on the ctl stream.
type command struct {
	Op       string `json:"op"`
	VendorID uint16 `json:"vendor_id,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Handle   uint64 `json:"handle,omitempty"`
	Char     string `json:"char,omitempty"`
	Value    []byte `json:"value,omitempty"`
	Token    uint64 `json:"token,omitempty"`
}

const (
	opStartScan      = "start_scan"
	opStopScan       = "stop_scan"
	opStartAdvertise = "start_advertise"
	opStopAdvertise  = "stop_advertise"
	opConnect        = "connect"
	opDisconnect     = "disconnect"
	opDiscover       = "discover_services"
	opRead           = "read_characteristic"
	opWrite          = "write_characteristic"
	opRespondRead    = "respond_read"
)

// agentEvent is one asynchronous radio notification from the agent on the
// evt stream. Kind values match transport.EventKind.String().
type agentEvent struct {
	Kind   string `json:"kind"`
	Addr   string `json:"addr,omitempty"`
	Handle uint64 `json:"handle,omitempty"`
	Char   string `json:"char,omitempty"`
	Value  []byte `json:"value,omitempty"`
	Token  uint64 `json:"token,omitempty"`
	Error  string `json:"error,omitempty"`
}

// writeEnvelope writes one length-prefixed JSON message.
func writeEnvelope(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	bin.PutU32BE(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readEnvelope reads one length-prefixed JSON message into v with a size
// guard against untrusted peers.
func readEnvelope(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := int(bin.U32BE(hdr[:]))
	if n > maxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

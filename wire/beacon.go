// Package wire implements the fixed binary layouts of the NTL protocol:
// the 16-byte discovery beacon, the session payload frame, and the 12-byte
// sensor record that travels encrypted inside the payload.
package wire

import (
	"errors"

	"github.com/nitelink/ntl-go/internal/bin"
)

// VendorID tags the beacon as NTL manufacturer data in the advertisement filter.
const VendorID uint16 = 0xFFFF

// BeaconLen is the exact encoded size of a BeaconFrame.
const BeaconLen = 16

// ErrShortFrame signals a byte buffer too small to hold the expected layout.
var ErrShortFrame = errors.New("short frame")

// BeaconFrame is the unauthenticated discovery broadcast advertising identity,
// time, and position.
//
// beacon =
//
//	sender_id:u32le ||
//	epoch_seconds:u32le ||
//	latitude_e4:i32le ||
//	longitude_e4:i32le
type BeaconFrame struct {
	SenderID     uint32 // Network-unique device id of the advertiser.
	EpochSeconds uint32 // Unix time of the advertised fix.
	LatitudeE4   int32  // Latitude in degrees x 10_000.
	LongitudeE4  int32  // Longitude in degrees x 10_000.
}

// EncodeBeacon serializes the frame into exactly BeaconLen bytes.
func EncodeBeacon(f BeaconFrame) []byte {
	out := make([]byte, BeaconLen)
	bin.PutU32LE(out[0:4], f.SenderID)
	bin.PutU32LE(out[4:8], f.EpochSeconds)
	bin.PutI32LE(out[8:12], f.LatitudeE4)
	bin.PutI32LE(out[12:16], f.LongitudeE4)
	return out
}

// DecodeBeacon parses a beacon frame. Trailing bytes beyond BeaconLen are
// tolerated since advertisement containers may pad manufacturer data.
func DecodeBeacon(b []byte) (BeaconFrame, error) {
	if len(b) < BeaconLen {
		return BeaconFrame{}, ErrShortFrame
	}
	return BeaconFrame{
		SenderID:     bin.U32LE(b[0:4]),
		EpochSeconds: bin.U32LE(b[4:8]),
		LatitudeE4:   bin.I32LE(b[8:12]),
		LongitudeE4:  bin.I32LE(b[12:16]),
	}, nil
}

package wire

import "github.com/nitelink/ntl-go/internal/bin"

const (
	// RecordLen is the encoded size of a SensorRecord.
	RecordLen = 12
	// DigestLen is the size of the integrity digest appended to a record
	// before encryption.
	DigestLen = 32
)

// SensorRecord is the timestamped coordinate sample the initiator offloads.
// Its encrypted form is record(12) || digest(32).
//
// record =
//
//	epoch_seconds:u32le ||
//	latitude_e4:i32le ||
//	longitude_e4:i32le
type SensorRecord struct {
	EpochSeconds uint32
	LatitudeE4   int32
	LongitudeE4  int32
}

// EncodeRecord serializes the record into exactly RecordLen bytes.
func EncodeRecord(r SensorRecord) []byte {
	out := make([]byte, RecordLen)
	bin.PutU32LE(out[0:4], r.EpochSeconds)
	bin.PutI32LE(out[4:8], r.LatitudeE4)
	bin.PutI32LE(out[8:12], r.LongitudeE4)
	return out
}

// DecodeRecord parses a sensor record from the first RecordLen bytes of b.
func DecodeRecord(b []byte) (SensorRecord, error) {
	if len(b) < RecordLen {
		return SensorRecord{}, ErrShortFrame
	}
	return SensorRecord{
		EpochSeconds: bin.U32LE(b[0:4]),
		LatitudeE4:   bin.I32LE(b[4:8]),
		LongitudeE4:  bin.I32LE(b[8:12]),
	}, nil
}

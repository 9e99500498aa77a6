package wire

import (
	"bytes"
	"testing"
)

func TestBeaconRoundTrip(t *testing.T) {
	frames := []BeaconFrame{
		{SenderID: 2, EpochSeconds: 1000, LatitudeE4: -450000, LongitudeE4: 1700000},
		{SenderID: 0, EpochSeconds: 0, LatitudeE4: 0, LongitudeE4: 0},
		{SenderID: 0xffffffff, EpochSeconds: 0xffffffff, LatitudeE4: -900000, LongitudeE4: -1800000},
	}
	for _, f := range frames {
		b := EncodeBeacon(f)
		if len(b) != BeaconLen {
			t.Fatalf("encoded beacon is %d bytes, want %d", len(b), BeaconLen)
		}
		got, err := DecodeBeacon(b)
		if err != nil {
			t.Fatalf("DecodeBeacon failed: %v", err)
		}
		if got != f {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
		}
	}
}

func TestBeaconLayout(t *testing.T) {
	b := EncodeBeacon(BeaconFrame{SenderID: 1, EpochSeconds: 2, LatitudeE4: -1, LongitudeE4: 3})
	want := []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		0xff, 0xff, 0xff, 0xff,
		3, 0, 0, 0,
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("unexpected layout: got %x want %x", b, want)
	}
}

func TestDecodeBeaconShort(t *testing.T) {
	if _, err := DecodeBeacon(make([]byte, BeaconLen-1)); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestDecodeBeaconToleratesPadding(t *testing.T) {
	f := BeaconFrame{SenderID: 7, EpochSeconds: 8, LatitudeE4: 9, LongitudeE4: 10}
	padded := append(EncodeBeacon(f), 0, 0, 0)
	got, err := DecodeBeacon(padded)
	if err != nil {
		t.Fatalf("DecodeBeacon failed: %v", err)
	}
	if got != f {
		t.Fatalf("padded decode mismatch: got %+v want %+v", got, f)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ct := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	b := EncodePayload(42, ct)
	id, gotCT, err := DecodePayload(b)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if id != 42 {
		t.Fatalf("sender id: got %d want 42", id)
	}
	if !bytes.Equal(gotCT, ct) {
		t.Fatalf("ciphertext mismatch: got %x want %x", gotCT, ct)
	}
}

func TestPayloadEmptyCiphertext(t *testing.T) {
	id, ct, err := DecodePayload(EncodePayload(1, nil))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if id != 1 || len(ct) != 0 {
		t.Fatalf("got id=%d len=%d, want id=1 len=0", id, len(ct))
	}
}

func TestDecodePayloadShort(t *testing.T) {
	if _, _, err := DecodePayload([]byte{1, 2, 3}); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	r := SensorRecord{EpochSeconds: 1000, LatitudeE4: -450000, LongitudeE4: 1700000}
	b := EncodeRecord(r)
	if len(b) != RecordLen {
		t.Fatalf("encoded record is %d bytes, want %d", len(b), RecordLen)
	}
	got, err := DecodeRecord(b)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
	if _, err := DecodeRecord(b[:RecordLen-1]); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

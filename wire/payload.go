package wire

import "github.com/nitelink/ntl-go/internal/bin"

// payloadHeaderLen is the cleartext prefix of a session payload frame.
const payloadHeaderLen = 4

// EncodePayload builds a session payload frame: the sender id in cleartext
// followed by the AEAD output (tag appended).
//
// payload = sender_id:u32le || ciphertext
func EncodePayload(senderID uint32, ciphertext []byte) []byte {
	out := make([]byte, payloadHeaderLen+len(ciphertext))
	bin.PutU32LE(out[:payloadHeaderLen], senderID)
	copy(out[payloadHeaderLen:], ciphertext)
	return out
}

// DecodePayload splits a session payload frame into its cleartext sender id
// and the ciphertext. The ciphertext slice aliases the input buffer.
func DecodePayload(b []byte) (senderID uint32, ciphertext []byte, err error) {
	if len(b) < payloadHeaderLen {
		return 0, nil, ErrShortFrame
	}
	return bin.U32LE(b[:payloadHeaderLen]), b[payloadHeaderLen:], nil
}

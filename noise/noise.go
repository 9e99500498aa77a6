// Package noise holds the cryptographic core of an NTL session: the
// ECDH-derived per-peer symmetric key, the AEAD used for the offloaded
// payload, the integrity digest, and challenge nonce generation.
//
// Both peers derive the same key from (own private key, peer public key);
// that symmetry is the correctness anchor of the protocol.
package noise

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-128 session key size.
	KeySize = 16
	// NonceSize is the challenge nonce size (the AEAD nonce).
	NonceSize = 12
	// TagSize is the AEAD authentication tag appended to every ciphertext.
	TagSize = 16
	// DigestSize is the integrity digest size.
	DigestSize = sha256.Size
)

var (
	// ErrAuthentication covers every decryption failure. Callers must not be
	// able to distinguish a tag mismatch from a malformed box.
	ErrAuthentication = errors.New("payload authentication failed")
	// ErrShortSecret signals an ECDH shared secret too small for a session key.
	ErrShortSecret = errors.New("shared secret too short")
)

// DeriveSessionKey runs ECDH between the local private key and the peer's
// public key and takes the first KeySize bytes of the raw shared secret as
// the AES-128 session key. The result is identical regardless of which peer
// computes it.
func DeriveSessionKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([KeySize]byte, error) {
	var key [KeySize]byte
	shared, err := priv.ECDH(pub)
	if err != nil {
		return key, fmt.Errorf("ecdh: %w", err)
	}
	if len(shared) < KeySize {
		return key, ErrShortSecret
	}
	copy(key[:], shared[:KeySize])
	return key, nil
}

// GenerateNonce returns a fresh random challenge nonce. A nonce must never be
// reused under the same session key; the responder generates one per read
// request and overwrites any prior value.
func GenerateNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

// Seal encrypts plaintext under the session key and challenge nonce,
// returning ciphertext with the authentication tag appended.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, plaintext []byte) []byte {
	return newGCM(key).Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts a sealed box. Any failure, short input included, reports
// ErrAuthentication without further detail.
func Open(key [KeySize]byte, nonce [NonceSize]byte, box []byte) ([]byte, error) {
	if len(box) < TagSize {
		return nil, ErrAuthentication
	}
	plaintext, err := newGCM(key).Open(nil, nonce[:], box, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Digest computes the order-dependent integrity digest over b.
func Digest(b []byte) [DigestSize]byte {
	return sha256.Sum256(b)
}

func newGCM(key [KeySize]byte) cipher.AEAD {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on bad key sizes; KeySize is fixed.
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

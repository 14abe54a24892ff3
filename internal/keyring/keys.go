// Package keyring wraps the box/sign primitives the delivery core consumes as
// opaque operations: boxing a payload for a named recipient key, opening it,
// producing nonces and signing or verifying blobs.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeySize is the length of every public key handled by the keyring.
const KeySize = 32

// NonceSize is the length of a box nonce.
const NonceSize = 24

var b64 = base64.RawURLEncoding

// PublicKey is a box or sign public key. It encodes as unpadded base64url text.
type PublicKey [KeySize]byte

// String returns the base64url form of the key.
func (k PublicKey) String() string { return b64.EncodeToString(k[:]) }

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(b []byte) error {
	p, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}

// ParsePublicKey decodes a base64url public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := b64.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("public key: %w", err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("public key: want %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Nonce is a box nonce. It encodes as unpadded base64url text.
type Nonce [NonceSize]byte

// String returns the base64url form of the nonce.
func (n Nonce) String() string { return b64.EncodeToString(n[:]) }

// MarshalText implements encoding.TextMarshaler.
func (n Nonce) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nonce) UnmarshalText(b []byte) error {
	raw, err := b64.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if len(raw) != NonceSize {
		return fmt.Errorf("nonce: want %d bytes, got %d", NonceSize, len(raw))
	}
	copy(n[:], raw)
	return nil
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

package keyring

import (
	"crypto/rand"
	"errors"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
)

// ErrOpen is returned when a box cannot be opened with the given keys.
var ErrOpen = errors.New("keyring: box open failed")

// Keyring is the box/sign collaborator. The delivery core never looks inside
// the primitives; it only boxes, opens, signs and checks.
type Keyring interface {
	// BoxPublicKey is the key peers box payloads to.
	BoxPublicKey() PublicKey
	// SignPublicKey verifies signatures produced by Sign.
	SignPublicKey() PublicKey
	// Box seals msg for recipient.
	Box(msg []byte, nonce Nonce, recipient PublicKey) []byte
	// Open unseals a box produced by sender for this keyring.
	Open(boxed []byte, nonce Nonce, sender PublicKey) ([]byte, error)
	// BoxUtf8 seals a string.
	BoxUtf8(msg string, nonce Nonce, recipient PublicKey) []byte
	// OpenBoxUtf8 unseals a string.
	OpenBoxUtf8(boxed []byte, nonce Nonce, sender PublicKey) (string, error)
	// MakeBoxNonce returns a fresh random nonce.
	MakeBoxNonce() (Nonce, error)
	// Sign returns msg with an attached signature.
	Sign(msg []byte) []byte
}

// BoxKeyring implements Keyring with NaCl box (Curve25519/XSalsa20/Poly1305)
// and NaCl sign (Ed25519).
type BoxKeyring struct {
	boxPub  [32]byte
	boxSec  [32]byte
	signPub [32]byte
	signSec [64]byte
}

var _ Keyring = (*BoxKeyring)(nil)

// Generate creates a keyring with fresh box and sign keypairs.
func Generate(r io.Reader) (*BoxKeyring, error) {
	if r == nil {
		r = rand.Reader
	}
	bp, bs, err := box.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	sp, ss, err := sign.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &BoxKeyring{boxPub: *bp, boxSec: *bs, signPub: *sp, signSec: *ss}, nil
}

// BoxPublicKey returns the box public key.
func (k *BoxKeyring) BoxPublicKey() PublicKey { return PublicKey(k.boxPub) }

// SignPublicKey returns the sign public key.
func (k *BoxKeyring) SignPublicKey() PublicKey { return PublicKey(k.signPub) }

// Box seals msg for recipient.
func (k *BoxKeyring) Box(msg []byte, nonce Nonce, recipient PublicKey) []byte {
	n := [24]byte(nonce)
	rp := [32]byte(recipient)
	return box.Seal(nil, msg, &n, &rp, &k.boxSec)
}

// Open unseals a box produced by sender.
func (k *BoxKeyring) Open(boxed []byte, nonce Nonce, sender PublicKey) ([]byte, error) {
	n := [24]byte(nonce)
	sp := [32]byte(sender)
	out, ok := box.Open(nil, boxed, &n, &sp, &k.boxSec)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// BoxUtf8 seals a string.
func (k *BoxKeyring) BoxUtf8(msg string, nonce Nonce, recipient PublicKey) []byte {
	return k.Box([]byte(msg), nonce, recipient)
}

// OpenBoxUtf8 unseals a string.
func (k *BoxKeyring) OpenBoxUtf8(boxed []byte, nonce Nonce, sender PublicKey) (string, error) {
	b, err := k.Open(boxed, nonce, sender)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MakeBoxNonce returns a fresh random nonce.
func (k *BoxKeyring) MakeBoxNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

// Sign returns msg prefixed by its Ed25519 signature.
func (k *BoxKeyring) Sign(msg []byte) []byte {
	return sign.Sign(nil, msg, &k.signSec)
}

// SignSecret exposes the Ed25519 private key (NaCl 64-byte form).
func (k *BoxKeyring) SignSecret() [64]byte { return k.signSec }

// Verify checks a blob produced by Sign and returns the message.
func Verify(signed []byte, signer PublicKey) ([]byte, bool) {
	sp := [32]byte(signer)
	return sign.Open(nil, signed, &sp)
}

// keyFile is the on-disk form of a BoxKeyring.
type keyFile struct {
	BoxPublic  []byte `json:"boxPublic"`
	BoxSecret  []byte `json:"boxSecret"`
	SignPublic []byte `json:"signPublic"`
	SignSecret []byte `json:"signSecret"`
}

// MarshalBinary encodes the keyring secrets.
func (k *BoxKeyring) MarshalBinary() ([]byte, error) {
	return json.Marshal(keyFile{
		BoxPublic:  k.boxPub[:],
		BoxSecret:  k.boxSec[:],
		SignPublic: k.signPub[:],
		SignSecret: k.signSec[:],
	})
}

// UnmarshalBinary decodes secrets written by MarshalBinary.
func (k *BoxKeyring) UnmarshalBinary(b []byte) error {
	var f keyFile
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if len(f.BoxPublic) != 32 || len(f.BoxSecret) != 32 || len(f.SignPublic) != 32 || len(f.SignSecret) != 64 {
		return errors.New("keyring: bad key lengths")
	}
	copy(k.boxPub[:], f.BoxPublic)
	copy(k.boxSec[:], f.BoxSecret)
	copy(k.signPub[:], f.SignPublic)
	copy(k.signSec[:], f.SignSecret)
	return nil
}

// LoadOrCreate reads a keyring from path, generating and saving one when the file is missing.
func LoadOrCreate(path string) (*BoxKeyring, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		k, gerr := Generate(nil)
		if gerr != nil {
			return nil, gerr
		}
		raw, merr := k.MarshalBinary()
		if merr != nil {
			return nil, merr
		}
		if werr := os.WriteFile(path, raw, 0o600); werr != nil {
			return nil, werr
		}
		return k, nil
	}
	if err != nil {
		return nil, err
	}
	k := &BoxKeyring{}
	if err := k.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return k, nil
}

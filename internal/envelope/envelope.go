// Package envelope defines the wire shapes exchanged between clients and
// servers: the transit-level OuterEnvelope, the server-to-server TransitFrame
// and the closed set of typed inner envelopes.
package envelope

import (
	"bytes"
	"encoding/hex"

	json "github.com/goccy/go-json"
	"github.com/zeebo/blake3"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
)

// OuterEnvelope is a boxed inner envelope. SenderKey is a user's tell key for
// person envelopes and a server's transit key for server envelopes.
type OuterEnvelope struct {
	SenderKey     keyring.PublicKey `json:"senderKey"`
	Nonce         keyring.Nonce     `json:"nonce"`
	InnerEnvelope []byte            `json:"innerEnvelope"`
}

// TransitFrame carries an OuterEnvelope between two servers. Frame is the JSON
// OuterEnvelope boxed from ServerKey to the receiving server.
type TransitFrame struct {
	ServerKey keyring.PublicKey `json:"serverKey"`
	Nonce     keyring.Nonce     `json:"nonce"`
	Frame     []byte            `json:"frame"`
}

// AckType is the maildrop's answer to a delivered transit envelope.
type AckType string

const (
	AckOK  AckType = "ack"
	AckBad AckType = "bad"
)

// Ack is the JSON acknowledgment body.
type Ack struct {
	Type AckType `json:"type"`
}

// Seal boxes inner from kr to recipient and wraps it in an OuterEnvelope.
func Seal(kr keyring.Keyring, inner Inner, recipient keyring.PublicKey) (OuterEnvelope, error) {
	raw, err := EncodeInner(inner)
	if err != nil {
		return OuterEnvelope{}, err
	}
	nonce, err := kr.MakeBoxNonce()
	if err != nil {
		return OuterEnvelope{}, err
	}
	return OuterEnvelope{
		SenderKey:     kr.BoxPublicKey(),
		Nonce:         nonce,
		InnerEnvelope: kr.Box(raw, nonce, recipient),
	}, nil
}

// Open unboxes an OuterEnvelope addressed to kr and decodes its inner envelope.
func Open(kr keyring.Keyring, outer OuterEnvelope) (Inner, error) {
	raw, err := kr.Open(outer.InnerEnvelope, outer.Nonce, outer.SenderKey)
	if err != nil {
		return nil, errs.Malformed("outer envelope: %v", err)
	}
	return DecodeInner(raw)
}

// SealFrame wraps outer into a TransitFrame from kr to the receiving server.
func SealFrame(kr keyring.Keyring, outer OuterEnvelope, recipient keyring.PublicKey) (TransitFrame, error) {
	raw, err := json.Marshal(outer)
	if err != nil {
		return TransitFrame{}, err
	}
	nonce, err := kr.MakeBoxNonce()
	if err != nil {
		return TransitFrame{}, err
	}
	return TransitFrame{ServerKey: kr.BoxPublicKey(), Nonce: nonce, Frame: kr.Box(raw, nonce, recipient)}, nil
}

// OpenFrame authenticates the relaying server and returns its key with the carried envelope.
func OpenFrame(kr keyring.Keyring, f TransitFrame) (keyring.PublicKey, OuterEnvelope, error) {
	raw, err := kr.Open(f.Frame, f.Nonce, f.ServerKey)
	if err != nil {
		return keyring.PublicKey{}, OuterEnvelope{}, errs.Malformed("transit frame: %v", err)
	}
	var outer OuterEnvelope
	if err := json.Unmarshal(raw, &outer); err != nil {
		return keyring.PublicKey{}, OuterEnvelope{}, errs.Malformed("transit frame body: %v", err)
	}
	return f.ServerKey, outer, nil
}

// Digest returns a short stable identifier for logging envelopes without their contents.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Marshal encodes any wire value.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes any wire value, reporting failures as malformed payloads.
func Unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return errs.Malformed("decode: %v", err)
	}
	return nil
}

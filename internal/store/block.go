// Package store turns delivered payloads into signed replica blocks, keeps
// them until the user's clients acknowledge them and notifies live streams.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// ErrBadSignature is returned by Decode when a block fails verification.
var ErrBadSignature = errors.New("replica block signature mismatch")

// encMode uses Core Deterministic Encoding so the same block always hashes
// to the same id.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
}

// BlockID is the hex BLAKE3 hash of an encoded block.
func BlockID(encoded []byte) string {
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Seal encodes b, derives its id and signs it with kr.
func Seal(kr keyring.Keyring, b model.ReplicaBlock) (model.ReplicaBlock, error) {
	encoded, err := encMode.Marshal(b)
	if err != nil {
		return model.ReplicaBlock{}, fmt.Errorf("encode replica block: %w", err)
	}
	b.ID = BlockID(encoded)
	b.Signed = kr.Sign(encoded)
	return b, nil
}

// Decode verifies signed against the server's sign key and decodes it.
func Decode(signed []byte, signer keyring.PublicKey) (model.ReplicaBlock, error) {
	encoded, ok := keyring.Verify(signed, signer)
	if !ok {
		return model.ReplicaBlock{}, ErrBadSignature
	}
	var b model.ReplicaBlock
	if err := cbor.Unmarshal(encoded, &b); err != nil {
		return model.ReplicaBlock{}, fmt.Errorf("decode replica block: %w", err)
	}
	b.ID = BlockID(encoded)
	b.Signed = signed
	return b, nil
}

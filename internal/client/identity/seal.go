package identity

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	kekLen  = 32
	saltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrSealed means the passphrase does not open the stored secrets.
var ErrSealed = errors.New("identity: wrong passphrase or corrupted secrets")

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// deriveKEK derives the key-encryption key with Argon2id.
func deriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, kekLen)
}

// seal encrypts plaintext under passphrase: salt || nonce || ciphertext.
func seal(passphrase, plaintext []byte) ([]byte, error) {
	salt, err := randBytes(saltLen)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(deriveKEK(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce, err := randBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

// unseal reverses seal.
func unseal(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) < saltLen+chacha20poly1305.NonceSizeX {
		return nil, ErrSealed
	}
	salt := sealed[:saltLen]
	nonce := sealed[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(deriveKEK(passphrase, salt))
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, sealed[saltLen+chacha20poly1305.NonceSizeX:], salt)
	if err != nil {
		return nil, ErrSealed
	}
	return out, nil
}

package identity

import (
	"errors"
	"fmt"

	ring "github.com/99designs/keyring"
)

const (
	serviceName = "fanrelay"
	identityKey = "identity"
)

// ErrNoIdentity means the vault holds no identity yet.
var ErrNoIdentity = errors.New("identity: none stored")

// VaultConfig selects the secret store backend.
type VaultConfig struct {
	Backend    string // "file", "keychain", "secret-service", "pass", "wincred", ...
	Dir        string // file backend directory
	Passphrase string
}

// Vault stores the identity in the OS secret store, sealed with the
// passphrase.
type Vault struct {
	ring       ring.Keyring
	passphrase []byte
}

// OpenVault opens the configured secret store.
func OpenVault(cfg VaultConfig) (*Vault, error) {
	backends := []ring.BackendType{ring.FileBackend}
	if cfg.Backend != "" {
		backends = []ring.BackendType{ring.BackendType(cfg.Backend)}
	}
	r, err := ring.Open(ring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  cfg.Dir,
		FilePasswordFunc:         ring.FixedStringPrompt(cfg.Passphrase),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewVault(r, cfg.Passphrase), nil
}

// NewVault wraps an open secret store.
func NewVault(r ring.Keyring, passphrase string) *Vault {
	return &Vault{ring: r, passphrase: []byte(passphrase)}
}

// Load reads and unseals the identity.
func (v *Vault) Load() (*Identity, error) {
	item, err := v.ring.Get(identityKey)
	if errors.Is(err, ring.ErrKeyNotFound) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity: %w", err)
	}
	raw, err := unseal(v.passphrase, item.Data)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := id.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	return &id, nil
}

// Save seals and stores id, replacing any previous identity.
func (v *Vault) Save(id *Identity) error {
	raw, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	sealed, err := seal(v.passphrase, raw)
	if err != nil {
		return err
	}
	err = v.ring.Set(ring.Item{
		Key:   identityKey,
		Data:  sealed,
		Label: "fanrelay identity",
	})
	if err != nil {
		return fmt.Errorf("setting identity: %w", err)
	}
	return nil
}

// LoadOrCreate returns the stored identity, generating and saving one on
// first use. created reports which happened.
func (v *Vault) LoadOrCreate() (id *Identity, created bool, err error) {
	id, err = v.Load()
	if !errors.Is(err, ErrNoIdentity) {
		return id, false, err
	}
	if id, err = Generate(); err != nil {
		return nil, false, err
	}
	if err := v.Save(id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Package identity holds the client's keys and its self-identity claim.
package identity

import (
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/and161185/fanrelay/internal/claim"
	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/keyring"
)

// Identity is a user's key material: the root signing key, the tell key
// other users address, and the envelope key fanout payloads are boxed to.
type Identity struct {
	root *keyring.BoxKeyring
	tell *keyring.BoxKeyring
	env  *keyring.BoxKeyring
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	var id Identity
	for _, k := range []**keyring.BoxKeyring{&id.root, &id.tell, &id.env} {
		kr, err := keyring.Generate(nil)
		if err != nil {
			return nil, err
		}
		*k = kr
	}
	return &id, nil
}

// RootKey is the identity key.
func (i *Identity) RootKey() keyring.PublicKey { return i.root.SignPublicKey() }

// TellKey is the addressing key.
func (i *Identity) TellKey() keyring.PublicKey { return i.tell.BoxPublicKey() }

// EnvelopeKey receives fanout payloads.
func (i *Identity) EnvelopeKey() keyring.PublicKey { return i.env.BoxPublicKey() }

// Tell seals person envelopes.
func (i *Identity) Tell() keyring.Keyring { return i.tell }

// Envelope opens conversation payloads and direct messages.
func (i *Identity) Envelope() keyring.Keyring { return i.env }

// Attest signs statement with the root key.
func (i *Identity) Attest(statement []byte) []byte { return i.root.Sign(statement) }

// Claim issues a self-identity claim for audience.
func (i *Identity) Claim(audience keyring.PublicKey, now time.Time, ttl time.Duration) (string, error) {
	return claim.Issue(i.root.SignSecret(), claim.Identity{
		TellKey:     i.TellKey(),
		EnvelopeKey: i.EnvelopeKey(),
	}, audience, now, ttl)
}

type secrets struct {
	Root []byte `json:"root"`
	Tell []byte `json:"tell"`
	Env  []byte `json:"env"`
}

// MarshalBinary encodes the secret keys.
func (i *Identity) MarshalBinary() ([]byte, error) {
	var s secrets
	var err error
	if s.Root, err = i.root.MarshalBinary(); err != nil {
		return nil, err
	}
	if s.Tell, err = i.tell.MarshalBinary(); err != nil {
		return nil, err
	}
	if s.Env, err = i.env.MarshalBinary(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// UnmarshalBinary decodes keys written by MarshalBinary.
func (i *Identity) UnmarshalBinary(b []byte) error {
	var s secrets
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s.Root == nil || s.Tell == nil || s.Env == nil {
		return errors.New("identity: missing keys")
	}
	i.root, i.tell, i.env = &keyring.BoxKeyring{}, &keyring.BoxKeyring{}, &keyring.BoxKeyring{}
	if err := i.root.UnmarshalBinary(s.Root); err != nil {
		return err
	}
	if err := i.tell.UnmarshalBinary(s.Tell); err != nil {
		return err
	}
	return i.env.UnmarshalBinary(s.Env)
}

// Claims caches the current claim and reissues it shortly before expiry.
type Claims struct {
	id  *Identity
	clk clock.Clock
	ttl time.Duration

	mu       sync.Mutex
	token    string
	audience keyring.PublicKey
	expires  time.Time
}

// NewClaims constructs a claim cache for id.
func NewClaims(id *Identity, clk clock.Clock, ttl time.Duration) *Claims {
	if ttl <= 0 {
		ttl = claim.DefaultTTL
	}
	return &Claims{id: id, clk: clk, ttl: ttl}
}

// Token returns a claim for audience that is valid for at least another
// tenth of the ttl.
func (c *Claims) Token(audience keyring.PublicKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if c.token != "" && c.audience == audience && now.Add(c.ttl/10).Before(c.expires) {
		return c.token, nil
	}
	tok, err := c.id.Claim(audience, now, c.ttl)
	if err != nil {
		return "", err
	}
	c.token, c.audience, c.expires = tok, audience, now.Add(c.ttl)
	return tok, nil
}

// Regenerate discards the cached claim; the next Token is a new claim.
func (c *Claims) Regenerate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

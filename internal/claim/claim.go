// Package claim issues and verifies the self-identity claim a client presents
// to its home server: an EdDSA JWT signed by the user's root key whose subject
// is that key.
package claim

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/fanrelay/internal/keyring"
)

// DefaultTTL bounds how long an issued claim is accepted.
const DefaultTTL = 10 * time.Minute

// ErrInvalid is returned for any claim that does not verify.
var ErrInvalid = errors.New("invalid identity claim")

// Claims are the JWT claims of a self-identity claim.
type Claims struct {
	TellKey     keyring.PublicKey `json:"tell"`
	EnvelopeKey keyring.PublicKey `json:"env"`
	jwt.RegisteredClaims
}

// Identity is what a verified claim proves.
type Identity struct {
	RootKey     keyring.PublicKey
	TellKey     keyring.PublicKey
	EnvelopeKey keyring.PublicKey
	ID          string
}

// Issue signs a claim for audience (the home server key) with the root
// signing secret in NaCl form.
func Issue(rootSecret [64]byte, id Identity, audience keyring.PublicKey, now time.Time, ttl time.Duration) (string, error) {
	if id.ID == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		id.ID = u.String()
	}
	priv := ed25519.PrivateKey(rootSecret[:])
	claims := Claims{
		TellKey:     id.TellKey,
		EnvelopeKey: id.EnvelopeKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.ID,
			Subject:   keyring.PublicKey(priv.Public().(ed25519.PublicKey)).String(),
			Audience:  jwt.ClaimStrings{audience.String()},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
}

// Verify checks token against the root key named in its subject and returns
// the identity it proves.
func Verify(token string, audience keyring.PublicKey, now func() time.Time) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		root, err := keyring.ParsePublicKey(claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("subject: %w", err)
		}
		return ed25519.PublicKey(root[:]), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(audience.String()),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(now),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	root, err := keyring.ParsePublicKey(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Identity{RootKey: root, TellKey: claims.TellKey, EnvelopeKey: claims.EnvelopeKey, ID: claims.ID}, nil
}

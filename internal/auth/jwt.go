package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"time"

	"avm.io/avm-wallet/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer exchanges verified challenges for EdDSA JWTs bound to one chain.
type Issuer struct {
	name     string
	audience string
	key      ed25519.PrivateKey
	now      func() time.Time
}

// NewIssuer derives the signing key from a 32 byte seed; an empty seed draws a random key,
// which invalidates issued tokens on restart.
func NewIssuer(name, audience string, seed []byte) (*Issuer, error) {
	if len(seed) == 0 {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, errors.Wrap(err, "jwt seed")
		}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("jwt seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Issuer{
		name:     name,
		audience: audience,
		key:      ed25519.NewKeyFromSeed(seed),
		now:      time.Now,
	}, nil
}

// PublicKey verifies tokens issued by i.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Issue verifies signed and returns a JWT that expires with the challenge.
func (i *Issuer) Issue(signed []byte, expected string) (string, error) {
	now := i.now()
	claims, err := Verify(signed, expected, now)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   claims.Address,
		Issuer:    i.name,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		ID:        claims.TxID,
	})
	s, err := token.SignedString(i.key)
	if err != nil {
		return "", errors.Wrap(err, "sign jwt")
	}
	return s, nil
}

// Parse validates a JWT issued for expected.
func (i *Issuer) Parse(token, expected string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &rc, func(*jwt.Token) (interface{}, error) {
		return i.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.name),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, invalid("jwt: %v", err)
	}
	if rc.Subject != expected {
		return nil, invalid("jwt subject %s differs from %s", rc.Subject, expected)
	}
	return &Claims{Address: rc.Subject, ExpiresAt: rc.ExpiresAt.Time, TxID: rc.ID}, nil
}

// VerifyAny accepts either token form, trying the JWT first.
func (i *Issuer) VerifyAny(token, expected string) (*Claims, error) {
	if claims, err := i.Parse(token, expected); err == nil {
		return claims, nil
	}
	return VerifyToken(token, expected, i.now())
}

// Exchange turns a legacy token into a JWT.
func (i *Issuer) Exchange(token, expected string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", invalid("token is not base64")
	}
	return i.Issue(raw, expected)
}

package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"time"

	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
)

const (
	clientSeedKey = "wc@2:core:keychain:client-ed25519"
	didKeyPrefix  = "did:key:"
	// multicodec ed25519-pub, varint encoded
	ed25519Multicodec = "\xed\x01"
	authTTL           = 24 * time.Hour
)

// clientKey loads the relay identity from store, creating and persisting one when absent.
func clientKey(ctx context.Context, store storage.Store) (ed25519.PrivateKey, error) {
	seedHex, err := storage.GetOrEmpty(ctx, store, clientSeedKey)
	if err != nil {
		return nil, err
	}
	if seed, err := hex.DecodeString(seedHex); err == nil && len(seed) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(seed), nil
	}
	seed, err := randomBytes(ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	if err := store.Set(ctx, clientSeedKey, hex.EncodeToString(seed), 0); err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// encodeDIDKey renders an ed25519 public key as a did:key identifier.
func encodeDIDKey(pub ed25519.PublicKey) string {
	return didKeyPrefix + "z" + base58.Encode(append([]byte(ed25519Multicodec), pub...))
}

func decodeDIDKey(did string) (ed25519.PublicKey, error) {
	if len(did) < len(didKeyPrefix)+2 || did[:len(didKeyPrefix)+1] != didKeyPrefix+"z" {
		return nil, errors.Errorf("not a base58 did:key: %q", did)
	}
	raw, err := base58.Decode(did[len(didKeyPrefix)+1:])
	if err != nil {
		return nil, errors.Wrap(err, "decode did:key")
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize || string(raw[:2]) != ed25519Multicodec {
		return nil, errors.New("did:key is not an ed25519 key")
	}
	return ed25519.PublicKey(raw[2:]), nil
}

// signAuthJWT issues the token the relay expects in the auth query parameter.
func signAuthJWT(key ed25519.PrivateKey, audience string, now time.Time) (string, error) {
	sub, err := randomBytes(32)
	if err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Issuer:    encodeDIDKey(key.Public().(ed25519.PublicKey)),
		Subject:   hex.EncodeToString(sub),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(authTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", errors.Wrap(err, "sign relay auth jwt")
	}
	return token, nil
}

package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"avm.io/avm-wallet/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeType0 byte = 0
	envelopeType1 byte = 1
	keyLength          = 32
)

type keyPair struct {
	private []byte
	public  []byte
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.WrapAndReport(err, "read random bytes")
	}
	return b, nil
}

func generateKeyPair() (*keyPair, error) {
	priv, err := randomBytes(keyLength)
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive x25519 public key")
	}
	return &keyPair{private: priv, public: pub}, nil
}

// deriveSymKey runs X25519 against the peer key and expands the shared secret with HKDF-SHA256.
func deriveSymKey(private, peerPublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, errors.Wrap(err, "x25519 key agreement")
	}
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, errors.Wrap(err, "hkdf expand")
	}
	return key, nil
}

// topicFromKey is the session topic for a symmetric key.
func topicFromKey(symKey []byte) string {
	sum := sha256.Sum256(symKey)
	return hex.EncodeToString(sum[:])
}

// seal builds a type 0 envelope: type || iv || ciphertext, base64 encoded.
func seal(symKey, plain []byte) (string, error) {
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", errors.Wrap(err, "init chacha20poly1305")
	}
	iv, err := randomBytes(aead.NonceSize())
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, 1+len(iv)+len(plain)+aead.Overhead())
	out = append(out, envelopeType0)
	out = append(out, iv...)
	out = aead.Seal(out, iv, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(symKey []byte, envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if len(raw) == 0 {
		return nil, errors.New("empty envelope")
	}
	switch raw[0] {
	case envelopeType0:
		raw = raw[1:]
	case envelopeType1:
		return nil, errors.New("type 1 envelopes are not supported")
	default:
		return nil, errors.Errorf("unknown envelope type %d", raw[0])
	}
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, errors.Wrap(err, "init chacha20poly1305")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("envelope too short")
	}
	iv, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open envelope")
	}
	return plain, nil
}

package auth

import (
	"context"
	"time"

	"avm.io/avm-wallet/pkg/log"
)

// Signer produces a legacy token for an address, usually a wallet adapter.
type Signer interface {
	Authenticate(ctx context.Context, address string) (string, error)
}

// TokenStore records verified tokens against the connected account.
type TokenStore interface {
	SetAuthenticated(ctx context.Context, walletID, address, token string) error
}

// Verifier accepts legacy tokens, and JWTs when an issuer is configured.
type Verifier struct {
	issuer *Issuer
	now    func() time.Time
}

func NewVerifier(issuer *Issuer) *Verifier {
	return &Verifier{issuer: issuer, now: time.Now}
}

// Valid reports whether token still proves control of address.
func (v *Verifier) Valid(token, address string) bool {
	if v.issuer != nil {
		_, err := v.issuer.VerifyAny(token, address)
		return err == nil
	}
	_, err := VerifyToken(token, address, v.now())
	return err == nil
}

// Authenticator runs the whole round trip: sign, verify, persist.
type Authenticator struct {
	*Verifier
	store TokenStore
}

// NewAuthenticator creates an Authenticator. A nil issuer keeps legacy tokens.
func NewAuthenticator(store TokenStore, issuer *Issuer) *Authenticator {
	return &Authenticator{Verifier: NewVerifier(issuer), store: store}
}

// Authenticate asks signer for a signed challenge and marks the account authenticated once it verifies.
func (a *Authenticator) Authenticate(ctx context.Context, walletID string, signer Signer, address string) (string, error) {
	token, err := signer.Authenticate(ctx, address)
	if err != nil {
		return "", err
	}
	if _, err := VerifyToken(token, address, a.now()); err != nil {
		log.WithFields(log.Fields{"wallet": walletID, "address": address}).Warnf("challenge rejected: %v", err)
		return "", err
	}
	if a.issuer != nil {
		if token, err = a.issuer.Exchange(token, address); err != nil {
			return "", err
		}
	}
	if err := a.store.SetAuthenticated(ctx, walletID, address, token); err != nil {
		return "", err
	}
	return token, nil
}

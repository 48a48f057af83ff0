package auth

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"avm.io/avm-wallet/internal/txn"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// InvalidAuthError is returned for every failed check; there is no partial acceptance.
type InvalidAuthError struct {
	Reason string
}

func (e *InvalidAuthError) Error() string {
	return fmt.Sprintf("invalid auth: %s", e.Reason)
}

func invalid(format string, args ...interface{}) error {
	return &InvalidAuthError{Reason: fmt.Sprintf(format, args...)}
}

// Claims are what a verified challenge proves.
type Claims struct {
	Address   string
	ExpiresAt time.Time
	TxID      string
}

// Verify checks a signed challenge against expected at time now.
func Verify(signed []byte, expected string, now time.Time) (*Claims, error) {
	stx, err := txn.DecodeSigned(signed)
	if err != nil {
		return nil, invalid("malformed envelope")
	}
	want, err := types.DecodeAddress(expected)
	if err != nil {
		return nil, invalid("expected address is malformed")
	}

	tx := stx.Txn
	switch {
	case tx.Type != types.PaymentTx:
		return nil, invalid("type %q is not a payment", tx.Type)
	case tx.Sender != want:
		return nil, invalid("sender %s differs from %s", tx.Sender, expected)
	case tx.Receiver != tx.Sender:
		return nil, invalid("receiver differs from sender")
	case tx.Amount != 0:
		return nil, invalid("amount %d is not zero", tx.Amount)
	case tx.Fee != 0:
		return nil, invalid("fee %d is not zero", tx.Fee)
	case tx.FirstValid != ValidRound || tx.LastValid != ValidRound:
		return nil, invalid("validity window %d-%d", tx.FirstValid, tx.LastValid)
	case !tx.CloseRemainderTo.IsZero():
		return nil, invalid("close remainder set")
	case !tx.RekeyTo.IsZero():
		return nil, invalid("rekey set")
	case !stx.AuthAddr.IsZero():
		return nil, invalid("signed by an authorized address")
	}

	tag, expiry, err := parseNote(tx.Note)
	if err != nil {
		return nil, invalid("note: %v", err)
	}
	if tag != AppTag {
		return nil, invalid("note tag %q", tag)
	}
	if !expiry.After(now) {
		return nil, invalid("expired at %s", expiry.UTC().Format(time.RFC3339))
	}
	if expiry.After(now.Add(TokenLifetime + expirySlack)) {
		return nil, invalid("expiry too far in the future")
	}

	var zero types.Signature
	if bytes.Equal(stx.Sig[:], zero[:]) {
		return nil, invalid("missing signature")
	}
	if !ed25519.Verify(ed25519.PublicKey(want[:]), txn.BytesToSign(tx), stx.Sig[:]) {
		return nil, invalid("signature does not verify")
	}
	return &Claims{Address: expected, ExpiresAt: expiry, TxID: txn.ID(tx)}, nil
}

// VerifyToken checks a legacy token, the base64 form of a signed challenge.
func VerifyToken(token, expected string, now time.Time) (*Claims, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, invalid("token is not base64")
	}
	return Verify(raw, expected, now)
}

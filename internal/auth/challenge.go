// Package auth builds and verifies the self-payment challenge that proves control of an address.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

const (
	// AppTag prefixes the challenge note.
	AppTag = "avm-wallet-auth"
	// ValidRound is used for both first and last valid round so the challenge can never be
	// confirmed on a live chain.
	ValidRound = 10
	// TokenLifetime is how long a signed challenge stays valid.
	TokenLifetime = 90 * 24 * time.Hour
	// expirySlack tolerates clock skew between signer and verifier.
	expirySlack = 30 * time.Minute
)

// NewChallenge returns the unsigned challenge for address, expiring TokenLifetime after now.
func NewChallenge(ctx context.Context, node network.Node, address string, now time.Time) (types.Transaction, error) {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return types.Transaction{}, errors.Wrapf(err, "challenge address %q", address)
	}
	params, err := node.SuggestedParams(ctx)
	if err != nil {
		return types.Transaction{}, errors.Wrap(err, "challenge params")
	}
	var genesisHash types.Digest
	copy(genesisHash[:], params.GenesisHash)

	expiry := now.Add(TokenLifetime)
	return types.Transaction{
		Type: types.PaymentTx,
		Header: types.Header{
			Sender:      addr,
			Fee:         0,
			FirstValid:  ValidRound,
			LastValid:   ValidRound,
			Note:        []byte(formatNote(AppTag, expiry)),
			GenesisID:   params.GenesisID,
			GenesisHash: genesisHash,
		},
		PaymentTxnFields: types.PaymentTxnFields{
			Receiver: addr,
			Amount:   0,
		},
	}, nil
}

func formatNote(tag string, expiry time.Time) string {
	return fmt.Sprintf("%s %d", tag, expiry.UnixMilli())
}

func parseNote(note []byte) (tag string, expiry time.Time, err error) {
	parts := strings.Split(string(note), " ")
	if len(parts) != 2 {
		return "", time.Time{}, errors.Errorf("note has %d fields", len(parts))
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "note expiry")
	}
	return parts[0], time.UnixMilli(ms), nil
}

// Package txn encodes transactions for wallets and recombines what the wallets sign.
package txn

import (
	"fmt"

	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var txidPrefix = []byte("TX")

// DecodeError means a byte string is not a signed transaction envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode signed transaction: empty input"
	}
	return fmt.Sprintf("decode signed transaction: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeUnsigned returns the canonical msgpack form handed to wallets.
func EncodeUnsigned(tx types.Transaction) []byte {
	return msgpack.Encode(tx)
}

// DecodeUnsigned is the inverse of EncodeUnsigned.
func DecodeUnsigned(b []byte) (types.Transaction, error) {
	var tx types.Transaction
	if len(b) == 0 {
		return tx, &DecodeError{}
	}
	if err := msgpack.Decode(b, &tx); err != nil {
		return tx, &DecodeError{Err: err}
	}
	return tx, nil
}

// DecodeSigned parses a signed transaction envelope.
func DecodeSigned(b []byte) (types.SignedTxn, error) {
	var stx types.SignedTxn
	if len(b) == 0 {
		return stx, &DecodeError{}
	}
	if err := msgpack.Decode(b, &stx); err != nil {
		return stx, &DecodeError{Err: err}
	}
	if stx.Txn.Type == "" {
		return stx, &DecodeError{Err: errors.New("envelope carries no transaction")}
	}
	return stx, nil
}

// ID returns the canonical transaction identifier.
func ID(tx types.Transaction) string {
	return crypto.GetTxID(tx)
}

// BytesToSign returns "TX" || msgpack(tx), the byte form covered by the signature.
func BytesToSign(tx types.Transaction) []byte {
	encoded := msgpack.Encode(tx)
	out := make([]byte, 0, len(txidPrefix)+len(encoded))
	out = append(out, txidPrefix...)
	return append(out, encoded...)
}

// Flatten joins groups in order.
func Flatten(groups [][]types.Transaction) []types.Transaction {
	var n int
	for _, g := range groups {
		n += len(g)
	}
	flat := make([]types.Transaction, 0, n)
	for _, g := range groups {
		flat = append(flat, g...)
	}
	return flat
}

// Concat joins signed envelopes into the raw form accepted for group submission.
func Concat(signed [][]byte) []byte {
	var n int
	for _, s := range signed {
		n += len(s)
	}
	out := make([]byte, 0, n)
	for _, s := range signed {
		out = append(out, s...)
	}
	return out
}

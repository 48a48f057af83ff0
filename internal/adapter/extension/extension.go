package extension

import (
	"context"
	"encoding/base64"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/txn"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

type Options struct {
	// Messenger defaults to window.postMessage in js/wasm builds and is absent elsewhere.
	Messenger Messenger
}

// base holds what Kibisis and Lute share: the messenger and the environment checks.
type base struct {
	*adapter.Base
	messenger Messenger
}

func newBase(info adapter.Info, opts Options) base {
	if opts.Messenger == nil {
		opts.Messenger = defaultMessenger()
	}
	return base{Base: adapter.NewBase(info), messenger: opts.Messenger}
}

func (b *base) Initialize(_ context.Context, cfg network.Config) error {
	b.Init(cfg)
	return nil
}

// ready returns the config and fails outside a browser.
func (b *base) ready(op string) (network.Config, error) {
	cfg, err := b.RequireConfig(op)
	if err != nil {
		return cfg, err
	}
	if b.messenger == nil {
		return cfg, adapter.NewError(adapter.KindEnvironment, b.ID(), op, errors.Errorf("%s is only available in browser environments", b.Name()))
	}
	return cfg, nil
}

// Reconnect always reports nothing to restore: extensions keep no session across page loads.
func (b *base) Reconnect(ctx context.Context) ([]adapter.Account, error) {
	if _, err := b.RequireConfig("reconnect"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (b *base) Destroy(context.Context) error {
	b.MarkDestroyed()
	return nil
}

type txnEntry struct {
	Txn     string    `json:"txn"`
	Signers *[]string `json:"signers,omitempty"`
}

// encodeTxns flattens groups into ARC-0001 entries; unselected positions get an empty signer list.
func encodeTxns(groups [][]types.Transaction, opts *adapter.SigningOptions) []txnEntry {
	flat := txn.Flatten(groups)
	entries := make([]txnEntry, len(flat))
	for i, tx := range flat {
		entries[i] = txnEntry{Txn: base64.StdEncoding.EncodeToString(txn.EncodeUnsigned(tx))}
		if !opts.ShouldSign(i) {
			entries[i].Signers = &[]string{}
		}
	}
	return entries
}

// decodeSigned turns positional base64 results into bytes; null or empty slots stay empty.
func decodeSigned(results []*string, n int) ([][]byte, error) {
	out := make([][]byte, n)
	for i, r := range results {
		if i >= n {
			break
		}
		if r == nil || *r == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(*r)
		if err != nil {
			return nil, errors.Wrapf(err, "decode signed transaction %d", i)
		}
		out[i] = b
	}
	return out, nil
}

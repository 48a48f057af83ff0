package extension

import (
	"context"
	"encoding/json"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

const (
	luteSiteName = "avm-wallet"

	luteConnect = "lute:connect"
	luteSign    = "lute:sign"
)

var _ adapter.Adapter = (*Lute)(nil)

// Lute talks to the Lute extension, which identifies networks by genesis id.
type Lute struct {
	base
}

func NewLute(opts Options) *Lute {
	return &Lute{base: newBase(adapter.Info{
		ID:           adapter.Lute,
		Name:         "Lute Wallet",
		Icon:         "icons/lute_icon.png",
		SupportsAuth: true,
	}, opts)}
}

func (l *Lute) Connect(ctx context.Context) ([]adapter.Account, error) {
	cfg, err := l.ready("connect")
	if err != nil {
		return nil, err
	}
	raw, err := call(ctx, l.messenger, luteConnect, map[string]string{
		"genesisID": cfg.GenesisID,
		"siteName":  luteSiteName,
	}, "Failed to connect Lute wallet")
	if err != nil {
		l.ClearConnected()
		return nil, err
	}
	var addresses []string
	if err := json.Unmarshal(raw, &addresses); err != nil {
		l.ClearConnected()
		return nil, errors.Wrap(err, "unmarshal connect result")
	}
	l.SetConnected(adapter.AccountsFromAddresses(addresses))
	return l.Accounts(), nil
}

// Disconnect only clears local state; Lute keeps no session to end.
func (l *Lute) Disconnect(context.Context) error {
	l.ClearConnected()
	return nil
}

func (l *Lute) SignTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) ([][]byte, error) {
	if _, err := l.ready("signTransactions"); err != nil {
		return nil, err
	}
	entries := encodeTxns(groups, opts)
	raw, err := call(ctx, l.messenger, luteSign, map[string]interface{}{"txns": entries}, "Failed to sign transactions with Lute")
	if err != nil {
		return nil, err
	}
	var results []*string
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, errors.Wrap(err, "unmarshal sign result")
	}
	return decodeSigned(results, len(entries))
}

func (l *Lute) SignAndSendTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) (*adapter.SignAndSendResult, error) {
	return l.SignAndSend(ctx, l.SignTransactions, groups, opts)
}

func (l *Lute) Authenticate(ctx context.Context, address string) (string, error) {
	return l.Base.Authenticate(ctx, l.SignTransactions, address)
}

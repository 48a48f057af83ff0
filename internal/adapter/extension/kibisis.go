package extension

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// ARC-0027 message references.
const (
	kibisisProviderID = "f6d1c86b-4493-42fb-b88d-a62407b4cdf6"

	arc27Enable           = "arc0027:enable:request"
	arc27Disable          = "arc0027:disable:request"
	arc27SignTransactions = "arc0027:sign_transactions:request"
)

var _ adapter.Adapter = (*Kibisis)(nil)

// Kibisis talks to the Kibisis extension over ARC-0027.
type Kibisis struct {
	base
}

func NewKibisis(opts Options) *Kibisis {
	return &Kibisis{base: newBase(adapter.Info{
		ID:           adapter.Kibisis,
		Name:         "Kibisis",
		Icon:         "icons/kibisis_icon.svg",
		SupportsAuth: true,
	}, opts)}
}

type arc27Params struct {
	ProviderID  string     `json:"providerId"`
	GenesisHash string     `json:"genesisHash,omitempty"`
	Txns        []txnEntry `json:"txns,omitempty"`
}

type arc27Account struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (k *Kibisis) params(genesisHash []byte) arc27Params {
	return arc27Params{ProviderID: kibisisProviderID, GenesisHash: base64.StdEncoding.EncodeToString(genesisHash)}
}

func (k *Kibisis) Connect(ctx context.Context) ([]adapter.Account, error) {
	cfg, err := k.ready("connect")
	if err != nil {
		return nil, err
	}
	raw, err := call(ctx, k.messenger, arc27Enable, k.params(cfg.GenesisHash), "Failed to connect Kibisis wallet")
	if err != nil {
		k.ClearConnected()
		return nil, err
	}
	var result struct {
		Accounts []arc27Account `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		k.ClearConnected()
		return nil, errors.Wrap(err, "unmarshal enable result")
	}
	accounts := make([]adapter.Account, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		accounts = append(accounts, adapter.Account{Address: a.Address, Name: a.Name})
	}
	k.SetConnected(accounts)
	return k.Accounts(), nil
}

func (k *Kibisis) Disconnect(ctx context.Context) error {
	cfg, err := k.ready("disconnect")
	if err != nil {
		k.ClearConnected()
		return nil
	}
	if _, err := call(ctx, k.messenger, arc27Disable, k.params(cfg.GenesisHash), "Failed to disconnect Kibisis wallet"); err != nil {
		k.Log().Warnf("disable: %v", err)
	}
	k.ClearConnected()
	return nil
}

func (k *Kibisis) SignTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) ([][]byte, error) {
	if _, err := k.ready("signTransactions"); err != nil {
		return nil, err
	}
	entries := encodeTxns(groups, opts)
	raw, err := call(ctx, k.messenger, arc27SignTransactions, arc27Params{ProviderID: kibisisProviderID, Txns: entries},
		"Failed to sign transactions with Kibisis")
	if err != nil {
		return nil, err
	}
	var result struct {
		Stxns []*string `json:"stxns"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal sign result")
	}
	return decodeSigned(result.Stxns, len(entries))
}

func (k *Kibisis) SignAndSendTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) (*adapter.SignAndSendResult, error) {
	return k.SignAndSend(ctx, k.SignTransactions, groups, opts)
}

func (k *Kibisis) Authenticate(ctx context.Context, address string) (string, error) {
	return k.Base.Authenticate(ctx, k.SignTransactions, address)
}

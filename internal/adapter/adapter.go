// Package adapter defines the contract every wallet integration satisfies and the
// behaviour they share.
package adapter

import (
	"context"

	"avm.io/avm-wallet/internal/network"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// ID names a supported wallet. The set is closed.
type ID string

const (
	Pera          ID = "pera"
	Defly         ID = "defly"
	Kibisis       ID = "kibisis"
	Lute          ID = "lute"
	WalletConnect ID = "walletconnect"
	Biatec        ID = "biatec"
	VoiWallet     ID = "voiwallet"
	Watch         ID = "watch"
)

// IDs lists every wallet in display order.
var IDs = []ID{Pera, Defly, Kibisis, Lute, WalletConnect, Biatec, VoiWallet, Watch}

// IsWalletConnect reports whether id is served by the generic WalletConnect adapter.
func (id ID) IsWalletConnect() bool {
	return id == WalletConnect || id == Biatec || id == VoiWallet
}

// Valid reports whether id is one of IDs.
func (id ID) Valid() bool {
	for _, known := range IDs {
		if id == known {
			return true
		}
	}
	return false
}

// Account is an address exposed by a wallet.
type Account struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Info is the static identity of an adapter.
type Info struct {
	ID           ID     `json:"id"`
	Name         string `json:"name"`
	Icon         string `json:"icon"`
	SupportsAuth bool   `json:"supportsAuth"`
	IsWatchOnly  bool   `json:"isWatchOnly"`
}

// SigningOptions narrow a signing request.
type SigningOptions struct {
	// IndexesToSign selects positions of the flattened input; empty means all.
	IndexesToSign []int
	// Message is shown by wallets that support it.
	Message string
}

// ShouldSign reports whether the flattened position i is requested.
func (o *SigningOptions) ShouldSign(i int) bool {
	if o == nil || len(o.IndexesToSign) == 0 {
		return true
	}
	for _, idx := range o.IndexesToSign {
		if idx == i {
			return true
		}
	}
	return false
}

// SignAndSendResult reports what was broadcast.
type SignAndSendResult struct {
	TxIDs          []string
	ConfirmedRound uint64
}

// Adapter is the uniform wallet contract.
//
// Reconnect returns a nil slice and nil error when there is nothing to restore.
// Disconnect never fails because of the remote side; local state is always cleared.
// SignTransactions returns one entry per flattened input, empty for slots left unsigned,
// in an order that need not match the input.
type Adapter interface {
	Info() Info
	ID() ID
	Name() string
	Icon() string
	SupportsAuth() bool
	IsWatchOnly() bool

	Initialize(ctx context.Context, cfg network.Config) error
	Connect(ctx context.Context) ([]Account, error)
	Reconnect(ctx context.Context) ([]Account, error)
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Accounts() []Account

	SignTransactions(ctx context.Context, groups [][]types.Transaction, opts *SigningOptions) ([][]byte, error)
	SignAndSendTransactions(ctx context.Context, groups [][]types.Transaction, opts *SigningOptions) (*SignAndSendResult, error)
	Authenticate(ctx context.Context, address string) (string, error)
	Destroy(ctx context.Context) error
}

// SignFunc is a variant's SignTransactions, handed to the shared helpers of Base.
type SignFunc func(ctx context.Context, groups [][]types.Transaction, opts *SigningOptions) ([][]byte, error)

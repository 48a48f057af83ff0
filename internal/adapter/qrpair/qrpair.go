// Package qrpair implements the wallets that pair by QR code over the WalletConnect v1 bridge:
// Pera and Defly. The two differ only in branding, bridge and storage namespace.
package qrpair

import (
	"context"
	"encoding/base64"
	"sync"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/txn"
	"avm.io/avm-wallet/internal/walletconnect"
	"avm.io/avm-wallet/internal/wcbridge"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Client is the bridge session the adapter drives. *wcbridge.Client implements it.
type Client interface {
	ReconnectSession(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, display wcbridge.DisplayFn) ([]string, error)
	SignTransactions(ctx context.Context, txns []wcbridge.TxnToSign, message string) ([][]byte, error)
	Disconnect(ctx context.Context) error
	Close()
}

type Brand struct {
	ID         adapter.ID
	Name       string
	Icon       string
	BridgeURL  string
	StorageKey string
}

var (
	PeraBrand = Brand{
		ID:         adapter.Pera,
		Name:       "Pera Wallet",
		Icon:       "icons/perawallet-icon.png",
		BridgeURL:  "https://wallet-connect-%v.perawallet.app",
		StorageKey: "PeraWallet.Wallet",
	}
	DeflyBrand = Brand{
		ID:         adapter.Defly,
		Name:       "Defly Wallet",
		Icon:       "icons/defly_icon.svg",
		BridgeURL:  "https://wallet-connect-%v.defly.app",
		StorageKey: "DeflyWallet.Wallet",
	}
)

type Options struct {
	Store  storage.Store
	Events *walletconnect.Events
	Scope  string
	Meta   wcbridge.Meta
	// BridgeURL overrides the brand's bridge.
	BridgeURL string
	// NewClient builds the bridge client; defaults to wcbridge.New.
	NewClient func(wcbridge.Options) Client
}

var _ adapter.Adapter = (*Adapter)(nil)

type Adapter struct {
	*adapter.Base
	brand Brand
	opts  Options

	mu     sync.Mutex
	client Client
}

func NewPera(opts Options) *Adapter  { return New(PeraBrand, opts) }
func NewDefly(opts Options) *Adapter { return New(DeflyBrand, opts) }

func New(brand Brand, opts Options) *Adapter {
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	if opts.Events == nil {
		opts.Events = walletconnect.NewEvents()
	}
	if opts.Scope == "" {
		opts.Scope = walletconnect.DefaultScope
	}
	if opts.BridgeURL == "" {
		opts.BridgeURL = brand.BridgeURL
	}
	if opts.NewClient == nil {
		opts.NewClient = func(o wcbridge.Options) Client { return wcbridge.New(o) }
	}
	return &Adapter{
		Base:  adapter.NewBase(adapter.Info{ID: brand.ID, Name: brand.Name, Icon: brand.Icon, SupportsAuth: true}),
		brand: brand,
		opts:  opts,
	}
}

// StorageKey is where the bridge session of this brand and scope is persisted.
func (a *Adapter) StorageKey() string {
	if a.opts.Scope == walletconnect.DefaultScope {
		return a.brand.StorageKey
	}
	return a.brand.StorageKey + "." + a.opts.Scope
}

func (a *Adapter) Initialize(_ context.Context, cfg network.Config) error {
	a.Init(cfg)
	client := a.opts.NewClient(wcbridge.Options{
		BridgeURL:  a.opts.BridgeURL,
		Meta:       a.opts.Meta,
		Store:      a.opts.Store,
		StorageKey: a.StorageKey(),
		ChainID:    wcbridge.AlgorandChainID,
	})
	a.mu.Lock()
	old := a.client
	a.client = client
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (a *Adapter) currentClient(op string) (Client, error) {
	if _, err := a.RequireConfig(op); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, adapter.NewError(adapter.KindNotInitialized, a.ID(), op, nil)
	}
	return a.client, nil
}

// Connect restores a persisted session silently and falls back to a QR pairing.
func (a *Adapter) Connect(ctx context.Context) ([]adapter.Account, error) {
	client, err := a.currentClient("connect")
	if err != nil {
		return nil, err
	}
	addresses, err := client.ReconnectSession(ctx)
	if err != nil {
		a.ClearConnected()
		return nil, err
	}
	if len(addresses) == 0 {
		addresses, err = a.pair(ctx, client)
		if err != nil {
			a.ClearConnected()
			return nil, err
		}
	}
	a.SetConnected(adapter.AccountsFromAddresses(addresses))
	return a.Accounts(), nil
}

func (a *Adapter) pair(ctx context.Context, client Client) ([]string, error) {
	defer a.opts.Events.EmitModal(a.opts.Scope, walletconnect.ModalEvent{Type: walletconnect.ModalHide})
	return client.Connect(ctx, func(uri string, qr []byte) {
		a.opts.Events.EmitModal(a.opts.Scope, walletconnect.ModalEvent{
			Type:       walletconnect.ModalShow,
			URI:        uri,
			WalletName: a.Name(),
			QRCode:     qr,
		})
	})
}

// Reconnect only restores a persisted session. Restore failures are logged and reported as
// nothing to restore.
func (a *Adapter) Reconnect(ctx context.Context) ([]adapter.Account, error) {
	client, err := a.currentClient("reconnect")
	if err != nil {
		return nil, err
	}
	addresses, err := client.ReconnectSession(ctx)
	if err != nil {
		a.Log().Warnf("restore bridge session: %v", err)
		return nil, nil
	}
	if len(addresses) == 0 {
		return nil, nil
	}
	a.SetConnected(adapter.AccountsFromAddresses(addresses))
	return a.Accounts(), nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			a.Log().Warnf("disconnect bridge session: %v", err)
		}
	}
	a.ClearConnected()
	return nil
}

// SignTransactions sends every transaction in one algo_signTxn request. Positions not selected
// by opts are sent with an empty signer list.
func (a *Adapter) SignTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) ([][]byte, error) {
	client, err := a.currentClient("signTransactions")
	if err != nil {
		return nil, err
	}
	flat := txn.Flatten(groups)
	request := make([]wcbridge.TxnToSign, len(flat))
	for i, tx := range flat {
		request[i] = wcbridge.TxnToSign{Txn: base64.StdEncoding.EncodeToString(txn.EncodeUnsigned(tx))}
		if !opts.ShouldSign(i) {
			request[i].Signers = &[]string{}
		}
	}
	var message string
	if opts != nil {
		message = opts.Message
	}
	return client.SignTransactions(ctx, request, message)
}

func (a *Adapter) SignAndSendTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) (*adapter.SignAndSendResult, error) {
	return a.SignAndSend(ctx, a.SignTransactions, groups, opts)
}

func (a *Adapter) Authenticate(ctx context.Context, address string) (string, error) {
	return a.Base.Authenticate(ctx, a.SignTransactions, address)
}

// Destroy drops the bridge connection; the persisted session survives for a later restore.
func (a *Adapter) Destroy(context.Context) error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()
	if client != nil {
		client.Close()
	}
	a.MarkDestroyed()
	return nil
}

// Events returns the registry modal events are emitted to.
func (a *Adapter) Events() *walletconnect.Events {
	return a.opts.Events
}

// Package walletconnect manages WalletConnect sessions on top of a shared provider and
// exposes them through the generic WalletConnect wallet adapter.
package walletconnect

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/chains"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/txn"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/skip2/go-qrcode"
	"github.com/tidwall/gjson"
)

const (
	DefaultScope          = "default"
	DefaultPairingTimeout = 5 * time.Minute
)

// Variant is the display identity of a WalletConnect sub-brand. Protocol behaviour is identical.
type Variant struct {
	Name string
	Icon string
}

var Variants = map[adapter.ID]Variant{
	adapter.WalletConnect: {Name: "WalletConnect", Icon: "icons/walletconnect-logo-black.svg"},
	adapter.Biatec:        {Name: "Biatec Wallet", Icon: "icons/biatec_icon.svg"},
	adapter.VoiWallet:     {Name: "Voi Wallet", Icon: "icons/voi_wallet_icon.svg"},
}

type Options struct {
	// Scope isolates persisted ownership between independently configured chains.
	Scope          string
	Project        ProjectConfig
	Providers      *Providers
	Store          storage.Store
	Events         *Events
	PairingTimeout time.Duration
}

type subscription struct {
	event string
	id    ListenerID
}

// Adapter is the generic WalletConnect wallet.
type Adapter struct {
	*adapter.Base
	opts Options

	// opMu serialises connect, reconnect and disconnect.
	opMu sync.Mutex

	mu       sync.Mutex
	provider Provider
	session  *Session
	chainID  string
	subs     []subscription
}

// NewAdapter builds the adapter for one of the WalletConnect sub-brands.
func NewAdapter(id adapter.ID, opts Options) (*Adapter, error) {
	v, ok := Variants[id]
	if !ok {
		return nil, errors.Errorf("%s is not a walletconnect wallet", id)
	}
	if opts.Providers == nil || opts.Store == nil {
		return nil, errors.New("walletconnect adapter needs providers and a store")
	}
	if opts.Scope == "" {
		opts.Scope = DefaultScope
	}
	if opts.Events == nil {
		opts.Events = NewEvents()
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	return &Adapter{
		Base: adapter.NewBase(adapter.Info{ID: id, Name: v.Name, Icon: v.Icon, SupportsAuth: true}),
		opts: opts,
	}, nil
}

func (a *Adapter) Scope() string {
	return a.opts.Scope
}

// Events returns the registry this adapter emits to.
func (a *Adapter) Events() *Events {
	return a.opts.Events
}

// OwnerKey is the storage key recording which session topic this scope and wallet own.
func OwnerKey(scope string, id adapter.ID) string {
	return fmt.Sprintf("wc-session-owner-%s-%s", scope, id)
}

// ChainKey is the storage key recording the chain id the owned session was settled on.
func ChainKey(scope string, id adapter.ID) string {
	return fmt.Sprintf("wc-chain-id-%s-%s", scope, id)
}

func (a *Adapter) ownerKey() string { return OwnerKey(a.opts.Scope, a.ID()) }
func (a *Adapter) chainKey() string { return ChainKey(a.opts.Scope, a.ID()) }

// ChainID is the chain signing requests are sent for.
func (a *Adapter) ChainID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chainID
}

// Topic is the topic of the session this adapter holds, or "".
func (a *Adapter) Topic() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.Topic
}

func (a *Adapter) Initialize(ctx context.Context, cfg network.Config) error {
	a.Init(cfg)
	prov, err := a.opts.Providers.Acquire(ctx, a.opts.Project)
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.provider
	a.unsubscribeLocked()
	a.provider = prov
	a.chainID = cfg.ChainID
	a.session = nil
	a.subs = append(a.subs,
		subscription{EventSessionDelete, prov.On(EventSessionDelete, a.sessionEnded(SessionDeleted))},
		subscription{EventSessionExpire, prov.On(EventSessionExpire, a.sessionEnded(SessionExpired))},
	)
	a.mu.Unlock()

	if old != nil {
		a.opts.Providers.Release(old)
	}
	return nil
}

func (a *Adapter) currentProvider(op string) (Provider, error) {
	if _, err := a.RequireConfig(op); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.provider == nil {
		return nil, adapter.NewError(adapter.KindNotInitialized, a.ID(), op, nil)
	}
	return a.provider, nil
}

// Connect reuses a session this scope owns, otherwise runs an interactive pairing.
// A provider session owned by another scope is left alone.
func (a *Adapter) Connect(ctx context.Context) ([]adapter.Account, error) {
	prov, err := a.currentProvider("connect")
	if err != nil {
		return nil, err
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.IsConnected() && a.ValidateSession(ctx) {
		return a.Accounts(), nil
	}
	accounts, err := a.tryRestoreSession(ctx, prov)
	if err != nil {
		return nil, err
	}
	if accounts != nil {
		return accounts, nil
	}
	if ps := prov.Session(); ps != nil {
		a.Log().Infof("provider session %s belongs to another scope, starting a new pairing", ps.Topic)
	}
	return a.pair(ctx, prov)
}

func (a *Adapter) pair(ctx context.Context, prov Provider) ([]adapter.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.PairingTimeout)
	defer cancel()

	chainID := a.ChainID()
	displayID := prov.On(EventDisplayURI, a.displayURI)
	a.mu.Lock()
	a.subs = append(a.subs, subscription{EventDisplayURI, displayID})
	a.mu.Unlock()
	defer func() {
		prov.Off(EventDisplayURI, displayID)
		a.mu.Lock()
		a.removeSubLocked(EventDisplayURI, displayID)
		a.mu.Unlock()
		a.opts.Events.EmitModal(a.opts.Scope, ModalEvent{Type: ModalHide})
	}()

	s, err := prov.Connect(ctx, ConnectParams{Namespaces: map[string]Namespace{
		AlgorandNamespace: {
			Chains:  []string{chainID},
			Methods: []string{SignMethod},
			Events:  []string{},
		},
	}})
	if err != nil {
		a.ClearConnected()
		a.clearOwnership(context.Background())
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrapf(err, "pairing timed out after %s", a.opts.PairingTimeout)
		}
		return nil, err
	}
	if s == nil {
		a.ClearConnected()
		return nil, errors.New("failed to establish WalletConnect session")
	}
	accounts := a.extractAccounts(s.Namespaces[AlgorandNamespace].Accounts)
	if len(accounts) == 0 {
		a.ClearConnected()
		a.dropInvalid(context.Background(), prov, s.Topic, "no valid accounts")
		return nil, errors.New("wallet approved the session without valid accounts")
	}

	if err := a.opts.Store.Set(ctx, a.ownerKey(), s.Topic, 0); err != nil {
		a.Log().Warnf("persist session owner: %v", err)
	}
	if err := a.opts.Store.Set(ctx, a.chainKey(), chainID, 0); err != nil {
		a.Log().Warnf("persist chain id: %v", err)
	}
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	a.SetConnected(accounts)
	return a.Accounts(), nil
}

func (a *Adapter) displayURI(ev ProviderEvent) {
	png, err := qrcode.Encode(ev.URI, qrcode.Medium, 256)
	if err != nil {
		a.Log().Warnf("encode pairing qr: %v", err)
	}
	a.opts.Events.EmitModal(a.opts.Scope, ModalEvent{
		Type:       ModalShow,
		URI:        ev.URI,
		WalletName: a.Name(),
		QRCode:     png,
	})
}

// tryRestoreSession adopts the provider session this scope owns. It returns nil accounts when
// there is none. An owned session that lacks the algorand namespace, the signing method or
// an algorand chain is disconnected and its ownership cleared.
func (a *Adapter) tryRestoreSession(ctx context.Context, prov Provider) ([]adapter.Account, error) {
	owner, err := storage.GetOrEmpty(ctx, a.opts.Store, a.ownerKey())
	if err != nil {
		a.ClearConnected()
		return nil, err
	}
	if owner == "" {
		return nil, nil
	}

	for _, s := range prov.Sessions() {
		if s.Topic != owner {
			continue
		}
		ns, ok := s.Namespaces[AlgorandNamespace]
		if !ok || !contains(ns.Methods, SignMethod) {
			a.dropInvalid(ctx, prov, s.Topic, "missing algorand namespace or signing method")
			return nil, nil
		}
		expected := a.ChainID()
		if !contains(ns.Chains, expected) {
			fallback := ""
			for _, c := range ns.Chains {
				if chains.IsAVMChain(c) {
					fallback = c
					break
				}
			}
			if fallback == "" {
				a.dropInvalid(ctx, prov, s.Topic, "no algorand chain")
				return nil, nil
			}
			// Accepting any algorand chain may hide a genesis hash mismatch; kept for
			// compatibility with sessions settled by older releases.
			a.Log().Warnf("session %s settled on %s, expected %s; adopting it", s.Topic, fallback, expected)
			a.mu.Lock()
			a.chainID = fallback
			a.mu.Unlock()
			if err := a.opts.Store.Set(ctx, a.chainKey(), fallback, 0); err != nil {
				a.Log().Warnf("persist chain id: %v", err)
			}
		}
		accounts := a.extractAccounts(ns.Accounts)
		if len(accounts) == 0 {
			a.dropInvalid(ctx, prov, s.Topic, "no accounts")
			return nil, nil
		}
		session := s
		a.mu.Lock()
		a.session = &session
		a.mu.Unlock()
		a.SetConnected(accounts)
		return a.Accounts(), nil
	}

	a.Log().Infof("owned session %s is gone", owner)
	a.clearOwnership(ctx)
	return nil, nil
}

func (a *Adapter) dropInvalid(ctx context.Context, prov Provider, topic, reason string) {
	a.Log().Warnf("dropping session %s: %s", topic, reason)
	if err := prov.DisconnectTopic(ctx, topic); err != nil {
		a.Log().Warnf("disconnect invalid session: %v", err)
	}
	a.clearOwnership(ctx)
}

// Reconnect restores an owned session without pairing.
func (a *Adapter) Reconnect(ctx context.Context) ([]adapter.Account, error) {
	prov, err := a.currentProvider("reconnect")
	if err != nil {
		return nil, err
	}
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.IsConnected() && a.ValidateSession(ctx) {
		return a.Accounts(), nil
	}
	return a.tryRestoreSession(ctx, prov)
}

// Disconnect ends this scope's session only. Provider errors are logged.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	prov, session := a.provider, a.session
	a.session = nil
	a.mu.Unlock()

	if prov != nil && session != nil {
		if err := prov.DisconnectTopic(ctx, session.Topic); err != nil {
			a.Log().Warnf("disconnect session %s: %v", session.Topic, err)
		}
	}
	a.ClearConnected()
	a.clearOwnership(ctx)
	a.opts.Events.EmitModal(a.opts.Scope, ModalEvent{Type: ModalHide})
	return nil
}

// ValidateSession checks the held session is still live on the provider. A vanished session
// clears local state and emits a disconnected event.
func (a *Adapter) ValidateSession(ctx context.Context) bool {
	a.mu.Lock()
	prov, session := a.provider, a.session
	a.mu.Unlock()
	if prov == nil || session == nil {
		return false
	}
	for _, s := range prov.Sessions() {
		if s.Topic == session.Topic {
			return true
		}
	}
	a.endSession(ctx, session.Topic, SessionDisconnected)
	return false
}

// OnVisibilityChange revalidates the session when the page becomes visible again.
func (a *Adapter) OnVisibilityChange(ctx context.Context, visible bool) {
	if visible {
		a.ValidateSession(ctx)
	}
}

func (a *Adapter) sessionEnded(typ SessionEventType) Listener {
	return func(ev ProviderEvent) {
		a.endSession(context.Background(), ev.Topic, typ)
	}
}

// endSession clears state if topic is the held session; events for other topics are ignored.
func (a *Adapter) endSession(ctx context.Context, topic string, typ SessionEventType) {
	a.mu.Lock()
	if a.session == nil || a.session.Topic != topic {
		a.mu.Unlock()
		return
	}
	a.session = nil
	a.mu.Unlock()

	a.ClearConnected()
	a.clearOwnership(ctx)
	a.Log().Infof("session %s %s", topic, typ)
	a.opts.Events.EmitSession(a.opts.Scope, SessionEvent{Type: typ, WalletID: a.ID(), Topic: topic})
}

func (a *Adapter) clearOwnership(ctx context.Context) {
	if err := a.opts.Store.Delete(ctx, a.ownerKey()); err != nil {
		a.Log().Warnf("clear session owner: %v", err)
	}
}

type txnToSign struct {
	Txn     string    `json:"txn"`
	Message string    `json:"message,omitempty"`
	Signers *[]string `json:"signers,omitempty"`
}

func (a *Adapter) SignTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) ([][]byte, error) {
	prov, err := a.currentProvider("signTransactions")
	if err != nil {
		return nil, err
	}
	topic := a.Topic()
	if topic == "" {
		return nil, errors.New("no active WalletConnect session")
	}
	if !a.ValidateSession(ctx) {
		return nil, errors.New("WalletConnect session is no longer active, please reconnect")
	}

	flat := txn.Flatten(groups)
	request := make([]txnToSign, len(flat))
	for i, tx := range flat {
		request[i] = txnToSign{Txn: base64.StdEncoding.EncodeToString(txn.EncodeUnsigned(tx))}
		if opts != nil && opts.Message != "" {
			request[i].Message = opts.Message
		}
		if !opts.ShouldSign(i) {
			request[i].Signers = &[]string{}
		}
	}
	raw, err := prov.Request(ctx, topic, a.ChainID(), SignMethod, []interface{}{request})
	if err != nil {
		return nil, err
	}

	results := gjson.ParseBytes(raw).Array()
	signed := make([][]byte, len(flat))
	for i, r := range results {
		if i >= len(signed) {
			break
		}
		if r.Type == gjson.Null || r.String() == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(r.String())
		if err != nil {
			return nil, errors.Wrapf(err, "decode signed transaction %d", i)
		}
		signed[i] = b
	}
	return signed, nil
}

func (a *Adapter) SignAndSendTransactions(ctx context.Context, groups [][]types.Transaction, opts *adapter.SigningOptions) (*adapter.SignAndSendResult, error) {
	return a.SignAndSend(ctx, a.SignTransactions, groups, opts)
}

func (a *Adapter) Authenticate(ctx context.Context, address string) (string, error) {
	return a.Base.Authenticate(ctx, a.SignTransactions, address)
}

// ClearAllSessions disconnects and wipes every WalletConnect key from the store. Debug only.
func (a *Adapter) ClearAllSessions(ctx context.Context) error {
	a.mu.Lock()
	prov := a.provider
	a.session = nil
	a.mu.Unlock()
	if prov != nil {
		if err := prov.Disconnect(ctx); err != nil {
			a.Log().Warnf("disconnect while clearing sessions: %v", err)
		}
	}
	a.ClearConnected()
	for _, prefix := range []string{"wc@2:", "@walletconnect/", "wc-"} {
		if err := storage.DeleteFromPrefix(ctx, a.opts.Store, prefix); err != nil {
			return err
		}
	}
	return nil
}

// Destroy removes this adapter's listeners and releases its provider reference. Other scopes
// keep using the provider; persisted ownership is kept.
func (a *Adapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	prov := a.provider
	a.unsubscribeLocked()
	a.provider = nil
	a.session = nil
	a.mu.Unlock()

	if prov != nil {
		a.opts.Providers.Release(prov)
	}
	a.MarkDestroyed()
	return nil
}

func (a *Adapter) unsubscribeLocked() {
	if a.provider != nil {
		for _, s := range a.subs {
			a.provider.Off(s.event, s.id)
		}
	}
	a.subs = nil
}

func (a *Adapter) removeSubLocked(event string, id ListenerID) {
	for i, s := range a.subs {
		if s.event == event && s.id == id {
			a.subs = append(a.subs[:i], a.subs[i+1:]...)
			return
		}
	}
}

// extractAccounts takes the address out of "namespace:reference:address" account ids.
// Ids that are malformed or carry an invalid address are skipped.
func (a *Adapter) extractAccounts(ids []string) []adapter.Account {
	var accounts []adapter.Account
	for _, id := range ids {
		parts := strings.Split(id, ":")
		if len(parts) < 3 || parts[2] == "" {
			continue
		}
		if !adapter.ValidAddress(parts[2]) {
			a.Log().Warnf("skipping session account %q: invalid address", id)
			continue
		}
		accounts = append(accounts, adapter.Account{Address: parts[2]})
	}
	return accounts
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

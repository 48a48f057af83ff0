// Package account keeps the accounts connected through any wallet, the selected one,
// and the auth tokens proving control of them.
package account

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/auth"
	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/walletconnect"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
)

const (
	stateKey    = "avm-wallet-state"
	tokenPrefix = "avm-wallet-token-"

	// TokenTTL is how long an auth token is kept.
	TokenTTL = 90 * 24 * time.Hour
)

// Connected is an account exposed by a connected wallet.
type Connected struct {
	Address  string     `json:"address"`
	WalletID adapter.ID `json:"walletId"`
	// Authenticated is never persisted; it is recomputed from the stored token.
	Authenticated bool   `json:"-"`
	IsWatch       bool   `json:"isWatch,omitempty"`
	Name          string `json:"name,omitempty"`
	NetworkID     string `json:"networkId,omitempty"`
}

func (c Connected) is(walletID adapter.ID, address string) bool {
	return c.WalletID == walletID && c.Address == address
}

// FromAdapter converts what a wallet returned on connect.
func FromAdapter(info adapter.Info, accounts []adapter.Account, networkID string) []Connected {
	out := make([]Connected, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, Connected{
			Address:   acc.Address,
			WalletID:  info.ID,
			IsWatch:   info.IsWatchOnly,
			Name:      acc.Name,
			NetworkID: networkID,
		})
	}
	return out
}

type snapshot struct {
	Accounts         []Connected `json:"accounts"`
	SelectedAddress  *string     `json:"selectedAddress"`
	SelectedWalletID *adapter.ID `json:"selectedWalletId"`
}

// TokenValidator reports whether token still proves control of address.
type TokenValidator interface {
	Valid(token, address string) bool
}

type Options struct {
	Scope string
	Store storage.Store
	// Validator re-checks stored tokens. Nil verifies them as legacy signed-challenge tokens.
	Validator TokenValidator
}

type Store struct {
	store       storage.Store
	validator   TokenValidator
	stateKey    string
	tokenPrefix string

	mu       sync.Mutex
	accounts []Connected
	selected int

	hooks hooks
}

// Open loads the persisted snapshot for opts.Scope. A corrupt snapshot is discarded.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	if opts.Validator == nil {
		opts.Validator = auth.NewVerifier(nil)
	}
	s := &Store{
		store:       opts.Store,
		validator:   opts.Validator,
		stateKey:    stateKey,
		tokenPrefix: tokenPrefix,
		selected:    -1,
	}
	if opts.Scope != "" && opts.Scope != walletconnect.DefaultScope {
		s.stateKey = stateKey + "-" + opts.Scope
		s.tokenPrefix = tokenPrefix + opts.Scope + "-"
	}

	raw, err := storage.GetOrEmpty(ctx, s.store, s.stateKey)
	if err != nil {
		return nil, errors.Wrap(err, "load account state")
	}
	if raw == "" {
		return s, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Warnf("account - discarding unreadable state %s: %v", s.stateKey, err)
		return s, nil
	}
	for _, a := range snap.Accounts {
		if a.Authenticated, err = s.tokenValid(ctx, a.Address); err != nil {
			return nil, err
		}
		s.accounts = append(s.accounts, a)
	}
	if snap.SelectedAddress != nil && snap.SelectedWalletID != nil {
		s.selected = s.indexOf(*snap.SelectedWalletID, *snap.SelectedAddress)
	}
	return s, nil
}

func (s *Store) tokenKey(address string) string {
	return s.tokenPrefix + address
}

func (s *Store) tokenValid(ctx context.Context, address string) (bool, error) {
	token, err := storage.GetOrEmpty(ctx, s.store, s.tokenKey(address))
	if err != nil {
		return false, errors.Wrap(err, "load token")
	}
	if token == "" {
		return false, nil
	}
	return s.validator.Valid(token, address), nil
}

func (s *Store) indexOf(walletID adapter.ID, address string) int {
	for i, a := range s.accounts {
		if a.is(walletID, address) {
			return i
		}
	}
	return -1
}

// persist must be called with s.mu held.
func (s *Store) persist(ctx context.Context) error {
	snap := snapshot{Accounts: s.accounts}
	if snap.Accounts == nil {
		snap.Accounts = []Connected{}
	}
	if s.selected >= 0 {
		sel := s.accounts[s.selected]
		snap.SelectedAddress, snap.SelectedWalletID = &sel.Address, &sel.WalletID
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(s.store.Set(ctx, s.stateKey, string(raw), 0), "persist account state")
}

// AddAccounts appends accounts not already present for their wallet. The first account
// becomes selected when nothing is.
func (s *Store) AddAccounts(ctx context.Context, accounts []Connected) error {
	s.mu.Lock()
	var added []Connected
	for _, a := range accounts {
		if s.indexOf(a.WalletID, a.Address) >= 0 {
			continue
		}
		a.Authenticated = false
		s.accounts = append(s.accounts, a)
		added = append(added, a)
	}
	if len(added) == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.selected < 0 {
		s.selected = 0
	}
	err := s.persist(ctx)
	s.mu.Unlock()

	for _, a := range added {
		s.hooks.emit(hookAdd, a)
	}
	return err
}

// RemoveAccount removes address of walletID, or every account of walletID when address
// is empty, together with their tokens.
func (s *Store) RemoveAccount(ctx context.Context, walletID adapter.ID, address string) error {
	s.mu.Lock()
	var selected *Connected
	if s.selected >= 0 {
		sel := s.accounts[s.selected]
		selected = &sel
	}
	var removed, kept []Connected
	for _, a := range s.accounts {
		if a.WalletID == walletID && (address == "" || a.Address == address) {
			removed = append(removed, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.accounts = kept
	switch {
	case selected == nil:
	case s.indexOf(selected.WalletID, selected.Address) >= 0:
		s.selected = s.indexOf(selected.WalletID, selected.Address)
	case len(s.accounts) > 0:
		s.selected = 0
	default:
		s.selected = -1
	}

	keys := make([]string, 0, len(removed))
	for _, a := range removed {
		keys = append(keys, s.tokenKey(a.Address))
	}
	err := s.store.Delete(ctx, keys...)
	if perr := s.persist(ctx); err == nil {
		err = perr
	}
	s.mu.Unlock()

	for _, a := range removed {
		s.hooks.emit(hookRemove, a)
	}
	return err
}

// Select makes the given account current. It reports false when the account is unknown.
func (s *Store) Select(ctx context.Context, walletID adapter.ID, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(walletID, address)
	if i < 0 {
		return false, nil
	}
	s.selected = i
	return true, s.persist(ctx)
}

// SelectByAddress selects the first account with address, whichever wallet holds it.
func (s *Store) SelectByAddress(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.accounts {
		if a.Address == address {
			s.selected = i
			return true, s.persist(ctx)
		}
	}
	return false, nil
}

// SetAuthenticated stores token for address and marks the account authenticated.
func (s *Store) SetAuthenticated(ctx context.Context, walletID, address, token string) error {
	if err := s.store.Set(ctx, s.tokenKey(address), token, TokenTTL); err != nil {
		return errors.Wrap(err, "store token")
	}
	s.mu.Lock()
	i := s.indexOf(adapter.ID(walletID), address)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	s.accounts[i].Authenticated = true
	updated := s.accounts[i]
	err := s.persist(ctx)
	s.mu.Unlock()

	s.hooks.emit(hookAuth, updated)
	return err
}

// Logout drops the token of address and clears the authenticated flag.
func (s *Store) Logout(ctx context.Context, walletID adapter.ID, address string) error {
	if err := s.store.Delete(ctx, s.tokenKey(address)); err != nil {
		return errors.Wrap(err, "delete token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(walletID, address); i >= 0 {
		s.accounts[i].Authenticated = false
	}
	return s.persist(ctx)
}

// Token returns the stored token of address, empty when there is none.
func (s *Store) Token(ctx context.Context, address string) (string, error) {
	return storage.GetOrEmpty(ctx, s.store, s.tokenKey(address))
}

// UpdateName renames every account with address.
func (s *Store) UpdateName(ctx context.Context, address, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].Address == address {
			s.accounts[i].Name = name
		}
	}
	return s.persist(ctx)
}

// MarkReconnected re-derives the authenticated flag of walletID's accounts from their
// stored tokens after the wallet session was restored.
func (s *Store) MarkReconnected(ctx context.Context, walletID adapter.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].WalletID != walletID {
			continue
		}
		ok, err := s.tokenValid(ctx, s.accounts[i].Address)
		if err != nil {
			return err
		}
		s.accounts[i].Authenticated = ok
	}
	return nil
}

// Reset forgets every account and token.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []string{s.stateKey}
	for _, a := range s.accounts {
		keys = append(keys, s.tokenKey(a.Address))
	}
	s.accounts, s.selected = nil, -1
	return errors.Wrap(s.store.Delete(ctx, keys...), "reset account state")
}

func (s *Store) Accounts() []Connected {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Connected(nil), s.accounts...)
}

func (s *Store) Selected() (Connected, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected < 0 {
		return Connected{}, false
	}
	return s.accounts[s.selected], true
}

// ConnectedWalletIDs lists the wallets holding at least one account, in first-seen order.
func (s *Store) ConnectedWalletIDs() []adapter.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[adapter.ID]bool)
	var ids []adapter.ID
	for _, a := range s.accounts {
		if !seen[a.WalletID] {
			seen[a.WalletID] = true
			ids = append(ids, a.WalletID)
		}
	}
	return ids
}

func (s *Store) AuthenticatedAccounts() []Connected {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Connected
	for _, a := range s.accounts {
		if a.Authenticated {
			out = append(out, a)
		}
	}
	return out
}

// OnAdd registers h for every newly added account and returns its unsubscribe function.
func (s *Store) OnAdd(h func(Connected)) func() { return s.hooks.on(hookAdd, h) }

// OnAuth registers h for every account that becomes authenticated.
func (s *Store) OnAuth(h func(Connected)) func() { return s.hooks.on(hookAuth, h) }

// OnRemove registers h for every removed account.
func (s *Store) OnRemove(h func(Connected)) func() { return s.hooks.on(hookRemove, h) }

// TokenCookie builds the cookie carrying token for address.
func (s *Store) TokenCookie(address, token string) *http.Cookie {
	return &http.Cookie{
		Name:     s.tokenKey(address),
		Value:    token,
		Path:     "/",
		MaxAge:   int(TokenTTL / time.Second),
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

package adapter

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"avm.io/avm-wallet/internal/auth"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/txn"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/atomic"
)

// Base carries the identity, lifecycle and connection state shared by every variant.
// Variants embed it and supply Connect, Reconnect, Disconnect and SignTransactions.
type Base struct {
	info Info

	mu       sync.RWMutex
	cfg      *network.Config
	accounts []Account

	connected *atomic.Bool
	now       func() time.Time
}

// NewBase returns an uninitialized, disconnected Base for the wallet described by info.
func NewBase(info Info) *Base {
	return &Base{info: info, connected: atomic.NewBool(false), now: time.Now}
}

// The accessors below expose the static wallet metadata passed to NewBase.

func (b *Base) Info() Info         { return b.info }
func (b *Base) ID() ID             { return b.info.ID }
func (b *Base) Name() string       { return b.info.Name }
func (b *Base) Icon() string       { return b.info.Icon }
func (b *Base) SupportsAuth() bool { return b.info.SupportsAuth }
func (b *Base) IsWatchOnly() bool  { return b.info.IsWatchOnly }

// Log returns a logger entry tagged with the wallet id.
func (b *Base) Log() *log.Entry {
	return log.WithFields(log.Fields{"wallet": b.info.ID})
}

// SetClock replaces the time source, for tests.
func (b *Base) SetClock(now func() time.Time) {
	b.now = now
}

// Init stores the network config. Variants call it from Initialize.
func (b *Base) Init(cfg network.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := cfg
	b.cfg = &c
}

// RequireConfig fails with ErrNotInitialized before Init or after MarkDestroyed.
func (b *Base) RequireConfig(op string) (network.Config, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg == nil {
		return network.Config{}, NewError(KindNotInitialized, b.info.ID, op, nil)
	}
	return *b.cfg, nil
}

// IsConnected reports whether the last connect or reconnect produced accounts.
func (b *Base) IsConnected() bool {
	return b.connected.Load()
}

// Accounts returns a copy of the connected accounts.
func (b *Base) Accounts() []Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Account(nil), b.accounts...)
}

// SetConnected records a successful connection. An empty account list counts as disconnected.
func (b *Base) SetConnected(accounts []Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts = append([]Account(nil), accounts...)
	b.connected.Store(len(accounts) > 0)
}

// ClearConnected resets to Disconnected with no accounts.
func (b *Base) ClearConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts = nil
	b.connected.Store(false)
}

// MarkDestroyed clears all state; later operations fail with ErrNotInitialized.
func (b *Base) MarkDestroyed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = nil
	b.accounts = nil
	b.connected.Store(false)
}

// Unsupported builds the error returned by operations a variant does not offer.
func (b *Base) Unsupported(op string) error {
	return NewError(KindUnsupported, b.info.ID, op, nil)
}

// SignAndSend signs every group through sign, then submits them one by one.
// A group none of whose transactions came back signed is never broadcast.
func (b *Base) SignAndSend(ctx context.Context, sign SignFunc, groups [][]types.Transaction, opts *SigningOptions) (*SignAndSendResult, error) {
	cfg, err := b.RequireConfig("signAndSendTransactions")
	if err != nil {
		return nil, err
	}
	signed, err := sign(ctx, groups, opts)
	if err != nil {
		return nil, err
	}

	result := &SignAndSendResult{}
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		matched, err := txn.MatchSignedToGroup(group, signed)
		if err != nil {
			return result, &SubmissionError{GroupIndex: i, Err: err}
		}
		txid, err := cfg.Node.SendRawTransaction(ctx, txn.Concat(matched))
		if err != nil {
			return result, &SubmissionError{GroupIndex: i, Err: err}
		}
		round, err := cfg.Node.WaitForConfirmation(ctx, txid, network.DefaultWaitRounds)
		if err != nil {
			return result, &SubmissionError{GroupIndex: i, Err: err}
		}
		for _, tx := range group {
			result.TxIDs = append(result.TxIDs, txn.ID(tx))
		}
		result.ConfirmedRound = round
		b.Log().Infof("group %d confirmed in round %d", i, round)
	}
	return result, nil
}

// Authenticate signs a fresh challenge for address through sign and returns it base64 encoded.
func (b *Base) Authenticate(ctx context.Context, sign SignFunc, address string) (string, error) {
	if !b.info.SupportsAuth {
		return "", b.Unsupported("authenticate")
	}
	cfg, err := b.RequireConfig("authenticate")
	if err != nil {
		return "", err
	}
	challenge, err := auth.NewChallenge(ctx, cfg.Node, address, b.now())
	if err != nil {
		return "", err
	}
	signed, err := sign(ctx, [][]types.Transaction{{challenge}}, &SigningOptions{Message: "Sign in with " + address})
	if err != nil {
		return "", err
	}
	if len(signed) == 0 || len(signed[0]) == 0 {
		return "", errors.Errorf("%s returned no signed challenge", b.info.Name)
	}
	return base64.StdEncoding.EncodeToString(signed[0]), nil
}

// ValidAddress reports whether s is a well formed AVM address: 58 base32 characters with a
// matching checksum.
func ValidAddress(s string) bool {
	if len(s) != 58 {
		return false
	}
	_, err := types.DecodeAddress(s)
	return err == nil
}

// AccountsFromAddresses wraps bare addresses.
func AccountsFromAddresses(addresses []string) []Account {
	accounts := make([]Account, 0, len(addresses))
	for _, a := range addresses {
		accounts = append(accounts, Account{Address: a})
	}
	return accounts
}

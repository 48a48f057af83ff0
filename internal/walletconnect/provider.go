package walletconnect

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Provider events.
const (
	EventSessionDelete = "session_delete"
	EventSessionExpire = "session_expire"
	EventDisplayURI    = "display_uri"
)

const (
	// AlgorandNamespace is the CAIP namespace requested for AVM sessions.
	AlgorandNamespace = "algorand"
	// SignMethod is the only method AVM sessions need.
	SignMethod = "algo_signTxn"
)

type Namespace struct {
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Chains   []string `json:"chains"`
	Events   []string `json:"events"`
}

// Session is a settled WalletConnect session as the provider knows it.
type Session struct {
	Topic      string               `json:"topic"`
	Namespaces map[string]Namespace `json:"namespaces"`
	Expiry     time.Time            `json:"expiry"`
	PeerName   string               `json:"peerName,omitempty"`
}

// ConnectParams is a pairing request.
type ConnectParams struct {
	Namespaces map[string]Namespace
}

// ProviderEvent is delivered to listeners. Topic is set for session events, URI for display_uri.
type ProviderEvent struct {
	Topic string
	URI   string
}

type Listener func(ProviderEvent)

type ListenerID uint64

// ProjectConfig identifies the dapp to the relay and to wallets.
type ProjectConfig struct {
	ProjectID   string
	Name        string
	Description string
	URL         string
	Icons       []string
	RelayURL    string
}

// Provider is a WalletConnect client shared by every adapter configured with the same project.
type Provider interface {
	ProjectID() string
	// Session is the most recently settled session, or nil.
	Session() *Session
	// Sessions lists every live session.
	Sessions() []Session
	// Connect proposes a session, emits display_uri with the pairing URI and waits for approval.
	Connect(ctx context.Context, params ConnectParams) (*Session, error)
	// Disconnect ends the current session.
	Disconnect(ctx context.Context) error
	DisconnectTopic(ctx context.Context, topic string) error
	Request(ctx context.Context, topic, chainID, method string, params interface{}) (json.RawMessage, error)
	On(event string, l Listener) ListenerID
	Off(event string, id ListenerID)
	RemoveAllListeners()
	// Close releases the transport without ending sessions.
	Close() error
}

// Factory builds a Provider for a project.
type Factory func(ctx context.Context, cfg ProjectConfig) (Provider, error)

// Listeners implements the listener half of Provider.
type Listeners struct {
	mu     sync.RWMutex
	nextID ListenerID
	byName map[string]map[ListenerID]Listener
}

func (l *Listeners) On(event string, fn Listener) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byName == nil {
		l.byName = make(map[string]map[ListenerID]Listener)
	}
	if l.byName[event] == nil {
		l.byName[event] = make(map[ListenerID]Listener)
	}
	l.nextID++
	l.byName[event][l.nextID] = fn
	return l.nextID
}

func (l *Listeners) Off(event string, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byName[event], id)
}

func (l *Listeners) RemoveAllListeners() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byName = nil
}

// Count returns the number of listeners for event.
func (l *Listeners) Count(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byName[event])
}

// Emit calls every listener of event outside the lock.
func (l *Listeners) Emit(event string, ev ProviderEvent) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.byName[event]))
	for _, fn := range l.byName[event] {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

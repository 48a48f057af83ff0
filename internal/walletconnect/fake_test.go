package walletconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"avm.io/avm-wallet/pkg/errors"
)

type fakeProvider struct {
	Listeners
	projectID string

	mu            sync.Mutex
	sessions      map[string]Session
	current       *Session
	nextTopic     int
	accounts      []string
	connectFn     func(ctx context.Context, params ConnectParams) (*Session, error)
	disconnectErr error
	disconnected  []string
	requests      []fakeRequest
	response      json.RawMessage
	closed        bool
}

type fakeRequest struct {
	topic, chainID, method string
	params                 json.RawMessage
}

func newFakeProvider(projectID string) *fakeProvider {
	return &fakeProvider{projectID: projectID, sessions: make(map[string]Session)}
}

func (p *fakeProvider) ProjectID() string { return p.projectID }

func (p *fakeProvider) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakeProvider) Sessions() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// addSession settles a session directly, as if restored from the relay's storage.
func (p *fakeProvider) addSession(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.Topic] = s
	p.current = &s
}

func (p *fakeProvider) dropSession(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, topic)
	if p.current != nil && p.current.Topic == topic {
		p.current = nil
	}
}

func (p *fakeProvider) Connect(ctx context.Context, params ConnectParams) (*Session, error) {
	p.Emit(EventDisplayURI, ProviderEvent{URI: "wc:pairing@2?relay-protocol=irn&symKey=00"})
	if p.connectFn != nil {
		return p.connectFn(ctx, params)
	}
	p.mu.Lock()
	p.nextTopic++
	topic := fmt.Sprintf("t%d", p.nextTopic)
	ns := params.Namespaces[AlgorandNamespace]
	var accounts []string
	for _, a := range p.accounts {
		accounts = append(accounts, ns.Chains[0]+":"+a)
	}
	p.mu.Unlock()
	s := Session{Topic: topic, Namespaces: map[string]Namespace{
		AlgorandNamespace: {Accounts: accounts, Methods: ns.Methods, Chains: ns.Chains},
	}}
	p.addSession(s)
	return &s, nil
}

func (p *fakeProvider) Disconnect(ctx context.Context) error {
	s := p.Session()
	if s == nil {
		return nil
	}
	return p.DisconnectTopic(ctx, s.Topic)
}

func (p *fakeProvider) DisconnectTopic(_ context.Context, topic string) error {
	p.mu.Lock()
	p.disconnected = append(p.disconnected, topic)
	err := p.disconnectErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.dropSession(topic)
	return nil
}

func (p *fakeProvider) Request(_ context.Context, topic, chainID, method string, params interface{}) (json.RawMessage, error) {
	b, _ := json.Marshal(params)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, fakeRequest{topic: topic, chainID: chainID, method: method, params: b})
	if p.response == nil {
		return nil, errors.New("no response configured")
	}
	return p.response, nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

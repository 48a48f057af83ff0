package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/walletconnect"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	testChain = "algorand:SGO1GKSzyE7IEPItTxCByw9x8FmnrCDe"
	testAddr  = "7ZUECA7HFLZTXENRV24SHLU4AVPUTMTTDUFUBNBD64C73F3UHRTHAIOF6Q"
)

type retained struct {
	from    *relayConn
	message string
}

type relayConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *relayConn) send(msg *rpcMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(msg)
}

func (c *relayConn) reply(id int64, result interface{}) {
	res, _ := newResult(id, result)
	c.send(res)
}

func (c *relayConn) deliver(topic, message string) {
	var params subscriptionParams
	params.ID = "sub-" + topic
	params.Data.Topic = topic
	params.Data.Message = message
	req, _ := newRequest(methodSubscription, params)
	c.send(req)
}

// fakeRelay is an in-memory irn relay: it retains every message per topic and delivers it to
// current and future subscribers other than the publisher.
type fakeRelay struct {
	srv    *httptest.Server
	wallet *fakeWallet

	mu         sync.Mutex
	subs       map[string][]*relayConn
	mailbox    map[string][]retained
	subscribed []string
	queries    []url.Values
}

func newFakeRelay(t *testing.T) *fakeRelay {
	r := &fakeRelay{subs: make(map[string][]*relayConn), mailbox: make(map[string][]retained)}
	r.wallet = &fakeWallet{relay: r, handled: make(map[string]bool), signResult: []interface{}{"c2lnbmVk", nil}}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	c := &relayConn{ws: ws}
	r.mu.Lock()
	r.queries = append(r.queries, req.URL.Query())
	r.mu.Unlock()
	defer r.drop(c)

	for {
		var msg rpcMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Method {
		case methodSubscribe:
			var params subscribeParams
			_ = json.Unmarshal(msg.Params, &params)
			r.mu.Lock()
			r.subs[params.Topic] = append(r.subs[params.Topic], c)
			r.subscribed = append(r.subscribed, params.Topic)
			pending := append([]retained(nil), r.mailbox[params.Topic]...)
			r.mu.Unlock()
			c.reply(msg.ID, "sub-"+params.Topic)
			for _, m := range pending {
				if m.from != c {
					c.deliver(params.Topic, m.message)
				}
			}
		case methodUnsubscribe:
			var params unsubscribeParams
			_ = json.Unmarshal(msg.Params, &params)
			r.mu.Lock()
			r.subs[params.Topic] = without(r.subs[params.Topic], c)
			r.mu.Unlock()
			c.reply(msg.ID, true)
		case methodPublish:
			var params publishParams
			_ = json.Unmarshal(msg.Params, &params)
			r.publish(c, params.Topic, params.Message)
			r.wallet.handle(params.Topic, params.Message)
			c.reply(msg.ID, true)
		}
	}
}

func (r *fakeRelay) publish(from *relayConn, topic, message string) {
	r.mu.Lock()
	r.mailbox[topic] = append(r.mailbox[topic], retained{from: from, message: message})
	subs := append([]*relayConn(nil), r.subs[topic]...)
	r.mu.Unlock()
	for _, c := range subs {
		if c != from {
			c.deliver(topic, message)
		}
	}
}

func (r *fakeRelay) retainedFor(topic string) []retained {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]retained(nil), r.mailbox[topic]...)
}

func (r *fakeRelay) drop(c *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, conns := range r.subs {
		r.subs[topic] = without(conns, c)
	}
}

func (r *fakeRelay) hasSubscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.subscribed {
		if t == topic {
			return true
		}
	}
	return false
}

func without(conns []*relayConn, c *relayConn) []*relayConn {
	out := conns[:0:0]
	for _, x := range conns {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// fakeWallet answers proposals and requests from the relay side.
type fakeWallet struct {
	relay *fakeRelay

	mu           sync.Mutex
	handled      map[string]bool
	pairingTopic string
	pairingKey   []byte
	sessionTopic string
	sessionKey   []byte
	reject       string
	signResult   interface{}
	requests     []sessionRequestParams
	deleted      []string
}

func (w *fakeWallet) pair(t *testing.T, uri string) {
	rest := strings.TrimPrefix(uri, "wc:")
	at := strings.Index(rest, "@")
	q := strings.Index(rest, "?")
	require.True(t, at > 0 && q > at)
	values, err := url.ParseQuery(rest[q+1:])
	require.NoError(t, err)
	key, err := hex.DecodeString(values.Get("symKey"))
	require.NoError(t, err)
	assert.Equal(t, "irn", values.Get("relay-protocol"))

	w.mu.Lock()
	w.pairingTopic, w.pairingKey = rest[:at], key
	w.mu.Unlock()
	for _, m := range w.relay.retainedFor(rest[:at]) {
		w.handle(rest[:at], m.message)
	}
}

func (w *fakeWallet) handle(topic, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handled[message] {
		return
	}
	var key []byte
	switch topic {
	case w.pairingTopic:
		key = w.pairingKey
	case w.sessionTopic:
		key = w.sessionKey
	}
	if key == nil {
		return
	}
	w.handled[message] = true
	plain, err := open(key, message)
	if err != nil {
		return
	}
	var msg rpcMessage
	if err := json.Unmarshal(plain, &msg); err != nil || !msg.isRequest() {
		return
	}

	switch msg.Method {
	case methodSessionPropose:
		if w.reject != "" {
			w.send(topic, key, newErrorResult(msg.ID, 5000, w.reject))
			return
		}
		var params proposeParams
		_ = json.Unmarshal(msg.Params, &params)
		proposer, _ := hex.DecodeString(params.Proposer.PublicKey)
		keys, _ := generateKeyPair()
		symKey, _ := deriveSymKey(keys.private, proposer)
		w.sessionKey, w.sessionTopic = symKey, topicFromKey(symKey)
		res, _ := newResult(msg.ID, proposeResult{Relay: relayProtocol{Protocol: "irn"}, ResponderPublicKey: hex.EncodeToString(keys.public)})
		w.send(topic, key, res)

		namespaces := make(map[string]settledNamespace)
		for name, ns := range params.RequiredNamespaces {
			var accounts []string
			for _, chain := range ns.Chains {
				accounts = append(accounts, chain+":"+testAddr)
			}
			namespaces[name] = settledNamespace{Accounts: accounts, Methods: ns.Methods, Events: ns.Events}
		}
		settle, _ := newRequest(methodSessionSettle, settleParams{
			Relay:      relayProtocol{Protocol: "irn"},
			Namespaces: namespaces,
			Controller: participant{PublicKey: hex.EncodeToString(keys.public), Metadata: metadata{Name: "Test Wallet"}},
			Expiry:     time.Now().Add(7 * 24 * time.Hour).Unix(),
		})
		w.send(w.sessionTopic, w.sessionKey, settle)
	case methodSessionRequest:
		var params sessionRequestParams
		_ = json.Unmarshal(msg.Params, &params)
		w.requests = append(w.requests, params)
		res, _ := newResult(msg.ID, w.signResult)
		w.send(topic, key, res)
	case methodSessionDelete:
		w.deleted = append(w.deleted, topic)
	}
}

func (w *fakeWallet) send(topic string, key []byte, msg *rpcMessage) {
	plain, _ := json.Marshal(msg)
	env, _ := seal(key, plain)
	w.handled[env] = true
	w.relay.publish(nil, topic, env)
}

// deleteSession ends the session from the wallet side.
func (w *fakeWallet) deleteSession() {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, _ := newRequest(methodSessionDelete, deleteParams{Code: userDisconnectCode, Message: "bye"})
	w.send(w.sessionTopic, w.sessionKey, req)
}

func newTestProvider(t *testing.T, relay *fakeRelay, store storage.Store, now func() time.Time) *Provider {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := New(ctx, walletconnect.ProjectConfig{
		ProjectID: "test-project",
		Name:      "avm-wallet",
		RelayURL:  relay.URL(),
	}, Options{Store: store, Now: now, ExpiryCheck: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func connect(t *testing.T, relay *fakeRelay, p *Provider) (*walletconnect.Session, error) {
	t.Helper()
	id := p.On(walletconnect.EventDisplayURI, func(ev walletconnect.ProviderEvent) {
		relay.wallet.pair(t, ev.URI)
	})
	defer p.Off(walletconnect.EventDisplayURI, id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Connect(ctx, walletconnect.ConnectParams{Namespaces: map[string]walletconnect.Namespace{
		walletconnect.AlgorandNamespace: {Chains: []string{testChain}, Methods: []string{walletconnect.SignMethod}},
	}})
}

func TestRelayAuthQuery(t *testing.T) {
	relay := newFakeRelay(t)
	newTestProvider(t, relay, storage.NewMemory(), nil)

	relay.mu.Lock()
	require.Len(t, relay.queries, 1)
	q := relay.queries[0]
	relay.mu.Unlock()
	assert.Equal(t, "test-project", q.Get("projectId"))
	assert.Equal(t, userAgent, q.Get("ua"))

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(q.Get("auth"), claims, func(tok *jwt.Token) (interface{}, error) {
		return decodeDIDKey(tok.Claims.(*jwt.RegisteredClaims).Issuer)
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{relay.URL()}, claims.Audience)
}

func TestConnectRequestDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	store := storage.NewMemory()
	p := newTestProvider(t, relay, store, nil)

	s, err := connect(t, relay, p)
	require.NoError(t, err)
	ns := s.Namespaces[walletconnect.AlgorandNamespace]
	assert.Equal(t, []string{testChain + ":" + testAddr}, ns.Accounts)
	assert.Equal(t, []string{testChain}, ns.Chains)
	assert.Equal(t, "Test Wallet", s.PeerName)
	assert.Equal(t, s.Topic, p.Session().Topic)
	require.Len(t, p.Sessions(), 1)

	stored, err := store.Get(context.Background(), SessionPrefix+s.Topic)
	require.NoError(t, err)
	assert.Contains(t, stored, s.Topic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Request(ctx, s.Topic, testChain, walletconnect.SignMethod, []interface{}{[]map[string]string{{"txn": "AAAA"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `["c2lnbmVk", null]`, string(res))
	relay.wallet.mu.Lock()
	require.Len(t, relay.wallet.requests, 1)
	assert.Equal(t, walletconnect.SignMethod, relay.wallet.requests[0].Request.Method)
	assert.Equal(t, testChain, relay.wallet.requests[0].ChainID)
	relay.wallet.mu.Unlock()

	require.NoError(t, p.DisconnectTopic(ctx, s.Topic))
	assert.Empty(t, p.Sessions())
	assert.Nil(t, p.Session())
	_, err = store.Get(context.Background(), SessionPrefix+s.Topic)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	relay.wallet.mu.Lock()
	assert.Equal(t, []string{s.Topic}, relay.wallet.deleted)
	relay.wallet.mu.Unlock()

	_, err = p.Request(ctx, s.Topic, testChain, walletconnect.SignMethod, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRejectedProposal(t *testing.T) {
	relay := newFakeRelay(t)
	relay.wallet.reject = "User rejected."
	p := newTestProvider(t, relay, storage.NewMemory(), nil)

	s, err := connect(t, relay, p)
	assert.Nil(t, s)
	assert.EqualError(t, err, "User rejected.")
	assert.Empty(t, p.Sessions())
}

func TestConnectCancelled(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestProvider(t, relay, storage.NewMemory(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Connect(ctx, walletconnect.ConnectParams{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRestoreAndWalletDelete(t *testing.T) {
	relay := newFakeRelay(t)
	store := storage.NewMemory()
	first := newTestProvider(t, relay, store, nil)
	s, err := connect(t, relay, first)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newTestProvider(t, relay, store, nil)
	require.Len(t, second.Sessions(), 1)
	assert.Equal(t, s.Topic, second.Session().Topic)
	assert.True(t, relay.hasSubscribed(s.Topic))

	deleted := make(chan string, 1)
	second.On(walletconnect.EventSessionDelete, func(ev walletconnect.ProviderEvent) { deleted <- ev.Topic })
	relay.wallet.deleteSession()
	select {
	case topic := <-deleted:
		assert.Equal(t, s.Topic, topic)
	case <-time.After(5 * time.Second):
		t.Fatal("session_delete not emitted")
	}
	assert.Empty(t, second.Sessions())
}

func TestSessionExpiry(t *testing.T) {
	relay := newFakeRelay(t)
	offset := atomic.NewDuration(0)
	now := func() time.Time { return time.Now().Add(offset.Load()) }
	p := newTestProvider(t, relay, storage.NewMemory(), now)
	s, err := connect(t, relay, p)
	require.NoError(t, err)

	expired := make(chan string, 1)
	p.On(walletconnect.EventSessionExpire, func(ev walletconnect.ProviderEvent) { expired <- ev.Topic })
	offset.Store(8 * 24 * time.Hour)
	select {
	case topic := <-expired:
		assert.Equal(t, s.Topic, topic)
	case <-time.After(5 * time.Second):
		t.Fatal("session_expire not emitted")
	}
	assert.Nil(t, p.Session())
}

func TestEnvelope(t *testing.T) {
	key, err := randomBytes(keyLength)
	require.NoError(t, err)
	env, err := seal(key, []byte(`{"id":1}`))
	require.NoError(t, err)
	plain, err := open(key, env)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(plain))

	other, _ := randomBytes(keyLength)
	_, err = open(other, env)
	assert.Error(t, err)
	_, err = open(key, "AQ==")
	assert.ErrorContains(t, err, "type 1")
	_, err = open(key, "")
	assert.Error(t, err)
}

func TestKeyAgreement(t *testing.T) {
	a, err := generateKeyPair()
	require.NoError(t, err)
	b, err := generateKeyPair()
	require.NoError(t, err)
	ka, err := deriveSymKey(a.private, b.public)
	require.NoError(t, err)
	kb, err := deriveSymKey(b.private, a.public)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, topicFromKey(ka), 64)
}

func TestDIDKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	did := encodeDIDKey(pub)
	assert.True(t, strings.HasPrefix(did, "did:key:z6Mk"))
	got, err := decodeDIDKey(did)
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	_, err = decodeDIDKey("did:web:example.com")
	assert.Error(t, err)
}

func TestClientKeyPersisted(t *testing.T) {
	store := storage.NewMemory()
	k1, err := clientKey(context.Background(), store)
	require.NoError(t, err)
	k2, err := clientKey(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestChainsFromAccounts(t *testing.T) {
	got := chainsFromAccounts([]string{testChain + ":A", testChain + ":B", "bad"})
	assert.Equal(t, []string{testChain}, got)
}

// Package relay is a walletconnect.Provider that talks to the WalletConnect v2 relay network
// directly over its websocket JSON-RPC interface.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/walletconnect"
	"avm.io/avm-wallet/pkg/concurrent"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"github.com/gorilla/websocket"
)

const (
	DefaultRelayURL = "wss://relay.walletconnect.com"
	SessionPrefix   = "wc@2:session:"

	proposalTTL         = 5 * time.Minute
	defaultExpiryCheck  = 30 * time.Second
	respondTimeout      = 10 * time.Second
	userDisconnectCode  = 6000
	unsupportedRPCCode  = 10001
	maxPeerHandlers     = 16
	userDisconnectedMsg = "User disconnected."
)

var ErrSessionNotFound = errors.New("walletconnect session not found")

type Options struct {
	Store storage.Store
	// Dialer defaults to a websocket dialer with a 15s handshake timeout.
	Dialer *websocket.Dialer
	// ExpiryCheck is how often settled sessions are checked for expiry.
	ExpiryCheck time.Duration
	Now         func() time.Time
}

// sessionState is a settled session with the keys needed to talk on its topic.
type sessionState struct {
	walletconnect.Session
	SymKey string `json:"symKey"`
	Self   string `json:"self"`
	Peer   string `json:"peer"`
}

type Provider struct {
	walletconnect.Listeners
	cfg  walletconnect.ProjectConfig
	opts Options
	meta metadata

	mu        sync.Mutex
	tr        *transport
	target    string
	sessions  map[string]*sessionState
	current   string
	symKeys   map[string][]byte
	subs      map[string]string
	responses map[int64]chan *rpcMessage
	settles   map[string]chan settleParams
	closed    bool
	stop      chan struct{}
	// handlers bounds peer requests handled at once.
	handlers concurrent.Limiter
}

// Factory builds relay providers sharing opts.
func Factory(opts Options) walletconnect.Factory {
	return func(ctx context.Context, cfg walletconnect.ProjectConfig) (walletconnect.Provider, error) {
		return New(ctx, cfg, opts)
	}
}

// New connects to the relay, restores persisted sessions and subscribes to their topics.
func New(ctx context.Context, cfg walletconnect.ProjectConfig, opts Options) (*Provider, error) {
	if opts.Store == nil {
		return nil, errors.New("relay provider needs a store")
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	if opts.ExpiryCheck <= 0 {
		opts.ExpiryCheck = defaultExpiryCheck
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
	}

	key, err := clientKey(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	token, err := signAuthJWT(key, cfg.RelayURL, opts.Now())
	if err != nil {
		return nil, err
	}
	target, err := dialURL(cfg.RelayURL, cfg.ProjectID, token)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:       cfg,
		opts:      opts,
		meta:      metadata{Name: cfg.Name, Description: cfg.Description, URL: cfg.URL, Icons: cfg.Icons},
		target:    target,
		sessions:  make(map[string]*sessionState),
		symKeys:   make(map[string][]byte),
		subs:      make(map[string]string),
		responses: make(map[int64]chan *rpcMessage),
		settles:   make(map[string]chan settleParams),
		stop:      make(chan struct{}),
		handlers:  concurrent.NewLimiter(maxPeerHandlers),
	}
	if p.meta.Icons == nil {
		p.meta.Icons = []string{}
	}
	tr, err := dial(ctx, opts.Dialer, target, p.handleRelayRequest)
	if err != nil {
		return nil, err
	}
	p.tr = tr
	if err := p.restore(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	go p.watch(tr)
	log.Infof("walletconnect relay - connected to %s with %d restored sessions", cfg.RelayURL, len(p.sessions))
	return p, nil
}

func (p *Provider) ProjectID() string {
	return p.cfg.ProjectID
}

func (p *Provider) transport() (*transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errTransportClosed
	}
	return p.tr, nil
}

func (p *Provider) restore(ctx context.Context) error {
	keys, err := p.opts.Store.Keys(ctx, SessionPrefix)
	if err != nil {
		return err
	}
	now := p.opts.Now()
	var latest time.Time
	for _, k := range keys {
		raw, err := p.opts.Store.Get(ctx, k)
		if err != nil {
			continue
		}
		s, symKey, ok := decodeSession(raw)
		if !ok || !s.Expiry.After(now) {
			log.Infof("walletconnect relay - dropping stored session %s", k)
			_ = p.opts.Store.Delete(ctx, k)
			continue
		}
		p.sessions[s.Topic] = s
		p.symKeys[s.Topic] = symKey
		if s.Expiry.After(latest) {
			latest, p.current = s.Expiry, s.Topic
		}
	}
	for topic := range p.sessions {
		if err := p.subscribe(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) persist(ctx context.Context, s *sessionState) {
	b, err := json.Marshal(s)
	if err != nil {
		log.Error(errors.WrapAndReport(err, "marshal walletconnect session"))
		return
	}
	ttl := s.Expiry.Sub(p.opts.Now())
	if ttl <= 0 {
		return
	}
	if err := p.opts.Store.Set(ctx, SessionPrefix+s.Topic, string(b), ttl); err != nil {
		log.Warnf("walletconnect relay - persist session %s: %v", s.Topic, err)
	}
}

func (p *Provider) subscribe(ctx context.Context, topic string) error {
	tr, err := p.transport()
	if err != nil {
		return err
	}
	req, err := newRequest(methodSubscribe, subscribeParams{Topic: topic})
	if err != nil {
		return err
	}
	res, err := tr.call(ctx, req)
	if err != nil {
		return err
	}
	var id string
	if err := json.Unmarshal(res, &id); err != nil {
		return errors.Wrap(err, "unmarshal subscription id")
	}
	p.mu.Lock()
	p.subs[topic] = id
	p.mu.Unlock()
	return nil
}

func (p *Provider) unsubscribe(ctx context.Context, topic string) {
	p.mu.Lock()
	id, ok := p.subs[topic]
	delete(p.subs, topic)
	p.mu.Unlock()
	if !ok {
		return
	}
	tr, err := p.transport()
	if err != nil {
		return
	}
	req, err := newRequest(methodUnsubscribe, unsubscribeParams{Topic: topic, ID: id})
	if err != nil {
		return
	}
	if _, err := tr.call(ctx, req); err != nil {
		log.Warnf("walletconnect relay - unsubscribe %s: %v", topic, err)
	}
}

// publish seals msg with the topic key and hands it to the relay.
func (p *Provider) publish(ctx context.Context, topic string, msg *rpcMessage, opts publishOpts) error {
	p.mu.Lock()
	key, ok := p.symKeys[topic]
	p.mu.Unlock()
	if !ok {
		return errors.Errorf("no key for topic %s", topic)
	}
	plain, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal session message")
	}
	envelope, err := seal(key, plain)
	if err != nil {
		return err
	}
	tr, err := p.transport()
	if err != nil {
		return err
	}
	req, err := newRequest(methodPublish, publishParams{
		Topic:   topic,
		Message: envelope,
		TTL:     int64(opts.ttl / time.Second),
		Tag:     opts.tag,
		Prompt:  msg.Method == methodSessionRequest,
	})
	if err != nil {
		return err
	}
	_, err = tr.call(ctx, req)
	return err
}

// request publishes a session method and waits for the peer's response.
func (p *Provider) request(ctx context.Context, topic, method string, params interface{}) (json.RawMessage, error) {
	req, err := newRequest(method, params)
	if err != nil {
		return nil, err
	}
	ch := p.expectResponse(req.ID)
	defer p.forgetResponse(req.ID)
	if err := p.publish(ctx, topic, req, methodOpts[method]); err != nil {
		return nil, err
	}
	return p.awaitResponse(ctx, ch)
}

func (p *Provider) expectResponse(id int64) chan *rpcMessage {
	ch := make(chan *rpcMessage, 1)
	p.mu.Lock()
	p.responses[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *Provider) forgetResponse(id int64) {
	p.mu.Lock()
	delete(p.responses, id)
	p.mu.Unlock()
}

func (p *Provider) awaitResponse(ctx context.Context, ch chan *rpcMessage) (json.RawMessage, error) {
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errors.New(resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) respond(topic string, method string, msg *rpcMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), respondTimeout)
	defer cancel()
	opts := methodOpts[method]
	opts.tag++
	if err := p.publish(ctx, topic, msg, opts); err != nil {
		log.Warnf("walletconnect relay - respond to %s on %s: %v", method, topic, err)
	}
}

// handleRelayRequest runs on the read goroutine. It routes responses to waiting requests and
// dispatches peer requests to their own goroutine.
func (p *Provider) handleRelayRequest(msg *rpcMessage) {
	if msg.Method != methodSubscription {
		log.Debugf("walletconnect relay - ignoring %s", msg.Method)
		return
	}
	var params subscriptionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		log.Warnf("walletconnect relay - bad subscription params: %v", err)
		return
	}
	topic := params.Data.Topic
	p.mu.Lock()
	key, ok := p.symKeys[topic]
	p.mu.Unlock()
	if !ok {
		return
	}
	plain, err := open(key, params.Data.Message)
	if err != nil {
		log.Warnf("walletconnect relay - message on %s: %v", topic, err)
		return
	}
	var inner rpcMessage
	if err := json.Unmarshal(plain, &inner); err != nil {
		log.Warnf("walletconnect relay - unreadable session message on %s: %v", topic, err)
		return
	}
	if inner.isRequest() {
		p.handlers.Go(func() { p.handlePeerRequest(topic, &inner) })
		return
	}
	p.mu.Lock()
	ch, ok := p.responses[inner.ID]
	p.mu.Unlock()
	if ok {
		select {
		case ch <- &inner:
		default:
		}
	}
}

func (p *Provider) handlePeerRequest(topic string, req *rpcMessage) {
	ctx := context.Background()
	ok := func() {
		if res, err := newResult(req.ID, true); err == nil {
			p.respond(topic, req.Method, res)
		}
	}
	switch req.Method {
	case methodSessionSettle:
		var params settleParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			p.respond(topic, req.Method, newErrorResult(req.ID, unsupportedRPCCode, "invalid settle params"))
			return
		}
		p.mu.Lock()
		ch, waiting := p.settles[topic]
		p.mu.Unlock()
		if !waiting {
			p.respond(topic, req.Method, newErrorResult(req.ID, unsupportedRPCCode, "no pending proposal"))
			return
		}
		select {
		case ch <- params:
		default:
		}
		ok()
	case methodSessionDelete:
		ok()
		if p.removeSession(ctx, topic) {
			log.Infof("walletconnect relay - session %s deleted by wallet", topic)
			p.Emit(walletconnect.EventSessionDelete, walletconnect.ProviderEvent{Topic: topic})
		}
	case methodSessionPing:
		ok()
	case methodSessionExtend:
		var params extendParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			p.updateSession(ctx, topic, func(s *sessionState) { s.Expiry = time.Unix(params.Expiry, 0) })
		}
		ok()
	case methodSessionUpdate:
		var params updateParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			p.updateSession(ctx, topic, func(s *sessionState) { s.Namespaces = toNamespaces(params.Namespaces) })
		}
		ok()
	default:
		p.respond(topic, req.Method, newErrorResult(req.ID, unsupportedRPCCode, "unsupported method "+req.Method))
	}
}

func (p *Provider) updateSession(ctx context.Context, topic string, fn func(*sessionState)) {
	p.mu.Lock()
	s, ok := p.sessions[topic]
	if ok {
		fn(s)
	}
	p.mu.Unlock()
	if ok {
		p.persist(ctx, s)
	}
}

// removeSession forgets topic locally. It reports whether the session existed.
func (p *Provider) removeSession(ctx context.Context, topic string) bool {
	p.mu.Lock()
	_, ok := p.sessions[topic]
	delete(p.sessions, topic)
	delete(p.symKeys, topic)
	if p.current == topic {
		p.current = ""
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.unsubscribe(ctx, topic)
	if err := p.opts.Store.Delete(ctx, SessionPrefix+topic); err != nil {
		log.Warnf("walletconnect relay - delete stored session %s: %v", topic, err)
	}
	return true
}

// Connect pairs with a wallet: it proposes a session on a fresh pairing topic, emits the pairing
// URI, then waits for the wallet's approval and the settlement on the derived session topic.
func (p *Provider) Connect(ctx context.Context, params walletconnect.ConnectParams) (*walletconnect.Session, error) {
	pairingKey, err := randomBytes(keyLength)
	if err != nil {
		return nil, err
	}
	topicBytes, err := randomBytes(keyLength)
	if err != nil {
		return nil, err
	}
	pairingTopic := hex.EncodeToString(topicBytes)
	keys, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.symKeys[pairingTopic] = pairingKey
	p.mu.Unlock()
	defer func() {
		p.unsubscribe(context.Background(), pairingTopic)
		p.mu.Lock()
		delete(p.symKeys, pairingTopic)
		p.mu.Unlock()
	}()
	if err := p.subscribe(ctx, pairingTopic); err != nil {
		return nil, err
	}

	expiry := p.opts.Now().Add(proposalTTL)
	required := make(map[string]proposedNamespace, len(params.Namespaces))
	for name, ns := range params.Namespaces {
		required[name] = proposedNamespace{Chains: ns.Chains, Methods: ns.Methods, Events: nonNil(ns.Events)}
	}
	propose, err := newRequest(methodSessionPropose, proposeParams{
		Relays:             []relayProtocol{{Protocol: "irn"}},
		RequiredNamespaces: required,
		Proposer:           participant{PublicKey: hex.EncodeToString(keys.public), Metadata: p.meta},
		ExpiryTimestamp:    expiry.Unix(),
	})
	if err != nil {
		return nil, err
	}
	ch := p.expectResponse(propose.ID)
	defer p.forgetResponse(propose.ID)
	if err := p.publish(ctx, pairingTopic, propose, methodOpts[methodSessionPropose]); err != nil {
		return nil, err
	}
	uri := PairingURI(pairingTopic, pairingKey, expiry)
	log.Debugf("walletconnect relay - pairing uri %s", uri)
	p.Emit(walletconnect.EventDisplayURI, walletconnect.ProviderEvent{URI: uri})

	raw, err := p.awaitResponse(ctx, ch)
	if err != nil {
		return nil, err
	}
	var approved proposeResult
	if err := json.Unmarshal(raw, &approved); err != nil {
		return nil, errors.Wrap(err, "unmarshal proposal response")
	}
	peer, err := hex.DecodeString(approved.ResponderPublicKey)
	if err != nil || len(peer) != keyLength {
		return nil, errors.New("wallet sent an invalid responder public key")
	}
	symKey, err := deriveSymKey(keys.private, peer)
	if err != nil {
		return nil, err
	}
	sessionTopic := topicFromKey(symKey)

	settled := make(chan settleParams, 1)
	p.mu.Lock()
	p.symKeys[sessionTopic] = symKey
	p.settles[sessionTopic] = settled
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.settles, sessionTopic)
		p.mu.Unlock()
	}()
	fail := func(err error) (*walletconnect.Session, error) {
		p.unsubscribe(context.Background(), sessionTopic)
		p.mu.Lock()
		delete(p.symKeys, sessionTopic)
		p.mu.Unlock()
		return nil, err
	}
	if err := p.subscribe(ctx, sessionTopic); err != nil {
		return fail(err)
	}

	var settle settleParams
	select {
	case settle = <-settled:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	s := &sessionState{
		Session: walletconnect.Session{
			Topic:      sessionTopic,
			Namespaces: toNamespaces(settle.Namespaces),
			Expiry:     time.Unix(settle.Expiry, 0),
			PeerName:   settle.Controller.Metadata.Name,
		},
		SymKey: hex.EncodeToString(symKey),
		Self:   hex.EncodeToString(keys.public),
		Peer:   settle.Controller.PublicKey,
	}
	p.mu.Lock()
	p.sessions[sessionTopic] = s
	p.current = sessionTopic
	p.mu.Unlock()
	p.persist(ctx, s)
	log.Infof("walletconnect relay - session %s settled with %s", sessionTopic, s.PeerName)
	return copySession(s), nil
}

// PairingURI is the URI wallets scan to join a pairing.
func PairingURI(topic string, symKey []byte, expiry time.Time) string {
	return fmt.Sprintf("wc:%s@2?relay-protocol=irn&symKey=%s&expiryTimestamp=%d", topic, hex.EncodeToString(symKey), expiry.Unix())
}

func (p *Provider) Session() *walletconnect.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[p.current]
	if !ok || !s.Expiry.After(p.opts.Now()) {
		return nil
	}
	return copySession(s)
}

func (p *Provider) Sessions() []walletconnect.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.opts.Now()
	out := make([]walletconnect.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.Expiry.After(now) {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	topic := p.current
	p.mu.Unlock()
	if topic == "" {
		return nil
	}
	return p.DisconnectTopic(ctx, topic)
}

// DisconnectTopic tells the wallet the session is over and forgets it. The session is forgotten
// even when the relay cannot be reached; that error is returned.
func (p *Provider) DisconnectTopic(ctx context.Context, topic string) error {
	p.mu.Lock()
	_, ok := p.sessions[topic]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	var err error
	req, reqErr := newRequest(methodSessionDelete, deleteParams{Code: userDisconnectCode, Message: userDisconnectedMsg})
	if reqErr == nil {
		err = p.publish(ctx, topic, req, methodOpts[methodSessionDelete])
	}
	p.removeSession(ctx, topic)
	return err
}

// Request sends a wc_sessionRequest and returns the wallet's result.
func (p *Provider) Request(ctx context.Context, topic, chainID, method string, params interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	_, ok := p.sessions[topic]
	p.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	var rp sessionRequestParams
	rp.Request.Method = method
	rp.Request.Params = params
	rp.ChainID = chainID
	return p.request(ctx, topic, methodSessionRequest, rp)
}

// Ping checks the wallet is still answering on topic.
func (p *Provider) Ping(ctx context.Context, topic string) error {
	_, err := p.request(ctx, topic, methodSessionPing, struct{}{})
	return err
}

// Close stops the expiry watcher and drops the relay connection. Sessions stay persisted.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	tr := p.tr
	close(p.stop)
	p.mu.Unlock()
	return tr.Close()
}

// watch expires sessions and redials when the relay drops the connection.
func (p *Provider) watch(tr *transport) {
	ticker := time.NewTicker(p.opts.ExpiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.expire(context.Background())
		case <-tr.Done():
			next, err := p.redial()
			if err != nil {
				log.Error(errors.WrapAndReport(err, "walletconnect relay - reconnect"))
				return
			}
			if next == nil {
				return
			}
			tr = next
		}
	}
}

func (p *Provider) redial() (*transport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	tr, err := dial(ctx, p.opts.Dialer, p.target, p.handleRelayRequest)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = tr.Close()
		return nil, nil
	}
	p.tr = tr
	topics := make([]string, 0, len(p.subs))
	for topic := range p.subs {
		topics = append(topics, topic)
	}
	p.mu.Unlock()
	for _, topic := range topics {
		if err := p.subscribe(ctx, topic); err != nil {
			log.Warnf("walletconnect relay - resubscribe %s: %v", topic, err)
		}
	}
	log.Infof("walletconnect relay - reconnected, %d topics resubscribed", len(topics))
	return tr, nil
}

func (p *Provider) expire(ctx context.Context) {
	now := p.opts.Now()
	var expired []string
	p.mu.Lock()
	for topic, s := range p.sessions {
		if !s.Expiry.After(now) {
			expired = append(expired, topic)
		}
	}
	p.mu.Unlock()
	for _, topic := range expired {
		if p.removeSession(ctx, topic) {
			log.Infof("walletconnect relay - session %s expired", topic)
			p.Emit(walletconnect.EventSessionExpire, walletconnect.ProviderEvent{Topic: topic})
		}
	}
}

func copySession(s *sessionState) *walletconnect.Session {
	out := s.Session
	out.Namespaces = make(map[string]walletconnect.Namespace, len(s.Namespaces))
	for k, v := range s.Namespaces {
		out.Namespaces[k] = v
	}
	return &out
}

func toNamespaces(in map[string]settledNamespace) map[string]walletconnect.Namespace {
	out := make(map[string]walletconnect.Namespace, len(in))
	for name, ns := range in {
		chains := ns.Chains
		if len(chains) == 0 {
			chains = chainsFromAccounts(ns.Accounts)
		}
		out[name] = walletconnect.Namespace{Accounts: ns.Accounts, Methods: ns.Methods, Chains: chains, Events: ns.Events}
	}
	return out
}

// chainsFromAccounts recovers "namespace:reference" from "namespace:reference:address" ids.
func chainsFromAccounts(accounts []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range accounts {
		i := strings.LastIndex(a, ":")
		if i <= 0 || seen[a[:i]] {
			continue
		}
		seen[a[:i]] = true
		out = append(out, a[:i])
	}
	return out
}

func decodeSession(raw string) (*sessionState, []byte, bool) {
	var s sessionState
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.Topic == "" {
		return nil, nil, false
	}
	key, err := hex.DecodeString(s.SymKey)
	if err != nil || len(key) != keyLength {
		return nil, nil, false
	}
	return &s, key, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

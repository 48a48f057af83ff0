// Package wcbridge is a WalletConnect v1 bridge client for the wallets that pair over it.
// The protocol is described at https://docs.walletconnect.com/1.0/tech-spec.
package wcbridge

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
)

const (
	// AlgorandChainID is the v1 chain id wallets expect for AVM sessions.
	AlgorandChainID = 4160
	signMethod      = "algo_signTxn"

	defaultReadTimeout = time.Minute * 5
)

var (
	errSessionClosed = errors.New("session closed by wallet")
	// ErrNoSession is returned by requests issued before a session exists.
	ErrNoSession = errors.New("no wallet connect session")
)

// DisplayFn receives the pairing URI and its QR code while the client waits for approval.
type DisplayFn func(uri string, qr []byte)

type Options struct {
	// BridgeURL may contain a "%v" shard placeholder.
	BridgeURL   string
	Meta        Meta
	Store       storage.Store
	StorageKey  string
	ChainID     int
	ReadTimeout time.Duration
}

// TxnToSign is one entry of an algo_signTxn request.
type TxnToSign struct {
	Txn string `json:"txn"`
	// Signers set to an empty list asks the wallet not to sign this entry.
	Signers *[]string `json:"signers,omitempty"`
	Message string    `json:"message,omitempty"`
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	session   *Session
	key       []byte
	connected *atomic.Bool
}

func New(opts Options) *Client {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.ChainID == 0 {
		opts.ChainID = AlgorandChainID
	}
	return &Client{
		opts:      opts,
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		connected: atomic.NewBool(false),
	}
}

// Connected reports whether a session with at least one account is held.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	s.Accounts = append([]string(nil), c.session.Accounts...)
	return &s
}

// ReconnectSession restores the persisted session without user interaction.
// It returns nil accounts and a nil error when nothing is persisted.
func (c *Client) ReconnectSession(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := storage.GetOrEmpty(ctx, c.opts.Store, c.opts.StorageKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || len(s.Accounts) == 0 {
		log.Warnf("wallet connect - dropping unreadable session %s", c.opts.StorageKey)
		_ = c.opts.Store.Delete(ctx, c.opts.StorageKey)
		return nil, nil
	}
	key, err := hex.DecodeString(s.Key)
	if err != nil || len(key) != 32 {
		_ = c.opts.Store.Delete(ctx, c.opts.StorageKey)
		return nil, nil
	}

	c.closeConn()
	if err := c.dial(ctx, s.BridgeURL); err != nil {
		return nil, err
	}
	if err := c.subscribe(s.ClientID); err != nil {
		c.closeConn()
		return nil, err
	}
	c.session, c.key = &s, key
	c.connected.Store(true)
	return append([]string(nil), s.Accounts...), nil
}

// Connect runs a new pairing: it publishes a session request, hands the URI to display and
// blocks until the wallet answers, ctx is done or the read timeout passes.
func (c *Client) Connect(ctx context.Context, display DisplayFn) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := generateRandomBytes(256 / 8)
	if err != nil {
		return nil, errors.WrapAndReport(err, "generate session key")
	}
	s := &Session{
		Key:            hex.EncodeToString(key),
		ClientID:       uuid.NewString(),
		HandshakeTopic: uuid.NewString(),
		BridgeURL:      RandomBridgeURL(c.opts.BridgeURL),
		ChainID:        c.opts.ChainID,
	}

	c.closeConn()
	if err := c.dial(ctx, s.BridgeURL); err != nil {
		return nil, err
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fail := func(err error) ([]string, error) {
		c.closeConn()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "pairing abandoned")
		}
		return nil, err
	}

	if err := c.subscribe(s.ClientID); err != nil {
		return fail(err)
	}
	req := newJSONRpcRequest("wc_sessionRequest", peer{
		PeerID:   s.ClientID,
		PeerMeta: c.opts.Meta,
		ChainID:  s.ChainID,
	})
	if err := c.publish(s.HandshakeTopic, req, key); err != nil {
		return fail(err)
	}

	uri := URI(s.HandshakeTopic, s.BridgeURL, key)
	log.Debugf("wallet connect - generated uri:%v", uri)
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		return fail(errors.WrapAndReport(err, "encode wallet connect qr code"))
	}
	if display != nil {
		display(uri, png)
	}

	resp, err := c.readResponse(req.Id, key)
	if err != nil {
		return fail(err)
	}
	if msg := gjson.GetBytes(resp, "error.message").String(); msg != "" {
		return fail(errors.New(msg))
	}
	var result sessionResult
	if err := json.Unmarshal([]byte(gjson.GetBytes(resp, "result").Raw), &result); err != nil {
		return fail(errors.Wrap(err, "unmarshal wallet info"))
	}
	if !result.Approved {
		return fail(errors.New("session rejected"))
	}
	if len(result.Accounts) == 0 {
		return fail(errors.New("no wallet accounts acquired"))
	}

	s.PeerID, s.PeerMeta, s.Accounts = result.PeerID, result.PeerMeta, result.Accounts
	if result.ChainID != 0 {
		s.ChainID = result.ChainID
	}
	if err := c.persist(ctx, s); err != nil {
		return fail(err)
	}
	c.session, c.key = s, key
	c.connected.Store(true)
	return append([]string(nil), s.Accounts...), nil
}

// SignTransactions sends one algo_signTxn request. The result has one entry per txns element;
// entries the wallet left unsigned are nil.
func (c *Client) SignTransactions(ctx context.Context, txns []TxnToSign, message string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNoSession
	}
	if c.conn == nil {
		if err := c.dial(ctx, c.session.BridgeURL); err != nil {
			return nil, err
		}
		if err := c.subscribe(c.session.ClientID); err != nil {
			c.closeConn()
			return nil, err
		}
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	params := []interface{}{txns}
	if message != "" {
		params = append(params, map[string]string{"message": message})
	}
	req := newJSONRpcRequest(signMethod, params...)
	if err := c.publish(c.session.PeerID, req, c.key); err != nil {
		c.closeConn()
		return nil, err
	}
	resp, err := c.readResponse(req.Id, c.key)
	if err != nil {
		c.closeConn()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "sign request abandoned")
		}
		if errors.Is(err, errSessionClosed) {
			c.dropSession(ctx)
		}
		return nil, err
	}
	if msg := gjson.GetBytes(resp, "error.message").String(); msg != "" {
		return nil, errors.New(msg)
	}

	results := gjson.GetBytes(resp, "result").Array()
	signed := make([][]byte, len(txns))
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

// Disconnect tells the wallet the session is over and forgets it locally. The local session
// is cleared even when the wallet cannot be reached; that error is returned.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return c.opts.Store.Delete(ctx, c.opts.StorageKey)
	}
	var err error
	if c.conn != nil && c.session.PeerID != "" {
		req := newJSONRpcRequest("wc_sessionUpdate", map[string]interface{}{
			"approved":  false,
			"chainId":   nil,
			"networkId": nil,
			"accounts":  nil,
		})
		err = c.publish(c.session.PeerID, req, c.key)
	} else if c.conn == nil {
		err = errors.New("bridge not connected")
	}
	c.dropSession(ctx)
	return err
}

// Close drops the bridge connection but keeps the persisted session for a later restore.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeConn()
	c.connected.Store(false)
}

func (c *Client) dropSession(ctx context.Context) {
	if err := c.opts.Store.Delete(ctx, c.opts.StorageKey); err != nil {
		log.Warnf("wallet connect - delete session %s: %v", c.opts.StorageKey, err)
	}
	c.closeConn()
	c.session, c.key = nil, nil
	c.connected.Store(false)
}

func (c *Client) persist(ctx context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	return c.opts.Store.Set(ctx, c.opts.StorageKey, string(b), 0)
}

func (c *Client) dial(ctx context.Context, bridgeURL string) error {
	wsURL := WebSocketURL(bridgeURL, "wc", "1")
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial to wallet connect bridge %s", bridgeURL)
	}
	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) sendRequest(payload []byte) error {
	if c.conn == nil {
		return errors.New("bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "write wallet connect message to server")
	}
	return nil
}

func (c *Client) subscribe(topic string) error {
	msg := wcMessage{Topic: topic, Type: "sub", Silent: true}
	log.Debugf("wallet connect - subscribe session:%v", string(msg.Marshal()))
	return c.sendRequest(msg.Marshal())
}

func (c *Client) publish(topic string, req *jsonRpcRequest, key []byte) error {
	payload, err := encryptPayload(req.Marshal(), key)
	if err != nil {
		return err
	}
	msg := wcMessage{
		Topic:   topic,
		Type:    "pub",
		Payload: payload.Marshal(),
		Silent:  req.IsSilentPayload(),
	}
	log.Debugf("wallet connect - publish %s to %s", req.Method, topic)
	return c.sendRequest(msg.Marshal())
}

func (c *Client) ack(topic string) error {
	msg := wcMessage{Topic: topic, Type: "ack", Silent: true}
	return c.sendRequest(msg.Marshal())
}

// readResponse reads until the JSON-RPC answer to id arrives. Other traffic is acknowledged
// and skipped, except a session update that closes the session.
func (c *Client) readResponse(id int64, key []byte) ([]byte, error) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return nil, errors.Wrap(err, "set websocket read timeout")
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "read session response")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := newWCMessageFromBytes(data)
		if err != nil {
			return nil, err
		}
		if err := c.ack(msg.Topic); err != nil {
			return nil, err
		}
		if msg.Type != "pub" {
			continue
		}
		mp, err := newWCMessagePayloadFromBytes([]byte(msg.Payload))
		if err != nil {
			return nil, err
		}
		payload, err := decryptPayload(mp, key)
		if err != nil {
			log.Warnf("wallet connect - skipping undecryptable message: %v", err)
			continue
		}
		if sessionClosed(payload) {
			return nil, errSessionClosed
		}
		if gjson.GetBytes(payload, "id").Int() == id {
			return payload, nil
		}
		log.Debugf("wallet connect - skipping message for id %d", gjson.GetBytes(payload, "id").Int())
	}
}

func sessionClosed(jsonRpc []byte) bool {
	if gjson.GetBytes(jsonRpc, "method").String() != "wc_sessionUpdate" {
		return false
	}
	approved := gjson.GetBytes(jsonRpc, "params.0.approved")
	if !approved.Exists() || approved.Bool() {
		return false
	}
	log.Warnf("wallet connect - session closed from request %s", jsonRpc)
	return true
}

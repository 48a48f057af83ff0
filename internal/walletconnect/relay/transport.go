package relay

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	userAgent       = "wc-2/go-avm-wallet"
	maxDialAttempts = 5
)

var errTransportClosed = errors.New("relay connection closed")

// transport is one websocket connection to the relay. Responses are routed to waiting calls
// by id; every incoming request is handed to onRequest on the read goroutine.
type transport struct {
	conn      *websocket.Conn
	onRequest func(*rpcMessage)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *rpcMessage
	closed  bool
	done    chan struct{}
}

func dialURL(relayURL, projectID, authToken string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse relay url %s", relayURL)
	}
	q := u.Query()
	q.Set("auth", authToken)
	q.Set("projectId", projectID)
	q.Set("ua", userAgent)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial connects with exponential backoff, giving up after maxDialAttempts or when ctx ends.
func dial(ctx context.Context, dialer *websocket.Dialer, target string, onRequest func(*rpcMessage)) (*transport, error) {
	var conn *websocket.Conn
	op := func() error {
		c, resp, err := dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(errors.Errorf("relay refused connection: %s", resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warnf("walletconnect relay - dial failed, retrying in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, errors.Wrap(err, "dial walletconnect relay")
	}

	t := &transport{
		conn:      conn,
		onRequest: onRequest,
		pending:   make(map[int64]chan *rpcMessage),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *transport) readLoop() {
	defer t.shutdown()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Warnf("walletconnect relay - read: %v", err)
			}
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warnf("walletconnect relay - unreadable frame: %v", err)
			continue
		}
		if msg.isRequest() {
			if msg.Method == methodSubscription {
				t.ack(msg.ID)
			}
			t.onRequest(&msg)
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[msg.ID]
		delete(t.pending, msg.ID)
		t.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

func (t *transport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		_ = t.conn.Close()
	}
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *transport) write(msg *rpcMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal relay message")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrap(err, "write relay message")
	}
	return nil
}

func (t *transport) ack(id int64) {
	res, err := newResult(id, true)
	if err != nil {
		return
	}
	if err := t.write(res); err != nil {
		log.Warnf("walletconnect relay - ack %d: %v", id, err)
	}
}

// call sends req and waits for the relay's answer.
func (t *transport) call(ctx context.Context, req *rpcMessage) (json.RawMessage, error) {
	ch := make(chan *rpcMessage, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.forget(req.ID)
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errTransportClosed
		}
		if resp.Error != nil {
			return nil, errors.Wrapf(resp.Error, "relay %s", req.Method)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (t *transport) forget(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *transport) Done() <-chan struct{} {
	return t.done
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

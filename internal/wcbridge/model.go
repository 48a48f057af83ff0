package wcbridge

import (
	"encoding/json"
	"strings"
	"time"

	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"go.uber.org/atomic"
)

// Meta describes the dapp to the wallet.
type Meta struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
	Name        string   `json:"name"`
}

// Session is what survives a restart.
type Session struct {
	Key            string   `json:"key"`
	ClientID       string   `json:"clientId"`
	PeerID         string   `json:"peerId"`
	HandshakeTopic string   `json:"handshakeTopic"`
	BridgeURL      string   `json:"bridge"`
	ChainID        int      `json:"chainId"`
	Accounts       []string `json:"accounts"`
	PeerMeta       Meta     `json:"peerMeta"`
}

type sessionResult struct {
	Approved bool     `json:"approved"`
	ChainID  int      `json:"chainId"`
	Accounts []string `json:"accounts"`
	PeerID   string   `json:"peerId"`
	PeerMeta Meta     `json:"peerMeta"`
}

type wcMessagePayload struct {
	Data string `json:"data"`
	Hmac string `json:"hmac"`
	IV   string `json:"iv"`
}

func newWCMessagePayloadFromBytes(data []byte) (*wcMessagePayload, error) {
	var payload wcMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message payload")
	}
	return &payload, nil
}

func (e *wcMessagePayload) Marshal() string {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return string(s)
}

type peer struct {
	PeerID   string      `json:"peerId"`
	PeerMeta Meta        `json:"peerMeta"`
	ChainID  interface{} `json:"chainId"`
}

type wcMessage struct {
	Topic string `json:"topic"`
	// pub sub ack
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

func newWCMessageFromBytes(data []byte) (*wcMessage, error) {
	var msg wcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message")
	}
	return &msg, nil
}

func (msg *wcMessage) Marshal() []byte {
	bytes, _ := json.Marshal(msg)
	return bytes
}

type jsonRpcRequest struct {
	Id      int64         `json:"id"`
	JSONRpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

var lastPayloadID = atomic.NewInt64(0)

// payloadID is time based and strictly increasing within the process.
func payloadID() int64 {
	for {
		last := lastPayloadID.Load()
		next := time.Now().UnixNano() / 1000
		if next <= last {
			next = last + 1
		}
		if lastPayloadID.CAS(last, next) {
			return next
		}
	}
}

func newJSONRpcRequest(method string, params ...interface{}) *jsonRpcRequest {
	r := &jsonRpcRequest{
		Id:      payloadID(),
		JSONRpc: "2.0",
		Method:  method,
		Params:  []interface{}{},
	}
	if len(params) > 0 {
		r.Params = params
	}
	return r
}

func (e *jsonRpcRequest) Marshal() []byte {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return s
}

// IsSilentPayload reports whether the wallet should not notify the user.
func (e *jsonRpcRequest) IsSilentPayload() bool {
	return strings.HasPrefix(e.Method, "wc_")
}

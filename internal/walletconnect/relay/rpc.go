package relay

import (
	"encoding/json"
	"time"

	"avm.io/avm-wallet/pkg/errors"
	"go.uber.org/atomic"
)

// Relay methods.
const (
	methodSubscribe    = "irn_subscribe"
	methodUnsubscribe  = "irn_unsubscribe"
	methodPublish      = "irn_publish"
	methodSubscription = "irn_subscription"
)

// Session protocol methods carried inside envelopes.
const (
	methodSessionPropose = "wc_sessionPropose"
	methodSessionSettle  = "wc_sessionSettle"
	methodSessionRequest = "wc_sessionRequest"
	methodSessionDelete  = "wc_sessionDelete"
	methodSessionPing    = "wc_sessionPing"
	methodSessionExtend  = "wc_sessionExtend"
	methodSessionUpdate  = "wc_sessionUpdate"
)

type publishOpts struct {
	tag int
	ttl time.Duration
}

// Publish tags and ttls per session method; responses use the request tag plus one.
var methodOpts = map[string]publishOpts{
	methodSessionPropose: {tag: 1100, ttl: 5 * time.Minute},
	methodSessionSettle:  {tag: 1102, ttl: 5 * time.Minute},
	methodSessionUpdate:  {tag: 1104, ttl: 24 * time.Hour},
	methodSessionExtend:  {tag: 1106, ttl: 24 * time.Hour},
	methodSessionRequest: {tag: 1108, ttl: 5 * time.Minute},
	methodSessionDelete:  {tag: 1112, ttl: 24 * time.Hour},
	methodSessionPing:    {tag: 1114, ttl: 30 * time.Second},
}

var rpcID = atomic.NewInt64(time.Now().UnixNano() / int64(time.Millisecond) * 1000)

func nextID() int64 {
	return rpcID.Inc()
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

// rpcMessage is either a request (Method set) or a response.
type rpcMessage struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *rpcMessage) isRequest() bool {
	return m.Method != ""
}

func newRequest(method string, params interface{}) (*rpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s params", method)
	}
	return &rpcMessage{ID: nextID(), JSONRPC: "2.0", Method: method, Params: raw}, nil
}

func newResult(id int64, result interface{}) (*rpcMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return &rpcMessage{ID: id, JSONRPC: "2.0", Result: raw}, nil
}

func newErrorResult(id int64, code int, message string) *rpcMessage {
	return &rpcMessage{ID: id, JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}}
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type unsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt,omitempty"`
}

type subscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic       string `json:"topic"`
		Message     string `json:"message"`
		PublishedAt int64  `json:"publishedAt"`
		Tag         int    `json:"tag"`
	} `json:"data"`
}

type metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

type participant struct {
	PublicKey string   `json:"publicKey"`
	Metadata  metadata `json:"metadata"`
}

type relayProtocol struct {
	Protocol string `json:"protocol"`
}

type proposeParams struct {
	Relays             []relayProtocol              `json:"relays"`
	RequiredNamespaces map[string]proposedNamespace `json:"requiredNamespaces"`
	Proposer           participant                  `json:"proposer"`
	ExpiryTimestamp    int64                        `json:"expiryTimestamp"`
}

type proposedNamespace struct {
	Chains  []string `json:"chains"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type proposeResult struct {
	Relay              relayProtocol `json:"relay"`
	ResponderPublicKey string        `json:"responderPublicKey"`
}

type settleParams struct {
	Relay      relayProtocol               `json:"relay"`
	Namespaces map[string]settledNamespace `json:"namespaces"`
	Controller participant                 `json:"controller"`
	Expiry     int64                       `json:"expiry"`
}

type settledNamespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

type sessionRequestParams struct {
	Request struct {
		Method string      `json:"method"`
		Params interface{} `json:"params"`
	} `json:"request"`
	ChainID string `json:"chainId"`
}

type deleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type extendParams struct {
	Expiry int64 `json:"expiry"`
}

type updateParams struct {
	Namespaces map[string]settledNamespace `json:"namespaces"`
}

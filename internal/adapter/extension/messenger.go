// Package extension implements the wallets that live in a browser extension: Kibisis and Lute.
// They are reachable only from a js/wasm build running in a page; elsewhere every operation
// fails with adapter.ErrEnvironment.
package extension

import (
	"context"
	"encoding/json"

	"avm.io/avm-wallet/pkg/errors"
	"github.com/google/uuid"
)

// Message is posted to the extension.
type Message struct {
	ID        string      `json:"id"`
	Reference string      `json:"reference"`
	Params    interface{} `json:"params,omitempty"`
}

type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Reply is the extension's answer, matched to its Message by RequestID.
type Reply struct {
	ID        string          `json:"id"`
	RequestID string          `json:"requestId"`
	Reference string          `json:"reference"`
	Result    json.RawMessage `json:"result"`
	Error     *ReplyError     `json:"error"`
}

// Messenger carries messages between the page and an extension.
type Messenger interface {
	Send(ctx context.Context, msg Message) (*Reply, error)
}

// call sends params under reference and returns the result. A reply error is returned with
// its message, or fallback when the extension gave none.
func call(ctx context.Context, m Messenger, reference string, params interface{}, fallback string) (json.RawMessage, error) {
	reply, err := m.Send(ctx, Message{ID: uuid.NewString(), Reference: reference, Params: params})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		if reply.Error.Message == "" {
			return nil, errors.New(fallback)
		}
		return nil, errors.New(reply.Error.Message)
	}
	return reply.Result, nil
}

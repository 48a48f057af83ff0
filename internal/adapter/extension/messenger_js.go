//go:build js && wasm

package extension

import (
	"context"
	"encoding/json"
	"syscall/js"

	"avm.io/avm-wallet/pkg/errors"
)

// windowMessenger exchanges messages with extensions through window.postMessage.
type windowMessenger struct {
	window js.Value
}

func defaultMessenger() Messenger {
	w := js.Global().Get("window")
	if w.IsUndefined() || w.IsNull() {
		return nil
	}
	return &windowMessenger{window: w}
}

func (m *windowMessenger) Send(ctx context.Context, msg Message) (*Reply, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal extension message")
	}
	jsonObj := js.Global().Get("JSON")
	replies := make(chan *Reply, 1)
	handler := js.FuncOf(func(_ js.Value, args []js.Value) interface{} {
		if len(args) == 0 {
			return nil
		}
		data := args[0].Get("data")
		if data.Type() != js.TypeObject {
			return nil
		}
		var r Reply
		if err := json.Unmarshal([]byte(jsonObj.Call("stringify", data).String()), &r); err != nil {
			return nil
		}
		if r.RequestID != msg.ID {
			return nil
		}
		select {
		case replies <- &r:
		default:
		}
		return nil
	})
	m.window.Call("addEventListener", "message", handler)
	defer func() {
		m.window.Call("removeEventListener", "message", handler)
		handler.Release()
	}()

	m.window.Call("postMessage", jsonObj.Call("parse", string(b)), "*")
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

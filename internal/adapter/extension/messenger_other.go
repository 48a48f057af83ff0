//go:build !(js && wasm)

package extension

func defaultMessenger() Messenger {
	return nil
}

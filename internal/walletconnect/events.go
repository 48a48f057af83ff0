package walletconnect

import (
	"sync"

	"avm.io/avm-wallet/internal/adapter"
)

type ModalEventType string

const (
	ModalShow ModalEventType = "show"
	ModalHide ModalEventType = "hide"
)

// ModalEvent asks the embedding UI to show or hide a pairing QR code.
type ModalEvent struct {
	Type       ModalEventType
	URI        string
	WalletName string
	// QRCode is a PNG of URI, set on show events.
	QRCode []byte
}

type SessionEventType string

const (
	SessionExpired      SessionEventType = "expired"
	SessionDeleted      SessionEventType = "deleted"
	SessionDisconnected SessionEventType = "disconnected"
)

// SessionEvent reports that a session ended without a local call asking for it.
type SessionEvent struct {
	Type     SessionEventType
	WalletID adapter.ID
	Topic    string
}

// Events routes modal and session events to handlers registered per scope.
// A scope may have any number of handlers.
type Events struct {
	mu      sync.RWMutex
	nextID  uint64
	modal   map[string]map[uint64]func(ModalEvent)
	session map[string]map[uint64]func(SessionEvent)
}

func NewEvents() *Events {
	return &Events{
		modal:   make(map[string]map[uint64]func(ModalEvent)),
		session: make(map[string]map[uint64]func(SessionEvent)),
	}
}

// OnModal registers h for scope and returns its unsubscribe function.
func (e *Events) OnModal(scope string, h func(ModalEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.modal[scope] == nil {
		e.modal[scope] = make(map[uint64]func(ModalEvent))
	}
	e.modal[scope][id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.modal[scope], id)
	}
}

// OnSession registers h for scope and returns its unsubscribe function.
func (e *Events) OnSession(scope string, h func(SessionEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.session[scope] == nil {
		e.session[scope] = make(map[uint64]func(SessionEvent))
	}
	e.session[scope][id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.session[scope], id)
	}
}

func (e *Events) EmitModal(scope string, ev ModalEvent) {
	e.mu.RLock()
	handlers := make([]func(ModalEvent), 0, len(e.modal[scope]))
	for _, h := range e.modal[scope] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (e *Events) EmitSession(scope string, ev SessionEvent) {
	e.mu.RLock()
	handlers := make([]func(SessionEvent), 0, len(e.session[scope]))
	for _, h := range e.session[scope] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

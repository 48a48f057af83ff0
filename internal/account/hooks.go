package account

import "sync"

type hookKind int

const (
	hookAdd hookKind = iota
	hookAuth
	hookRemove
)

type hooks struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[hookKind]map[uint64]func(Connected)
}

func (h *hooks) on(kind hookKind, fn func(Connected)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[hookKind]map[uint64]func(Connected))
	}
	if h.handlers[kind] == nil {
		h.handlers[kind] = make(map[uint64]func(Connected))
	}
	h.nextID++
	id := h.nextID
	h.handlers[kind][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers[kind], id)
	}
}

func (h *hooks) emit(kind hookKind, c Connected) {
	h.mu.RLock()
	fns := make([]func(Connected), 0, len(h.handlers[kind]))
	for _, fn := range h.handlers[kind] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

package engine

import (
	"sync"
	"time"
)

// SignalKind names a browser-side event the monitor can observe.
type SignalKind string

const (
	SignalHidden         SignalKind = "visibility-hidden"
	SignalVisible        SignalKind = "visibility-visible"
	SignalFullscreenExit SignalKind = "fullscreen-exit"
	SignalCopy           SignalKind = "copy"
	SignalCut            SignalKind = "cut"
	SignalPaste          SignalKind = "paste"
	SignalContextMenu    SignalKind = "context-menu"
)

// Signal is one observed event.
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// Listener handles a signal. Returning true prevents the default action.
type Listener func(Signal) (preventDefault bool)

// EventTarget is where listeners are attached. AddListener returns the
// matching remove function.
type EventTarget interface {
	AddListener(kind SignalKind, l Listener) (remove func())
}

// SignalBus is an in-process EventTarget. Hosts feed it the events they
// receive from the page.
type SignalBus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[SignalKind]map[int]Listener
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{listeners: make(map[SignalKind]map[int]Listener)}
}

// AddListener implements EventTarget.
func (b *SignalBus) AddListener(kind SignalKind, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]Listener)
	}
	b.listeners[kind][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[kind], id)
			if len(b.listeners[kind]) == 0 {
				delete(b.listeners, kind)
			}
		})
	}
}

// Dispatch delivers sig to every listener of its kind and reports whether any
// of them prevented the default action.
func (b *SignalBus) Dispatch(sig Signal) bool {
	b.mu.Lock()
	ls := make([]Listener, 0, len(b.listeners[sig.Kind]))
	for _, l := range b.listeners[sig.Kind] {
		ls = append(ls, l)
	}
	b.mu.Unlock()

	prevented := false
	for _, l := range ls {
		if l(sig) {
			prevented = true
		}
	}
	return prevented
}

// ListenerCount returns the number of attached listeners.
func (b *SignalBus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.listeners {
		n += len(m)
	}
	return n
}

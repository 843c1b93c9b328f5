package loom

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler observes raw inbound envelopes before normalization.
type EventHandler func(Envelope)

// dispatcher fans reconciled events out to registered observers. Handlers
// run synchronously in registration order; a panicking handler is recovered
// and logged so it cannot prevent delivery to the others.
type dispatcher struct {
	mu     sync.RWMutex
	log    *slog.Logger
	nextID int
	raw    map[int]EventHandler

	onMessage []func(Message)
	onTyping  []func(TypingEvent)
	onState   []func(ConnState)
}

func newDispatcher(log *slog.Logger) *dispatcher {
	return &dispatcher{
		log: log,
		raw: make(map[int]EventHandler),
	}
}

func (d *dispatcher) addRaw(h EventHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.raw[d.nextID] = h
	return d.nextID
}

func (d *dispatcher) removeRaw(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.raw, id)
}

func (d *dispatcher) addMessage(h func(Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = append(d.onMessage, h)
}

func (d *dispatcher) addTyping(h func(TypingEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTyping = append(d.onTyping, h)
}

func (d *dispatcher) addState(h func(ConnState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = append(d.onState, h)
}

// call isolates one handler invocation.
func (d *dispatcher) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}

func (d *dispatcher) emitRaw(env Envelope) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.raw))
	for _, h := range d.raw {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		d.call("raw", func() { h(env) })
	}
}

func (d *dispatcher) emitMessage(m Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		d.call("message", func() { h(m) })
	}
}

func (d *dispatcher) emitTyping(ev TypingEvent) {
	d.mu.RLock()
	handlers := append([]func(TypingEvent){}, d.onTyping...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		d.call("typing", func() { h(ev) })
	}
}

func (d *dispatcher) emitState(s ConnState) {
	d.mu.RLock()
	handlers := append([]func(ConnState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		d.call("state", func() { h(s) })
	}
}

package client

import (
	"sync"

	"gamerelay/pkg/protocol"
)

// Handler receives a normalized inbound envelope.
type Handler func(env *protocol.Envelope)

// dispatcher routes inbound envelopes on two independent axes: message
// type and channel. Both matching handler sets run for every message.
// Registration returns an explicit removal handle; nothing relies on
// garbage collection for cleanup.
type dispatcher struct {
	mu        sync.Mutex
	nextID    int
	byType    map[protocol.Type]map[int]Handler
	byChannel map[string]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		byType:    make(map[protocol.Type]map[int]Handler),
		byChannel: make(map[string]map[int]Handler),
	}
}

func (d *dispatcher) onType(t protocol.Type, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.byType[t] == nil {
		d.byType[t] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.byType[t][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if set, ok := d.byType[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(d.byType, t)
			}
		}
	}
}

func (d *dispatcher) onChannel(channel string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.byChannel[channel] == nil {
		d.byChannel[channel] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.byChannel[channel][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if set, ok := d.byChannel[channel]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(d.byChannel, channel)
			}
		}
	}
}

// removeChannel drops every handler registered for one channel.
func (d *dispatcher) removeChannel(channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byChannel, channel)
}

// clear drops every registered handler. Called on disconnect so stale
// closures never survive into the next connection.
func (d *dispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType = make(map[protocol.Type]map[int]Handler)
	d.byChannel = make(map[string]map[int]Handler)
}

// dispatch invokes every handler matching the envelope's type and
// channel. Handlers run outside the lock, and each is isolated: one
// panicking handler never prevents the rest from running.
func (d *dispatcher) dispatch(env *protocol.Envelope) {
	d.mu.Lock()
	handlers := make([]Handler, 0, 4)
	for _, h := range d.byType[env.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range d.byChannel[env.Channel] {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	for _, h := range handlers {
		safeInvoke(h, env)
	}
}

func safeInvoke(h Handler, env *protocol.Envelope) {
	defer func() {
		_ = recover()
	}()
	h(env)
}

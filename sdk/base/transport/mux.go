package transport

import (
	"sync"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
)

// Disposer removes a previously registered handler. Calling it more than once is safe.
type Disposer func()

// Handler receives one message delivered on a channel.
type Handler func(env ipc.Envelope)

type muxEntry struct {
	id uint64
	h  Handler
}

// Mux fans inbound messages out to the handlers registered per channel.
// Handlers run in registration order, one after the other.
type Mux struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string][]muxEntry
	parent   *Mux
}

func NewMux() *Mux { return &Mux{handlers: make(map[string][]muxEntry)} }

// NewChildMux returns a mux whose Dispatch runs its own handlers and then
// those of parent.
func NewChildMux(parent *Mux) *Mux {
	m := NewMux()
	m.parent = parent
	return m
}

// On registers h for channel and returns its disposer.
func (m *Mux) On(channel string, h Handler) Disposer {
	m.mu.Lock()
	m.next++
	id := m.next
	m.handlers[channel] = append(m.handlers[channel], muxEntry{id: id, h: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			list := m.handlers[channel]
			for i, e := range list {
				if e.id == id {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(m.handlers, channel)
			} else {
				m.handlers[channel] = list
			}
		})
	}
}

// Dispatch invokes every handler of env.Channel and returns how many ran.
// A panicking handler is logged and does not stop the others.
func (m *Mux) Dispatch(env ipc.Envelope) int {
	m.mu.RLock()
	list := m.handlers[env.Channel]
	m.mu.RUnlock()
	for _, e := range list {
		invoke(e.h, env)
	}
	n := len(list)
	if m.parent != nil {
		n += m.parent.Dispatch(env)
	}
	return n
}

// Count returns the number of handlers registered for channel.
func (m *Mux) Count(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[channel])
}

func invoke(h Handler, env ipc.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Str("channel", env.Channel).Msg("message handler panicked")
		}
	}()
	h(env)
}

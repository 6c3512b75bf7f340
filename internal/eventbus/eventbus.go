// Package eventbus provides the Bus interface and an in-memory implementation
// for streaming session events to HTTP clients.
package eventbus

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeState  = "state"
	TypeSync   = "sync"
	TypeHealth = "health"
	TypeError  = "error"
)

// Event is one notification about a session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`
	State     string    `json:"state,omitempty"`
	Data      string    `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Bus provides pub/sub for session events.
type Bus interface {
	Subscribe(sessionID string) chan *Event
	Unsubscribe(sessionID string, ch chan *Event)
	Publish(event *Event)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *Event
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *Event),
	}
}

// Subscribe creates a channel that receives events for a session.
func (b *InMemoryBus) Subscribe(sessionID string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 64)
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	return ch
}

// Unsubscribe removes a channel from the session's subscribers and closes it.
func (b *InMemoryBus) Unsubscribe(sessionID string, ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sessionID]
	for i, s := range subs {
		if s == ch {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.subs, sessionID)
			} else {
				b.subs[sessionID] = subs
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers of its session.
func (b *InMemoryBus) Publish(event *Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.SessionID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}

// Subscribers returns the number of channels subscribed to a session.
func (b *InMemoryBus) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Nop discards every event.
type Nop struct{}

func (Nop) Subscribe(string) chan *Event     { return make(chan *Event) }
func (Nop) Unsubscribe(string, chan *Event) {}
func (Nop) Publish(*Event)                  {}

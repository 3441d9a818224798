// Package events carries task and phase lifecycle notifications between
// the executor, the orchestrator, and observers such as the TUI.
package events

import "sync"

// Bus is a channel-based pub-sub fan-out. Publishing never blocks: a
// subscriber whose buffer is full simply misses that event, which keeps
// a stalled observer from stalling execution.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	allSubs []chan Event
	closed  bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize <= 0 selects the default buffer of 256.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish delivers an event to topic subscribers and all-topic
// subscribers, dropping it for any subscriber whose buffer is full.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

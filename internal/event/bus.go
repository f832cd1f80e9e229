// Package event provides the engine's pub/sub fan-out using watermill.
//
// The bus is owned by a SessionManager instance, never global: all
// cross-component signaling inside the engine boundary goes through one
// auditable component. Watermill's gochannel supplies the infrastructure
// while direct subscriber tracking preserves type information and the
// ordering contract: subscribers of one session receive events in publish
// order, and within one event in registration order.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type discriminates engine events.
type Type string

const (
	SessionInit      Type = "session.init"
	SessionLoaded    Type = "session.loaded"
	SessionUpdated   Type = "session.updated"
	SessionDestroyed Type = "session.destroyed"
	StreamStarted    Type = "stream.started"
	StreamFinished   Type = "stream.finished"
)

// Event is one engine notification, scoped to a session.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionID"`
	Data      any    `json:"data"`
}

// Subscriber receives events for one session.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus manages per-session subscriptions.
type Bus struct {
	mu sync.RWMutex

	// Watermill pub/sub mirrors every event onto a per-session topic
	// for consumers outside the engine boundary (Watch).
	pubsub *gochannel.GoChannel

	bySession map[string][]subscriberEntry
	global    []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a new bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		bySession: make(map[string][]subscriberEntry),
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// SubscribeSession registers a subscriber for one session's events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeSession(sessionID string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.bySession[sessionID] = append(b.bySession[sessionID], subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.bySession[sessionID]
		for i, entry := range subs {
			if entry.id == id {
				b.bySession[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.bySession[sessionID]) == 0 {
			delete(b.bySession, sessionID)
		}
	}
}

// SubscribeAll registers a subscriber for every session's events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.global {
			if entry.id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers an event to the session's subscribers and then the
// global subscribers, synchronously in registration order. Callers that
// need per-session ordering must publish from a single goroutine; the
// manager's dispatch loop does.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.bySession[event.SessionID])+len(b.global))
	for _, entry := range b.bySession[event.SessionID] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}

	if payload, err := json.Marshal(event); err == nil {
		_ = b.pubsub.Publish(topic(event.SessionID), message.NewMessage(watermill.NewUUID(), payload))
	}
}

// Watch exposes one session's event feed as a watermill subscription,
// for consumers outside the typed boundary (bridges, recorders). Each
// message payload is the JSON-encoded Event. The channel closes when
// ctx ends or the bus closes.
func (b *Bus) Watch(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic(sessionID))
}

func topic(sessionID string) string {
	return "session." + sessionID
}

// DropSession removes all subscribers of one session, used on teardown.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySession, sessionID)
}

// Close shuts the bus down; further subscribes are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.bySession = make(map[string][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

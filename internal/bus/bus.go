// Package bus carries rig lifecycle notifications from the modifier, the
// target feed and the file watcher to whoever hosts them.
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

const (
	// Structural
	EventTypeRebuilt       EventType = "rig.rebuilt"
	EventTypeRebuildFailed EventType = "rig.rebuild_failed"

	// Per tick
	EventTypeTickSkipped EventType = "tick.skipped"
	EventTypeTickWarning EventType = "tick.warning"

	// Inputs
	EventTypeSourceChanged EventType = "source.changed"
	EventTypeTargetUpdated EventType = "target.updated"
	EventTypeFeedConnected EventType = "feed.connected"
	EventTypeFeedLost      EventType = "feed.lost"
)

// Event is one notification. Source names the publisher (a modifier id, a
// feed URL, a watched path). Time is stamped on publish when left zero.
type Event struct {
	Type   EventType
	Source string
	Time   time.Time
	Data   map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is a pub/sub bus keyed by event type.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]subscription)}
}

// Subscribe adds a handler for an event type. The returned func removes it.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return func() { b.remove(eventType, id) }
}

// SubscribeMultiple adds one handler for several event types.
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) (unsubscribe func()) {
	undo := make([]func(), 0, len(eventTypes))
	for _, et := range eventTypes {
		undo = append(undo, b.Subscribe(et, handler))
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

func (b *EventBus) remove(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.subs[t]))
	for i, s := range b.subs[t] {
		handlers[i] = s.handler
	}
	return handlers
}

// Publish sends an event to all subscribed handlers without waiting for them.
// Handlers must not touch the modifier; they run off the tick goroutine.
func (b *EventBus) Publish(event Event) {
	stamp(&event)
	for _, handler := range b.snapshot(event.Type) {
		go handler(event)
	}
}

// PublishSync calls every handler in subscription order on the caller's
// goroutine and returns when all are done.
func (b *EventBus) PublishSync(event Event) {
	stamp(&event)
	for _, handler := range b.snapshot(event.Type) {
		handler(event)
	}
}

func stamp(e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}

// HandlerCount returns the number of handlers subscribed to an event type
func (b *EventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[EventType][]subscription)
}

// Package events provides the in-process event bus used by the memory
// subsystem and the scheduler. Subscribers may be synchronous (invoked
// inline, faults recovered and logged) or asynchronous (invoked on their
// own goroutine); a faulting handler never blocks the others.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

// Event kinds emitted by the runtime.
const (
	MemoryAdded    Type = "memory.added"
	MemoryUpdated  Type = "memory.updated"
	MemoryDeleted  Type = "memory.deleted"
	MemoriesPruned Type = "memories.pruned"

	TaskSubmitted Type = "task.submitted"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskCancelled Type = "task.cancelled"

	CrewStarted   Type = "crew.started"
	CrewCompleted Type = "crew.completed"
	CrewFailed    Type = "crew.failed"

	RateThrottled Type = "rate.throttled"
)

// Event is one published occurrence.
type Event struct {
	Type    Type
	Payload any
}

// PrunedPayload accompanies MemoriesPruned.
type PrunedPayload struct {
	Count    int    `json:"count"`
	Strategy string `json:"strategy"`
}

// CancelledPayload accompanies TaskCancelled. WasRunning distinguishes a
// discarded in-flight execution from a task cancelled before it started.
type CancelledPayload struct {
	ID         string `json:"id"`
	WasRunning bool   `json:"wasRunning"`
}

// Handler consumes events.
type Handler func(Event)

type subscriber struct {
	id      string
	types   map[Type]bool // nil means all types
	handler Handler
	async   bool
}

// Bus fans events out to subscribers. A zero-value Bus is not usable; use
// NewBus. Each crew run owns its own bus; nothing in the runtime reads a
// process-global instance.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	wg   sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a synchronous handler for the given types (none means
// all). Returns the subscription id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	return b.subscribe(handler, false, types)
}

// SubscribeAsync registers a handler invoked on its own goroutine per event.
func (b *Bus) SubscribeAsync(handler Handler, types ...Type) string {
	return b.subscribe(handler, true, types)
}

func (b *Bus) subscribe(handler Handler, async bool, types []Type) string {
	sub := &subscriber{id: uuid.New().String(), handler: handler, async: async}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber. Synchronous
// handlers run inline in registration-independent order; panics are
// recovered and logged so one handler cannot break delivery.
func (b *Bus) Publish(eventType Type, payload any) {
	evt := Event{Type: eventType, Payload: payload}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[eventType] {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if sub.async {
			b.wg.Add(1)
			go func(s *subscriber) {
				defer b.wg.Done()
				invoke(s, evt)
			}(sub)
			continue
		}
		invoke(sub, evt)
	}
}

// Wait blocks until all in-flight async handlers have returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func invoke(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"event_type", evt.Type,
				"subscriber_id", sub.id,
				"panic", r)
		}
	}()
	sub.handler(evt)
}

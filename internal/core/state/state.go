// Package state carries device change notifications from the device manager
// to interested consumers (the MQTT publisher, library users) over a pub/sub bus.
package state

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies event categories.
type EventType string

const (
	EventDeviceAdded   EventType = "device_added"
	EventStateChanged  EventType = "state_changed"
	EventCommandFailed EventType = "command_failed"
)

// Event represents a device change. Data holds a snapshot of the device
// (device.Device) for added/changed events and the error for failures.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// subscription is one consumer. An empty types set receives everything.
type subscription struct {
	ch    chan Event
	types map[EventType]bool
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// EventBus fans device events out to subscribers. Publish never blocks the
// device manager: a subscriber that falls behind loses events.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]subscription
	nextID int
	log    *slog.Logger
}

// NewEventBus creates an event bus with no subscribers.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subs: make(map[int]subscription),
		log:  log,
	}
}

// Publish stamps evt if needed and offers it to every interested subscriber.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn("event bus: subscriber lagging, event dropped",
				"subscriber_id", id, "event_type", evt.Type, "device_id", evt.DeviceID)
		}
	}
}

// Subscribe registers a consumer for the given event types, or for all
// events when types is empty. A non-positive buffer defaults to 64. The
// returned cancel func closes the channel and may be called more than once.
func (b *EventBus) Subscribe(buffer int, types ...EventType) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

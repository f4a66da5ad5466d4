// Package events fans auth events out to in-process subscribers.
package events

import (
	evbus "github.com/asaskevich/EventBus"

	"wardkeep.org/internal/obs"
)

// Bus wraps an evbus.Bus. Publish is synchronous for plain subscribers and
// hands off to a goroutine per event for async ones.
type Bus struct {
	bus evbus.Bus
}

func New() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish delivers args to every handler subscribed to topic. A handler whose
// signature does not match args panics inside evbus; that panic is logged and
// swallowed so a bad subscriber cannot break a login.
func (b *Bus) Publish(topic string, args ...interface{}) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("event handler panicked", map[string]any{"topic": topic, "panic": r})
		}
	}()
	b.bus.Publish(topic, args...)
}

// Subscribe runs fn on the publishing goroutine.
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeAsync runs fn in the background, one event at a time per handler.
func (b *Bus) SubscribeAsync(topic string, fn interface{}) error {
	return b.bus.SubscribeAsync(topic, fn, true)
}

func (b *Bus) Unsubscribe(topic string, fn interface{}) error {
	return b.bus.Unsubscribe(topic, fn)
}

func (b *Bus) HasCallback(topic string) bool {
	return b.bus.HasCallback(topic)
}

// WaitAsync blocks until every async handler has drained.
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

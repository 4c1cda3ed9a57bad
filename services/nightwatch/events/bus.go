// Copyright (C) 2025 THOC Labs (ops@thoclabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thoclabs/nightwatch/pkg/logging"
)

// Listener receives published events.
type Listener func(Event)

// subscription pairs a listener with its identity and type filter.
type subscription struct {
	id       string
	listener Listener
}

// Bus is the typed publish/subscribe event channel.
//
// Listeners for a type are invoked synchronously in registration
// order. A panicking listener is recovered and logged; delivery
// continues with the remaining listeners.
//
// Thread Safety: Bus is safe for concurrent use. Publish holds no
// locks while invoking listeners, so listeners may subscribe,
// unsubscribe, or publish without deadlocking.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Type][]subscription
	buffer     []Event
	bufferSize int
	logger     *logging.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the recent-event buffer capacity.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *logging.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[Type][]subscription),
		bufferSize: 1000,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.Discard()
	}
	b.buffer = make([]Event, 0, b.bufferSize)
	return b
}

// Subscribe registers a listener for one event type.
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (b *Bus) Subscribe(t Type, listener Listener) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: uuid.NewString(), listener: listener}
	b.subs[t] = append(b.subs[t], sub)
	return sub.id
}

// Unsubscribe removes a subscription by ID.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers an event to every listener of its type.
//
// Description:
//
//	Delivery is synchronous and in registration order. Listener
//	panics are recovered so one bad listener cannot block the rest.
//	The event is also appended to the bounded recent-event buffer,
//	evicting the oldest entry when full.
func (b *Bus) Publish(t Type, payload any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	publishedTotal.WithLabelValues(string(t)).Inc()

	b.mu.Lock()
	if len(b.buffer) >= b.bufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)
	// Snapshot so listeners run without the lock held.
	subs := make([]subscription, len(b.subs[t]))
	copy(subs, b.subs[t])
	b.mu.Unlock()

	for _, sub := range subs {
		b.safeInvoke(sub.listener, event)
	}
	return event
}

// safeInvoke calls a listener with panic recovery.
func (b *Bus) safeInvoke(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			listenerPanicsTotal.WithLabelValues(string(event.Type)).Inc()
			b.logger.Error("event listener panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	listener(event)
}

// Recent returns up to limit buffered events, oldest first.
// limit <= 0 returns the whole buffer.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.buffer)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.buffer[len(b.buffer)-n:])
	return out
}

// SubscriberCount returns the number of listeners for a type.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package events is the in-process event bus for registry and lifecycle
// notifications.
//
// Publish never blocks: every subscription owns a bounded ring buffer and an
// event that does not fit is dropped and counted for that subscriber only.
// Events from one publisher reach each subscriber in publication order.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/plugin-host/internal/logging"
)

var log = logging.Named("events")

// DefaultBufferSize is used when Subscribe is given a non-positive size.
const DefaultBufferSize = 256

// Type is the kind of event.
type Type uint8

const (
	PluginRegistered Type = iota + 1
	PluginUnregistered
	InstanceCreated
	InstanceStarted
	InstanceStopped
	InstanceCrashed
	InstanceRestarting
	InstanceRemoved
	HealthChanged
	Error
	ConfigUpdated
)

var typeNames = map[Type]string{
	PluginRegistered:   "PluginRegistered",
	PluginUnregistered: "PluginUnregistered",
	InstanceCreated:    "InstanceCreated",
	InstanceStarted:    "InstanceStarted",
	InstanceStopped:    "InstanceStopped",
	InstanceCrashed:    "InstanceCrashed",
	InstanceRestarting: "InstanceRestarting",
	InstanceRemoved:    "InstanceRemoved",
	HealthChanged:      "HealthChanged",
	Error:              "Error",
	ConfigUpdated:      "ConfigUpdated",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is one notification. Fields that do not apply are left empty.
type Event struct {
	Type       Type      `json:"type"`
	Time       time.Time `json:"time"`
	PluginID   string    `json:"plugin_id,omitempty"`
	PluginName string    `json:"plugin_name,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	// Status carries the new state or health, depending on Type.
	Status  string `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber whose backlog holds at least size events.
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus) Subscribe(size int) *Subscription {
	if size <= 0 {
		size = DefaultBufferSize
	}
	s := &Subscription{
		bus:  b,
		rb:   queue.NewRingBuffer(uint64(size)),
		ch:   make(chan Event),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.rb.Dispose()
		close(s.done)
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()
	return s
}

// Publish delivers e to every current subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for s := range b.subs {
		ok, err := s.rb.Offer(e)
		if err != nil || !ok {
			if s.dropped.Add(1) == 1 {
				log.Warnf("subscriber backlog full, dropping %s events", e.Type)
			}
		}
	}
}

// Published returns the number of events published so far.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publications are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()
	for s := range subs {
		s.shutdown()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus     *Bus
	rb      *queue.RingBuffer
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// C delivers events in publication order. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events did not fit this subscriber's backlog.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.rb.Dispose()
	})
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		item, err := s.rb.Get()
		if err != nil {
			return
		}
		select {
		case s.ch <- item.(Event):
		case <-s.done:
			return
		}
	}
}

/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fanout delivers pipeline events to whoever is listening right now.
// Delivery is best effort: there is no backlog, and a subscriber that falls
// behind loses its oldest undelivered events instead of slowing publishers.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/prospekt/model"
)

// Publisher is the side of the fanout the pipeline depends on.
type Publisher interface {
	Publish(event model.Event)
}

// Filter selects the events a subscriber receives. A nil filter accepts all.
type Filter func(model.Event) bool

// ForJob accepts only events of one job. An empty id accepts all.
func ForJob(jobID string) Filter {
	if jobID == "" {
		return nil
	}
	return func(e model.Event) bool {
		return e.JobID == jobID
	}
}

// Broker is an in-process publish/subscribe hub.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	origin string
	closed bool
	now    func() time.Time
}

// NewBroker creates a broker whose subscribers buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broker{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		origin: model.GenerateUUIDWithSuffix("node"),
		now:    time.Now,
	}
}

// Origin identifies events published by this process.
func (b *Broker) Origin() string {
	return b.origin
}

// Publish hands event to every matching subscriber without blocking.
// Events without an origin or timestamp are stamped by the broker.
func (b *Broker) Publish(event model.Event) {
	if event.Origin == "" {
		event.Origin = b.origin
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		s.offer(event)
	}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{
		ch:     make(chan model.Event, b.buffer),
		filter: filter,
		broker: b,
	}
	if b.closed {
		close(s.ch)
		s.closed = true
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are discarded.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closed = true
		close(s.ch)
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	delete(b.subs, s.id)
	s.closed = true
	close(s.ch)
}

// Subscription is one consumer of the broker.
type Subscription struct {
	id      uint64
	ch      chan model.Event
	filter  Filter
	broker  *Broker
	dropped atomic.Int64
	closed  bool
}

// Events is closed when the subscription or the broker is closed.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Dropped counts events this subscriber lost because it fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// offer enqueues e, evicting the oldest buffered event when full.
// Callers hold the broker lock, so there is a single sender per channel.
func (s *Subscription) offer(e model.Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

/*
Copyright 2018 The Zpoold Authors. All rights reserved.

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

package job

import (
	"strings"
	"sync"
)

// Event is one notification published on the bus.
type Event struct {
	Topic string
	Data  map[string]string
}

// EventBus is a fire-and-forget pub/sub channel. Publishing never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// publisher.
type EventBus struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: map[int]*subscription{}}
}

// Subscribe returns a channel of events whose topic starts with prefix, and
// a cancel function that closes it. An empty prefix receives everything.
func (b *EventBus) Subscribe(prefix string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscription{prefix: prefix, ch: make(chan Event, 32)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !strings.HasPrefix(event.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			logger.Warningf("dropping event %s for a slow subscriber", event.Topic)
		}
	}
}

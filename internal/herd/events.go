// Copyright 2025 github.com/ucirello, cirello.io, U. Cirello
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package herd

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event kinds published on the bus. Topics are dotted: watcher events are
// "<watcher>.<kind>", arbiter-wide events use the bare kind, and the periodic
// health tick goes out on "herd.health".
const (
	EventStart    = "start"
	EventStarting = "starting"
	EventStarted  = "started"
	EventStop     = "stop"
	EventStopping = "stopping"
	EventStopped  = "stopped"
	EventSpawn    = "spawn"
	EventReap     = "reap"
	EventKill     = "kill"
	EventUpdated  = "updated"

	TopicPluginError = "plugin.error"
	TopicHealth      = "herd.health"
)

// Event is one message on the bus: a dotted topic plus a JSON-friendly
// payload. The publisher stamps "time" into the payload.
type Event struct {
	Topic   string
	Payload map[string]any
}

// Subscription is one registered bus consumer. Delivery is at-most-once: when
// the channel buffer is full the event is dropped and Dropped incremented.
type Subscription struct {
	ID       string
	prefixes []string
	ch       chan Event
	Dropped  atomic.Int64
}

// C returns the delivery channel. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is the in-memory topic broker. Publish never blocks; per-publisher
// order is preserved because delivery happens inline on the publisher's
// goroutine (the event loop).
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	bufSize int
	log     logrus.FieldLogger

	dropped atomic.Int64
}

const defaultBusBuffer = 128

// NewBus creates a broker with the given per-subscriber buffer depth.
func NewBus(log logrus.FieldLogger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBusBuffer
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		log:     log,
	}
}

// Subscribe registers a consumer for every topic matching one of the given
// prefixes. No prefixes means every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{
		ID:       uuid.NewString(),
		prefixes: prefixes,
		ch:       make(chan Event, b.bufSize),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown subscriptions are
// a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

// Publish fans the event out to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload map[string]any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.Dropped.Add(1)
			b.dropped.Add(1)
			b.log.WithField("topic", topic).Warn("subscriber queue full, dropping message")
		}
	}
}

// DroppedMessages returns the total count of messages dropped across all
// subscribers since the bus was created.
func (b *Bus) DroppedMessages() int64 { return b.dropped.Load() }

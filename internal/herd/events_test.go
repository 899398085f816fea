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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBusPrefixMatching(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	all := bus.Subscribe()
	web := bus.Subscribe("web.")
	health := bus.Subscribe(TopicHealth)
	defer bus.Unsubscribe(all)
	defer bus.Unsubscribe(web)
	defer bus.Unsubscribe(health)

	bus.Publish("web.spawn", map[string]any{"pid": 42})
	bus.Publish("db.spawn", map[string]any{"pid": 43})
	bus.Publish(TopicHealth, nil)

	drain := func(sub *Subscription) []string {
		var topics []string
		for len(sub.C()) > 0 {
			topics = append(topics, (<-sub.C()).Topic)
		}
		return topics
	}
	if diff := cmp.Diff([]string{"web.spawn", "db.spawn", TopicHealth}, drain(all)); diff != "" {
		t.Errorf("catch-all subscriber:\n%v", diff)
	}
	if diff := cmp.Diff([]string{"web.spawn"}, drain(web)); diff != "" {
		t.Errorf("prefixed subscriber:\n%v", diff)
	}
	if diff := cmp.Diff([]string{TopicHealth}, drain(health)); diff != "" {
		t.Errorf("health subscriber:\n%v", diff)
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus(testLogger(), 2)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for i := 0; i < 5; i++ {
		bus.Publish("tick", nil)
	}
	if got := len(sub.C()); got != 2 {
		t.Errorf("expected a full buffer of 2, got %v", got)
	}
	if got := sub.Dropped.Load(); got != 3 {
		t.Errorf("expected 3 dropped events, got %v", got)
	}
	if got := bus.DroppedMessages(); got != 3 {
		t.Errorf("expected bus-wide drop count 3, got %v", got)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	sub := bus.Subscribe("web.")
	bus.Unsubscribe(sub)
	if _, open := <-sub.C(); open {
		t.Error("channel must be closed after unsubscribe")
	}
	bus.Unsubscribe(sub) // second call is a no-op
	bus.Publish("web.spawn", nil)
}

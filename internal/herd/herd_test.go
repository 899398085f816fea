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
	"fmt"
	"io"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeClock drives time by hand so reconciliation and escalation timers fire
// deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	when    time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{when: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// advance moves the clock forward, firing due timers in schedule order.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	deadline := c.now
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.when.After(deadline) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next != nil {
			next.stopped = true
		}
		c.mu.Unlock()
		if next == nil {
			return
		}
		next.fn()
	}
}

// fakeChild records delivered signals instead of touching the OS.
type fakeChild struct {
	pid          int
	signals      []syscall.Signal
	groupSignals []syscall.Signal
}

func (c *fakeChild) Pid() int { return c.pid }

func (c *fakeChild) Signal(sig syscall.Signal) error {
	c.signals = append(c.signals, sig)
	return nil
}

func (c *fakeChild) SignalGroup(sig syscall.Signal) error {
	c.groupSignals = append(c.groupSignals, sig)
	return nil
}

func (c *fakeChild) Children() ([]int, error) { return nil, nil }

func (c *fakeChild) Info() (map[string]any, error) {
	return map[string]any{"rss": 1024}, nil
}

// fakeSpawner hands out fake children and lets tests trigger their exits.
type fakeSpawner struct {
	nextPid  int
	children map[int]*fakeChild
	onExit   map[int]func(ExitReport)
	wids     map[int]int
	failWith error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPid:  100,
		children: make(map[int]*fakeChild),
		onExit:   make(map[int]func(ExitReport)),
		wids:     make(map[int]int),
	}
}

func (s *fakeSpawner) Spawn(spec SpawnSpec) (ChildHandle, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	s.nextPid++
	child := &fakeChild{pid: s.nextPid}
	s.children[child.pid] = child
	s.onExit[child.pid] = spec.OnExit
	s.wids[child.pid] = spec.WID
	return child, nil
}

// exit reports the child's termination the way a wait goroutine would.
func (s *fakeSpawner) exit(pid, code int) {
	report := ExitReport{Pid: pid, WID: s.wids[pid], ExitCode: code}
	s.report(pid, report)
}

// exitSignaled reports a death by signal.
func (s *fakeSpawner) exitSignaled(pid int, sig syscall.Signal) {
	report := ExitReport{Pid: pid, WID: s.wids[pid], Signaled: true, Signal: sig, ExitCode: 128 + int(sig)}
	s.report(pid, report)
}

func (s *fakeSpawner) report(pid int, report ExitReport) {
	fn, ok := s.onExit[pid]
	if !ok {
		panic(fmt.Sprintf("unknown pid %v", pid))
	}
	delete(s.onExit, pid)
	delete(s.children, pid)
	fn(report)
}

// pids returns the live fake children, ascending.
func (s *fakeSpawner) pids() []int {
	out := make([]int, 0, len(s.children))
	for pid := range s.children {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestWatcher builds a watcher whose timers and children are all fake,
// with enqueue running inline so tests stay single-threaded.
func newTestWatcher(opts WatcherOptions, clock *fakeClock, spawner Spawner, hooks ...*HookRegistry) (*Watcher, *Bus) {
	registry := NewHookRegistry()
	if len(hooks) > 0 {
		registry = hooks[0]
	}
	log := testLogger()
	bus := NewBus(log, 0)
	deps := watcherDeps{
		clock:     clock,
		spawner:   spawner,
		bus:       bus,
		hooks:     &hookRunner{registry: registry, log: log},
		callbacks: NewStreamCallbackRegistry(),
		redirect:  &redirector{clock: clock, log: log},
		log:       log,
		enqueue:   func(f func()) { f() },
		endpoint:  DefaultEndpoint,
		umask:     -1,
	}
	w, err := NewWatcher(opts, deps)
	if err != nil {
		panic(err)
	}
	return w, bus
}

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
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// newTestArbiter builds an unrun arbiter plus a goroutine standing in for the
// event loop, so Dispatch and Do behave as they do under Run.
func newTestArbiter(t *testing.T, snap Snapshot) (*Arbiter, *fakeSpawner) {
	t.Helper()
	spawner := newFakeSpawner()
	a, err := NewArbiter(snap, ArbiterConfig{
		Clock:   newFakeClock(),
		Spawner: spawner,
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	drainOps(t, a)
	return a, spawner
}

// drainOps stands in for the Run loop, executing queued ops with the same
// panic containment.
func drainOps(t *testing.T, a *Arbiter) {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case op := <-a.ops:
				a.runOp(op)
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })
}

func testSnapshot() Snapshot {
	return Snapshot{
		Watchers: []WatcherOptions{
			{Name: "web", Cmd: "sleep 60", Shell: true, NumProcesses: 2},
			{Name: "db", Cmd: "sleep 60", Shell: true, NumProcesses: 1, Priority: 10},
		},
	}
}

// barrier waits until every previously queued op has run.
func barrier(t *testing.T, a *Arbiter) {
	t.Helper()
	if _, err := a.Do(func() (any, error) { return nil, nil }); err != nil {
		t.Fatal("unexpected error:", err)
	}
}

func watcherStatus(t *testing.T, a *Arbiter, name string) WatcherStatus {
	t.Helper()
	v, err := a.Do(func() (any, error) { return a.watchers[name].Status(), nil })
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	return v.(WatcherStatus)
}

func TestDispatchUnknownCommand(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	reply := a.Dispatch(Request{Command: "dance", MsgID: "42"})
	if reply["status"] != "error" || reply["reason"] != ReasonUnknownCommand {
		t.Errorf("expected unknown_command error, got %v", reply)
	}
	if reply["id"] != "42" {
		t.Errorf("reply must echo the request id, got %v", reply["id"])
	}
	if _, ok := reply["time"]; !ok {
		t.Error("reply must carry a timestamp")
	}
}

func TestDispatchListAndStatus(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	reply := a.Dispatch(Request{Command: "list"})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	// db has the higher priority, so it leads the start order
	if diff := cmp.Diff([]string{"db", "web"}, reply["watchers"]); diff != "" {
		t.Errorf("wrong watcher list:\n%v", diff)
	}
	// the named form reuses the status field for the watcher status
	reply = a.Dispatch(Request{Command: "status", Properties: map[string]any{"name": "web"}})
	if reply["status"] != string(StatusStopped) {
		t.Errorf("expected stopped status, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "status", Properties: map[string]any{"name": "ghost"}})
	if reply["status"] != "error" || reply["reason"] != ReasonUnknownWatcher {
		t.Errorf("expected unknown_watcher, got %v", reply)
	}
}

func TestDispatchStartStopLifecycle(t *testing.T) {
	a, spawner := newTestArbiter(t, testSnapshot())
	reply := a.Dispatch(Request{Command: "start"})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "list", Properties: map[string]any{"name": "web"}})
	pids, _ := reply["pids"].([]int)
	if len(pids) != 2 {
		t.Fatalf("expected 2 pids, got %v", reply["pids"])
	}
	// named start of a running watcher reports rather than fails
	reply = a.Dispatch(Request{Command: "start", Properties: map[string]any{"name": "web"}})
	if reply["status"] != "ok" || reply["info"] != ReasonAlreadyRunning {
		t.Errorf("expected ok with already_running info, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "stop", Properties: map[string]any{"name": "web"}})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	for _, pid := range pids {
		spawner.exitSignaled(pid, syscall.SIGTERM)
	}
	barrier(t, a)
	if got := watcherStatus(t, a, "web"); got != StatusStopped {
		t.Errorf("expected stopped watcher, got %v", got)
	}
	if got := watcherStatus(t, a, "db"); got != StatusActive {
		t.Errorf("db must be untouched, got %v", got)
	}
}

func TestDispatchIncrDecr(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	a.Dispatch(Request{Command: "start", Properties: map[string]any{"name": "web"}})
	reply := a.Dispatch(Request{Command: "incr", Properties: map[string]any{"name": "web"}})
	if reply["status"] != "ok" || reply["numprocesses"] != 3 {
		t.Errorf("expected 3 replicas, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "decr", Properties: map[string]any{"name": "web", "nb": float64(2)}})
	if reply["status"] != "ok" || reply["numprocesses"] != 1 {
		t.Errorf("expected 1 replica, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "numprocesses"})
	if reply["numprocesses"] != 2 { // web 1 + db 1
		t.Errorf("expected total 2, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "incr", Properties: map[string]any{"name": "ghost"}})
	if reply["status"] != "error" || reply["reason"] != ReasonUnknownWatcher {
		t.Errorf("expected unknown_watcher, got %v", reply)
	}
}

func TestDispatchGetSetOptions(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	reply := a.Dispatch(Request{
		Command:    "set",
		Properties: map[string]any{"name": "web", "options": map[string]any{"numprocesses": float64(5)}},
	})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	reply = a.Dispatch(Request{
		Command:    "get",
		Properties: map[string]any{"name": "web", "keys": []any{"numprocesses", "cmd"}},
	})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	options, _ := reply["options"].(map[string]any)
	if options["numprocesses"] != 5 || options["cmd"] != "sleep 60" {
		t.Errorf("wrong options: %v", options)
	}
	reply = a.Dispatch(Request{
		Command:    "set",
		Properties: map[string]any{"name": "web", "options": map[string]any{"bogus": 1}},
	})
	if reply["status"] != "error" || reply["reason"] != ReasonBadArgument {
		t.Errorf("expected bad_argument, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "options", Properties: map[string]any{"name": "web"}})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	all, _ := reply["options"].(map[string]any)
	if all["stop_signal"] != "SIGTERM" {
		t.Errorf("expected full option dump, got %v", all)
	}
}

func TestDispatchSignal(t *testing.T) {
	a, spawner := newTestArbiter(t, testSnapshot())
	a.Dispatch(Request{Command: "start", Properties: map[string]any{"name": "db"}})
	reply := a.Dispatch(Request{Command: "list", Properties: map[string]any{"name": "db"}})
	pids, _ := reply["pids"].([]int)
	if len(pids) != 1 {
		t.Fatalf("expected 1 pid, got %v", reply["pids"])
	}
	reply = a.Dispatch(Request{
		Command:    "signal",
		Properties: map[string]any{"name": "db", "signum": "hup"},
	})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	child := spawner.children[pids[0]]
	if diff := cmp.Diff([]syscall.Signal{syscall.SIGHUP}, child.signals); diff != "" {
		t.Errorf("wrong delivered signals:\n%v", diff)
	}
	reply = a.Dispatch(Request{
		Command:    "signal",
		Properties: map[string]any{"name": "db", "signum": "bogus"},
	})
	if reply["status"] != "error" || reply["reason"] != ReasonBadArgument {
		t.Errorf("expected bad_argument, got %v", reply)
	}
}

func TestDispatchStats(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	a.Dispatch(Request{Command: "start", Properties: map[string]any{"name": "db"}})
	reply := a.Dispatch(Request{Command: "stats", Properties: map[string]any{"name": "db"}})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	infos, _ := reply["infos"].(map[string]any)
	if infos["name"] != "db" {
		t.Errorf("wrong stats payload: %v", infos)
	}
	reply = a.Dispatch(Request{Command: "stats"})
	all, _ := reply["infos"].(map[string]any)
	if _, ok := all["web"]; !ok {
		t.Errorf("expected stats for every watcher, got %v", all)
	}
}

func TestDispatchAddRemove(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	reply := a.Dispatch(Request{
		Command:    "add",
		Properties: map[string]any{"name": "worker", "cmd": "sleep 60", "shell": true, "start": true},
	})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "list", Properties: map[string]any{"name": "worker"}})
	pids, _ := reply["pids"].([]int)
	if len(pids) != 1 {
		t.Fatalf("expected the added watcher running 1 process, got %v", reply["pids"])
	}
	reply = a.Dispatch(Request{
		Command:    "add",
		Properties: map[string]any{"name": "worker", "cmd": "sleep 60"},
	})
	if reply["status"] != "error" || reply["reason"] != ReasonBadArgument {
		t.Errorf("expected duplicate add to fail, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "rm", Properties: map[string]any{"name": "worker"}})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	reply = a.Dispatch(Request{Command: "rm", Properties: map[string]any{"name": "worker"}})
	if reply["status"] != "error" || reply["reason"] != ReasonUnknownWatcher {
		t.Errorf("expected unknown_watcher, got %v", reply)
	}
}

func TestDispatchQuit(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	a.Dispatch(Request{Command: "start"})
	reply := a.Dispatch(Request{Command: "quit"})
	if reply["status"] != "ok" {
		t.Fatalf("expected ok, got %v", reply)
	}
	v, err := a.Do(func() (any, error) { return a.stopping, nil })
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if v != true {
		t.Error("quit must put the arbiter in stopping state")
	}
}

func TestNewArbiterRejectsStatsEndpointWithoutStatsd(t *testing.T) {
	snap := Snapshot{Options: GlobalOptions{StatsEndpoint: "tcp://127.0.0.1:5557"}}
	if _, err := NewArbiter(snap, ArbiterConfig{Log: testLogger()}); err == nil {
		t.Error("expected an error")
	}
}

func TestLoopOpPanicIsContained(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	sub := a.Bus().Subscribe(ReasonInternal)
	defer a.Bus().Unsubscribe(sub)
	a.enqueue(func() { panic("boom") })
	barrier(t, a)
	if len(sub.C()) == 0 {
		t.Error("expected an internal event")
	}
	reply := a.Dispatch(Request{Command: "list"})
	if reply["status"] != "ok" {
		t.Errorf("arbiter must keep serving after a panicking op, got %v", reply)
	}
}

func TestStartAllSpacedByWarmupDelay(t *testing.T) {
	snap := testSnapshot()
	snap.Options.WarmupDelay = 2
	clock := newFakeClock()
	spawner := newFakeSpawner()
	a, err := NewArbiter(snap, ArbiterConfig{
		Clock:   clock,
		Spawner: spawner,
		Log:     testLogger(),
	})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	drainOps(t, a)
	if _, err := a.Do(func() (any, error) { a.startAll(); return nil, nil }); err != nil {
		t.Fatal("unexpected error:", err)
	}
	// db leads on priority; web must wait for the global warm-up gap
	if got := len(spawner.pids()); got != 1 {
		t.Fatalf("expected only the first watcher started, got %v pids", got)
	}
	if got := watcherStatus(t, a, "web"); got != StatusStopped {
		t.Fatalf("web must not start before the warm-up gap, got %v", got)
	}
	clock.advance(2 * time.Second)
	barrier(t, a)
	if got := watcherStatus(t, a, "web"); got != StatusStarting {
		t.Fatalf("expected web starting after the gap, got %v", got)
	}
	if got := len(spawner.pids()); got != 2 {
		t.Fatalf("expected web's first replica after the gap, got %v pids", got)
	}
	clock.advance(2 * time.Second)
	barrier(t, a)
	if got := len(spawner.pids()); got != 3 {
		t.Fatalf("expected web fully scaled, got %v pids", got)
	}
	if got := watcherStatus(t, a, "web"); got != StatusActive {
		t.Errorf("expected active web, got %v", got)
	}
}

func TestSortedWatchersInsertionOrderTieBreak(t *testing.T) {
	snap := Snapshot{
		Watchers: []WatcherOptions{
			{Name: "zeta", Cmd: "sleep 60", Shell: true, NumProcesses: 1},
			{Name: "alpha", Cmd: "sleep 60", Shell: true, NumProcesses: 1},
		},
	}
	a, _ := newTestArbiter(t, snap)
	reply := a.Dispatch(Request{Command: "list"})
	if diff := cmp.Diff([]string{"zeta", "alpha"}, reply["watchers"]); diff != "" {
		t.Errorf("equal priorities must keep insertion order:\n%v", diff)
	}
}

func TestPluginLoopRateScaledByCheckDelay(t *testing.T) {
	opts := pluginWatcherOptions(
		PluginConfig{Name: "statsd", Cmd: "herd-statsd", LoopRate: 3},
		GlobalOptions{CheckDelay: 5, PubsubEndpoint: DefaultPubsubEndpoint},
	)
	if got := opts.Env["HERD_PLUGIN_LOOP_RATE"]; got != "15" {
		t.Errorf("expected a 15s look cadence, got %q", got)
	}
}

func TestApplySnapshotDiff(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	a.Dispatch(Request{Command: "start"})
	next := Snapshot{
		Watchers: []WatcherOptions{
			{Name: "web", Cmd: "sleep 60", Shell: true, NumProcesses: 4},
			{Name: "cache", Cmd: "sleep 60", Shell: true, NumProcesses: 1},
		},
	}
	if err := a.ApplySnapshot(next); err != nil {
		t.Fatal("unexpected error:", err)
	}
	reply := a.Dispatch(Request{Command: "list"})
	if diff := cmp.Diff([]string{"cache", "web"}, reply["watchers"]); diff != "" {
		t.Errorf("wrong watcher set after reload:\n%v", diff)
	}
	reply = a.Dispatch(Request{Command: "numprocesses", Properties: map[string]any{"name": "web"}})
	if reply["numprocesses"] != 4 {
		t.Errorf("expected web scaled to 4, got %v", reply)
	}
	if got := watcherStatus(t, a, "cache"); got != StatusActive {
		t.Errorf("added watcher must autostart, got %v", got)
	}
}

func TestApplySnapshotOrderedByPriority(t *testing.T) {
	snap := Snapshot{
		Watchers: []WatcherOptions{
			{Name: "w1", Cmd: "sleep 60", Shell: true, NumProcesses: 1, Priority: 10},
			{Name: "w2", Cmd: "sleep 60", Shell: true, NumProcesses: 1, Priority: 5},
		},
	}
	a, _ := newTestArbiter(t, snap)
	a.Dispatch(Request{Command: "start"})
	sub := a.Bus().Subscribe()
	defer a.Bus().Unsubscribe(sub)
	next := Snapshot{
		Watchers: []WatcherOptions{
			{Name: "w1", Cmd: "sleep 60", Shell: true, NumProcesses: 2, Priority: 10},
			{Name: "w3", Cmd: "sleep 60", Shell: true, NumProcesses: 1, Priority: 7},
		},
	}
	if err := a.ApplySnapshot(next); err != nil {
		t.Fatal("unexpected error:", err)
	}
	var topics []string
	for len(sub.C()) > 0 {
		topics = append(topics, (<-sub.C()).Topic)
	}
	idx := func(topic string) int {
		for i, got := range topics {
			if got == topic {
				return i
			}
		}
		return -1
	}
	scale, added, removed := idx("w1.spawn"), idx("w3.starting"), idx("w2.stopping")
	if scale == -1 || added == -1 || removed == -1 {
		t.Fatalf("missing expected events: %v", topics)
	}
	// added and modified watchers apply in start order, removals last
	if !(scale < added && added < removed) {
		t.Errorf("wrong apply order: %v", topics)
	}
}

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
	"time"
)

func newTestFlapDetector(clock Clock) *flapDetector {
	opts := &WatcherOptions{Name: "w", Cmd: "true"}
	if err := opts.Normalize(); err != nil {
		panic(err)
	}
	return newFlapDetector(opts, clock)
}

func TestFlapDetectorPausesAfterAttempts(t *testing.T) {
	clock := newFakeClock()
	f := newTestFlapDetector(clock)
	start := clock.Now()
	if v := f.recordExit(start); v != flapNone {
		t.Fatalf("first quick exit must not pause, got %v", v)
	}
	if v := f.recordExit(start); v != flapNone {
		t.Fatalf("second quick exit must not pause, got %v", v)
	}
	if v := f.recordExit(start); v != flapPause {
		t.Fatalf("third quick exit must pause, got %v", v)
	}
	if !f.paused() {
		t.Error("detector must report paused")
	}
	if got := f.pauseRemaining(); got != 7*time.Second {
		t.Errorf("expected 7s pause, got %v", got)
	}
	clock.advance(7 * time.Second)
	if f.paused() {
		t.Error("pause must lift after retry_in")
	}
}

func TestFlapDetectorSustainedRunResets(t *testing.T) {
	clock := newFakeClock()
	f := newTestFlapDetector(clock)
	start := clock.Now()
	f.recordExit(start)
	f.recordExit(start)
	clock.advance(2 * time.Second)
	// lived past the window: the watcher recovered
	if v := f.recordExit(start); v != flapNone {
		t.Fatalf("sustained run must reset, got %v", v)
	}
	if v := f.recordExit(clock.Now()); v != flapNone {
		t.Errorf("counter must restart at zero after a sustained run, got %v", v)
	}
}

func TestFlapDetectorExhaustsAfterMaxRetry(t *testing.T) {
	clock := newFakeClock()
	f := newTestFlapDetector(clock)
	for cycle := 0; cycle < 5; cycle++ {
		var last flapVerdict
		for i := 0; i < 3; i++ {
			last = f.recordExit(clock.Now())
		}
		if cycle < 4 {
			if last != flapPause {
				t.Fatalf("cycle %v: expected pause, got %v", cycle, last)
			}
			clock.advance(7 * time.Second)
			continue
		}
		if last != flapExhausted {
			t.Fatalf("cycle %v: expected exhaustion, got %v", cycle, last)
		}
	}
}

func TestFlapDetectorReadsLiveOptions(t *testing.T) {
	clock := newFakeClock()
	opts := &WatcherOptions{Name: "w", Cmd: "true"}
	if err := opts.Normalize(); err != nil {
		t.Fatal("unexpected error:", err)
	}
	f := newFlapDetector(opts, clock)
	if _, err := opts.Set("flap_attempts", float64(2)); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if _, err := opts.Set("flap_retry_in", float64(30)); err != nil {
		t.Fatal("unexpected error:", err)
	}
	start := clock.Now()
	if v := f.recordExit(start); v != flapNone {
		t.Fatalf("first quick exit must not pause, got %v", v)
	}
	if v := f.recordExit(start); v != flapPause {
		t.Fatalf("second quick exit must pause after the live update, got %v", v)
	}
	if got := f.pauseRemaining(); got != 30*time.Second {
		t.Errorf("expected the updated 30s pause, got %v", got)
	}
}

func TestFlapDetectorResetClearsCycles(t *testing.T) {
	clock := newFakeClock()
	f := newTestFlapDetector(clock)
	for i := 0; i < 3; i++ {
		f.recordExit(clock.Now())
	}
	f.reset()
	if f.paused() {
		t.Error("reset must lift the pause")
	}
	for i := 0; i < 2; i++ {
		if v := f.recordExit(clock.Now()); v != flapNone {
			t.Errorf("exit %v after reset: expected none, got %v", i, v)
		}
	}
}

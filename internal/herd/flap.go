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

import "time"

// flapVerdict is the outcome of feeding one unexpected exit to the detector.
type flapVerdict int

const (
	flapNone      flapVerdict = iota // not flapping, keep respawning
	flapPause                        // pause respawns for retryIn
	flapExhausted                    // give up, move the watcher to error
)

// flapDetector keeps a per-watcher sliding window of short-lived exits. An
// exit counts as a flap iff the process lived less than flap_window. Reaching
// flap_attempts flaps inside one window pauses respawns for flap_retry_in;
// max_retry consecutive pause cycles without a sustained run exhausts the
// detector. The parameters are read from the watcher's options on every
// decision, so live option changes take effect immediately.
type flapDetector struct {
	opts  *WatcherOptions
	clock Clock

	flaps       []time.Time
	pausedUntil time.Time
	cycles      int
}

func newFlapDetector(opts *WatcherOptions, clock Clock) *flapDetector {
	return &flapDetector{opts: opts, clock: clock}
}

// recordExit feeds one unexpected exit of a process started at startedAt.
func (f *flapDetector) recordExit(startedAt time.Time) flapVerdict {
	now := f.clock.Now()
	window := f.opts.FlapWindow.Duration()
	if now.Sub(startedAt) >= window {
		// A sustained run: the watcher recovered.
		f.reset()
		return flapNone
	}
	f.flaps = append(f.flaps, now)
	cutoff := now.Add(-window)
	live := f.flaps[:0]
	for _, t := range f.flaps {
		if t.After(cutoff) || t.Equal(cutoff) {
			live = append(live, t)
		}
	}
	f.flaps = live
	if len(f.flaps) < f.opts.FlapAttempts {
		return flapNone
	}
	f.flaps = nil
	f.cycles++
	if f.cycles >= f.opts.MaxRetry {
		return flapExhausted
	}
	f.pausedUntil = now.Add(f.opts.FlapRetryIn.Duration())
	return flapPause
}

// paused reports whether respawning is currently suspended.
func (f *flapDetector) paused() bool {
	return f.clock.Now().Before(f.pausedUntil)
}

// pauseRemaining returns how long until respawning resumes.
func (f *flapDetector) pauseRemaining() time.Duration {
	return f.pausedUntil.Sub(f.clock.Now())
}

func (f *flapDetector) reset() {
	f.flaps = nil
	f.cycles = 0
	f.pausedUntil = time.Time{}
}

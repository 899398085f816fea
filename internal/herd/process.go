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
	"syscall"
	"time"
)

// ProcessStatus is the runtime status of one OS child.
type ProcessStatus string

// Process statuses.
const (
	ProcessRunning ProcessStatus = "running"
	ProcessExited  ProcessStatus = "exited"
	ProcessErrored ProcessStatus = "errored"
)

// Process is the handle to one OS child owned by a watcher. The watcher is
// referenced only by name; the watcher owns the process, never the reverse.
type Process struct {
	WID       int
	Pid       int
	Watcher   string
	StartedAt time.Time
	Cmdline   []string
	Env       []string

	status ProcessStatus
	child  ChildHandle

	stopRequested  bool
	stopSignalSent bool
	killTimer      Timer
}

// Name is the replica identity, "<watcher>.<wid>".
func (p *Process) Name() string {
	return fmt.Sprintf("%v.%v", p.Watcher, p.WID)
}

// Status returns the process status.
func (p *Process) Status() ProcessStatus { return p.status }

// Age returns how long the process has been alive.
func (p *Process) Age(clock Clock) time.Duration {
	return clock.Now().Sub(p.StartedAt)
}

// Send delivers sig to the process.
func (p *Process) Send(sig syscall.Signal) error {
	if err := p.child.Signal(sig); err != nil {
		return &CommandError{Reason: ReasonSignalFailed, Message: err.Error()}
	}
	return nil
}

// SendToGroup delivers sig to the process group, best-effort covering the
// process's descendants.
func (p *Process) SendToGroup(sig syscall.Signal) error {
	if err := p.child.SignalGroup(sig); err != nil {
		return &CommandError{Reason: ReasonSignalFailed, Message: err.Error()}
	}
	return nil
}

// Info returns resource usage and the list of descendant pids.
func (p *Process) Info() (map[string]any, error) {
	info, err := p.child.Info()
	if err != nil {
		return nil, err
	}
	info["pid"] = p.Pid
	info["wid"] = p.WID
	info["cmdline"] = p.Cmdline
	info["started_at"] = p.StartedAt.Unix()
	info["status"] = string(p.status)
	return info, nil
}

// ExitReport describes one reaped child, delivered to the event loop by the
// spawner's wait goroutine. Every spawned process yields exactly one report.
type ExitReport struct {
	Watcher  string
	Pid      int
	WID      int
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	RUsage   *syscall.Rusage
}

// expected reports whether the exit is a normal one for flapping purposes: a
// clean exit, or a death by the given stop signal.
func (r ExitReport) expected(stopSignal syscall.Signal) bool {
	if r.Signaled {
		return r.Signal == stopSignal
	}
	return r.ExitCode == 0
}

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

import "fmt"

// Reply error reasons. These are part of the control protocol: clients match
// on the "reason" field of error replies.
const (
	ReasonUnknownCommand = "unknown_command"
	ReasonInvalidJSON    = "invalid_json"
	ReasonBadArgument    = "bad_argument"
	ReasonUnknownWatcher = "unknown_watcher"
	ReasonNotRunning     = "not_running"
	ReasonAlreadyRunning = "already_running"
	ReasonSpawnFailed    = "spawn_failed"
	ReasonSignalFailed   = "signal_failed"
	ReasonFlapping       = "flapping"
	ReasonHookFailed     = "hook_failed"
	ReasonTimeout        = "timeout"
	ReasonInternal       = "internal"
)

// CommandError is an error with a protocol-level reason attached. It travels
// from watcher and arbiter operations back to the controller, which renders
// it as an error reply.
type CommandError struct {
	Reason  string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Message
}

func errBadArgument(format string, args ...any) *CommandError {
	return &CommandError{Reason: ReasonBadArgument, Message: fmt.Sprintf(format, args...)}
}

func errUnknownWatcher(name string) *CommandError {
	return &CommandError{Reason: ReasonUnknownWatcher, Message: name}
}

func errInternal(err error) *CommandError {
	return &CommandError{Reason: ReasonInternal, Message: err.Error()}
}

// commandReason extracts the protocol reason of err, defaulting to internal.
func commandReason(err error) (reason, message string) {
	if ce, ok := err.(*CommandError); ok {
		return ce.Reason, ce.Message
	}
	return ReasonInternal, err.Error()
}

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
	"strconv"
	"strings"
	"syscall"
)

// signalsByName maps the accepted signal spellings to their numbers. Both
// "SIGTERM" and "term" parse; so do plain numbers.
var signalsByName = map[string]syscall.Signal{
	"hup":   syscall.SIGHUP,
	"int":   syscall.SIGINT,
	"quit":  syscall.SIGQUIT,
	"kill":  syscall.SIGKILL,
	"usr1":  syscall.SIGUSR1,
	"usr2":  syscall.SIGUSR2,
	"term":  syscall.SIGTERM,
	"cont":  syscall.SIGCONT,
	"stop":  syscall.SIGSTOP,
	"ttin":  syscall.SIGTTIN,
	"ttou":  syscall.SIGTTOU,
	"winch": syscall.SIGWINCH,
}

var signalNames = func() map[syscall.Signal]string {
	m := make(map[syscall.Signal]string, len(signalsByName))
	for name, sig := range signalsByName {
		m[sig] = "SIG" + strings.ToUpper(name)
	}
	return m
}()

// ParseSignal takes a signal name ("SIGTERM", "term") or number ("15") and
// converts it to a syscall.Signal.
func ParseSignal(s string) (syscall.Signal, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "sig")
	if sig, ok := signalsByName[name]; ok {
		return sig, nil
	}
	if n, err := strconv.Atoi(name); err == nil && n > 0 && n < 65 {
		return syscall.Signal(n), nil
	}
	return 0, errBadArgument("unknown signal %q", s)
}

// SignalName renders sig in its "SIGXXX" form, falling back to the number.
func SignalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return strconv.Itoa(int(sig))
}

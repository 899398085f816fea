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

//go:build linux

package herd

import "golang.org/x/sys/unix"

// rlimitsByName maps configuration keys to resource numbers. A configured
// value of -1 means infinity.
var rlimitsByName = map[string]int{
	"cpu":        unix.RLIMIT_CPU,
	"fsize":      unix.RLIMIT_FSIZE,
	"data":       unix.RLIMIT_DATA,
	"stack":      unix.RLIMIT_STACK,
	"core":       unix.RLIMIT_CORE,
	"nofile":     unix.RLIMIT_NOFILE,
	"as":         unix.RLIMIT_AS,
	"nproc":      unix.RLIMIT_NPROC,
	"memlock":    unix.RLIMIT_MEMLOCK,
	"rss":        unix.RLIMIT_RSS,
	"locks":      unix.RLIMIT_LOCKS,
	"sigpending": unix.RLIMIT_SIGPENDING,
	"msgqueue":   unix.RLIMIT_MSGQUEUE,
	"nice":       unix.RLIMIT_NICE,
	"rtprio":     unix.RLIMIT_RTPRIO,
}

// applyRLimits sets the child's resource limits right after the fork. The
// limits survive the exec, so the only window left open is between fork and
// this call.
func applyRLimits(pid int, rlimits map[string]int64) {
	for name, value := range rlimits {
		res, ok := rlimitsByName[name]
		if !ok {
			continue
		}
		limit := uint64(value)
		if value < 0 {
			limit = unix.RLIM_INFINITY
		}
		_ = unix.Prlimit(pid, res, &unix.Rlimit{Cur: limit, Max: limit}, nil)
	}
}

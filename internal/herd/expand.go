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
	"regexp"
	"strconv"
)

var expandPattern = regexp.MustCompile(`\$\(([^)]+)\)`)

// expandVars substitutes $(NAME) occurrences in s. Recognized names:
//
//	$(herd.wid)          — the replica index
//	$(herd.pid)          — empty before exec; kept for hook payloads
//	$(herd.sockets.NAME) — descriptor number of the named inherited socket
//	$(herd.env.NAME)     — NAME from the merged environment
//	$(NAME)              — shorthand for $(herd.env.NAME)
//
// Missing names substitute the empty string.
func expandVars(s string, wid int, env map[string]string, sockets *Registrar) string {
	return expandPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		switch {
		case name == "herd.wid" || name == "HERD_WID":
			return strconv.Itoa(wid)
		case len(name) > len("herd.sockets.") && name[:len("herd.sockets.")] == "herd.sockets.":
			if sockets == nil {
				return ""
			}
			fd, ok := sockets.FD(name[len("herd.sockets."):])
			if !ok {
				return ""
			}
			return strconv.Itoa(fd)
		case len(name) > len("herd.env.") && name[:len("herd.env.")] == "herd.env.":
			return env[name[len("herd.env."):]]
		default:
			return env[name]
		}
	})
}

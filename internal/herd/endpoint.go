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
	"strings"
)

// ParseEndpoint translates an endpoint declaration into a network and address
// usable with net.Listen and net.Dial. Accepted forms:
//
//	tcp://host:port
//	ipc:///path/to.sock
//	host:port (shorthand for tcp://)
func ParseEndpoint(endpoint string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(endpoint, "tcp://"):
		return "tcp", strings.TrimPrefix(endpoint, "tcp://"), nil
	case strings.HasPrefix(endpoint, "ipc://"):
		return "unix", strings.TrimPrefix(endpoint, "ipc://"), nil
	case strings.HasPrefix(endpoint, "udp://"):
		return "udp", strings.TrimPrefix(endpoint, "udp://"), nil
	case strings.Contains(endpoint, "://"):
		return "", "", fmt.Errorf("unsupported endpoint scheme in %q", endpoint)
	case endpoint == "":
		return "", "", fmt.Errorf("empty endpoint")
	default:
		return "tcp", endpoint, nil
	}
}

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
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in      string
		network string
		address string
		wantErr bool
	}{
		{"tcp://127.0.0.1:5555", "tcp", "127.0.0.1:5555", false},
		{"ipc:///var/run/herd.sock", "unix", "/var/run/herd.sock", false},
		{"udp://237.219.251.97:12027", "udp", "237.219.251.97:12027", false},
		{"127.0.0.1:5555", "tcp", "127.0.0.1:5555", false},
		{"http://127.0.0.1:5555", "", "", true},
		{"", "", "", true},
	}
	for _, tc := range cases {
		network, address, err := ParseEndpoint(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parse %q: expected an error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parse %q: unexpected error: %v", tc.in, err)
			continue
		}
		if network != tc.network || address != tc.address {
			t.Errorf("parse %q: expected %v/%v, got %v/%v", tc.in, tc.network, tc.address, network, address)
		}
	}
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in   string
		want syscall.Signal
	}{
		{"SIGTERM", syscall.SIGTERM},
		{"term", syscall.SIGTERM},
		{"Hup", syscall.SIGHUP},
		{"9", syscall.SIGKILL},
		{"SIGUSR1", syscall.SIGUSR1},
	}
	for _, tc := range cases {
		sig, err := ParseSignal(tc.in)
		if err != nil {
			t.Errorf("parse %q: unexpected error: %v", tc.in, err)
			continue
		}
		if sig != tc.want {
			t.Errorf("parse %q: expected %v, got %v", tc.in, tc.want, sig)
		}
	}
	for _, in := range []string{"", "SIGBOGUS", "-3", "99"} {
		if _, err := ParseSignal(in); err == nil {
			t.Errorf("parse %q: expected an error", in)
		}
	}
}

func TestSignalName(t *testing.T) {
	if got := SignalName(syscall.SIGTERM); got != "SIGTERM" {
		t.Errorf("expected SIGTERM, got %v", got)
	}
	if got := SignalName(syscall.Signal(63)); got != "63" {
		t.Errorf("expected numeric fallback, got %v", got)
	}
}

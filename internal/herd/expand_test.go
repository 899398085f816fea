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

import "testing"

func TestExpandVars(t *testing.T) {
	env := map[string]string{"PORT": "8080", "HOME": "/home/app"}
	cases := []struct {
		in   string
		want string
	}{
		{"worker-$(herd.wid)", "worker-7"},
		{"--port $(herd.env.PORT)", "--port 8080"},
		{"--port $(PORT)", "--port 8080"},
		{"$(HOME)/run", "/home/app/run"},
		{"$(herd.env.MISSING)", ""},
		{"$(MISSING)", ""},
		{"no placeholders", "no placeholders"},
		{"$(herd.sockets.web)", ""}, // no registrar wired
	}
	for _, tc := range cases {
		if got := expandVars(tc.in, 7, env, nil); got != tc.want {
			t.Errorf("expand %q: expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestExpandVarsSocketFD(t *testing.T) {
	r := NewRegistrar(testLogger())
	err := r.Bind([]SocketConfig{
		{Name: "web", Host: "127.0.0.1", Port: 0},
		{Name: "admin", Host: "127.0.0.1", Port: 0},
	})
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	defer r.Close()
	if got := expandVars("fd=$(herd.sockets.admin)", 1, nil, r); got != "fd=4" {
		t.Errorf("expected fd=4, got %q", got)
	}
	if got := expandVars("$(herd.sockets.missing)", 1, nil, r); got != "" {
		t.Errorf("expected empty substitution, got %q", got)
	}
}

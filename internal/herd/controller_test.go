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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
)

func newTestControlConn(t *testing.T, a *Arbiter) net.Conn {
	t.Helper()
	c, err := NewController(a)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	client, server := net.Pipe()
	go c.serveConn(ctx, server)
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return client
}

func readReply(t *testing.T, scanner *bufio.Scanner) map[string]any {
	t.Helper()
	if !scanner.Scan() {
		t.Fatal("no reply:", scanner.Err())
	}
	var reply map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		t.Fatal("malformed reply:", err)
	}
	return reply
}

func TestControllerRequestReply(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	conn := newTestControlConn(t, a)
	go func() {
		raw, _ := json.Marshal(Request{Command: "list", MsgID: "1"})
		conn.Write(append(raw, '\n'))
	}()
	reply := readReply(t, bufio.NewScanner(conn))
	if reply["status"] != "ok" || reply["id"] != "1" {
		t.Errorf("wrong reply: %v", reply)
	}
	watchers, _ := reply["watchers"].([]any)
	if len(watchers) != 2 {
		t.Errorf("expected 2 watchers, got %v", reply["watchers"])
	}
}

func TestControllerInvalidJSON(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	conn := newTestControlConn(t, a)
	go conn.Write([]byte("{not json}\n"))
	reply := readReply(t, bufio.NewScanner(conn))
	if reply["status"] != "error" || reply["reason"] != ReasonInvalidJSON {
		t.Errorf("expected invalid_json error, got %v", reply)
	}
}

func TestControllerPipelinedRequests(t *testing.T) {
	a, _ := newTestArbiter(t, testSnapshot())
	conn := newTestControlConn(t, a)
	go func() {
		var batch bytes.Buffer
		for _, id := range []string{"1", "2", "3"} {
			raw, _ := json.Marshal(Request{Command: "numprocesses", MsgID: id})
			batch.Write(raw)
			batch.WriteByte('\n')
		}
		conn.Write(batch.Bytes())
	}()
	scanner := bufio.NewScanner(conn)
	for _, id := range []string{"1", "2", "3"} {
		reply := readReply(t, scanner)
		if reply["id"] != id {
			t.Errorf("expected reply %v, got %v", id, reply["id"])
		}
		if reply["numprocesses"] != float64(3) {
			t.Errorf("expected total 3, got %v", reply["numprocesses"])
		}
	}
}

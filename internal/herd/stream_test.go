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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPumpDeliversCompleteLines(t *testing.T) {
	clock := newFakeClock()
	d := &redirector{clock: clock, log: testLogger()}
	sink := NewRingSink(10)
	var wg sync.WaitGroup
	d.pump(strings.NewReader("alpha\nbeta\ntail without newline"), 42, "web.1", sink, &wg)
	wg.Wait()
	var lines []string
	for _, c := range sink.Lines() {
		if c.Pid != 42 || c.Name != "web.1" {
			t.Errorf("wrong chunk identity: %+v", c)
		}
		lines = append(lines, string(c.Data))
	}
	expected := []string{"alpha\n", "beta\n", "tail without newline\n"}
	if diff := cmp.Diff(expected, lines); diff != "" {
		t.Errorf("wrong lines:\n%v", diff)
	}
}

func TestPumpRetainedChunksSurviveBufferReuse(t *testing.T) {
	// Enough input to make the line reader shift and refill its buffer many
	// times over; retained chunks must not alias it.
	const total = 5000
	var input bytes.Buffer
	expected := make([]string, 0, total)
	for i := 0; i < total; i++ {
		line := fmt.Sprintf("line-%06d-%v", i, strings.Repeat("x", 64))
		expected = append(expected, line+"\n")
		input.WriteString(line + "\n")
	}
	clock := newFakeClock()
	d := &redirector{clock: clock, log: testLogger()}
	sink := NewRingSink(total)
	var wg sync.WaitGroup
	d.pump(&input, 1, "web.1", sink, &wg)
	wg.Wait()
	lines := sink.Lines()
	if len(lines) != total {
		t.Fatalf("expected %v retained chunks, got %v", total, len(lines))
	}
	for i, c := range lines {
		if got := string(c.Data); got != expected[i] {
			t.Fatalf("chunk %v corrupted: %q", i, got)
		}
	}
}

func TestRingSinkKeepsLastLines(t *testing.T) {
	sink := NewRingSink(3)
	for _, line := range []string{"1\n", "2\n", "3\n", "4\n", "5\n"} {
		sink.write(StreamChunk{Data: []byte(line)})
	}
	var lines []string
	for _, c := range sink.Lines() {
		lines = append(lines, string(c.Data))
	}
	if diff := cmp.Diff([]string{"3\n", "4\n", "5\n"}, lines); diff != "" {
		t.Errorf("wrong retained lines:\n%v", diff)
	}
}

func TestSinkForFile(t *testing.T) {
	clock := newFakeClock()
	d := &redirector{clock: clock, log: testLogger()}
	path := filepath.Join(t.TempDir(), "out.log")
	sink, err := d.sinkFor(&StreamConfig{FileName: path}, NewStreamCallbackRegistry())
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	sink.write(StreamChunk{Data: []byte("hello\n")})
	sink.write(StreamChunk{Data: []byte("world\n")})
	sink.close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if string(data) != "hello\nworld\n" {
		t.Errorf("wrong file contents: %q", data)
	}
}

func TestSinkForCallback(t *testing.T) {
	clock := newFakeClock()
	d := &redirector{clock: clock, log: testLogger()}
	callbacks := NewStreamCallbackRegistry()
	var seen []string
	callbacks.Register("capture", func(c StreamChunk) {
		seen = append(seen, string(c.Data))
	})
	sink, err := d.sinkFor(&StreamConfig{Callback: "capture"}, callbacks)
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	sink.write(StreamChunk{Data: []byte("line\n")})
	if diff := cmp.Diff([]string{"line\n"}, seen); diff != "" {
		t.Errorf("callback missed chunks:\n%v", diff)
	}
	if _, err := d.sinkFor(&StreamConfig{Callback: "missing"}, callbacks); err == nil {
		t.Error("expected an error for unresolved callback")
	}
}

func TestSinkForUnconfigured(t *testing.T) {
	clock := newFakeClock()
	d := &redirector{clock: clock, log: testLogger()}
	sink, err := d.sinkFor(nil, NewStreamCallbackRegistry())
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	if sink != nil {
		t.Error("unconfigured stream must have no sink")
	}
}

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
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StreamChunk is one line of child output handed to a stream sink. Data
// always ends with a newline; partial lines at process exit are completed.
type StreamChunk struct {
	Pid       int
	Name      string // "<watcher>.<wid>"
	Data      []byte
	Timestamp time.Time
}

// StreamCallback receives chunks for callback-type streams.
type StreamCallback func(StreamChunk)

// StreamCallbackRegistry resolves callback targets by name, registered before
// the arbiter starts.
type StreamCallbackRegistry struct {
	funcs map[string]StreamCallback
}

// NewStreamCallbackRegistry creates an empty registry.
func NewStreamCallbackRegistry() *StreamCallbackRegistry {
	return &StreamCallbackRegistry{funcs: make(map[string]StreamCallback)}
}

// Register binds a callback name to fn.
func (r *StreamCallbackRegistry) Register(name string, fn StreamCallback) {
	r.funcs[name] = fn
}

type streamSink interface {
	write(StreamChunk)
	close()
}

// fileSink appends chunks to a file.
type fileSink struct {
	mu   sync.Mutex
	file *os.File
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{file: f}, nil
}

func (s *fileSink) write(c StreamChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Write(c.Data)
}

func (s *fileSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Close()
}

// RingSink keeps the last size lines in memory.
type RingSink struct {
	mu    sync.Mutex
	size  int
	lines []StreamChunk
}

// NewRingSink creates a bounded in-memory line buffer.
func NewRingSink(size int) *RingSink {
	return &RingSink{size: size}
}

func (s *RingSink) write(c StreamChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, c)
	if len(s.lines) > s.size {
		s.lines = s.lines[len(s.lines)-s.size:]
	}
}

func (s *RingSink) close() {}

// Lines returns a copy of the retained chunks, oldest first.
func (s *RingSink) Lines() []StreamChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamChunk(nil), s.lines...)
}

type callbackSink struct{ fn StreamCallback }

func (s callbackSink) write(c StreamChunk) { s.fn(c) }
func (s callbackSink) close()              {}

// redirector pumps one child pipe into a sink line by line. The pump
// goroutine drains the pipe until EOF, so every byte written before exit is
// delivered before the reap is reported.
type redirector struct {
	clock     Clock
	log       logrus.FieldLogger
	broadcast func(StreamChunk) // optional tee, used by the dashboard
}

// pump consumes r until EOF, delivering complete lines to sink, and marks wg
// done when the stream is fully drained.
func (d *redirector) pump(r io.Reader, pid int, name string, sink streamSink, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 65536), 2*1048576)
		for scanner.Scan() {
			// scanner.Bytes aliases the scanner's buffer; retained sinks
			// need their own copy.
			line := scanner.Bytes()
			data := make([]byte, len(line)+1)
			copy(data, line)
			data[len(line)] = '\n'
			chunk := StreamChunk{
				Pid:       pid,
				Name:      name,
				Data:      data,
				Timestamp: d.clock.Now(),
			}
			if sink != nil {
				sink.write(chunk)
			}
			if d.broadcast != nil {
				d.broadcast(chunk)
			}
		}
		if err := scanner.Err(); err != nil && err != os.ErrClosed && err != io.ErrClosedPipe {
			d.log.WithField("process", name).WithError(err).Warn("stream pump ended")
		}
	}()
}

// sinkFor materializes the sink for one stream declaration.
func (d *redirector) sinkFor(cfg *StreamConfig, callbacks *StreamCallbackRegistry) (streamSink, error) {
	if !cfg.configured() {
		return nil, nil
	}
	switch {
	case cfg.FileName != "":
		return newFileSink(cfg.FileName)
	case cfg.RingSize > 0:
		return NewRingSink(cfg.RingSize), nil
	case cfg.Callback != "":
		fn, ok := callbacks.funcs[cfg.Callback]
		if !ok {
			return nil, errBadArgument("unresolved stream callback %q", cfg.Callback)
		}
		return callbackSink{fn: fn}, nil
	}
	return nil, nil
}

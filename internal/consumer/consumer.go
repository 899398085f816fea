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

// Package consumer subscribes to a supervisor's publish or stats endpoint
// and yields (topic, payload) pairs.
package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"cirello.io/herd/internal/herd"
)

// Message is one received event.
type Message struct {
	Topic   string
	Payload map[string]any
}

// Consumer holds a subscription declaration: the endpoint and the topic
// prefixes of interest (none means every topic).
type Consumer struct {
	endpoint string
	prefixes []string
}

// New creates a consumer for the given endpoint declaration.
func New(endpoint string, prefixes ...string) *Consumer {
	return &Consumer{endpoint: endpoint, prefixes: prefixes}
}

// Subscribe connects and returns a channel of messages. The channel closes
// when ctx is canceled or the connection drops.
func (c *Consumer) Subscribe(ctx context.Context) (<-chan Message, error) {
	network, address, err := herd.ParseEndpoint(c.endpoint)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot reach %v: %w", c.endpoint, err)
	}
	if _, err := fmt.Fprintf(conn, "%v\n", strings.Join(c.prefixes, " ")); err != nil {
		conn.Close()
		return nil, err
	}
	ch := make(chan Message)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(ch)
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 65536), 2*1048576)
		for scanner.Scan() {
			topic := scanner.Text()
			if !scanner.Scan() {
				return
			}
			var payload map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &payload); err != nil {
				continue
			}
			select {
			case ch <- Message{Topic: topic, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

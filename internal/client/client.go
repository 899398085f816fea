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

// Package client talks the request/reply control protocol to a running
// supervisor.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"cirello.io/herd/internal/herd"
	"github.com/google/uuid"
)

// DefaultTimeout bounds one whole call, connection included.
const DefaultTimeout = 5 * time.Second

// Error is an error reply from the supervisor.
type Error struct {
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Message
}

// Client dials the control endpoint once per call.
type Client struct {
	endpoint string
	timeout  time.Duration
}

// New creates a client for the given control endpoint declaration
// (tcp://host:port or ipc:///path.sock).
func New(endpoint string) *Client {
	return &Client{endpoint: endpoint, timeout: DefaultTimeout}
}

// Call sends one command and returns the decoded reply. Error replies come
// back as *Error.
func (c *Client) Call(ctx context.Context, command string, properties map[string]any) (map[string]any, error) {
	network, address, err := herd.ParseEndpoint(c.endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("cannot reach %v: %w", c.endpoint, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	req := herd.Request{
		Command:    command,
		Properties: properties,
		MsgID:      uuid.NewString(),
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("no reply from %v: %w", c.endpoint, err)
	}
	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if status, _ := reply["status"].(string); status == "error" {
		reason, _ := reply["reason"].(string)
		message, _ := reply["message"].(string)
		return reply, &Error{Reason: reason, Message: message}
	}
	return reply, nil
}

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

// Package plugin is the scaffolding for external supervisor plugins. The
// supervisor runs each plugin as a child process with the control and
// publish endpoints in its environment; this package wires the event pump
// and the periodic callback so a plugin only implements its reactions.
package plugin

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"cirello.io/herd/internal/client"
	"cirello.io/herd/internal/consumer"
)

// Default interval between Look calls when the declaration sets none.
const DefaultLookEvery = 60 * time.Second

// Plugin reacts to supervisor events and runs a periodic check. Both
// callbacks receive a control client to issue commands back.
type Plugin interface {
	// HandleEvent is called for every event matching the plugin's topic
	// interests. Errors are logged by the host, not fatal.
	HandleEvent(ctx context.Context, c *client.Client, msg consumer.Message) error

	// Look runs on the periodic cadence.
	Look(ctx context.Context, c *client.Client) error
}

// Host carries the environment the supervisor handed to the plugin process.
type Host struct {
	Name           string
	Endpoint       string
	PubsubEndpoint string
	LookEvery      time.Duration
	Config         map[string]string
	Topics         []string

	ErrorLog func(error)
}

// NewHostFromEnv reads the HERD_* environment prepared by the supervisor.
func NewHostFromEnv() *Host {
	h := &Host{
		Name:           os.Getenv("HERD_PLUGIN_NAME"),
		Endpoint:       os.Getenv("HERD_ENDPOINT"),
		PubsubEndpoint: os.Getenv("HERD_PUBSUB_ENDPOINT"),
		LookEvery:      DefaultLookEvery,
	}
	// the supervisor renders loop_rate x check_delay as whole seconds
	if raw := os.Getenv("HERD_PLUGIN_LOOP_RATE"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			h.LookEvery = time.Duration(secs) * time.Second
		}
	}
	if raw := os.Getenv("HERD_PLUGIN_CONFIG"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &h.Config)
	}
	return h
}

// Run pumps events and periodic callbacks into p until ctx is canceled or
// the event stream closes.
func (h *Host) Run(ctx context.Context, p Plugin) error {
	c := client.New(h.Endpoint)
	events, err := consumer.New(h.PubsubEndpoint, h.Topics...).Subscribe(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(h.LookEvery)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if err := p.HandleEvent(ctx, c, msg); err != nil {
				h.logError(err)
			}
		case <-ticker.C:
			if err := p.Look(ctx, c); err != nil {
				h.logError(err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Host) logError(err error) {
	if h.ErrorLog != nil {
		h.ErrorLog(err)
	}
}

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

// Package config loads configuration snapshots from JSON, YAML, or Procfile
// declarations and applies environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cirello.io/herd/internal/herd"
	"gopkg.in/yaml.v3"
)

// Load reads the snapshot at path, picking the format by extension: .json,
// .yaml/.yml, or a Procfile otherwise. Environment overrides apply on top.
func Load(path string) (herd.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return herd.Snapshot{}, err
	}
	var snap herd.Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &snap); err != nil {
			return herd.Snapshot{}, fmt.Errorf("cannot parse %v: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &snap); err != nil {
			return herd.Snapshot{}, fmt.Errorf("cannot parse %v: %w", path, err)
		}
	default:
		snap, err = ParseProcfile(strings.NewReader(string(raw)))
		if err != nil {
			return herd.Snapshot{}, fmt.Errorf("cannot parse %v: %w", path, err)
		}
	}
	applyEnvOverrides(&snap)
	if err := Validate(snap); err != nil {
		return herd.Snapshot{}, err
	}
	return snap, nil
}

// applyEnvOverrides lets the environment relocate the endpoints without
// touching the snapshot file.
func applyEnvOverrides(snap *herd.Snapshot) {
	if v := os.Getenv("HERD_ENDPOINT"); v != "" {
		snap.Options.Endpoint = v
	}
	if v := os.Getenv("HERD_PUBSUB_ENDPOINT"); v != "" {
		snap.Options.PubsubEndpoint = v
	}
	if v := os.Getenv("HERD_STATS_ENDPOINT"); v != "" {
		snap.Options.StatsEndpoint = v
	}
	if v := os.Getenv("HERD_WEB_ADDR"); v != "" {
		snap.Options.WebAddr = v
	}
}

// Validate rejects snapshots that can never boot: duplicate watcher, socket,
// or plugin names, invalid watcher declarations, malformed endpoints, and a
// stats endpoint without statsd enabled.
func Validate(snap herd.Snapshot) error {
	if snap.Options.Endpoint != "" {
		if _, _, err := herd.ParseEndpoint(snap.Options.Endpoint); err != nil {
			return err
		}
	}
	if snap.Options.PubsubEndpoint != "" {
		if _, _, err := herd.ParseEndpoint(snap.Options.PubsubEndpoint); err != nil {
			return err
		}
	}
	if snap.Options.StatsEndpoint != "" && !snap.Options.Statsd {
		return fmt.Errorf("stats_endpoint requires statsd to be enabled")
	}
	watchers := map[string]bool{}
	for _, w := range snap.Watchers {
		if watchers[w.Name] {
			return fmt.Errorf("duplicate watcher %q", w.Name)
		}
		watchers[w.Name] = true
		if err := w.Normalize(); err != nil {
			return err
		}
	}
	sockets := map[string]bool{}
	for _, s := range snap.Sockets {
		if s.Name == "" {
			return fmt.Errorf("socket without a name")
		}
		if sockets[s.Name] {
			return fmt.Errorf("duplicate socket %q", s.Name)
		}
		sockets[s.Name] = true
	}
	plugins := map[string]bool{}
	for _, p := range snap.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin without a name")
		}
		if plugins[p.Name] {
			return fmt.Errorf("duplicate plugin %q", p.Name)
		}
		plugins[p.Name] = true
		if p.Cmd == "" {
			return fmt.Errorf("plugin %q without cmd", p.Name)
		}
	}
	return nil
}

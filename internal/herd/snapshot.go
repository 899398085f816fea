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

// GlobalOptions are the arbiter-wide settings of a configuration snapshot.
type GlobalOptions struct {
	CheckDelay        Seconds `json:"check_delay,omitempty" yaml:"check_delay,omitempty"`
	Endpoint          string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	EndpointOwner     string  `json:"endpoint_owner,omitempty" yaml:"endpoint_owner,omitempty"`
	PubsubEndpoint    string  `json:"pubsub_endpoint,omitempty" yaml:"pubsub_endpoint,omitempty"`
	StatsEndpoint     string  `json:"stats_endpoint,omitempty" yaml:"stats_endpoint,omitempty"`
	Statsd            bool    `json:"statsd,omitempty" yaml:"statsd,omitempty"`
	MulticastEndpoint string  `json:"multicast_endpoint,omitempty" yaml:"multicast_endpoint,omitempty"`
	WebAddr           string  `json:"web_addr,omitempty" yaml:"web_addr,omitempty"`
	Umask             int     `json:"umask,omitempty" yaml:"umask,omitempty"`
	WarmupDelay       Seconds `json:"warmup_delay,omitempty" yaml:"warmup_delay,omitempty"`
	LogLevel          string  `json:"loglevel,omitempty" yaml:"loglevel,omitempty"`
	PidFile           string  `json:"pidfile,omitempty" yaml:"pidfile,omitempty"`
}

// DefaultCheckDelay is the reconciliation cadence when the snapshot does not
// set one.
const DefaultCheckDelay = Seconds(5)

// DefaultEndpoint is the control endpoint bound when the snapshot does not
// set one.
const DefaultEndpoint = "tcp://127.0.0.1:5555"

// DefaultPubsubEndpoint is the publish endpoint bound when the snapshot does
// not set one.
const DefaultPubsubEndpoint = "tcp://127.0.0.1:5556"

// DefaultStatsEndpoint is the stats endpoint bound when statsd is enabled
// and the snapshot does not set one.
const DefaultStatsEndpoint = "tcp://127.0.0.1:5557"

// SocketConfig declares one listening socket created at arbiter start and
// inherited by children of watchers with use_sockets enabled.
type SocketConfig struct {
	Name        string `json:"name" yaml:"name"`
	Family      string `json:"family,omitempty" yaml:"family,omitempty"` // tcp, tcp6, unix
	Host        string `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // unix only
	Backlog     int    `json:"backlog,omitempty" yaml:"backlog,omitempty"`
	SoReuseport bool   `json:"so_reuseport,omitempty" yaml:"so_reuseport,omitempty"`
	Umask       int    `json:"umask,omitempty" yaml:"umask,omitempty"`
	Replace     bool   `json:"replace,omitempty" yaml:"replace,omitempty"`
}

// PluginConfig declares one plugin. The arbiter runs it as an implicit
// singleton watcher named "plugin:<name>" and feeds it the control and
// publish endpoints through the environment.
type PluginConfig struct {
	Name     string            `json:"name" yaml:"name"`
	Cmd      string            `json:"cmd" yaml:"cmd"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	LoopRate int               `json:"loop_rate,omitempty" yaml:"loop_rate,omitempty"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Snapshot is the full configuration consumed by the arbiter. How it is
// produced (file parsing, includes, env expansion) lives in internal/config.
type Snapshot struct {
	Options  GlobalOptions    `json:"options" yaml:"options"`
	Watchers []WatcherOptions `json:"watchers,omitempty" yaml:"watchers,omitempty"`
	Sockets  []SocketConfig   `json:"sockets,omitempty" yaml:"sockets,omitempty"`
	Plugins  []PluginConfig   `json:"plugins,omitempty" yaml:"plugins,omitempty"`
}

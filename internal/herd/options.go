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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Seconds is a duration expressed in seconds, the unit used throughout the
// configuration surface.
type Seconds float64

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// HookSpec binds a lifecycle point to a registered hook target.
type HookSpec struct {
	Target        string `json:"target" yaml:"target"`
	IgnoreFailure bool   `json:"ignore_failure" yaml:"ignore_failure"`
}

// StreamConfig declares where one of the child's output streams goes. At most
// one of FileName, RingSize, and Callback is set.
type StreamConfig struct {
	FileName string `json:"filename,omitempty" yaml:"filename,omitempty"`
	RingSize int    `json:"ring_size,omitempty" yaml:"ring_size,omitempty"`
	Callback string `json:"callback,omitempty" yaml:"callback,omitempty"`
}

func (s *StreamConfig) configured() bool {
	return s != nil && (s.FileName != "" || s.RingSize > 0 || s.Callback != "")
}

// WatcherOptions is the declaration of one process group. Field names mirror
// the configuration keys accepted by the control protocol's get/set commands.
type WatcherOptions struct {
	Name            string            `json:"name" yaml:"name"`
	Cmd             string            `json:"cmd" yaml:"cmd"`
	Args            []string          `json:"args,omitempty" yaml:"args,omitempty"`
	NumProcesses    int               `json:"numprocesses" yaml:"numprocesses"`
	WorkingDir      string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	UID             string            `json:"uid,omitempty" yaml:"uid,omitempty"`
	GID             string            `json:"gid,omitempty" yaml:"gid,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFile         string            `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	Shell           bool              `json:"shell,omitempty" yaml:"shell,omitempty"`
	Executable      string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	StopSignal      string            `json:"stop_signal,omitempty" yaml:"stop_signal,omitempty"`
	StopChildren    bool              `json:"stop_children,omitempty" yaml:"stop_children,omitempty"`
	GracefulTimeout Seconds           `json:"graceful_timeout,omitempty" yaml:"graceful_timeout,omitempty"`
	WarmupDelay     Seconds           `json:"warmup_delay,omitempty" yaml:"warmup_delay,omitempty"`
	Respawn         *bool             `json:"respawn,omitempty" yaml:"respawn,omitempty"`
	Autostart       *bool             `json:"autostart,omitempty" yaml:"autostart,omitempty"`
	Singleton       bool              `json:"singleton,omitempty" yaml:"singleton,omitempty"`
	CopyEnv         bool              `json:"copy_env,omitempty" yaml:"copy_env,omitempty"`
	CopyPath        bool              `json:"copy_path,omitempty" yaml:"copy_path,omitempty"`
	UseSockets      bool              `json:"use_sockets,omitempty" yaml:"use_sockets,omitempty"`
	Priority        int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	RLimits         map[string]int64  `json:"rlimits,omitempty" yaml:"rlimits,omitempty"`

	Hooks map[string]HookSpec `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	StdoutStream *StreamConfig `json:"stdout_stream,omitempty" yaml:"stdout_stream,omitempty"`
	StderrStream *StreamConfig `json:"stderr_stream,omitempty" yaml:"stderr_stream,omitempty"`

	// Flapping window parameters.
	FlapAttempts int     `json:"flap_attempts,omitempty" yaml:"flap_attempts,omitempty"`
	FlapWindow   Seconds `json:"flap_window,omitempty" yaml:"flap_window,omitempty"`
	FlapRetryIn  Seconds `json:"flap_retry_in,omitempty" yaml:"flap_retry_in,omitempty"`
	MaxRetry     int     `json:"max_retry,omitempty" yaml:"max_retry,omitempty"`
}

// Defaults for watcher declarations.
const (
	DefaultGracefulTimeout = Seconds(30)
	DefaultFlapAttempts    = 3
	DefaultFlapWindow      = Seconds(1)
	DefaultFlapRetryIn     = Seconds(7)
	DefaultMaxRetry        = 5
)

// Normalize fills unset fields with their defaults and validates the
// declaration. It is called before a watcher is created and after every
// whole-options replacement.
func (o *WatcherOptions) Normalize() error {
	if o.Name == "" {
		return errBadArgument("watcher without a name")
	}
	if o.Cmd == "" && o.Executable == "" {
		return errBadArgument("watcher %q without cmd", o.Name)
	}
	if o.NumProcesses < 0 {
		return errBadArgument("watcher %q: negative numprocesses", o.Name)
	}
	if o.Singleton && o.NumProcesses > 1 {
		return errBadArgument("watcher %q: singleton with numprocesses > 1", o.Name)
	}
	if o.StopSignal == "" {
		o.StopSignal = "SIGTERM"
	}
	if _, err := ParseSignal(o.StopSignal); err != nil {
		return err
	}
	if o.GracefulTimeout == 0 {
		o.GracefulTimeout = DefaultGracefulTimeout
	}
	if o.FlapAttempts == 0 {
		o.FlapAttempts = DefaultFlapAttempts
	}
	if o.FlapWindow == 0 {
		o.FlapWindow = DefaultFlapWindow
	}
	if o.FlapRetryIn == 0 {
		o.FlapRetryIn = DefaultFlapRetryIn
	}
	if o.MaxRetry == 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.Respawn == nil {
		o.Respawn = boolPtr(true)
	}
	if o.Autostart == nil {
		o.Autostart = boolPtr(true)
	}
	for name := range o.Hooks {
		if !knownHook(name) {
			return errBadArgument("watcher %q: unknown hook %q", o.Name, name)
		}
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

func (o *WatcherOptions) respawn() bool   { return o.Respawn == nil || *o.Respawn }
func (o *WatcherOptions) autostart() bool { return o.Autostart == nil || *o.Autostart }

// respawnRequiredOptions lists the keys whose change only takes effect on a
// fresh exec; setting one triggers a graceful sequential reload.
var respawnRequiredOptions = map[string]bool{
	"cmd":         true,
	"args":        true,
	"executable":  true,
	"uid":         true,
	"gid":         true,
	"env":         true,
	"working_dir": true,
	"rlimits":     true,
	"stop_signal": true,
	"shell":       true,
	"copy_env":    true,
	"copy_path":   true,
}

// Set applies a single option by key. Values arrive as freeform JSON scalars
// from the control protocol; each recognized key validates its own shape.
// It reports whether the change requires a respawn to take effect.
func (o *WatcherOptions) Set(key string, value any) (respawn bool, err error) {
	switch key {
	case "cmd":
		o.Cmd, err = asString(key, value)
	case "args":
		o.Args, err = asStringSlice(key, value)
	case "numprocesses":
		n, nerr := asInt(key, value)
		if nerr != nil {
			return false, nerr
		}
		if n < 0 {
			return false, errBadArgument("numprocesses must be >= 0")
		}
		if o.Singleton && n > 1 {
			return false, errBadArgument("cannot set numprocesses > 1 on a singleton watcher")
		}
		o.NumProcesses = n
	case "working_dir":
		o.WorkingDir, err = asString(key, value)
	case "uid":
		o.UID, err = asString(key, value)
	case "gid":
		o.GID, err = asString(key, value)
	case "env":
		o.Env, err = asStringMap(key, value)
	case "shell":
		o.Shell, err = asBool(key, value)
	case "executable":
		o.Executable, err = asString(key, value)
	case "stop_signal":
		s, serr := asString(key, value)
		if serr != nil {
			return false, serr
		}
		if _, serr := ParseSignal(s); serr != nil {
			return false, serr
		}
		o.StopSignal = s
	case "stop_children":
		o.StopChildren, err = asBool(key, value)
	case "graceful_timeout":
		o.GracefulTimeout, err = asSeconds(key, value)
	case "warmup_delay":
		o.WarmupDelay, err = asSeconds(key, value)
	case "respawn":
		v, berr := asBool(key, value)
		if berr != nil {
			return false, berr
		}
		o.Respawn = &v
	case "autostart":
		v, berr := asBool(key, value)
		if berr != nil {
			return false, berr
		}
		o.Autostart = &v
	case "singleton":
		o.Singleton, err = asBool(key, value)
	case "copy_env":
		o.CopyEnv, err = asBool(key, value)
	case "copy_path":
		o.CopyPath, err = asBool(key, value)
	case "use_sockets":
		o.UseSockets, err = asBool(key, value)
	case "priority":
		o.Priority, err = asInt(key, value)
	case "max_retry":
		o.MaxRetry, err = asInt(key, value)
	case "flap_attempts":
		o.FlapAttempts, err = asInt(key, value)
	case "flap_window":
		o.FlapWindow, err = asSeconds(key, value)
	case "flap_retry_in":
		o.FlapRetryIn, err = asSeconds(key, value)
	default:
		return false, errBadArgument("unknown option %q", key)
	}
	if err != nil {
		return false, err
	}
	return respawnRequiredOptions[key], nil
}

// Get returns the current value of a single option by key.
func (o *WatcherOptions) Get(key string) (any, error) {
	all := o.All()
	v, ok := all[key]
	if !ok {
		return nil, errBadArgument("unknown option %q", key)
	}
	return v, nil
}

// All returns every option as a protocol-friendly map.
func (o *WatcherOptions) All() map[string]any {
	return map[string]any{
		"cmd":              o.Cmd,
		"args":             append([]string(nil), o.Args...),
		"numprocesses":     o.NumProcesses,
		"working_dir":      o.WorkingDir,
		"uid":              o.UID,
		"gid":              o.GID,
		"env":              o.Env,
		"shell":            o.Shell,
		"executable":       o.Executable,
		"stop_signal":      o.StopSignal,
		"stop_children":    o.StopChildren,
		"graceful_timeout": float64(o.GracefulTimeout),
		"warmup_delay":     float64(o.WarmupDelay),
		"respawn":          o.respawn(),
		"autostart":        o.autostart(),
		"singleton":        o.Singleton,
		"copy_env":         o.CopyEnv,
		"copy_path":        o.CopyPath,
		"use_sockets":      o.UseSockets,
		"priority":         o.Priority,
		"max_retry":        o.MaxRetry,
		"flap_attempts":    o.FlapAttempts,
		"flap_window":      float64(o.FlapWindow),
		"flap_retry_in":    float64(o.FlapRetryIn),
	}
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errBadArgument("%v: expected string, got %T", key, v)
	}
	return s, nil
}

func asBool(key string, v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(t))
		if err != nil {
			return false, errBadArgument("%v: expected bool, got %q", key, t)
		}
		return b, nil
	default:
		return false, errBadArgument("%v: expected bool, got %T", key, v)
	}
}

func asInt(key string, v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, errBadArgument("%v: expected integer, got %q", key, t)
		}
		return n, nil
	default:
		return 0, errBadArgument("%v: expected integer, got %T", key, v)
	}
}

func asSeconds(key string, v any) (Seconds, error) {
	switch t := v.(type) {
	case float64:
		return Seconds(t), nil
	case int:
		return Seconds(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errBadArgument("%v: expected seconds, got %q", key, t)
		}
		return Seconds(f), nil
	default:
		return 0, errBadArgument("%v: expected seconds, got %T", key, v)
	}
}

func asStringSlice(key string, v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return strings.Fields(t), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errBadArgument("%v: expected list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errBadArgument("%v: expected list of strings, got %T", key, v)
	}
}

func asStringMap(key string, v any) (map[string]string, error) {
	switch t := v.(type) {
	case map[string]string:
		return t, nil
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, errBadArgument("%v: expected mapping, got %T", key, v)
	}
}

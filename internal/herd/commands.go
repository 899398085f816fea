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
	"encoding/json"
	"syscall"
)

// Request is one control-protocol message.
type Request struct {
	Command    string         `json:"command"`
	Properties map[string]any `json:"properties,omitempty"`
	MsgID      string         `json:"msg_id,omitempty"`
}

// Reply is the JSON object sent back for one request.
type Reply map[string]any

type commandHandler func(a *Arbiter, props map[string]any) (Reply, error)

// commandTable maps protocol command names to their handlers. Handlers run on
// the event loop; no two commands execute concurrently.
var commandTable = map[string]commandHandler{
	"list":         cmdList,
	"status":       cmdStatus,
	"start":        cmdStart,
	"stop":         cmdStop,
	"restart":      cmdRestart,
	"reload":       cmdReload,
	"numprocesses": cmdNumProcesses,
	"incr":         cmdIncr,
	"decr":         cmdDecr,
	"get":          cmdGet,
	"set":          cmdSet,
	"options":      cmdOptions,
	"signal":       cmdSignal,
	"stats":        cmdStats,
	"add":          cmdAdd,
	"rm":           cmdRemove,
	"quit":         cmdQuit,
}

// Dispatch resolves and executes one request, serialized through the event
// loop, and renders the reply. Start/stop style commands that find the target
// already in the requested state reply ok with an informational reason.
func (a *Arbiter) Dispatch(req Request) Reply {
	handler, ok := commandTable[req.Command]
	if !ok {
		return a.errorReply(req, ReasonUnknownCommand, req.Command)
	}
	v, err := a.Do(func() (any, error) {
		return handler(a, req.Properties)
	})
	if err != nil {
		reason, message := commandReason(err)
		switch reason {
		case ReasonAlreadyRunning, ReasonNotRunning:
			reply := Reply{"info": reason}
			return a.okReply(req, reply)
		}
		return a.errorReply(req, reason, message)
	}
	reply, _ := v.(Reply)
	return a.okReply(req, reply)
}

func (a *Arbiter) okReply(req Request, fields Reply) Reply {
	reply := Reply{"status": "ok"}
	for k, val := range fields {
		reply[k] = val
	}
	a.stampReply(req, reply)
	return reply
}

func (a *Arbiter) errorReply(req Request, reason, message string) Reply {
	reply := Reply{"status": "error", "reason": reason}
	if message != "" && message != reason {
		reply["message"] = message
	}
	a.stampReply(req, reply)
	return reply
}

func (a *Arbiter) stampReply(req Request, reply Reply) {
	reply["time"] = float64(a.clock.Now().UnixNano()) / 1e9
	if req.MsgID != "" {
		reply["id"] = req.MsgID
	}
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func propBool(props map[string]any, key string, fallback bool) bool {
	v, ok := props[key]
	if !ok {
		return fallback
	}
	b, err := asBool(key, v)
	if err != nil {
		return fallback
	}
	return b
}

func propInt(props map[string]any, key string, fallback int) (int, error) {
	v, ok := props[key]
	if !ok {
		return fallback, nil
	}
	return asInt(key, v)
}

// targetWatchers resolves the optional "name" property: a named watcher, or
// every watcher in start order.
func targetWatchers(a *Arbiter, props map[string]any) ([]*Watcher, error) {
	name := propString(props, "name")
	if name == "" {
		return a.sortedWatchers(), nil
	}
	w, err := a.watcher(name)
	if err != nil {
		return nil, err
	}
	return []*Watcher{w}, nil
}

func cmdList(a *Arbiter, props map[string]any) (Reply, error) {
	if name := propString(props, "name"); name != "" {
		w, err := a.watcher(name)
		if err != nil {
			return nil, err
		}
		return Reply{"pids": w.Pids()}, nil
	}
	names := make([]string, 0, len(a.watchers))
	for _, w := range a.sortedWatchers() {
		names = append(names, w.Name())
	}
	return Reply{"watchers": names}, nil
}

func cmdStatus(a *Arbiter, props map[string]any) (Reply, error) {
	if name := propString(props, "name"); name != "" {
		w, err := a.watcher(name)
		if err != nil {
			return nil, err
		}
		return Reply{"status": string(w.Status())}, nil
	}
	statuses := make(map[string]string, len(a.watchers))
	for _, w := range a.watchers {
		statuses[w.Name()] = string(w.Status())
	}
	return Reply{"statuses": statuses}, nil
}

func cmdStart(a *Arbiter, props map[string]any) (Reply, error) {
	ws, err := targetWatchers(a, props)
	if err != nil {
		return nil, err
	}
	named := propString(props, "name") != ""
	for _, w := range ws {
		if err := w.Start(); err != nil {
			// already running watchers are skipped in the broadcast
			// form but surface in the named form
			if reason, _ := commandReason(err); !named && reason == ReasonAlreadyRunning {
				continue
			}
			return nil, err
		}
	}
	return nil, nil
}

func cmdStop(a *Arbiter, props map[string]any) (Reply, error) {
	ws, err := targetWatchers(a, props)
	if err != nil {
		return nil, err
	}
	named := propString(props, "name") != ""
	for _, w := range ws {
		if err := w.Stop(); err != nil {
			if reason, _ := commandReason(err); !named && reason == ReasonNotRunning {
				continue
			}
			return nil, err
		}
	}
	return nil, nil
}

func cmdRestart(a *Arbiter, props map[string]any) (Reply, error) {
	ws, err := targetWatchers(a, props)
	if err != nil {
		return nil, err
	}
	for _, w := range ws {
		if err := w.Restart(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func cmdReload(a *Arbiter, props map[string]any) (Reply, error) {
	graceful := propBool(props, "graceful", true)
	sequential := propBool(props, "sequential", false)
	ws, err := targetWatchers(a, props)
	if err != nil {
		return nil, err
	}
	named := propString(props, "name") != ""
	for _, w := range ws {
		if err := w.Reload(graceful, sequential); err != nil {
			if reason, _ := commandReason(err); !named && reason == ReasonNotRunning {
				continue
			}
			return nil, err
		}
	}
	return nil, nil
}

func cmdNumProcesses(a *Arbiter, props map[string]any) (Reply, error) {
	if name := propString(props, "name"); name != "" {
		w, err := a.watcher(name)
		if err != nil {
			return nil, err
		}
		return Reply{"numprocesses": w.Options().NumProcesses}, nil
	}
	total := 0
	for _, w := range a.watchers {
		total += w.Options().NumProcesses
	}
	return Reply{"numprocesses": total}, nil
}

func cmdIncr(a *Arbiter, props map[string]any) (Reply, error) {
	w, err := a.watcher(propString(props, "name"))
	if err != nil {
		return nil, err
	}
	nb, err := propInt(props, "nb", 1)
	if err != nil {
		return nil, err
	}
	n, err := w.Incr(nb)
	if err != nil {
		return nil, err
	}
	return Reply{"numprocesses": n}, nil
}

func cmdDecr(a *Arbiter, props map[string]any) (Reply, error) {
	w, err := a.watcher(propString(props, "name"))
	if err != nil {
		return nil, err
	}
	nb, err := propInt(props, "nb", 1)
	if err != nil {
		return nil, err
	}
	n, err := w.Decr(nb)
	if err != nil {
		return nil, err
	}
	return Reply{"numprocesses": n}, nil
}

func cmdGet(a *Arbiter, props map[string]any) (Reply, error) {
	w, err := a.watcher(propString(props, "name"))
	if err != nil {
		return nil, err
	}
	keys, err := asStringSlice("keys", props["keys"])
	if err != nil {
		return nil, err
	}
	options := make(map[string]any, len(keys))
	for _, key := range keys {
		v, err := w.Options().Get(key)
		if err != nil {
			return nil, err
		}
		options[key] = v
	}
	return Reply{"options": options}, nil
}

func cmdSet(a *Arbiter, props map[string]any) (Reply, error) {
	w, err := a.watcher(propString(props, "name"))
	if err != nil {
		return nil, err
	}
	options, err := asOptionsMap(props["options"])
	if err != nil {
		return nil, err
	}
	for key, value := range options {
		if err := w.SetOption(key, value); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func asOptionsMap(v any) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, errBadArgument("set requires a non-empty options mapping")
	}
	return m, nil
}

func cmdOptions(a *Arbiter, props map[string]any) (Reply, error) {
	w, err := a.watcher(propString(props, "name"))
	if err != nil {
		return nil, err
	}
	return Reply{"options": w.Options().All()}, nil
}

func cmdSignal(a *Arbiter, props map[string]any) (Reply, error) {
	w, err := a.watcher(propString(props, "name"))
	if err != nil {
		return nil, err
	}
	sig := syscall.SIGTERM
	if raw, ok := props["signum"]; ok {
		s, err := signalFromProperty(raw)
		if err != nil {
			return nil, err
		}
		sig = s
	}
	pid, err := propInt(props, "pid", 0)
	if err != nil {
		return nil, err
	}
	return nil, w.Signal(pid, sig)
}

func signalFromProperty(v any) (syscall.Signal, error) {
	switch t := v.(type) {
	case string:
		return ParseSignal(t)
	case float64:
		return syscall.Signal(int(t)), nil
	case int:
		return syscall.Signal(t), nil
	default:
		return 0, errBadArgument("signum: expected name or number, got %T", v)
	}
}

func cmdStats(a *Arbiter, props map[string]any) (Reply, error) {
	if name := propString(props, "name"); name != "" {
		w, err := a.watcher(name)
		if err != nil {
			return nil, err
		}
		return Reply{"infos": w.Stats()}, nil
	}
	return Reply{"infos": a.StatsAll()}, nil
}

func cmdAdd(a *Arbiter, props map[string]any) (Reply, error) {
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, errBadArgument("malformed watcher declaration: %v", err)
	}
	var opts WatcherOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, errBadArgument("malformed watcher declaration: %v", err)
	}
	if opts.NumProcesses == 0 {
		opts.NumProcesses = 1
	}
	start := propBool(props, "start", false)
	if _, err := a.AddWatcher(opts, start); err != nil {
		return nil, err
	}
	return nil, nil
}

func cmdRemove(a *Arbiter, props map[string]any) (Reply, error) {
	name := propString(props, "name")
	if name == "" {
		return nil, errBadArgument("rm requires a name")
	}
	return nil, a.RemoveWatcher(name)
}

func cmdQuit(a *Arbiter, props map[string]any) (Reply, error) {
	a.beginShutdown()
	return nil, nil
}

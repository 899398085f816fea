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

package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cirello.io/herd/internal/herd"
)

// ParseFormation interprets "proc:quantity proc2:quantity" declarations.
// Unparseable quantities default to one replica.
func ParseFormation(s string) map[string]int {
	procs := strings.Split(s, " ")
	ret := make(map[string]int, len(procs))
	for _, proc := range procs {
		procName, count, _ := strings.Cut(proc, ":")
		procName = strings.TrimSpace(procName)
		if procName == "" {
			continue
		}
		ret[procName] = 1
		if quantity, err := strconv.Atoi(strings.TrimSpace(count)); err == nil {
			ret[procName] = quantity
		}
	}
	return ret
}

// ParseProcfile reads an extended Procfile
// (https://devcenter.heroku.com/articles/procfile) as a snapshot: each
// process type becomes a shell watcher.
//
// Special process type names:
//
// - workdir: the working directory of every watcher. Environment variables
// are expanded.
//
// - formation: how many replicas of each process type run, format:
// "procTypeA:# procTypeB:#". Process types absent from a non-empty formation
// are declared but not started. An empty formation starts one of each.
//
// In-command options:
//
// - signal=: the stop signal ("SIGTERM", "term", or "15").
//
// - timeout=: Go duration to wait after the stop signal before killing.
//
// - oneshot: run the process once, do not respawn it when it exits.
func ParseProcfile(r io.Reader) (herd.Snapshot, error) {
	var snap herd.Snapshot
	workdir := ""
	var formation map[string]int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// loosen translation of the official regex:
		// ^*([A-Za-z0-9_-]+):\s*(.+)$
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		procType, command, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		procType, command = strings.TrimSpace(procType), strings.TrimSpace(command)
		switch strings.ToLower(procType) {
		case "workdir":
			workdir = os.ExpandEnv(command)
		case "formation":
			formation = ParseFormation(command)
		default:
			opts := herd.WatcherOptions{
				Name:         procType,
				NumProcesses: 1,
				Shell:        true,
				CopyEnv:      true,
			}
			var cmd []string
			for _, part := range strings.Split(command, " ") {
				switch {
				case strings.HasPrefix(part, "signal="):
					opts.StopSignal = strings.TrimPrefix(part, "signal=")
				case strings.HasPrefix(part, "timeout="):
					timeout, err := time.ParseDuration(strings.TrimPrefix(part, "timeout="))
					if err != nil {
						return snap, err
					}
					opts.GracefulTimeout = herd.Seconds(timeout.Seconds())
				case part == "oneshot":
					respawn := false
					opts.Respawn = &respawn
				default:
					cmd = append(cmd, part)
				}
			}
			opts.Cmd = strings.TrimSpace(strings.Join(cmd, " "))
			snap.Watchers = append(snap.Watchers, opts)
		}
	}
	if err := scanner.Err(); err != nil {
		return snap, err
	}
	for i := range snap.Watchers {
		if workdir != "" {
			snap.Watchers[i].WorkingDir = workdir
		}
		if len(formation) == 0 {
			continue
		}
		quantity, listed := formation[snap.Watchers[i].Name]
		if !listed {
			autostart := false
			snap.Watchers[i].Autostart = &autostart
			continue
		}
		snap.Watchers[i].NumProcesses = quantity
	}
	return snap, nil
}
